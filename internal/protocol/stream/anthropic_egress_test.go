package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

func pushAll(t *testing.T, eg *AnthropicEgress, chunks ...*protocol.Chunk) []Event {
	t.Helper()
	var out []Event
	for _, c := range chunks {
		events, err := eg.Push(c)
		require.NoError(t, err)
		out = append(out, events...)
	}
	return out
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func chunkWith(delta protocol.Delta, finish string) *protocol.Chunk {
	choice := protocol.Choice{Delta: delta}
	if finish != "" {
		choice.FinishReason = protocol.FinishPtr(finish)
	}
	return &protocol.Chunk{ID: "msg_01", Object: protocol.ObjectChunk, Model: "claude-sonnet-4",
		Choices: []protocol.Choice{choice}}
}

func TestAnthropicEgress_TextStream(t *testing.T) {
	eg := NewAnthropicEgress()
	events := pushAll(t, eg,
		chunkWith(protocol.Delta{Role: "assistant"}, ""),
		chunkWith(protocol.Delta{Content: "Hel"}, ""),
		chunkWith(protocol.Delta{Content: "lo"}, ""),
		chunkWith(protocol.Delta{}, "stop"),
	)
	events = append(events, eg.Close()...)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	msgStart := events[0].Data["message"].(map[string]interface{})
	assert.Equal(t, "msg_01", msgStart["id"])
	assert.Equal(t, "claude-sonnet-4", msgStart["model"])

	delta := events[5].Data["delta"].(map[string]interface{})
	assert.Equal(t, "end_turn", delta["stop_reason"])
}

func TestAnthropicEgress_DelayedThinkingClose(t *testing.T) {
	// Thinking must stay open while text streams in parallel; the signature
	// closes it. (S3 shape.)
	eg := NewAnthropicEgress()
	thinking := func(text, sig string) *protocol.Chunk {
		return chunkWith(protocol.Delta{ThinkingBlocks: []protocol.ThinkingBlock{{
			Type: "thinking", Thinking: text, Signature: sig,
		}}}, "")
	}

	events := pushAll(t, eg,
		chunkWith(protocol.Delta{Role: "assistant"}, ""),
		thinking("Think", ""),
		thinking("...", ""),
		chunkWith(protocol.Delta{Content: "Hel"}, ""),
		chunkWith(protocol.Delta{Content: "lo"}, ""),
		thinking("", "sig_x"),
		chunkWith(protocol.Delta{}, "stop"),
	)
	events = append(events, eg.Close()...)

	types := eventTypes(events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // thinking @0
		"content_block_delta",
		"content_block_delta",
		"content_block_start", // text @1, thinking still open
		"content_block_delta",
		"content_block_delta",
		"content_block_delta", // signature_delta @0
		"content_block_stop",  // thinking closes on signature
		"content_block_stop",  // text closes at finish
		"message_delta",
		"message_stop",
	}, types)

	thinkingStart := events[1].Data
	assert.Equal(t, 0, thinkingStart["index"])
	assert.Equal(t, "thinking", thinkingStart["content_block"].(map[string]interface{})["type"])

	textStart := events[4].Data
	assert.Equal(t, 1, textStart["index"])
	assert.Equal(t, "text", textStart["content_block"].(map[string]interface{})["type"])

	sigDelta := events[7].Data
	assert.Equal(t, 0, sigDelta["index"])
	assert.Equal(t, "sig_x", sigDelta["delta"].(map[string]interface{})["signature"])

	thinkingStop := events[8].Data
	assert.Equal(t, 0, thinkingStop["index"])
}

func TestAnthropicEgress_ThinkingFallbackCloseOnMessageStop(t *testing.T) {
	eg := NewAnthropicEgress()
	events := pushAll(t, eg,
		chunkWith(protocol.Delta{ThinkingBlocks: []protocol.ThinkingBlock{{Type: "thinking", Thinking: "hm"}}}, ""),
	)
	events = append(events, eg.Close()...)

	types := eventTypes(events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop", // fallback close, no signature ever arrived
		"message_delta",
		"message_stop",
	}, types)
}

func TestAnthropicEgress_ToolTerminalChunkSingleMessageDelta(t *testing.T) {
	// One chunk carrying both the tool call and finish_reason="tool_calls"
	// yields exactly one message_delta.
	eg := NewAnthropicEgress()
	terminal := chunkWith(protocol.Delta{ToolCalls: []protocol.ToolCallDelta{{
		Index: 0, ID: "call_1", Type: "function",
		Function: protocol.FunctionDelta{Name: "execute_sql", Arguments: `{"query":"DROP TABLE users"}`},
	}}}, "tool_calls")

	events := pushAll(t, eg, chunkWith(protocol.Delta{Role: "assistant"}, ""), terminal)
	events = append(events, eg.Close()...)

	deltaCount := 0
	for _, ev := range events {
		if ev.Type == "message_delta" {
			deltaCount++
		}
	}
	assert.Equal(t, 1, deltaCount)

	types := eventTypes(events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // tool_use
		"content_block_delta", // input_json_delta
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	msgDelta := events[4].Data["delta"].(map[string]interface{})
	assert.Equal(t, "tool_use", msgDelta["stop_reason"])

	toolStart := events[1].Data["content_block"].(map[string]interface{})
	assert.Equal(t, "tool_use", toolStart["type"])
	assert.Equal(t, "call_1", toolStart["id"])
	assert.Equal(t, "execute_sql", toolStart["name"])
}

func TestAnthropicEgress_ToolUseClosesTextBlock(t *testing.T) {
	eg := NewAnthropicEgress()
	events := pushAll(t, eg,
		chunkWith(protocol.Delta{Content: "Checking."}, ""),
		chunkWith(protocol.Delta{ToolCalls: []protocol.ToolCallDelta{{
			Index: 0, ID: "call_1", Function: protocol.FunctionDelta{Name: "lookup", Arguments: "{}"},
		}}}, ""),
	)

	types := eventTypes(events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text @0
		"content_block_delta",
		"content_block_stop",  // text closes before tool opens
		"content_block_start", // tool_use @1
		"content_block_delta",
	}, types)
	assert.Equal(t, 1, events[4].Data["index"])
}

func TestAnthropicEgress_CloseWithoutFinishSynthesizesEndTurn(t *testing.T) {
	eg := NewAnthropicEgress()
	events := pushAll(t, eg, chunkWith(protocol.Delta{Content: "partial"}, ""))
	events = append(events, eg.Close()...)

	types := eventTypes(events)
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, "message_delta", types[len(types)-2])
	assert.Equal(t, "message_stop", types[len(types)-1])

	delta := events[len(events)-2].Data["delta"].(map[string]interface{})
	assert.Equal(t, "end_turn", delta["stop_reason"])
}

func TestAnthropicEgress_UsagePropagatesToMessageDelta(t *testing.T) {
	eg := NewAnthropicEgress()
	fin := chunkWith(protocol.Delta{}, "stop")
	fin.Usage = &protocol.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}

	events := pushAll(t, eg, chunkWith(protocol.Delta{Content: "x"}, ""), fin)
	var msgDelta Event
	for _, ev := range events {
		if ev.Type == "message_delta" {
			msgDelta = ev
		}
	}
	require.NotNil(t, msgDelta.Data)
	usage := msgDelta.Data["usage"].(map[string]interface{})
	assert.Equal(t, 4, usage["output_tokens"])
}

func TestAnthropicEgress_PushAfterCloseIsNoop(t *testing.T) {
	eg := NewAnthropicEgress()
	pushAll(t, eg, chunkWith(protocol.Delta{Content: "x"}, ""))
	eg.Close()

	events, err := eg.Push(chunkWith(protocol.Delta{Content: "late"}, ""))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, eg.Close())
}
