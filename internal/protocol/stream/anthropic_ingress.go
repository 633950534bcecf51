package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// AnthropicIngress translates Anthropic stream events into canonical chunks.
// One instance serves one upstream stream; it is not safe for concurrent use.
type AnthropicIngress struct {
	chatID       string
	model        string
	created      int64
	inputTokens  int
	blockTypes   map[int]string
	toolSlots    map[int]int
	nextToolSlot int
	done         bool
}

func NewAnthropicIngress() *AnthropicIngress {
	return &AnthropicIngress{
		created:    time.Now().Unix(),
		blockTypes: make(map[int]string),
		toolSlots:  make(map[int]int),
	}
}

// Done reports whether message_stop has been seen.
func (t *AnthropicIngress) Done() bool { return t.done }

// Translate consumes one event payload (its "type" field discriminates) and
// returns zero or more canonical chunks.
func (t *AnthropicIngress) Translate(raw []byte) ([]*protocol.Chunk, error) {
	var ev anthropicEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse anthropic event: %w", err)
	}

	switch ev.Type {
	case EventMessageStart:
		if ev.Message != nil {
			t.chatID = ev.Message.ID
			t.model = ev.Message.Model
			t.inputTokens = ev.Message.Usage.InputTokens
		}
		if t.chatID == "" {
			t.chatID = fmt.Sprintf("chatcmpl-%d", time.Now().Unix())
		}
		return t.one(protocol.Delta{Role: "assistant"}, ""), nil

	case EventContentBlockStart:
		return t.translateBlockStart(&ev)

	case EventContentBlockDelta:
		return t.translateBlockDelta(&ev)

	case EventContentBlockStop, EventPing:
		return nil, nil

	case EventMessageDelta:
		if ev.Delta == nil || ev.Delta.StopReason == "" {
			return nil, nil
		}
		chunks := t.one(protocol.Delta{}, protocol.StopToFinish(ev.Delta.StopReason))
		if ev.Usage != nil {
			out := ev.Usage.OutputTokens
			chunks[0].Usage = &protocol.Usage{
				PromptTokens:     t.inputTokens,
				CompletionTokens: out,
				TotalTokens:      t.inputTokens + out,
			}
		}
		return chunks, nil

	case EventMessageStop:
		t.done = true
		return nil, nil

	case EventError:
		if ev.Error != nil {
			return nil, fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}
		return nil, fmt.Errorf("anthropic stream error")

	default:
		// Unknown event types are skipped rather than failing the stream.
		return nil, nil
	}
}

func (t *AnthropicIngress) translateBlockStart(ev *anthropicEvent) ([]*protocol.Chunk, error) {
	if ev.ContentBlock == nil {
		return nil, nil
	}
	t.blockTypes[ev.Index] = ev.ContentBlock.Type

	switch ev.ContentBlock.Type {
	case BlockText:
		if ev.ContentBlock.Text != "" {
			return t.one(protocol.Delta{Content: ev.ContentBlock.Text}, ""), nil
		}
		return nil, nil

	case BlockToolUse:
		slot := t.nextToolSlot
		t.nextToolSlot++
		t.toolSlots[ev.Index] = slot
		args := ""
		if len(ev.ContentBlock.Input) > 0 {
			if s := string(ev.ContentBlock.Input); s != "{}" && s != "null" {
				args = s
			}
		}
		return t.one(protocol.Delta{ToolCalls: []protocol.ToolCallDelta{{
			Index:    slot,
			ID:       ev.ContentBlock.ID,
			Type:     "function",
			Function: protocol.FunctionDelta{Name: ev.ContentBlock.Name, Arguments: args},
		}}}, ""), nil

	case BlockThinking:
		if ev.ContentBlock.Thinking != "" {
			return t.one(protocol.Delta{ThinkingBlocks: []protocol.ThinkingBlock{{
				Type: BlockThinking, Thinking: ev.ContentBlock.Thinking,
			}}}, ""), nil
		}
		return nil, nil

	case BlockRedactedThinking:
		return t.one(protocol.Delta{ThinkingBlocks: []protocol.ThinkingBlock{{
			Type: BlockRedactedThinking, Data: ev.ContentBlock.Data,
		}}}, ""), nil

	default:
		return nil, nil
	}
}

func (t *AnthropicIngress) translateBlockDelta(ev *anthropicEvent) ([]*protocol.Chunk, error) {
	if ev.Delta == nil {
		return nil, nil
	}
	switch ev.Delta.Type {
	case DeltaText:
		if ev.Delta.Text == "" {
			return nil, nil
		}
		return t.one(protocol.Delta{Content: ev.Delta.Text}, ""), nil

	case DeltaInputJSON:
		if ev.Delta.PartialJSON == "" {
			return nil, nil
		}
		slot, ok := t.toolSlots[ev.Index]
		if !ok {
			slot = t.nextToolSlot
			t.nextToolSlot++
			t.toolSlots[ev.Index] = slot
		}
		return t.one(protocol.Delta{ToolCalls: []protocol.ToolCallDelta{{
			Index:    slot,
			Function: protocol.FunctionDelta{Arguments: ev.Delta.PartialJSON},
		}}}, ""), nil

	case DeltaThinking:
		return t.one(protocol.Delta{ThinkingBlocks: []protocol.ThinkingBlock{{
			Type: BlockThinking, Thinking: ev.Delta.Thinking,
		}}}, ""), nil

	case DeltaSignature:
		return t.one(protocol.Delta{ThinkingBlocks: []protocol.ThinkingBlock{{
			Type: BlockThinking, Signature: ev.Delta.Signature,
		}}}, ""), nil

	default:
		return nil, nil
	}
}

func (t *AnthropicIngress) one(delta protocol.Delta, finish string) []*protocol.Chunk {
	choice := protocol.Choice{Delta: delta}
	if finish != "" {
		choice.FinishReason = protocol.FinishPtr(finish)
	}
	return []*protocol.Chunk{{
		ID:      t.chatID,
		Object:  protocol.ObjectChunk,
		Created: t.created,
		Model:   t.model,
		Choices: []protocol.Choice{choice},
	}}
}
