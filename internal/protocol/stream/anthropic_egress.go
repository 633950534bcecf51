package stream

import (
	"fmt"
	"time"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// AnthropicEgress renders canonical chunks as Anthropic SSE events, tracking
// open-block state across the stream. Thinking blocks stay open until their
// signature arrives even when text has already started; Close emits the
// fallback stop for streams that never deliver one.
type AnthropicEgress struct {
	messageID string
	model     string
	started   bool

	textBlockIndex     int
	thinkingBlockIndex int
	openToolBlock      int
	nextBlockIndex     int
	toolIndexToBlock   map[int]int
	stoppedBlocks      map[int]bool

	inputTokens  int
	outputTokens int
	stopReason   string
	finished     bool
	closed       bool
}

func NewAnthropicEgress() *AnthropicEgress {
	return &AnthropicEgress{
		textBlockIndex:     -1,
		thinkingBlockIndex: -1,
		openToolBlock:      -1,
		toolIndexToBlock:   make(map[int]int),
		stoppedBlocks:      make(map[int]bool),
	}
}

// Push converts one canonical chunk into zero or more Anthropic SSE events.
func (e *AnthropicEgress) Push(chunk *protocol.Chunk) ([]Event, error) {
	if chunk == nil || e.closed {
		return nil, nil
	}
	var events []Event

	if !e.started {
		e.messageID = chunk.ID
		if e.messageID == "" {
			e.messageID = fmt.Sprintf("msg_%d", time.Now().Unix())
		}
		e.model = chunk.Model
		e.started = true
		events = append(events, e.messageStartEvent())
	}
	if chunk.Usage != nil {
		e.inputTokens = chunk.Usage.PromptTokens
		e.outputTokens = chunk.Usage.CompletionTokens
	}

	for i := range chunk.Choices {
		choice := &chunk.Choices[i]
		e.pushDelta(&choice.Delta, &events)
		if fin := choice.Finish(); fin != "" && !e.finished {
			e.stopReason = protocol.FinishToStop(fin)
			e.stopText(&events)
			e.stopTools(&events)
			// A terminal chunk that also carried tool_calls still produces
			// exactly this one message_delta.
			events = append(events, e.messageDeltaEvent())
			e.finished = true
		}
	}
	return events, nil
}

// Close finishes the SSE stream: fallback-stops any block still open,
// synthesizes the message_delta if the stream never carried a finish_reason,
// and emits message_stop.
func (e *AnthropicEgress) Close() []Event {
	if e.closed {
		return nil
	}
	e.closed = true
	if !e.started {
		return nil
	}
	var events []Event
	e.stopThinking(&events)
	e.stopText(&events)
	e.stopTools(&events)
	if !e.finished {
		if e.stopReason == "" {
			e.stopReason = protocol.StopEndTurn
		}
		events = append(events, e.messageDeltaEvent())
		e.finished = true
	}
	events = append(events, Event{Type: EventMessageStop, Data: map[string]interface{}{
		"type": EventMessageStop,
	}})
	return events
}

func (e *AnthropicEgress) pushDelta(delta *protocol.Delta, events *[]Event) {
	for _, tb := range delta.ThinkingBlocks {
		switch tb.Type {
		case BlockRedactedThinking:
			idx := e.allocBlock()
			*events = append(*events, blockStartEvent(idx, BlockRedactedThinking, map[string]interface{}{
				"data": tb.Data,
			}))
			e.stopBlock(idx, events)
		default:
			if e.thinkingBlockIndex == -1 {
				e.thinkingBlockIndex = e.allocBlock()
				*events = append(*events, blockStartEvent(e.thinkingBlockIndex, BlockThinking, map[string]interface{}{
					"thinking": "",
				}))
			}
			if tb.Thinking != "" {
				*events = append(*events, blockDeltaEvent(e.thinkingBlockIndex, map[string]interface{}{
					"type":     DeltaThinking,
					"thinking": tb.Thinking,
				}))
			}
			if tb.Signature != "" {
				*events = append(*events, blockDeltaEvent(e.thinkingBlockIndex, map[string]interface{}{
					"type":      DeltaSignature,
					"signature": tb.Signature,
				}))
				e.stopThinking(events)
			}
		}
	}

	if delta.ReasoningContent != "" {
		if e.thinkingBlockIndex == -1 {
			e.thinkingBlockIndex = e.allocBlock()
			*events = append(*events, blockStartEvent(e.thinkingBlockIndex, BlockThinking, map[string]interface{}{
				"thinking": "",
			}))
		}
		*events = append(*events, blockDeltaEvent(e.thinkingBlockIndex, map[string]interface{}{
			"type":     DeltaThinking,
			"thinking": delta.ReasoningContent,
		}))
	}

	if delta.Content != "" {
		if e.textBlockIndex == -1 {
			e.textBlockIndex = e.allocBlock()
			*events = append(*events, blockStartEvent(e.textBlockIndex, BlockText, map[string]interface{}{
				"text": "",
			}))
		}
		*events = append(*events, blockDeltaEvent(e.textBlockIndex, map[string]interface{}{
			"type": DeltaText,
			"text": delta.Content,
		}))
	}

	for _, tc := range delta.ToolCalls {
		anthropicIdx, exists := e.toolIndexToBlock[tc.Index]
		if !exists {
			// Tool use ends the text block and any previous tool block.
			e.stopText(events)
			e.stopTools(events)
			anthropicIdx = e.allocBlock()
			e.toolIndexToBlock[tc.Index] = anthropicIdx
			e.openToolBlock = anthropicIdx
			*events = append(*events, blockStartEvent(anthropicIdx, BlockToolUse, map[string]interface{}{
				"id":    tc.ID,
				"name":  tc.Function.Name,
				"input": map[string]interface{}{},
			}))
		}
		if tc.Function.Arguments != "" {
			*events = append(*events, blockDeltaEvent(anthropicIdx, map[string]interface{}{
				"type":         DeltaInputJSON,
				"partial_json": tc.Function.Arguments,
			}))
		}
	}
}

func (e *AnthropicEgress) allocBlock() int {
	idx := e.nextBlockIndex
	e.nextBlockIndex++
	return idx
}

func (e *AnthropicEgress) stopBlock(idx int, events *[]Event) {
	if idx < 0 || e.stoppedBlocks[idx] {
		return
	}
	e.stoppedBlocks[idx] = true
	*events = append(*events, Event{Type: EventContentBlockStop, Data: map[string]interface{}{
		"type":  EventContentBlockStop,
		"index": idx,
	}})
}

func (e *AnthropicEgress) stopText(events *[]Event) {
	if e.textBlockIndex != -1 {
		e.stopBlock(e.textBlockIndex, events)
		e.textBlockIndex = -1
	}
}

func (e *AnthropicEgress) stopThinking(events *[]Event) {
	if e.thinkingBlockIndex != -1 {
		e.stopBlock(e.thinkingBlockIndex, events)
		e.thinkingBlockIndex = -1
	}
}

func (e *AnthropicEgress) stopTools(events *[]Event) {
	if e.openToolBlock != -1 {
		e.stopBlock(e.openToolBlock, events)
		e.openToolBlock = -1
	}
}

func (e *AnthropicEgress) messageStartEvent() Event {
	return Event{Type: EventMessageStart, Data: map[string]interface{}{
		"type": EventMessageStart,
		"message": map[string]interface{}{
			"id":            e.messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []interface{}{},
			"model":         e.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]interface{}{
				"input_tokens":  0,
				"output_tokens": 0,
			},
		},
	}}
}

func (e *AnthropicEgress) messageDeltaEvent() Event {
	return Event{Type: EventMessageDelta, Data: map[string]interface{}{
		"type": EventMessageDelta,
		"delta": map[string]interface{}{
			"stop_reason":   e.stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]interface{}{
			"output_tokens": e.outputTokens,
		},
	}}
}

func blockStartEvent(index int, blockType string, fields map[string]interface{}) Event {
	block := map[string]interface{}{"type": blockType}
	for k, v := range fields {
		block[k] = v
	}
	return Event{Type: EventContentBlockStart, Data: map[string]interface{}{
		"type":          EventContentBlockStart,
		"index":         index,
		"content_block": block,
	}}
}

func blockDeltaEvent(index int, delta map[string]interface{}) Event {
	return Event{Type: EventContentBlockDelta, Data: map[string]interface{}{
		"type":  EventContentBlockDelta,
		"index": index,
		"delta": delta,
	}}
}
