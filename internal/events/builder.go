package events

import (
	"github.com/tidwall/gjson"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// Builder maps hook invocations to conversation events, stamping per-stream
// chunk indices and keeping sequences consecutive within one invocation.
type Builder struct {
	indices *ChunkIndexStore
}

func NewBuilder(indices *ChunkIndexStore) *Builder {
	return &Builder{indices: indices}
}

// Indices exposes the per-call counter store shared with the dispatcher.
func (b *Builder) Indices() *ChunkIndexStore { return b.indices }

// RequestStarted builds the call-opening event and initializes the call's
// chunk counters. originalRequest and finalRequest are the pre-policy and
// post-policy request payloads; the diff is computed downstream.
func (b *Builder) RequestStarted(callID, traceID string, seq int64, originalRequest, finalRequest map[string]interface{}) *Event {
	b.indices.Init(callID)
	return newEvent(callID, traceID, TypeRequestStarted, seq, protocol.HookPreCall, map[string]interface{}{
		"original_request": originalRequest,
		"final_request":    finalRequest,
	})
}

// ChunkEvents builds the events for one streamed chunk: always an
// original_chunk at seq, plus a final_chunk at seq+1 when the policy rewrote
// it. Both carry their per-stream chunk index.
func (b *Builder) ChunkEvents(callID, traceID string, seq int64, original, final *protocol.Chunk) []*Event {
	out := []*Event{newEvent(callID, traceID, TypeOriginalChunk, seq, protocol.HookPostCallStream, map[string]interface{}{
		"chunk_index": b.indices.NextOriginal(callID),
		"delta":       original.ContentDelta(),
		"chunk":       chunkPayload(original),
	})}
	if final != nil {
		out = append(out, newEvent(callID, traceID, TypeFinalChunk, seq+1, protocol.HookPostCallStream, map[string]interface{}{
			"chunk_index": b.indices.NextFinal(callID),
			"delta":       final.ContentDelta(),
			"chunk":       chunkPayload(final),
		}))
	}
	return out
}

// ChunkTimeout builds the event recorded when the control plane misses a
// chunk's reply window and the original chunk is forwarded instead.
func (b *Builder) ChunkTimeout(callID, traceID string, seq int64, chunkIndex int) *Event {
	return newEvent(callID, traceID, TypeChunkTimeout, seq, protocol.HookChunkTimeout, map[string]interface{}{
		"chunk_index": chunkIndex,
		"reason":      "control plane reply timed out, original chunk forwarded",
	})
}

// RequestCompleted builds the terminal event for a call and clears its chunk
// counters. extra fields are merged into the payload next to the status.
func (b *Builder) RequestCompleted(callID, traceID string, seq int64, hook, status string, extra map[string]interface{}) *Event {
	payload := map[string]interface{}{"status": status}
	for k, v := range extra {
		payload[k] = v
	}
	ev := newEvent(callID, traceID, TypeRequestCompleted, seq, hook, payload)
	b.indices.Clear(callID)
	return ev
}

// StreamSummary builds the request_completed payload for a finished stream:
// chunk counts from the per-call counters plus a token estimate of the text
// the client actually received.
func (b *Builder) StreamSummary(callID, finalText string) map[string]interface{} {
	original, final := b.indices.Counts(callID)
	return map[string]interface{}{
		"original_chunks":  original,
		"final_chunks":     final,
		"final_response":   finalText,
		"estimated_tokens": EstimateTokens(finalText),
	}
}

// ExtractResponseText pulls the assistant text out of a provider response
// payload, trying the OpenAI shape then the Anthropic shape.
func ExtractResponseText(payload []byte) string {
	root := gjson.ParseBytes(payload)
	for _, path := range []string{
		"response.choices.0.message.content",
		"choices.0.message.content",
		"response.content.0.text",
		"content.0.text",
	} {
		if v := root.Get(path); v.Exists() && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func chunkPayload(c *protocol.Chunk) interface{} {
	raw, err := c.Marshal()
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := jsonUnmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
