// Package events turns hook invocations into structured conversation events
// and folds stored events back into call snapshots for the read path.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Type discriminates conversation event kinds.
type Type string

const (
	TypeRequestStarted   Type = "request_started"
	TypeOriginalChunk    Type = "original_chunk"
	TypeFinalChunk       Type = "final_chunk"
	TypeChunkTimeout     Type = "chunk_timeout"
	TypeRequestCompleted Type = "request_completed"
)

// Completion statuses carried by request_completed payloads.
const (
	StatusSuccess       = "success"
	StatusFailure       = "failure"
	StatusStreamSummary = "stream_summary"
)

// Event is one structured conversation record. Sequence is nanosecond-scale
// and strictly increasing within a call; consumers order by
// (sequence, timestamp, type).
type Event struct {
	ID        string                 `json:"id"`
	CallID    string                 `json:"call_id"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Type      Type                   `json:"event_type"`
	Sequence  int64                  `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Hook      string                 `json:"hook"`
	Payload   map[string]interface{} `json:"payload"`
}

func newEvent(callID, traceID string, typ Type, seq int64, hook string, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		CallID:    callID,
		TraceID:   traceID,
		Type:      typ,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Hook:      hook,
		Payload:   payload,
	}
}

// Sequence derives the event sequence for a hook payload: the payload's own
// post_time_ns, else the first post_time_ns found anywhere in the payload
// tree, else the fallback time.
func Sequence(payload []byte, fallback time.Time) int64 {
	root := gjson.ParseBytes(payload)
	if v := root.Get("post_time_ns"); v.Exists() && v.Int() > 0 {
		return v.Int()
	}
	if v := findNested(root, "post_time_ns"); v > 0 {
		return v
	}
	return fallback.UnixNano()
}

func findNested(node gjson.Result, key string) int64 {
	var found int64
	node.ForEach(func(k, v gjson.Result) bool {
		if k.Str == key && v.Int() > 0 {
			found = v.Int()
			return false
		}
		if v.IsObject() || v.IsArray() {
			if nested := findNested(v, key); nested > 0 {
				found = nested
				return false
			}
		}
		return true
	})
	return found
}

// ExtractCallID digs the call id out of a hook payload using the fixed
// lookup order: top-level, then data, request_data and litellm metadata.
func ExtractCallID(payload []byte) string {
	return lookupString(payload, "litellm_call_id", "call_id")
}

// ExtractTraceID digs the trace id out of a hook payload with the same
// lookup order as ExtractCallID.
func ExtractTraceID(payload []byte) string {
	return lookupString(payload, "litellm_trace_id", "trace_id")
}

var lookupPrefixes = []string{"", "data.", "request_data.", "litellm_params.metadata."}

func lookupString(payload []byte, keys ...string) string {
	root := gjson.ParseBytes(payload)
	for _, prefix := range lookupPrefixes {
		for _, key := range keys {
			if v := root.Get(prefix + key); v.Exists() && v.Str != "" {
				return v.Str
			}
		}
	}
	return ""
}
