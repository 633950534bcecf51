package events

import (
	"sort"
	"strings"
	"time"
)

// Message is the (role, content) pair used for request diffs.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Snapshot is the folded view of one call, assembled from its stored events.
type Snapshot struct {
	CallID           string     `json:"call_id"`
	TraceID          string     `json:"trace_id,omitempty"`
	Status           string     `json:"status"`
	OriginalResponse string     `json:"original_response"`
	FinalResponse    string     `json:"final_response"`
	NewMessages      []Message  `json:"new_messages"`
	ChunkCount       int        `json:"chunk_count"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// SortEvents orders events by (sequence, timestamp, event type), the only
// ordering consumers may rely on across producers.
func SortEvents(evs []*Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].Sequence != evs[j].Sequence {
			return evs[i].Sequence < evs[j].Sequence
		}
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].Type < evs[j].Type
	})
}

// BuildSnapshot folds a call's events into a snapshot. baseline is the
// previous call's final message list (nil for the first call of a trace);
// it feeds the new_messages diff.
func BuildSnapshot(callID string, evs []*Event, baseline []Message) *Snapshot {
	SortEvents(evs)
	snap := &Snapshot{CallID: callID, Status: "pending", NewMessages: []Message{}}

	var originalStream, finalStream strings.Builder
	var fullOriginal, fullFinal string
	var request []Message

	for _, ev := range evs {
		if snap.TraceID == "" {
			snap.TraceID = ev.TraceID
		}
		switch ev.Type {
		case TypeRequestStarted:
			ts := ev.Timestamp
			snap.StartedAt = &ts
			request = payloadMessages(ev.Payload, "final_request")
			if request == nil {
				request = payloadMessages(ev.Payload, "original_request")
			}
		case TypeOriginalChunk:
			snap.ChunkCount++
			originalStream.WriteString(payloadString(ev.Payload, "delta"))
		case TypeFinalChunk:
			finalStream.WriteString(payloadString(ev.Payload, "delta"))
		case TypeRequestCompleted:
			ts := ev.Timestamp
			snap.CompletedAt = &ts
			// A completed event carrying the full responses is strictly
			// later truth than the folded chunk streams.
			if s := payloadString(ev.Payload, "original_response"); s != "" {
				fullOriginal = s
			}
			if s := payloadString(ev.Payload, "final_response"); s != "" {
				fullFinal = s
			}
		}
	}

	snap.OriginalResponse = originalStream.String()
	if fullOriginal != "" {
		snap.OriginalResponse = fullOriginal
	}
	snap.FinalResponse = finalStream.String()
	if fullFinal != "" {
		snap.FinalResponse = fullFinal
	}

	snap.NewMessages = diffMessages(request, baseline)

	switch {
	case snap.CompletedAt != nil:
		snap.Status = "success"
	case snap.ChunkCount > 0:
		snap.Status = "streaming"
	}
	return snap
}

// FinalMessages reconstructs the message list a call ended with: its request
// messages plus the assistant's final response. Used as the baseline for the
// next call's new_messages diff.
func FinalMessages(evs []*Event) []Message {
	SortEvents(evs)
	var request []Message
	var finalStream strings.Builder
	var fullFinal string
	for _, ev := range evs {
		switch ev.Type {
		case TypeRequestStarted:
			request = payloadMessages(ev.Payload, "final_request")
			if request == nil {
				request = payloadMessages(ev.Payload, "original_request")
			}
		case TypeFinalChunk:
			finalStream.WriteString(payloadString(ev.Payload, "delta"))
		case TypeOriginalChunk:
			// Original deltas stand in when the policy never rewrote.
		case TypeRequestCompleted:
			if s := payloadString(ev.Payload, "final_response"); s != "" {
				fullFinal = s
			}
		}
	}
	final := finalStream.String()
	if fullFinal != "" {
		final = fullFinal
	}
	out := append([]Message{}, request...)
	if final != "" {
		out = append(out, Message{Role: "assistant", Content: final})
	}
	return out
}

// diffMessages returns the request messages not present in the baseline.
// Messages compare by exact (role, content) equality after trimming trailing
// whitespace only; interior edits count as new messages.
func diffMessages(request, baseline []Message) []Message {
	seen := make(map[Message]int, len(baseline))
	for _, m := range baseline {
		seen[normalizeMessage(m)]++
	}
	out := []Message{}
	for _, m := range request {
		key := normalizeMessage(m)
		if seen[key] > 0 {
			seen[key]--
			continue
		}
		out = append(out, m)
	}
	return out
}

func normalizeMessage(m Message) Message {
	return Message{Role: m.Role, Content: strings.TrimRight(m.Content, " \t\r\n")}
}

func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func payloadMessages(payload map[string]interface{}, key string) []Message {
	if payload == nil {
		return nil
	}
	req, ok := payload[key].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := req["messages"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		out = append(out, Message{Role: role, Content: content})
	}
	return out
}
