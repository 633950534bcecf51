package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapEvent(typ Type, seq int64, payload map[string]interface{}) *Event {
	return &Event{
		CallID:    "call-1",
		Type:      typ,
		Sequence:  seq,
		Timestamp: time.Date(2025, 6, 1, 0, 0, 0, int(seq), time.UTC),
		Payload:   payload,
	}
}

func TestBuildSnapshot_FoldsChunkStreams(t *testing.T) {
	evs := []*Event{
		snapEvent(TypeRequestStarted, 1, nil),
		snapEvent(TypeOriginalChunk, 2, map[string]interface{}{"delta": "ab"}),
		snapEvent(TypeFinalChunk, 3, map[string]interface{}{"delta": "AB"}),
		snapEvent(TypeOriginalChunk, 4, map[string]interface{}{"delta": "cd"}),
		snapEvent(TypeFinalChunk, 5, map[string]interface{}{"delta": "CD"}),
	}
	snap := BuildSnapshot("call-1", evs, nil)

	assert.Equal(t, "abcd", snap.OriginalResponse)
	assert.Equal(t, "ABCD", snap.FinalResponse)
	assert.Equal(t, 2, snap.ChunkCount)
	assert.Equal(t, "streaming", snap.Status)
}

func TestBuildSnapshot_CompletedFullResponseWins(t *testing.T) {
	evs := []*Event{
		snapEvent(TypeOriginalChunk, 1, map[string]interface{}{"delta": "partial"}),
		snapEvent(TypeRequestCompleted, 2, map[string]interface{}{
			"status":            StatusSuccess,
			"original_response": "full original",
			"final_response":    "full final",
		}),
	}
	snap := BuildSnapshot("call-1", evs, nil)

	assert.Equal(t, "full original", snap.OriginalResponse)
	assert.Equal(t, "full final", snap.FinalResponse)
	assert.Equal(t, "success", snap.Status)
	require.NotNil(t, snap.CompletedAt)
}

func TestBuildSnapshot_StatusPendingWithoutChunks(t *testing.T) {
	snap := BuildSnapshot("call-1", []*Event{snapEvent(TypeRequestStarted, 1, nil)}, nil)
	assert.Equal(t, "pending", snap.Status)
}

func TestBuildSnapshot_OrdersBySequence(t *testing.T) {
	evs := []*Event{
		snapEvent(TypeOriginalChunk, 5, map[string]interface{}{"delta": "cd"}),
		snapEvent(TypeOriginalChunk, 2, map[string]interface{}{"delta": "ab"}),
	}
	snap := BuildSnapshot("call-1", evs, nil)
	assert.Equal(t, "abcd", snap.OriginalResponse)
}

func TestBuildSnapshot_NewMessagesDiff(t *testing.T) {
	started := snapEvent(TypeRequestStarted, 1, map[string]interface{}{
		"final_request": map[string]interface{}{
			"messages": []interface{}{
				map[string]interface{}{"role": "user", "content": "first"},
				map[string]interface{}{"role": "assistant", "content": "reply"},
				map[string]interface{}{"role": "user", "content": "second"},
			},
		},
	})
	baseline := []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
	}
	snap := BuildSnapshot("call-1", []*Event{started}, baseline)
	require.Len(t, snap.NewMessages, 1)
	assert.Equal(t, Message{Role: "user", Content: "second"}, snap.NewMessages[0])
}

func TestDiffMessages_TrailingWhitespaceIgnored(t *testing.T) {
	request := []Message{{Role: "user", Content: "hello  \n"}}
	baseline := []Message{{Role: "user", Content: "hello"}}
	assert.Empty(t, diffMessages(request, baseline))

	// Interior edits still count as new.
	request = []Message{{Role: "user", Content: "he llo"}}
	assert.Len(t, diffMessages(request, baseline), 1)
}
