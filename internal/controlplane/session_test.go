package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/policy"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// fakeWire drives ServeWire without a network.
type fakeWire struct {
	in  chan *protocol.WireMessage
	out chan *protocol.WireMessage
}

func newFakeWire() *fakeWire {
	return &fakeWire{
		in:  make(chan *protocol.WireMessage, 32),
		out: make(chan *protocol.WireMessage, 32),
	}
}

func (f *fakeWire) Read(ctx context.Context) (*protocol.WireMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	}
}

func (f *fakeWire) Write(_ context.Context, msg *protocol.WireMessage) error {
	f.out <- msg
	return nil
}

func (f *fakeWire) send(t *testing.T, msgType string, data interface{}) {
	t.Helper()
	msg := &protocol.WireMessage{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		msg.Data = raw
	}
	f.in <- msg
}

func (f *fakeWire) recv(t *testing.T) *protocol.WireMessage {
	t.Helper()
	select {
	case msg := <-f.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func (f *fakeWire) recvChunk(t *testing.T) *protocol.Chunk {
	t.Helper()
	msg := f.recv(t)
	require.Equal(t, protocol.WireChunk, msg.Type)
	chunk, err := protocol.Normalize(msg.Data)
	require.NoError(t, err)
	return chunk
}

func streamingChunk(content, finish string) map[string]interface{} {
	choice := map[string]interface{}{
		"index": 0,
		"delta": map[string]interface{}{"content": content},
	}
	if finish != "" {
		choice["finish_reason"] = finish
	} else {
		choice["finish_reason"] = nil
	}
	return map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   "gpt-4",
		"choices": []interface{}{choice},
	}
}

func terminalToolChunk(name, args string) map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   "gpt-4",
		"choices": []interface{}{map[string]interface{}{
			"index": 0,
			"delta": map[string]interface{}{
				"tool_calls": []interface{}{map[string]interface{}{
					"index": 0,
					"id":    "call_1",
					"type":  "function",
					"function": map[string]interface{}{
						"name":      name,
						"arguments": args,
					},
				}},
			},
			"finish_reason": "tool_calls",
		}},
	}
}

func runSession(t *testing.T, pol policy.Policy) (*fakeWire, chan struct{}) {
	t.Helper()
	d := newTestDispatcher(t, pol)
	wire := newFakeWire()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.ServeWire(context.Background(), wire)
	}()
	return wire, done
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestServeWire_UppercasePolicy_RewritesStream(t *testing.T) {
	p, err := policy.New("uppercase", nil)
	require.NoError(t, err)
	wire, done := runSession(t, p)

	wire.send(t, protocol.WireStart, map[string]interface{}{"call_id": "call-s2"})
	wire.send(t, protocol.WireChunk, streamingChunk("ab", ""))
	assert.Equal(t, "AB", wire.recvChunk(t).ContentDelta())

	wire.send(t, protocol.WireChunk, streamingChunk("cd", ""))
	assert.Equal(t, "CD", wire.recvChunk(t).ContentDelta())

	wire.send(t, protocol.WireChunk, streamingChunk("", protocol.FinishStop))
	finishReply := wire.recvChunk(t)
	assert.Equal(t, protocol.FinishStop, finishReply.FinishReason())

	wire.send(t, protocol.WireEnd, nil)
	assert.Equal(t, protocol.WireEnd, wire.recv(t).Type)
	waitDone(t, done)
}

func TestServeWire_NoopPolicy_PassesThrough(t *testing.T) {
	wire, done := runSession(t, &policy.Noop{})

	wire.send(t, protocol.WireStart, map[string]interface{}{"call_id": "call-1"})
	wire.send(t, protocol.WireChunk, streamingChunk("hello", ""))
	assert.Equal(t, "hello", wire.recvChunk(t).ContentDelta())

	wire.send(t, protocol.WireEnd, nil)
	assert.Equal(t, protocol.WireEnd, wire.recv(t).Type)
	waitDone(t, done)
}

func TestServeWire_JudgeBlocksToolCall(t *testing.T) {
	p, err := policy.New("tool-call-judge", map[string]interface{}{
		"tools":     []interface{}{"execute_*"},
		"condition": `args.query contains "DROP"`,
	})
	require.NoError(t, err)
	wire, done := runSession(t, p)

	wire.send(t, protocol.WireStart, map[string]interface{}{"call_id": "call-s4"})
	wire.send(t, protocol.WireChunk, terminalToolChunk("execute_sql", `{"query":"DROP TABLE users"}`))

	blocked := wire.recvChunk(t)
	require.NotEmpty(t, blocked.Choices)
	assert.Contains(t, blocked.ContentDelta(), "⛔ BLOCKED")
	assert.Equal(t, protocol.FinishStop, blocked.FinishReason())

	wire.send(t, protocol.WireEnd, nil)
	assert.Equal(t, protocol.WireEnd, wire.recv(t).Type)
	waitDone(t, done)
}

func TestServeWire_JudgeReleasesSafeToolCall(t *testing.T) {
	p, err := policy.New("tool-call-judge", map[string]interface{}{
		"tools":     []interface{}{"execute_*"},
		"condition": `args.query contains "DROP"`,
	})
	require.NoError(t, err)
	wire, done := runSession(t, p)

	wire.send(t, protocol.WireStart, map[string]interface{}{"call_id": "call-1"})
	wire.send(t, protocol.WireChunk, terminalToolChunk("execute_sql", `{"query":"SELECT 1"}`))

	// The withheld chunk is released once the tool call passes judgment.
	released := wire.recvChunk(t)
	require.True(t, released.HasToolCalls())

	wire.send(t, protocol.WireEnd, nil)
	assert.Equal(t, protocol.WireEnd, wire.recv(t).Type)
	waitDone(t, done)
}

func TestServeWire_BufferingPolicyGetsKeepAlive(t *testing.T) {
	p, err := policy.New("tool-call-judge", nil)
	require.NoError(t, err)
	wire, done := runSession(t, p)

	wire.send(t, protocol.WireStart, map[string]interface{}{"call_id": "call-1"})
	// Partial tool call: the judge buffers, so the reply is a keep-alive.
	wire.send(t, protocol.WireChunk, map[string]interface{}{
		"id": "chatcmpl-1", "object": "chat.completion.chunk", "model": "gpt-4",
		"choices": []interface{}{map[string]interface{}{
			"index": 0,
			"delta": map[string]interface{}{
				"tool_calls": []interface{}{map[string]interface{}{
					"index": 0, "id": "call_1", "type": "function",
					"function": map[string]interface{}{"name": "execute_sql", "arguments": `{"que`},
				}},
			},
			"finish_reason": nil,
		}},
	})

	keepAlive := wire.recvChunk(t)
	assert.Empty(t, keepAlive.ContentDelta())
	assert.False(t, keepAlive.HasToolCalls())
	assert.Empty(t, keepAlive.FinishReason())

	wire.in <- &protocol.WireMessage{Type: protocol.WireEnd}
	// Incomplete tool call at end: fail closed.
	blocked := wire.recvChunk(t)
	assert.Contains(t, blocked.ContentDelta(), "⛔ BLOCKED")
	assert.Equal(t, protocol.WireEnd, wire.recv(t).Type)
	waitDone(t, done)
}

func TestServeWire_IncompleteToolCallFailsClosed(t *testing.T) {
	wire, done := runSession(t, &policy.Noop{})

	wire.send(t, protocol.WireStart, map[string]interface{}{"call_id": "call-1"})
	wire.send(t, protocol.WireChunk, map[string]interface{}{
		"id": "chatcmpl-1", "object": "chat.completion.chunk", "model": "gpt-4",
		"choices": []interface{}{map[string]interface{}{
			"index": 0,
			"delta": map[string]interface{}{
				"tool_calls": []interface{}{map[string]interface{}{
					"index": 0, "id": "call_1", "type": "function",
					"function": map[string]interface{}{"name": "run", "arguments": `{"cmd": "rm`},
				}},
			},
			"finish_reason": nil,
		}},
	})
	wire.recvChunk(t) // passthrough of the partial chunk

	wire.send(t, protocol.WireEnd, nil)
	blocked := wire.recvChunk(t)
	assert.Contains(t, blocked.ContentDelta(), "⛔ BLOCKED")
	assert.Equal(t, protocol.FinishStop, blocked.FinishReason())
	assert.Equal(t, protocol.WireEnd, wire.recv(t).Type)
	waitDone(t, done)
}

func TestServeWire_ChunkBeforeStartErrors(t *testing.T) {
	wire, done := runSession(t, &policy.Noop{})

	wire.send(t, protocol.WireChunk, streamingChunk("x", ""))
	assert.Equal(t, protocol.WireError, wire.recv(t).Type)
	waitDone(t, done)
}

func TestServeWire_SocketLossEndsSilently(t *testing.T) {
	wire, done := runSession(t, &policy.Noop{})

	wire.send(t, protocol.WireStart, map[string]interface{}{"call_id": "call-1"})
	wire.send(t, protocol.WireChunk, streamingChunk("hi", ""))
	wire.recvChunk(t)

	close(wire.in)
	waitDone(t, done)
	assert.Empty(t, wire.out)
}

func TestServeWire_MalformedUpstreamChunkErrors(t *testing.T) {
	wire, done := runSession(t, &policy.Noop{})

	wire.send(t, protocol.WireStart, map[string]interface{}{"call_id": "call-1"})
	wire.in <- &protocol.WireMessage{Type: protocol.WireChunk, Data: json.RawMessage(`{"no_choices": true}`)}
	assert.Equal(t, protocol.WireError, wire.recv(t).Type)
	waitDone(t, done)
}

func TestServeWire_RepliesEchoChunkSeq(t *testing.T) {
	wire, done := runSession(t, &policy.Noop{})

	wire.send(t, protocol.WireStart, map[string]interface{}{"call_id": "call-1"})
	raw, err := json.Marshal(streamingChunk("hi", ""))
	require.NoError(t, err)
	wire.in <- &protocol.WireMessage{Type: protocol.WireChunk, Seq: 7, Data: raw}

	reply := wire.recv(t)
	assert.Equal(t, protocol.WireChunk, reply.Type)
	assert.Equal(t, int64(7), reply.Seq)

	wire.send(t, protocol.WireEnd, nil)
	end := wire.recv(t)
	assert.Equal(t, protocol.WireEnd, end.Type)
	assert.Zero(t, end.Seq)
	waitDone(t, done)
}
