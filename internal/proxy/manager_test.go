package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// echoControlPlane accepts stream sockets and answers every CHUNK with the
// same frame, the minimal well-behaved peer.
func echoControlPlane(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			msg, err := protocol.DecodeWire(raw)
			if err != nil {
				return
			}
			switch msg.Type {
			case protocol.WireStart:
				// No reply to START.
			case protocol.WireEnd:
				reply, _ := protocol.EncodeWire(&protocol.WireMessage{Type: protocol.WireEnd})
				_ = conn.Write(ctx, websocket.MessageText, reply)
			default:
				_ = conn.Write(ctx, websocket.MessageText, raw)
			}
		}
	}))
}

func TestManager_StreamURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://localhost:8081", "ws://localhost:8081/api/policy/stream"},
		{"https://control.example.com", "wss://control.example.com/api/policy/stream"},
		{"http://localhost:8081/", "ws://localhost:8081/api/policy/stream"},
		{"ws://localhost:8081", "ws://localhost:8081/api/policy/stream"},
	}
	for _, tc := range cases {
		got, err := NewManager(tc.base).StreamURL()
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := NewManager("ftp://nope").StreamURL()
	assert.Error(t, err)
}

func TestManager_GetOrCreate_ReusesConnection(t *testing.T) {
	srv := echoControlPlane(t)
	defer srv.Close()

	m := NewManager(srv.URL)
	defer m.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := m.GetOrCreate(ctx, "call-1", []byte(`{"call_id":"call-1"}`))
	require.NoError(t, err)
	second, err := m.GetOrCreate(ctx, "call-1", nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, first, m.Lookup("call-1"))
}

func TestManager_Close_FreesSlot(t *testing.T) {
	srv := echoControlPlane(t)
	defer srv.Close()

	m := NewManager(srv.URL)
	defer m.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := m.GetOrCreate(ctx, "call-1", []byte(`{}`))
	require.NoError(t, err)

	m.Close("call-1")
	m.Close("call-1") // idempotent
	assert.Nil(t, m.Lookup("call-1"))

	replacement, err := m.GetOrCreate(ctx, "call-1", []byte(`{}`))
	require.NoError(t, err)
	assert.NotSame(t, first, replacement)
}

func TestConnection_SendReceive_RoundTrip(t *testing.T) {
	srv := echoControlPlane(t)
	defer srv.Close()

	m := NewManager(srv.URL)
	defer m.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := m.GetOrCreate(ctx, "call-1", []byte(`{"call_id":"call-1"}`))
	require.NoError(t, err)

	chunk := mustChunk(t, "hello", "")
	frame, err := protocol.NewWireChunk(chunk)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, frame))

	reply, err := conn.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.WireChunk, reply.Type)

	echoed, err := protocol.Normalize(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, "hello", echoed.ContentDelta())
}

func TestConnection_Receive_TimesOutWhenSilent(t *testing.T) {
	srv := echoControlPlane(t)
	defer srv.Close()

	m := NewManager(srv.URL)
	defer m.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := m.GetOrCreate(ctx, "call-1", []byte(`{}`))
	require.NoError(t, err)

	// START gets no reply, so the read must hit its own deadline.
	_, err = conn.Receive(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnection_UseAfterClose(t *testing.T) {
	srv := echoControlPlane(t)
	defer srv.Close()

	m := NewManager(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := m.GetOrCreate(ctx, "call-1", []byte(`{}`))
	require.NoError(t, err)
	m.Close("call-1")

	err = conn.Send(ctx, &protocol.WireMessage{Type: protocol.WireEnd})
	assert.ErrorIs(t, err, ErrChannelClosed)
	_, err = conn.Receive(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrChannelClosed)
}
