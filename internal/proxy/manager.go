package proxy

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// Connection is one call's WebSocket to the control plane. A reader
// goroutine pumps frames into an internal channel; cancelling a Read on
// the socket itself would tear the socket down, and a slow policy must
// not cost us the connection.
type Connection struct {
	callID string
	conn   *websocket.Conn

	frames chan *protocol.WireMessage

	mu      sync.Mutex
	readErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(callID string, ws *websocket.Conn) *Connection {
	c := &Connection{
		callID: callID,
		conn:   ws,
		frames: make(chan *protocol.WireMessage, 16),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Connection) readLoop() {
	defer close(c.frames)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.closed
		cancel()
	}()
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		msg, err := protocol.DecodeWire(raw)
		if err != nil {
			logrus.Warnf("call %s: undecodable control plane frame: %v", c.callID, err)
			continue
		}
		select {
		case c.frames <- msg:
		case <-c.closed:
			return
		}
	}
}

// Send writes one wire frame.
func (c *Connection) Send(ctx context.Context, msg *protocol.WireMessage) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	raw, err := protocol.EncodeWire(msg)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, raw)
}

// Receive waits up to timeout for the next frame from the control plane.
// A context.DeadlineExceeded error means the control plane was silent and
// the socket is still usable; any other error means it is gone.
func (c *Connection) Receive(ctx context.Context, timeout time.Duration) (*protocol.WireMessage, error) {
	select {
	case <-c.closed:
		return nil, ErrChannelClosed
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-c.frames:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = ErrChannelClosed
			}
			return nil, err
		}
		return msg, nil
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrChannelClosed
	}
}

// Close tears down the socket. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close(websocket.StatusNormalClosure, "stream finished")
	})
	return nil
}

// Manager owns the per-call control channels. One live connection per
// call ID; Close frees the slot so a retried call can dial fresh.
type Manager struct {
	baseURL string
	dial    func(ctx context.Context, wsURL string) (*websocket.Conn, error)

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewManager builds a manager dialing the control plane at baseURL
// (http or https; the scheme is rewritten for the socket).
func NewManager(baseURL string) *Manager {
	return &Manager{
		baseURL: baseURL,
		dial: func(ctx context.Context, wsURL string) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, wsURL, nil)
			return conn, err
		},
		conns: make(map[string]*Connection),
	}
}

// StreamURL derives the ws(s) endpoint from the configured base URL.
func (m *Manager) StreamURL() (string, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse control plane url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported control plane scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/policy/stream"
	return u.String(), nil
}

// GetOrCreate returns the call's connection, dialing and sending START on
// first use. A second call with the same ID reuses the live connection.
func (m *Manager) GetOrCreate(ctx context.Context, callID string, startPayload []byte) (*Connection, error) {
	m.mu.Lock()
	if conn, ok := m.conns[callID]; ok {
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	wsURL, err := m.StreamURL()
	if err != nil {
		return nil, err
	}
	ws, err := m.dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial control plane: %w", err)
	}
	conn := newConnection(callID, ws)

	start := &protocol.WireMessage{Type: protocol.WireStart, Data: startPayload}
	if err := conn.Send(ctx, start); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send stream start: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[callID]; ok {
		// Lost the race; keep the winner.
		_ = conn.Close()
		return existing, nil
	}
	m.conns[callID] = conn
	return conn, nil
}

// Lookup returns the call's connection, or nil.
func (m *Manager) Lookup(callID string) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[callID]
}

// Close releases the call's connection and frees its slot. Idempotent.
func (m *Manager) Close(callID string) {
	m.mu.Lock()
	conn, ok := m.conns[callID]
	delete(m.conns, callID)
	m.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// CloseAll tears down every live connection, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()
	for id, conn := range conns {
		logrus.Debugf("closing control channel for call %s", id)
		_ = conn.Close()
	}
}

// Open implements ChannelProvider: the returned channel frees the manager
// slot on Close, so abnormal disconnects do not wedge the call ID.
func (m *Manager) Open(ctx context.Context, callID string, startPayload []byte) (ControlChannel, error) {
	conn, err := m.GetOrCreate(ctx, callID, startPayload)
	if err != nil {
		return nil, err
	}
	return &managedChannel{Connection: conn, manager: m}, nil
}

type managedChannel struct {
	*Connection
	manager *Manager
}

func (mc *managedChannel) Close() error {
	mc.manager.Close(mc.callID)
	return nil
}
