// Package proxy contains the callback-side streaming machinery: the
// per-call control channel registry and the orchestrator that ferries
// chunks between the upstream model and the control plane.
package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// ErrStreamTimeout reports that a stream exceeded its total control-plane
// budget; the orchestrator degrades to passthrough when it fires.
var ErrStreamTimeout = errors.New("stream exceeded control plane timeout")

// ErrChannelClosed reports use of a released control channel.
var ErrChannelClosed = errors.New("control channel closed")

// ControlChannel is one call's bidirectional link to the control plane.
type ControlChannel interface {
	// Send writes one frame.
	Send(ctx context.Context, msg *protocol.WireMessage) error
	// Receive waits up to timeout for the next frame. A nil frame with a
	// nil error means the channel is gone.
	Receive(ctx context.Context, timeout time.Duration) (*protocol.WireMessage, error)
	// Close releases the channel. Idempotent.
	Close() error
}

// ChannelProvider opens the control channel for a call, sending START with
// the request payload. The Connection Manager is the production provider.
type ChannelProvider interface {
	Open(ctx context.Context, callID string, startPayload []byte) (ControlChannel, error)
}

// Iterator is the canonical-chunk view of an upstream model stream.
// Next returns io.EOF at exhaustion.
type Iterator interface {
	Next(ctx context.Context) (*protocol.Chunk, error)
	Close() error
}
