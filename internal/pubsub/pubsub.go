// Package pubsub fans conversation events out to live subscribers. Channels
// are per-call plus one global activity channel; delivery is best-effort and
// carries no cross-instance ordering guarantee.
package pubsub

import (
	"context"
	"fmt"
)

const (
	channelPrefix = "luthien:conversation:"
	// ActivityChannel receives every event regardless of call.
	ActivityChannel = "luthien:activity"
)

// ConversationChannel names the per-call channel.
func ConversationChannel(callID string) string {
	return channelPrefix + callID
}

// Broker is the transport under the publisher: Redis in production, the
// in-process broker when no REDIS_URL is configured.
type Broker interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a receive channel and a cancel function. The
	// receive channel closes after cancel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
	// Close releases the broker's resources.
	Close() error
}

// Envelope is the wire form of a published event.
type Envelope struct {
	Type      string      `json:"type"`
	CallID    string      `json:"call_id"`
	Timestamp string      `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s[%s]", e.Type, e.CallID)
}
