package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/events"
)

// Publisher wraps a broker with the event envelope: every event goes to its
// per-call channel and to the global activity channel.
type Publisher struct {
	broker Broker
}

func NewPublisher(broker Broker) *Publisher {
	return &Publisher{broker: broker}
}

// PublishEvent sends ev to conversation:{call_id} and activity. The first
// error wins but both publishes are attempted.
func (p *Publisher) PublishEvent(ctx context.Context, ev *events.Event) error {
	payload, err := json.Marshal(&Envelope{
		Type:      string(ev.Type),
		CallID:    ev.CallID,
		Timestamp: ev.Timestamp.Format(time.RFC3339Nano),
		Payload:   ev,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	var firstErr error
	if err := p.broker.Publish(ctx, ConversationChannel(ev.CallID), payload); err != nil {
		firstErr = err
	}
	if err := p.broker.Publish(ctx, ActivityChannel, payload); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Subscribe exposes the underlying broker subscription.
func (p *Publisher) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	return p.broker.Subscribe(ctx, channel)
}
