package pubsub

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryBroker is the single-process fallback used when no Redis is
// configured. Same interface, same best-effort delivery.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[int]*memorySub
	nextID int
	closed bool
}

// memorySub is one subscriber. The once guards the channel close so a
// subscriber's cancel and the broker's Close can race safely; both run it
// under the broker mutex, which also keeps Publish from sending on a
// closed channel.
type memorySub struct {
	ch   chan []byte
	once sync.Once
}

func (s *memorySub) shutdown() {
	s.once.Do(func() { close(s.ch) })
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[int]*memorySub)}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			logrus.Warnf("Dropping pubsub message on %s: subscriber too slow", channel)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan []byte)
		close(ch)
		return ch, func() {}, nil
	}
	id := b.nextID
	b.nextID++
	sub := &memorySub{ch: make(chan []byte, 64)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]*memorySub)
	}
	b.subs[channel][id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[channel]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, channel)
			}
		}
		sub.shutdown()
	}
	return sub.ch, cancel, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.shutdown()
		}
	}
	b.subs = make(map[string]map[int]*memorySub)
	return nil
}
