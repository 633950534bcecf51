// Package queue provides per-category FIFO execution of side-effectful work
// so the hook hot path never waits on persistence.
package queue

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Task is one unit of queued work. Errors are logged and swallowed; a task
// cannot fail the queue.
type Task func(ctx context.Context) error

// Queue executes submitted tasks strictly in submission order on a single
// worker goroutine. Submit never blocks; the backlog is unbounded. Ordering
// holds within one queue only; two queues impose no relative order.
type Queue struct {
	name string

	mu     sync.Mutex
	cond   *sync.Cond
	items  []Task
	closed bool
	done   chan struct{}
}

func New(name string) *Queue {
	q := &Queue{name: name, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit enqueues op and returns immediately. Tasks submitted after Stop are
// dropped with a warning.
func (q *Queue) Submit(op Task) {
	if op == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		logrus.Warnf("Queue %s: dropping task submitted after stop", q.name)
		return
	}
	q.items = append(q.items, op)
	q.cond.Signal()
}

// Depth reports the current backlog size.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop drains the backlog and waits for the worker to finish, or returns the
// context error if draining takes too long.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			close(q.done)
			return
		}
		op := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.exec(op)
	}
}

func (q *Queue) exec(op Task) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Queue %s: task panic: %v", q.name, r)
		}
	}()
	if err := op(context.Background()); err != nil {
		logrus.Errorf("Queue %s: task failed: %v", q.name, err)
	}
}
