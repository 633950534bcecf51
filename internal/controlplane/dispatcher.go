// Package controlplane hosts the policy hook dispatcher: the HTTP hook
// endpoints, the WebSocket streaming sessions and the event fan-out behind
// them.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/db"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/events"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/obs"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/policy"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/pubsub"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/queue"
)

// ErrUnknownHook reports a hook name outside the dispatch table.
var ErrUnknownHook = errors.New("unknown hook")

// ErrIncompleteToolCall reports a stream that ended mid tool-call; the
// dispatcher fails closed on it.
var ErrIncompleteToolCall = errors.New("incomplete tool call at stream end")

// Dispatcher drives the configured policy for every hook invocation and owns
// the side-effect queues. Safe for concurrent use; the active policy can be
// swapped at runtime.
type Dispatcher struct {
	mu  sync.RWMutex
	pol policy.Policy

	builder    *events.Builder
	store      *db.Store
	publisher  *pubsub.Publisher
	debugQueue *queue.Queue
	eventQueue *queue.Queue
	metrics    *obs.Metrics
}

// NewDispatcher wires the dispatcher. store and publisher may be nil in
// tests; submissions then degrade to logging.
func NewDispatcher(pol policy.Policy, builder *events.Builder, store *db.Store, publisher *pubsub.Publisher, metrics *obs.Metrics) *Dispatcher {
	return &Dispatcher{
		pol:        pol,
		builder:    builder,
		store:      store,
		publisher:  publisher,
		debugQueue: queue.New("debug_logs"),
		eventQueue: queue.New("conversation_events"),
		metrics:    metrics,
	}
}

// Policy returns the active policy.
func (d *Dispatcher) Policy() policy.Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pol
}

// SetPolicy swaps the active policy. In-flight streams keep the context they
// started with.
func (d *Dispatcher) SetPolicy(p policy.Policy) {
	if p == nil {
		return
	}
	d.mu.Lock()
	old := d.pol
	d.pol = p
	d.mu.Unlock()
	if old != nil && old.Name() != p.Name() {
		logrus.Infof("Active policy switched from %s to %s", old.Name(), p.Name())
	}
}

// Stop drains both task queues.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if err := d.debugQueue.Stop(ctx); err != nil {
		return err
	}
	return d.eventQueue.Stop(ctx)
}

// HandleHook runs one non-streaming hook invocation: log the original
// payload, invoke the policy, build and submit events, return the
// replacement (nil means no change). Policy errors degrade to no change.
func (d *Dispatcher) HandleHook(ctx context.Context, hookName string, raw []byte) (map[string]interface{}, error) {
	start := time.Now()
	defer func() {
		d.metrics.HookLatency(ctx, hookName, time.Since(start))
	}()

	callID := events.ExtractCallID(raw)
	traceID := events.ExtractTraceID(raw)
	d.submitDebugLog("hook:"+hookName, raw)

	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("hook payload is not a JSON object: %w", err)
	}

	meta := &policy.CallMeta{CallID: callID, TraceID: traceID}
	seq := events.Sequence(raw, start)
	pol := d.Policy()

	var replacement map[string]interface{}
	var hookErr error
	switch hookName {
	case protocol.HookPreCall:
		if h, ok := pol.(policy.PreCallHook); ok {
			replacement, hookErr = h.PreCall(ctx, meta, payload)
		}
	case protocol.HookPostCallSuccess:
		if h, ok := pol.(policy.PostCallSuccessHook); ok {
			replacement, hookErr = h.PostCallSuccess(ctx, meta, payload)
		}
	case protocol.HookPostCallFailure:
		if h, ok := pol.(policy.PostCallFailureHook); ok {
			hookErr = h.PostCallFailure(ctx, meta, payload)
		}
	case protocol.HookModeration:
		if h, ok := pol.(policy.ModerationHook); ok {
			replacement, hookErr = h.Moderation(ctx, meta, payload)
		}
	case protocol.HookPostCallStream, protocol.HookChunkTimeout:
		// Record-only hooks; no policy body, events below.
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownHook, hookName)
	}

	if hookErr != nil {
		logrus.Errorf("Policy %s failed on hook %s for call %s: %v", pol.Name(), hookName, callID, hookErr)
		d.metrics.PolicyError(ctx, hookName)
		d.submitDebugLog("hook_error:"+hookName, mustJSON(map[string]interface{}{
			"call_id": callID,
			"hook":    hookName,
			"error":   hookErr.Error(),
		}))
		replacement = nil
	}

	if callID != "" {
		d.buildHookEvents(hookName, callID, traceID, seq, raw, payload, replacement)
	}
	return replacement, nil
}

func (d *Dispatcher) buildHookEvents(hookName, callID, traceID string, seq int64, raw []byte, payload, replacement map[string]interface{}) {
	switch hookName {
	case protocol.HookPreCall:
		final := payload
		if replacement != nil {
			final = replacement
		}
		d.SubmitEvents(d.builder.RequestStarted(callID, traceID, seq, payload, final))

	case protocol.HookPostCallSuccess:
		originalText := events.ExtractResponseText(raw)
		finalText := originalText
		if replacement != nil {
			if rep, err := json.Marshal(replacement); err == nil {
				if t := events.ExtractResponseText(rep); t != "" {
					finalText = t
				}
			}
		}
		d.SubmitEvents(d.builder.RequestCompleted(callID, traceID, seq, hookName, events.StatusSuccess, map[string]interface{}{
			"original_response": originalText,
			"final_response":    finalText,
		}))

	case protocol.HookPostCallFailure:
		extra := map[string]interface{}{}
		if errVal, ok := payload["error"]; ok {
			extra["error"] = errVal
		}
		d.SubmitEvents(d.builder.RequestCompleted(callID, traceID, seq, hookName, events.StatusFailure, extra))

	case protocol.HookPostCallStream:
		d.SubmitEvents(d.builder.RequestCompleted(callID, traceID, seq, hookName, events.StatusStreamSummary, payload))

	case protocol.HookChunkTimeout:
		idx := 0
		if v, ok := payload["chunk_index"].(float64); ok {
			idx = int(v)
		}
		d.SubmitEvents(d.builder.ChunkTimeout(callID, traceID, seq, idx))
	}
}

// SubmitEvents queues persistence and publication for each event. Ordering
// holds per queue; the hot path never waits on the writes.
func (d *Dispatcher) SubmitEvents(evs ...*events.Event) {
	for _, ev := range evs {
		ev := ev
		d.eventQueue.Submit(func(ctx context.Context) error {
			if d.store != nil {
				if err := d.store.InsertEvent(ev); err != nil {
					logrus.Errorf("Failed to persist %s event for call %s: %v", ev.Type, ev.CallID, err)
				}
			}
			if d.publisher != nil {
				if err := d.publisher.PublishEvent(ctx, ev); err != nil {
					logrus.Warnf("Failed to publish %s event for call %s: %v", ev.Type, ev.CallID, err)
				}
			}
			d.metrics.EventPublished(ctx, string(ev.Type))
			return nil
		})
	}
	d.metrics.QueueDepth(context.Background(), "conversation_events", d.eventQueue.Depth())
}

func (d *Dispatcher) submitDebugLog(debugType string, blob []byte) {
	d.debugQueue.Submit(func(context.Context) error {
		if d.store == nil {
			return nil
		}
		return d.store.InsertDebugLog(debugType, blob)
	})
}

func (d *Dispatcher) submitToolCall(tc *db.ConversationToolCall) {
	d.eventQueue.Submit(func(context.Context) error {
		if d.store == nil {
			return nil
		}
		return d.store.InsertToolCall(tc)
	})
}

func mustJSON(v interface{}) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return out
}
