package controlplane

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/events"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/policy"
)

func newTestDispatcher(t *testing.T, pol policy.Policy) *Dispatcher {
	t.Helper()
	d := NewDispatcher(pol, events.NewBuilder(events.NewChunkIndexStore()), nil, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

type rewritingPolicy struct{}

func (*rewritingPolicy) Name() string { return "rewriting" }

func (*rewritingPolicy) PreCall(_ context.Context, _ *policy.CallMeta, payload map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["rewritten"] = true
	return out, nil
}

type failingPolicy struct{}

func (*failingPolicy) Name() string { return "failing" }

func (*failingPolicy) PreCall(context.Context, *policy.CallMeta, map[string]interface{}) (map[string]interface{}, error) {
	return nil, errors.New("policy exploded")
}

func TestDispatcher_HandleHook_NoChangeFromNoop(t *testing.T) {
	d := newTestDispatcher(t, &policy.Noop{})

	replacement, err := d.HandleHook(context.Background(), "pre_call", []byte(`{"call_id":"c1","messages":[]}`))
	require.NoError(t, err)
	assert.Nil(t, replacement)
}

func TestDispatcher_HandleHook_ReturnsReplacement(t *testing.T) {
	d := newTestDispatcher(t, &rewritingPolicy{})

	replacement, err := d.HandleHook(context.Background(), "pre_call", []byte(`{"call_id":"c1"}`))
	require.NoError(t, err)
	require.NotNil(t, replacement)
	assert.Equal(t, true, replacement["rewritten"])
}

func TestDispatcher_HandleHook_PolicyErrorDegradesToNoChange(t *testing.T) {
	d := newTestDispatcher(t, &failingPolicy{})

	replacement, err := d.HandleHook(context.Background(), "pre_call", []byte(`{"call_id":"c1"}`))
	require.NoError(t, err)
	assert.Nil(t, replacement)
}

func TestDispatcher_HandleHook_UnknownHook(t *testing.T) {
	d := newTestDispatcher(t, &policy.Noop{})

	_, err := d.HandleHook(context.Background(), "not_a_hook", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownHook)
}

func TestDispatcher_HandleHook_RejectsNonObjectPayload(t *testing.T) {
	d := newTestDispatcher(t, &policy.Noop{})

	_, err := d.HandleHook(context.Background(), "pre_call", []byte(`"just a string"`))
	assert.Error(t, err)
}

func TestDispatcher_SetPolicy_Swaps(t *testing.T) {
	d := newTestDispatcher(t, &policy.Noop{})
	assert.Equal(t, "noop", d.Policy().Name())

	d.SetPolicy(&rewritingPolicy{})
	assert.Equal(t, "rewriting", d.Policy().Name())

	d.SetPolicy(nil)
	assert.Equal(t, "rewriting", d.Policy().Name())
}

func TestDispatcher_HandleHook_ChunkTimeoutRecordsEvent(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(&policy.Noop{}, events.NewBuilder(events.NewChunkIndexStore()), store, nil, nil)

	replacement, err := d.HandleHook(context.Background(), "chunk_timeout",
		[]byte(`{"litellm_call_id":"c1","chunk_index":3,"post_time_ns":1700000000000000000}`))
	require.NoError(t, err)
	assert.Nil(t, replacement)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	evs, err := store.EventsForCall("c1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeChunkTimeout, evs[0].Type)
	assert.Equal(t, int64(1700000000000000000), evs[0].Sequence)
	assert.Equal(t, float64(3), evs[0].Payload["chunk_index"])
}
