// Package policy defines the units of logic the control plane invokes at
// hook points. A policy is any value exposing the hook capabilities it cares
// about; the dispatcher type-asserts per hook and treats absence as "no
// change".
package policy

import (
	"context"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol/blocks"
)

// CallMeta identifies the call a hook invocation belongs to.
type CallMeta struct {
	CallID  string
	TraceID string
	Model   string
}

// Policy is the minimal capability every policy carries.
type Policy interface {
	Name() string
}

// PreCallHook inspects or rewrites the request before it reaches the
// upstream provider. A nil replacement means no change.
type PreCallHook interface {
	PreCall(ctx context.Context, meta *CallMeta, payload map[string]interface{}) (map[string]interface{}, error)
}

// PostCallSuccessHook observes or rewrites a completed non-streaming
// response. A nil replacement means no change.
type PostCallSuccessHook interface {
	PostCallSuccess(ctx context.Context, meta *CallMeta, payload map[string]interface{}) (map[string]interface{}, error)
}

// PostCallFailureHook observes upstream failures.
type PostCallFailureHook interface {
	PostCallFailure(ctx context.Context, meta *CallMeta, payload map[string]interface{}) error
}

// ModerationHook runs alongside the call for out-of-band checks.
type ModerationHook interface {
	Moderation(ctx context.Context, meta *CallMeta, payload map[string]interface{}) (map[string]interface{}, error)
}

// Streamer is implemented by policies that want per-chunk control of a
// streaming call. The dispatcher creates one StreamContext per stream on
// START and drives it until END.
type Streamer interface {
	NewStreamContext(ctx context.Context, meta *CallMeta, requestData map[string]interface{}) (StreamContext, error)
}

// StreamContext receives the per-stream callbacks. Observation callbacks
// fire on partial state; completion callbacks are where policies emit.
// Emissions go through the Exchange.
type StreamContext interface {
	// OnChunkReceived fires for every canonical chunk read from upstream.
	// Policies that emit one reply per chunk do it here.
	OnChunkReceived(ctx context.Context, ex *Exchange, chunk *protocol.Chunk) error
	// OnContentDelta fires as text accumulates on a content block.
	OnContentDelta(ctx context.Context, ex *Exchange, b *blocks.Block, delta string) error
	// OnToolCallDelta fires as argument fragments accumulate on a tool call.
	OnToolCallDelta(ctx context.Context, ex *Exchange, b *blocks.Block, argsDelta string) error
	// OnContentComplete fires when a content block finalizes.
	OnContentComplete(ctx context.Context, ex *Exchange, b *blocks.Block) error
	// OnToolCallComplete fires when a tool call satisfies the completeness rule.
	OnToolCallComplete(ctx context.Context, ex *Exchange, b *blocks.Block) error
	// OnStreamEnd fires once at upstream exhaustion, before the final flush.
	OnStreamEnd(ctx context.Context, ex *Exchange) error
	// Close releases any per-stream resources.
	Close() error
}
