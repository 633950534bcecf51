package policy

import (
	"context"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol/blocks"
)

func init() {
	Register("noop", func(_ map[string]interface{}) (Policy, error) {
		return &Noop{}, nil
	})
}

// Noop is the identity policy: every hook is a no-change, every chunk passes
// through unchanged.
type Noop struct{}

func (*Noop) Name() string { return "noop" }

func (*Noop) PreCall(context.Context, *CallMeta, map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

func (*Noop) PostCallSuccess(context.Context, *CallMeta, map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

func (*Noop) PostCallFailure(context.Context, *CallMeta, map[string]interface{}) error {
	return nil
}

func (*Noop) NewStreamContext(context.Context, *CallMeta, map[string]interface{}) (StreamContext, error) {
	return &PassthroughContext{}, nil
}

// PassthroughContext emits every received chunk unchanged: the recommended
// one-reply-per-chunk shape. Policies that only need to veto or rewrite a
// subset of callbacks can embed it.
type PassthroughContext struct{}

func (*PassthroughContext) OnChunkReceived(_ context.Context, ex *Exchange, _ *protocol.Chunk) error {
	ex.EmitOriginal()
	return nil
}

func (*PassthroughContext) OnContentDelta(context.Context, *Exchange, *blocks.Block, string) error {
	return nil
}

func (*PassthroughContext) OnToolCallDelta(context.Context, *Exchange, *blocks.Block, string) error {
	return nil
}

func (*PassthroughContext) OnContentComplete(context.Context, *Exchange, *blocks.Block) error {
	return nil
}

func (*PassthroughContext) OnToolCallComplete(context.Context, *Exchange, *blocks.Block) error {
	return nil
}

func (*PassthroughContext) OnStreamEnd(context.Context, *Exchange) error { return nil }

func (*PassthroughContext) Close() error { return nil }
