package policy

import (
	"context"
	"strings"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

func init() {
	Register("uppercase", func(_ map[string]interface{}) (Policy, error) {
		return &Uppercase{}, nil
	})
}

// Uppercase rewrites every content delta to upper case. Mostly a demo and
// test fixture for the rewrite path.
type Uppercase struct{}

func (*Uppercase) Name() string { return "uppercase" }

func (*Uppercase) NewStreamContext(context.Context, *CallMeta, map[string]interface{}) (StreamContext, error) {
	return &uppercaseContext{}, nil
}

type uppercaseContext struct {
	PassthroughContext
}

func (*uppercaseContext) OnChunkReceived(_ context.Context, ex *Exchange, chunk *protocol.Chunk) error {
	out := chunk.Clone()
	changed := false
	for i := range out.Choices {
		if c := out.Choices[i].Delta.Content; c != "" {
			out.Choices[i].Delta.Content = strings.ToUpper(c)
			changed = changed || out.Choices[i].Delta.Content != c
		}
	}
	if changed {
		ex.Emit(out)
	} else {
		ex.EmitOriginal()
	}
	return nil
}
