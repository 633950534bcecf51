package policy

import "github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"

// Exchange collects a stream context's output for one dispatcher step. The
// dispatcher drains Emissions into the session egress queue after the
// callbacks for that step return; Block short-circuits the whole stream.
type Exchange struct {
	original    *protocol.Chunk
	emissions   []*protocol.Chunk
	blocked     bool
	blockReason string
}

// NewExchange builds the exchange for one inbound step. original is nil for
// steps not triggered by an upstream chunk (START, END).
func NewExchange(original *protocol.Chunk) *Exchange {
	return &Exchange{original: original}
}

// Original returns the upstream chunk that triggered this step, if any.
func (e *Exchange) Original() *protocol.Chunk { return e.original }

// Emit queues a chunk for the client.
func (e *Exchange) Emit(c *protocol.Chunk) {
	if c != nil {
		e.emissions = append(e.emissions, c)
	}
}

// EmitOriginal queues the triggering chunk unchanged.
func (e *Exchange) EmitOriginal() {
	if e.original != nil {
		e.emissions = append(e.emissions, e.original)
	}
}

// Block withholds the rest of the stream. The dispatcher replaces all
// pending and future output with a single terminal blocked chunk.
func (e *Exchange) Block(reason string) {
	e.blocked = true
	e.blockReason = reason
}

// Emissions returns and clears the queued output.
func (e *Exchange) Emissions() []*protocol.Chunk {
	out := e.emissions
	e.emissions = nil
	return out
}

// Blocked reports whether Block was called, with its reason.
func (e *Exchange) Blocked() (string, bool) {
	return e.blockReason, e.blocked
}
