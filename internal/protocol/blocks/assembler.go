package blocks

import (
	"sort"
	"strings"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// Callbacks receive block lifecycle notifications during assembly. Nil
// callbacks are skipped; a callback error aborts Ingest and surfaces to the
// caller unchanged.
type Callbacks struct {
	OnContentDelta     func(b *Block, delta string) error
	OnToolCallDelta    func(b *Block, argsDelta string) error
	OnContentComplete  func(b *Block) error
	OnToolCallComplete func(b *Block) error
}

// Assembler folds canonical chunks into blocks. One assembler serves one
// call; it is not safe for concurrent use.
type Assembler struct {
	cb        Callbacks
	nextIndex int
	all       []*Block
	content   *Block
	thinking  *Block
	tools     map[int]*Block
	slotOrder []int
	finish    string
	usage     *protocol.Usage
	chunks    int
}

func New(cb Callbacks) *Assembler {
	return &Assembler{cb: cb, tools: make(map[int]*Block)}
}

// Ingest folds one canonical chunk into the block state, firing callbacks
// for deltas and completions.
func (a *Assembler) Ingest(c *protocol.Chunk) error {
	if c == nil {
		return nil
	}
	a.chunks++
	if c.Usage != nil {
		u := *c.Usage
		a.usage = &u
	}
	for i := range c.Choices {
		if err := a.ingestDelta(&c.Choices[i].Delta); err != nil {
			return err
		}
		if r := c.Choices[i].Finish(); r != "" {
			a.finish = r
			if err := a.finalizeOpen(); err != nil {
				return err
			}
		}
	}
	return nil
}

// FinishStream finalizes remaining open blocks at upstream exhaustion and
// returns any tool calls that never satisfied the completeness rule.
func (a *Assembler) FinishStream() ([]*Block, error) {
	if err := a.finalizeOpen(); err != nil {
		return nil, err
	}
	var incomplete []*Block
	for _, s := range a.slotOrder {
		if blk := a.tools[s]; blk != nil && !blk.Complete {
			incomplete = append(incomplete, blk)
		}
	}
	return incomplete, nil
}

// Blocks returns all blocks in order of first appearance.
func (a *Assembler) Blocks() []*Block {
	out := make([]*Block, len(a.all))
	copy(out, a.all)
	return out
}

// Ordered returns blocks reordered for response assembly: thinking blocks
// first, then text, then tool calls, stable within each class.
func (a *Assembler) Ordered() []*Block {
	out := a.Blocks()
	rank := func(k Kind) int {
		switch k {
		case KindThinking, KindRedactedThinking:
			return 0
		case KindContent:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i].Kind) < rank(out[j].Kind)
	})
	return out
}

// Text returns the concatenated content text accumulated so far.
func (a *Assembler) Text() string {
	var b strings.Builder
	for _, blk := range a.all {
		if blk.Kind == KindContent {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

func (a *Assembler) FinishReason() string   { return a.finish }
func (a *Assembler) Usage() *protocol.Usage { return a.usage }
func (a *Assembler) ChunksIngested() int    { return a.chunks }

func (a *Assembler) ingestDelta(d *protocol.Delta) error {
	if d.ReasoningContent != "" {
		a.openThinking().Text += d.ReasoningContent
	}
	for _, tb := range d.ThinkingBlocks {
		switch tb.Type {
		case "redacted_thinking":
			blk := a.newBlock(KindRedactedThinking)
			blk.Data = tb.Data
			blk.Complete = true
		default:
			th := a.openThinking()
			th.Text += tb.Thinking
			if tb.Signature != "" {
				th.Signature = tb.Signature
				a.completeThinking()
			}
		}
	}
	if d.Content != "" {
		blk := a.openContent()
		blk.Text += d.Content
		if a.cb.OnContentDelta != nil {
			if err := a.cb.OnContentDelta(blk, d.Content); err != nil {
				return err
			}
		}
	}
	for _, tc := range d.ToolCalls {
		if err := a.ingestToolCall(tc); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) ingestToolCall(tc protocol.ToolCallDelta) error {
	blk, ok := a.tools[tc.Index]
	if !ok {
		// A new tool slot means the open content block and any earlier
		// still-streaming tool slots are done.
		if err := a.completeContent(); err != nil {
			return err
		}
		for _, s := range a.slotOrder {
			if prev := a.tools[s]; prev != nil && !prev.Complete {
				if err := a.completeTool(prev); err != nil {
					return err
				}
			}
		}
		blk = a.newBlock(KindToolCall)
		a.tools[tc.Index] = blk
		a.slotOrder = append(a.slotOrder, tc.Index)
	}
	if tc.ID != "" {
		blk.ToolID = tc.ID
	}
	if tc.Function.Name != "" && blk.ToolName == "" {
		blk.ToolName = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		blk.ArgumentsJSON += tc.Function.Arguments
		if !blk.Complete && a.cb.OnToolCallDelta != nil {
			if err := a.cb.OnToolCallDelta(blk, tc.Function.Arguments); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Assembler) finalizeOpen() error {
	if err := a.completeContent(); err != nil {
		return err
	}
	for _, s := range a.slotOrder {
		if blk := a.tools[s]; blk != nil && !blk.Complete {
			if err := a.completeTool(blk); err != nil {
				return err
			}
		}
	}
	// Thinking blocks normally close on their signature; closing here is the
	// fallback for streams that end without one.
	a.completeThinking()
	return nil
}

func (a *Assembler) openContent() *Block {
	if a.content == nil {
		a.content = a.newBlock(KindContent)
	}
	return a.content
}

func (a *Assembler) completeContent() error {
	if a.content == nil {
		return nil
	}
	blk := a.content
	a.content = nil
	blk.Complete = true
	if a.cb.OnContentComplete != nil {
		return a.cb.OnContentComplete(blk)
	}
	return nil
}

func (a *Assembler) openThinking() *Block {
	if a.thinking == nil {
		a.thinking = a.newBlock(KindThinking)
	}
	return a.thinking
}

func (a *Assembler) completeThinking() {
	if a.thinking == nil {
		return
	}
	a.thinking.Complete = true
	a.thinking = nil
}

// completeTool latches Complete only once the completeness rule holds; a
// block that fails the rule stays open and is reported by FinishStream.
func (a *Assembler) completeTool(blk *Block) error {
	if !blk.ToolCallReady() {
		return nil
	}
	blk.Complete = true
	if a.cb.OnToolCallComplete != nil {
		return a.cb.OnToolCallComplete(blk)
	}
	return nil
}

func (a *Assembler) newBlock(kind Kind) *Block {
	blk := &Block{Kind: kind, Index: a.nextIndex}
	a.nextIndex++
	a.all = append(a.all, blk)
	return blk
}
