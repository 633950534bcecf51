package policy

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol/blocks"
)

func init() {
	Register("tool-call-judge", NewToolCallJudge)
}

// JudgeEnv is the expression environment for a judge condition. Name is the
// tool name; Args the parsed arguments.
type JudgeEnv struct {
	Name string                 `expr:"name"`
	Args map[string]interface{} `expr:"args"`
}

// ToolCallJudge buffers tool-call chunks until the call is complete, then
// either blocks the stream or releases the buffer. Options:
//
//	tools:     ["execute_*", "db_**"]   doublestar globs, default all
//	condition: `args.query contains "DROP"`   expr boolean, default match-all
//	message:   text appended to the blocked notice
type ToolCallJudge struct {
	patterns  []string
	condition *vm.Program
	message   string
}

func NewToolCallJudge(options map[string]interface{}) (Policy, error) {
	j := &ToolCallJudge{}
	if raw, ok := options["tools"].([]interface{}); ok {
		for _, item := range raw {
			pattern, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("tool-call-judge: tools entries must be strings, got %T", item)
			}
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("tool-call-judge: invalid tool pattern %q", pattern)
			}
			j.patterns = append(j.patterns, pattern)
		}
	}
	if cond, ok := options["condition"].(string); ok && cond != "" {
		program, err := expr.Compile(cond, expr.Env(JudgeEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("tool-call-judge: compile condition: %w", err)
		}
		j.condition = program
	}
	j.message, _ = options["message"].(string)
	return j, nil
}

func (*ToolCallJudge) Name() string { return "tool-call-judge" }

func (j *ToolCallJudge) NewStreamContext(context.Context, *CallMeta, map[string]interface{}) (StreamContext, error) {
	return &judgeContext{judge: j}, nil
}

// watches reports whether the judge cares about this tool name.
func (j *ToolCallJudge) watches(name string) bool {
	if len(j.patterns) == 0 {
		return true
	}
	for _, pattern := range j.patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// verdict evaluates the condition over the completed tool call. Evaluation
// errors fail closed: an unevaluable condition blocks.
func (j *ToolCallJudge) verdict(b *blocks.Block) (bool, string) {
	if !j.watches(b.ToolName) {
		return false, ""
	}
	if j.condition == nil {
		return true, j.reason(b)
	}
	args, ok := b.Arguments()
	if !ok {
		// Completed blocks always parse; lenient parse covers the rest.
		args = b.ArgumentsLenient()
	}
	out, err := expr.Run(j.condition, JudgeEnv{Name: b.ToolName, Args: args})
	if err != nil {
		logrus.Warnf("tool-call-judge: condition failed for %s, blocking: %v", b.ToolName, err)
		return true, fmt.Sprintf("judge condition error on tool %s", b.ToolName)
	}
	if matched, _ := out.(bool); matched {
		return true, j.reason(b)
	}
	return false, ""
}

func (j *ToolCallJudge) reason(b *blocks.Block) string {
	if j.message != "" {
		return fmt.Sprintf("tool call %s denied: %s", b.ToolName, j.message)
	}
	return fmt.Sprintf("tool call %s denied by policy", b.ToolName)
}

// judgeContext withholds any chunk carrying tool-call fragments until the
// tool call completes. Non-tool chunks pass through immediately.
type judgeContext struct {
	PassthroughContext
	judge  *ToolCallJudge
	buffer []*protocol.Chunk
}

func (c *judgeContext) OnChunkReceived(_ context.Context, ex *Exchange, chunk *protocol.Chunk) error {
	if chunk.HasToolCalls() || len(c.buffer) > 0 {
		c.buffer = append(c.buffer, chunk)
		return nil
	}
	ex.EmitOriginal()
	return nil
}

func (c *judgeContext) OnToolCallComplete(_ context.Context, ex *Exchange, b *blocks.Block) error {
	if blocked, reason := c.judge.verdict(b); blocked {
		c.buffer = nil
		ex.Block(reason)
		return nil
	}
	c.flush(ex)
	return nil
}

func (c *judgeContext) OnStreamEnd(_ context.Context, ex *Exchange) error {
	// Reached only when every buffered tool call was judged safe; a stream
	// that ends mid tool-call fails closed in the dispatcher before this.
	c.flush(ex)
	return nil
}

func (c *judgeContext) flush(ex *Exchange) {
	for _, chunk := range c.buffer {
		ex.Emit(chunk)
	}
	c.buffer = nil
}
