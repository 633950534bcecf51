// Package blocks models the logical units of an in-flight model response:
// text content, tool calls, thinking and redacted thinking. The assembler
// folds canonical chunks into blocks so policies can observe partials and
// act on completed units.
package blocks

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
)

// Kind discriminates block variants.
type Kind string

const (
	KindContent          Kind = "content"
	KindToolCall         Kind = "tool_call"
	KindThinking         Kind = "thinking"
	KindRedactedThinking Kind = "redacted_thinking"
)

// Block is one logical unit of a streamed response. Index is its position
// within the call and increases monotonically in order of first appearance.
// Complete latches once the block is finalized and never clears.
type Block struct {
	Kind     Kind   `json:"kind"`
	Index    int    `json:"index"`
	Complete bool   `json:"complete"`
	Text     string `json:"text,omitempty"`

	ToolID        string `json:"tool_id,omitempty"`
	ToolName      string `json:"tool_name,omitempty"`
	ArgumentsJSON string `json:"arguments_json,omitempty"`

	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ToolCallReady reports whether a tool_call block satisfies the completeness
// rule: non-empty id and name, and arguments that parse as JSON.
func (b *Block) ToolCallReady() bool {
	if b.Kind != KindToolCall {
		return false
	}
	if b.ToolID == "" || b.ToolName == "" {
		return false
	}
	return json.Valid([]byte(b.ArgumentsJSON))
}

// Arguments strictly parses arguments_json into a map.
func (b *Block) Arguments() (map[string]interface{}, bool) {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(b.ArgumentsJSON), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

// ArgumentsLenient parses arguments_json, repairing truncated or sloppy JSON
// so policies can inspect partial tool calls mid-stream. Returns nil when
// nothing can be recovered. The strict parse in ToolCallReady is the only
// completeness gate; this is observation only.
func (b *Block) ArgumentsLenient() map[string]interface{} {
	if b.ArgumentsJSON == "" {
		return nil
	}
	if parsed, ok := b.Arguments(); ok {
		return parsed
	}
	repaired, err := jsonrepair.JSONRepair(b.ArgumentsJSON)
	if err != nil {
		return nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
		return nil
	}
	return parsed
}

// Clone returns an independent copy.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	out := *b
	return &out
}
