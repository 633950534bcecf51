// Package protocol defines the canonical streaming chunk schema shared by
// the gateway, the orchestrator and the control plane. The canonical shape
// is the OpenAI chat.completion.chunk; Anthropic streams are translated into
// it on ingress and back out of it on egress.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/sjson"
)

// Chunk is one canonical streaming unit.
type Chunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice carries one stream position's delta. finish_reason stays an explicit
// null on the wire until the stream finishes, so it is a pointer here.
type Choice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental payload of a choice. Fields the proxy does not
// model are preserved verbatim in Extra across unmarshal/marshal so policies
// and clients never lose provider extensions.
type Delta struct {
	Role             string                     `json:"role,omitempty"`
	Content          string                     `json:"content,omitempty"`
	ToolCalls        []ToolCallDelta            `json:"tool_calls,omitempty"`
	ReasoningContent string                     `json:"reasoning_content,omitempty"`
	ThinkingBlocks   []ThinkingBlock            `json:"thinking_blocks,omitempty"`
	Extra            map[string]json.RawMessage `json:"-"`
}

// ToolCallDelta is a fragment of a streamed tool call.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta carries the name (first fragment) and argument text pieces.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ThinkingBlock mirrors Anthropic extended-thinking content inside a delta.
// Data carries the opaque payload of redacted_thinking blocks.
type ThinkingBlock struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Usage reports token counts on the terminal chunk when the provider sends them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var deltaKnownKeys = []string{"role", "content", "tool_calls", "reasoning_content", "thinking_blocks"}

// UnmarshalJSON decodes the typed fields and keeps every unknown key in Extra.
func (d *Delta) UnmarshalJSON(data []byte) error {
	type plain Delta
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range deltaKnownKeys {
		delete(all, k)
	}
	if len(all) == 0 {
		all = nil
	}
	p.Extra = all
	*d = Delta(p)
	return nil
}

// MarshalJSON re-merges Extra fields into the encoded object.
func (d Delta) MarshalJSON() ([]byte, error) {
	type plain Delta
	out, err := json.Marshal(plain(d))
	if err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		out, err = sjson.SetRawBytes(out, escapeJSONPath(k), v)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func escapeJSONPath(key string) string {
	return strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`).Replace(key)
}

// Empty reports whether the delta carries no payload at all.
func (d Delta) Empty() bool {
	return d.Role == "" && d.Content == "" && len(d.ToolCalls) == 0 &&
		d.ReasoningContent == "" && len(d.ThinkingBlocks) == 0 && len(d.Extra) == 0
}

func (d Delta) clone() Delta {
	out := d
	if d.ToolCalls != nil {
		out.ToolCalls = append([]ToolCallDelta(nil), d.ToolCalls...)
	}
	if d.ThinkingBlocks != nil {
		out.ThinkingBlocks = append([]ThinkingBlock(nil), d.ThinkingBlocks...)
	}
	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Finish returns the finish_reason or "" while the stream is still open.
func (c *Choice) Finish() string {
	if c.FinishReason == nil {
		return ""
	}
	return *c.FinishReason
}

// FinishPtr builds the pointer form used on terminal chunks.
func FinishPtr(reason string) *string {
	return &reason
}

// FirstChoice returns choice 0, or nil for choice-less chunks such as
// trailing usage reports.
func (c *Chunk) FirstChoice() *Choice {
	if c == nil || len(c.Choices) == 0 {
		return nil
	}
	return &c.Choices[0]
}

// ContentDelta returns the concatenated content text across choices.
func (c *Chunk) ContentDelta() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for i := range c.Choices {
		b.WriteString(c.Choices[i].Delta.Content)
	}
	return b.String()
}

// FinishReason returns the first non-empty finish_reason across choices.
func (c *Chunk) FinishReason() string {
	if c == nil {
		return ""
	}
	for i := range c.Choices {
		if r := c.Choices[i].Finish(); r != "" {
			return r
		}
	}
	return ""
}

// HasToolCalls reports whether any choice delta carries tool call fragments.
func (c *Chunk) HasToolCalls() bool {
	if c == nil {
		return false
	}
	for i := range c.Choices {
		if len(c.Choices[i].Delta.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate independently of the original.
func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	out := *c
	out.Choices = make([]Choice, len(c.Choices))
	for i, ch := range c.Choices {
		nc := ch
		if ch.FinishReason != nil {
			r := *ch.FinishReason
			nc.FinishReason = &r
		}
		nc.Delta = ch.Delta.clone()
		out.Choices[i] = nc
	}
	if c.Usage != nil {
		u := *c.Usage
		out.Usage = &u
	}
	return &out
}

// Marshal encodes the chunk, never returning a nil choices array.
func (c *Chunk) Marshal() ([]byte, error) {
	if c.Choices == nil {
		cp := *c
		cp.Choices = []Choice{}
		return json.Marshal(&cp)
	}
	return json.Marshal(c)
}

// NewKeepAlive builds a reply that keeps the envelope of orig but carries an
// empty delta and no finish_reason. Used when a buffering policy withholds
// output for a received chunk.
func NewKeepAlive(orig *Chunk) *Chunk {
	out := &Chunk{Object: ObjectChunk, Created: time.Now().Unix(), Choices: []Choice{{}}}
	if orig != nil {
		out.ID = orig.ID
		out.Model = orig.Model
		if orig.Created != 0 {
			out.Created = orig.Created
		}
	}
	return out
}

// NewBlocked builds the single terminal chunk that replaces a withheld
// response: delta.content carries text and the stream finishes with "stop".
func NewBlocked(orig *Chunk, text string) *Chunk {
	out := &Chunk{
		Object:  ObjectChunk,
		Created: time.Now().Unix(),
		Choices: []Choice{{Delta: Delta{Content: text}, FinishReason: FinishPtr(FinishStop)}},
	}
	if orig != nil {
		out.ID = orig.ID
		out.Model = orig.Model
		if orig.Created != 0 {
			out.Created = orig.Created
		}
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	}
	return out
}
