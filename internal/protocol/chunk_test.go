package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelta_RoundTrip_PreservesUnknownFields(t *testing.T) {
	raw := `{"role":"assistant","content":"hi","annotations":[{"kind":"cite"}],"custom_field":42}`

	var d Delta
	require.NoError(t, json.Unmarshal([]byte(raw), &d))

	assert.Equal(t, "assistant", d.Role)
	assert.Equal(t, "hi", d.Content)
	require.Contains(t, d.Extra, "annotations")
	require.Contains(t, d.Extra, "custom_field")

	out, err := json.Marshal(d)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "assistant", decoded["role"])
	assert.Equal(t, float64(42), decoded["custom_field"])
	assert.NotNil(t, decoded["annotations"])
}

func TestDelta_Empty(t *testing.T) {
	assert.True(t, Delta{}.Empty())
	assert.False(t, Delta{Content: "x"}.Empty())
	assert.False(t, Delta{Role: "assistant"}.Empty())
	assert.False(t, Delta{Extra: map[string]json.RawMessage{"k": []byte(`1`)}}.Empty())
}

func TestChunk_Clone_Independent(t *testing.T) {
	orig := &Chunk{
		ID:      "chatcmpl-1",
		Object:  ObjectChunk,
		Created: 1700000000,
		Model:   "gpt-4o",
		Choices: []Choice{{
			Delta: Delta{
				Content:   "hello",
				ToolCalls: []ToolCallDelta{{Index: 0, ID: "call_1", Function: FunctionDelta{Name: "f"}}},
			},
			FinishReason: FinishPtr(FinishStop),
		}},
		Usage: &Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}

	cp := orig.Clone()
	cp.Choices[0].Delta.Content = "changed"
	cp.Choices[0].Delta.ToolCalls[0].ID = "call_2"
	*cp.Choices[0].FinishReason = FinishLength
	cp.Usage.TotalTokens = 99

	assert.Equal(t, "hello", orig.Choices[0].Delta.Content)
	assert.Equal(t, "call_1", orig.Choices[0].Delta.ToolCalls[0].ID)
	assert.Equal(t, FinishStop, orig.Choices[0].Finish())
	assert.Equal(t, 3, orig.Usage.TotalTokens)
}

func TestChunk_FinishReason_ScansChoices(t *testing.T) {
	c := &Chunk{Choices: []Choice{
		{Index: 0},
		{Index: 1, FinishReason: FinishPtr(FinishToolCalls)},
	}}
	assert.Equal(t, FinishToolCalls, c.FinishReason())
	assert.Equal(t, "", (&Chunk{}).FinishReason())
}

func TestChunk_Marshal_EmitsNullFinishReasonAndChoicesArray(t *testing.T) {
	c := &Chunk{ID: "chatcmpl-1", Object: ObjectChunk, Choices: []Choice{{}}}
	out, err := c.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"finish_reason":null`)
	assert.Contains(t, string(out), `"delta":{}`)

	empty := &Chunk{ID: "chatcmpl-2", Object: ObjectChunk}
	out, err = empty.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"choices":[]`)
}

func TestNewKeepAlive_CopiesEnvelope(t *testing.T) {
	orig := &Chunk{ID: "chatcmpl-7", Model: "claude-sonnet-4", Created: 1700000001,
		Choices: []Choice{{Delta: Delta{Content: "secret"}}}}

	ka := NewKeepAlive(orig)
	assert.Equal(t, "chatcmpl-7", ka.ID)
	assert.Equal(t, "claude-sonnet-4", ka.Model)
	assert.Equal(t, int64(1700000001), ka.Created)
	require.Len(t, ka.Choices, 1)
	assert.True(t, ka.Choices[0].Delta.Empty())
	assert.Nil(t, ka.Choices[0].FinishReason)
}

func TestNewBlocked_TerminalStopChunk(t *testing.T) {
	b := NewBlocked(nil, "⛔ BLOCKED: drop table")
	require.Len(t, b.Choices, 1)
	assert.Equal(t, "⛔ BLOCKED: drop table", b.Choices[0].Delta.Content)
	assert.Equal(t, FinishStop, b.Choices[0].Finish())
	assert.NotEmpty(t, b.ID)

	orig := &Chunk{ID: "chatcmpl-9", Model: "gpt-4o"}
	b2 := NewBlocked(orig, "⛔ BLOCKED")
	assert.Equal(t, "chatcmpl-9", b2.ID)
	assert.Equal(t, "gpt-4o", b2.Model)
}
