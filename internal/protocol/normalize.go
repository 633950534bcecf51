package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMalformedChunk reports a payload that cannot be interpreted as a
// canonical streaming chunk.
var ErrMalformedChunk = errors.New("malformed chunk")

// Normalize parses a raw chunk into canonical form. It guarantees every
// choice delta ends up a JSON object: providers occasionally string-encode
// the delta, and some emit none at all. Each chunk is normalized exactly
// once per direction; downstream layers work on the typed form.
func Normalize(raw []byte) (*Chunk, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedChunk)
	}
	choices := root.Get("choices")
	if !choices.Exists() || !choices.IsArray() {
		return nil, fmt.Errorf("%w: missing choices array", ErrMalformedChunk)
	}

	for i, choice := range choices.Array() {
		delta := choice.Get("delta")
		var err error
		switch {
		case delta.Type == gjson.String:
			// A delta serialized as a JSON string containing the object.
			inner := gjson.Parse(delta.Str)
			if !inner.IsObject() {
				return nil, fmt.Errorf("%w: choice %d delta string does not contain an object", ErrMalformedChunk, i)
			}
			raw, err = sjson.SetRawBytes(raw, fmt.Sprintf("choices.%d.delta", i), []byte(delta.Str))
		case !delta.Exists(), delta.Type == gjson.Null:
			raw, err = sjson.SetRawBytes(raw, fmt.Sprintf("choices.%d.delta", i), []byte("{}"))
		case delta.IsObject():
		default:
			return nil, fmt.Errorf("%w: choice %d delta has type %s", ErrMalformedChunk, i, delta.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("normalize choice %d: %w", i, err)
		}
	}

	var c Chunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	if c.Choices == nil {
		c.Choices = []Choice{}
	}
	return &c, nil
}

// Validate is the minimum bar for a policy-supplied replacement chunk.
func Validate(c *Chunk) error {
	if c == nil {
		return fmt.Errorf("%w: nil chunk", ErrMalformedChunk)
	}
	if c.Choices == nil {
		return fmt.Errorf("%w: missing choices", ErrMalformedChunk)
	}
	return nil
}
