package events

import (
	"encoding/json"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	encOnce sync.Once
	encoder tokenizer.Codec
)

// EstimateTokens counts tokens in text with the O200k encoding, falling back
// to the chars/4 heuristic when the tokenizer is unavailable.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		enc, err := tokenizer.Get(tokenizer.O200kBase)
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return len(text) / 4
	}
	n, err := encoder.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
