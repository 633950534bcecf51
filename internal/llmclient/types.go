// Package llmclient wraps the provider SDKs behind a passthrough-friendly
// interface: request payloads stay raw JSON, response streams come back as
// canonical chunk iterators.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// ProviderType represents the AI provider type
type ProviderType string

const (
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeAnthropic ProviderType = "anthropic"
)

// Provider carries the connection settings for one upstream.
type Provider struct {
	Name         string            `yaml:"name" json:"name"`
	Type         ProviderType      `yaml:"type" json:"type"`
	APIBase      string            `yaml:"api_base" json:"api_base"`
	APIKey       string            `yaml:"api_key" json:"api_key"`
	ProxyURL     string            `yaml:"proxy_url,omitempty" json:"proxy_url,omitempty"`
	ExtraHeaders map[string]string `yaml:"extra_headers,omitempty" json:"extra_headers,omitempty"`
}

// ChunkIterator yields canonical chunks from an upstream stream.
// Next returns io.EOF at clean exhaustion.
type ChunkIterator interface {
	Next(ctx context.Context) (*protocol.Chunk, error)
	Close() error
}

// Client is the unified interface for AI provider clients. Payloads are
// forwarded as-is; the gateway never retypes what the caller sent.
type Client interface {
	// ProviderType returns the type of provider this client implements
	ProviderType() ProviderType

	// Complete performs a non-streaming call and returns the raw response body.
	Complete(ctx context.Context, payload map[string]interface{}) (json.RawMessage, error)

	// Stream performs a streaming call and returns a canonical chunk iterator.
	Stream(ctx context.Context, payload map[string]interface{}) (ChunkIterator, error)

	// Close closes any resources held by the client
	Close() error
}

// New builds the client for a provider.
func New(provider *Provider) (Client, error) {
	switch provider.Type {
	case ProviderTypeOpenAI:
		return NewOpenAIClient(provider)
	case ProviderTypeAnthropic:
		return NewAnthropicClient(provider)
	default:
		return nil, fmt.Errorf("unsupported provider type %q", provider.Type)
	}
}
