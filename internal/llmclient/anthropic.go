package llmclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicOption "github.com/anthropics/anthropic-sdk-go/option"
	anthropicStream "github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/sirupsen/logrus"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/llmclient/httpclient"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol/stream"
)

// AnthropicClient wraps the Anthropic SDK client
type AnthropicClient struct {
	client   anthropic.Client
	provider *Provider
}

// NewAnthropicClient creates a new Anthropic client wrapper
func NewAnthropicClient(provider *Provider) (*AnthropicClient, error) {
	// Anthropic SDK expects the base URL without /v1
	apiBase := strings.TrimRight(provider.APIBase, "/")
	apiBase = strings.TrimSuffix(apiBase, "/v1")

	options := []anthropicOption.RequestOption{
		anthropicOption.WithAPIKey(provider.APIKey),
	}
	if apiBase != "" {
		options = append(options, anthropicOption.WithBaseURL(apiBase))
	}

	var hooks []httpclient.HookFunc
	if len(provider.ExtraHeaders) > 0 {
		hooks = append(hooks, httpclient.HeaderHook(provider.ExtraHeaders))
	}
	if provider.ProxyURL != "" || len(hooks) > 0 {
		options = append(options, anthropicOption.WithHTTPClient(httpclient.CreateHTTPClient(provider.ProxyURL, hooks...)))
		if provider.ProxyURL != "" {
			logrus.Infof("Using proxy for Anthropic client: %s", provider.ProxyURL)
		}
	}

	return &AnthropicClient{
		client:   anthropic.NewClient(options...),
		provider: provider,
	}, nil
}

// ProviderType returns the provider type
func (c *AnthropicClient) ProviderType() ProviderType {
	return ProviderTypeAnthropic
}

// Close closes any resources held by the client
func (c *AnthropicClient) Close() error {
	return nil
}

// Complete forwards a messages payload and returns the raw response.
func (c *AnthropicClient) Complete(ctx context.Context, payload map[string]interface{}) (json.RawMessage, error) {
	var raw *http.Response
	if err := c.client.Post(ctx, "v1/messages", payload, &raw); err != nil {
		return nil, err
	}
	defer raw.Body.Close()
	return io.ReadAll(raw.Body)
}

// Stream forwards a messages payload with stream=true. Native events are
// translated into canonical chunks on the way out.
func (c *AnthropicClient) Stream(ctx context.Context, payload map[string]interface{}) (ChunkIterator, error) {
	var raw *http.Response
	err := c.client.Post(ctx, "v1/messages", payload, &raw, anthropicOption.WithJSONSet("stream", true))
	sdkStream := anthropicStream.NewStream[anthropic.MessageStreamEventUnion](anthropicStream.NewDecoder(raw), err)
	if err := sdkStream.Err(); err != nil {
		_ = sdkStream.Close()
		return nil, err
	}
	return &anthropicIterator{
		stream:  sdkStream,
		ingress: stream.NewAnthropicIngress(),
	}, nil
}

type anthropicIterator struct {
	stream  *anthropicStream.Stream[anthropic.MessageStreamEventUnion]
	ingress *stream.AnthropicIngress
	pending []*protocol.Chunk
}

func (it *anthropicIterator) Next(ctx context.Context) (*protocol.Chunk, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if len(it.pending) > 0 {
			chunk := it.pending[0]
			it.pending = it.pending[1:]
			return chunk, nil
		}
		if !it.stream.Next() {
			if err := it.stream.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		chunks, err := it.ingress.Translate([]byte(it.stream.Current().RawJSON()))
		if err != nil {
			return nil, err
		}
		it.pending = chunks
	}
}

func (it *anthropicIterator) Close() error {
	return it.stream.Close()
}
