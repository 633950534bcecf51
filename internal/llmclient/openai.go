package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/sirupsen/logrus"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/llmclient/httpclient"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// OpenAIClient wraps the OpenAI SDK client
type OpenAIClient struct {
	client   openai.Client
	provider *Provider
}

// NewOpenAIClient creates a new OpenAI client wrapper
func NewOpenAIClient(provider *Provider) (*OpenAIClient, error) {
	options := []option.RequestOption{
		option.WithAPIKey(provider.APIKey),
	}
	if provider.APIBase != "" {
		options = append(options, option.WithBaseURL(provider.APIBase))
	}

	var hooks []httpclient.HookFunc
	if len(provider.ExtraHeaders) > 0 {
		hooks = append(hooks, httpclient.HeaderHook(provider.ExtraHeaders))
	}
	if provider.ProxyURL != "" || len(hooks) > 0 {
		options = append(options, option.WithHTTPClient(httpclient.CreateHTTPClient(provider.ProxyURL, hooks...)))
		if provider.ProxyURL != "" {
			logrus.Infof("Using proxy for OpenAI client: %s", provider.ProxyURL)
		}
	}

	return &OpenAIClient{
		client:   openai.NewClient(options...),
		provider: provider,
	}, nil
}

// ProviderType returns the provider type
func (c *OpenAIClient) ProviderType() ProviderType {
	return ProviderTypeOpenAI
}

// Close closes any resources held by the client
func (c *OpenAIClient) Close() error {
	// OpenAI client doesn't need explicit closing
	return nil
}

// Complete forwards a chat completion payload and returns the raw response.
func (c *OpenAIClient) Complete(ctx context.Context, payload map[string]interface{}) (json.RawMessage, error) {
	var raw *http.Response
	if err := c.client.Post(ctx, "chat/completions", payload, &raw); err != nil {
		return nil, err
	}
	defer raw.Body.Close()
	return io.ReadAll(raw.Body)
}

// Stream forwards a chat completion payload with stream=true and returns
// the chunk iterator. SDK chunks are already in canonical shape.
func (c *OpenAIClient) Stream(ctx context.Context, payload map[string]interface{}) (ChunkIterator, error) {
	var raw *http.Response
	err := c.client.Post(ctx, "chat/completions", payload, &raw, option.WithJSONSet("stream", true))
	sdkStream := ssestream.NewStream[openai.ChatCompletionChunk](ssestream.NewDecoder(raw), err)
	if err := sdkStream.Err(); err != nil {
		_ = sdkStream.Close()
		return nil, err
	}
	return &openaiIterator{stream: sdkStream}, nil
}

type openaiIterator struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

func (it *openaiIterator) Next(ctx context.Context) (*protocol.Chunk, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	for it.stream.Next() {
		current := it.stream.Current()
		chunk, err := protocol.Normalize([]byte(current.RawJSON()))
		if errors.Is(err, protocol.ErrMalformedChunk) {
			logrus.Warnf("skipping malformed upstream chunk: %v", err)
			continue
		}
		return chunk, err
	}
	if err := it.stream.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (it *openaiIterator) Close() error {
	return it.stream.Close()
}
