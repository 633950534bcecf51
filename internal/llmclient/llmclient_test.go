package llmclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

func sseWrite(w http.ResponseWriter, event, data string) {
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func drain(t *testing.T, it ChunkIterator) []*protocol.Chunk {
	t.Helper()
	defer it.Close()
	var out []*protocol.Chunk
	for {
		chunk, err := it.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk)
	}
}

func TestOpenAIClient_Stream_YieldsCanonicalChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"stream":true`)

		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, "", `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`)
		sseWrite(w, "", `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`)
		sseWrite(w, "", `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
		sseWrite(w, "", "[DONE]")
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(&Provider{Type: ProviderTypeOpenAI, APIBase: srv.URL, APIKey: "test"})
	require.NoError(t, err)

	it, err := client.Stream(context.Background(), map[string]interface{}{
		"model":    "gpt-4",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.NoError(t, err)

	chunks := drain(t, it)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].ContentDelta())
	assert.Equal(t, "lo", chunks[1].ContentDelta())
	assert.Equal(t, protocol.FinishStop, chunks[2].FinishReason())
}

func TestOpenAIClient_Complete_ReturnsRawBody(t *testing.T) {
	const response = `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(&Provider{Type: ProviderTypeOpenAI, APIBase: srv.URL, APIKey: "test"})
	require.NoError(t, err)

	raw, err := client.Complete(context.Background(), map[string]interface{}{"model": "gpt-4"})
	require.NoError(t, err)
	assert.JSONEq(t, response, string(raw))
}

func TestAnthropicClient_Stream_TranslatesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, "message_start", `{"type":"message_start","message":{"id":"msg_1","model":"claude-3","usage":{"input_tokens":10}}}`)
		sseWrite(w, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
		sseWrite(w, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`)
		sseWrite(w, "content_block_stop", `{"type":"content_block_stop","index":0}`)
		sseWrite(w, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`)
		sseWrite(w, "message_stop", `{"type":"message_stop"}`)
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(&Provider{Type: ProviderTypeAnthropic, APIBase: srv.URL, APIKey: "test"})
	require.NoError(t, err)

	it, err := client.Stream(context.Background(), map[string]interface{}{
		"model":    "claude-3",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.NoError(t, err)

	chunks := drain(t, it)
	require.NotEmpty(t, chunks)

	var text string
	finish := ""
	for _, chunk := range chunks {
		text += chunk.ContentDelta()
		if f := chunk.FinishReason(); f != "" {
			finish = f
		}
	}
	assert.Equal(t, "Hello", text)
	assert.Equal(t, protocol.FinishStop, finish)
}

func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New(&Provider{Type: "mystery"})
	assert.Error(t, err)
}
