package stream

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

// SetSSEHeaders applies the standard event-stream headers.
func SetSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Headers", "Cache-Control")
}

// WriteAnthropicEvent writes one Anthropic SSE frame (event: <type>\ndata: <json>)
// and flushes.
func WriteAnthropicEvent(c *gin.Context, ev Event) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		logrus.Errorf("Failed to marshal Anthropic stream event: %v", err)
		return
	}
	c.SSEvent(ev.Type, string(payload))
	flush(c)
}

// WriteOpenAIChunk writes one canonical chunk as an OpenAI SSE data frame.
func WriteOpenAIChunk(c *gin.Context, chunk *protocol.Chunk) {
	payload, err := chunk.Marshal()
	if err != nil {
		logrus.Errorf("Failed to marshal stream chunk: %v", err)
		return
	}
	c.SSEvent("", string(payload))
	flush(c)
}

// WriteOpenAIDone terminates an OpenAI SSE stream.
func WriteOpenAIDone(c *gin.Context) {
	c.SSEvent("", "[DONE]")
	flush(c)
}

func flush(c *gin.Context) {
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}
}
