package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/llmclient"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol/stream"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/proxy"
)

// TraceHeader lets callers group calls into one conversation.
const TraceHeader = "x-luthien-trace-id"

// metaKeys are the gateway-injected fields stripped before the payload goes
// upstream.
var metaKeys = []string{"litellm_call_id", "litellm_trace_id", "post_time_ns"}

// Server exposes the provider-compatible endpoints and pipes their streams
// through the orchestrator.
type Server struct {
	hooks        *HookClient
	orchestrator *proxy.Orchestrator
	clients      map[llmclient.ProviderType]llmclient.Client
	engine       *gin.Engine
}

// NewServer assembles the gateway router.
func NewServer(hooks *HookClient, orchestrator *proxy.Orchestrator, clients map[llmclient.ProviderType]llmclient.Client) *Server {
	s := &Server{
		hooks:        hooks,
		orchestrator: orchestrator,
		clients:      clients,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.POST("/v1/chat/completions", s.handleChatCompletions)
	engine.POST("/v1/messages", s.handleMessages)

	s.engine = engine
	return s
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleChatCompletions(c *gin.Context) {
	s.handleCall(c, llmclient.ProviderTypeOpenAI)
}

func (s *Server) handleMessages(c *gin.Context) {
	s.handleCall(c, llmclient.ProviderTypeAnthropic)
}

// call carries one request through hooks, upstream and rendering.
type call struct {
	id       string
	traceID  string
	provider llmclient.ProviderType
	payload  map[string]interface{} // hook view: request fields + meta
}

func (s *Server) handleCall(c *gin.Context, providerType llmclient.ProviderType) {
	client, ok := s.clients[providerType]
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"message": "no " + string(providerType) + " provider configured"}})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "failed to read body"}})
		return
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "request body must be a JSON object"}})
		return
	}

	cl := &call{
		id:       uuid.NewString(),
		traceID:  c.GetHeader(TraceHeader),
		provider: providerType,
	}
	cl.payload = s.preCall(c.Request.Context(), cl, payload)

	streaming, _ := cl.payload["stream"].(bool)
	if streaming {
		s.streamCall(c, client, cl)
		return
	}
	s.completeCall(c, client, cl)
}

// preCall runs the pre_call hook and returns the (possibly replaced) hook
// payload: the request fields plus call metadata.
func (s *Server) preCall(ctx context.Context, cl *call, payload map[string]interface{}) map[string]interface{} {
	hookPayload := make(map[string]interface{}, len(payload)+3)
	for k, v := range payload {
		hookPayload[k] = v
	}
	hookPayload["litellm_call_id"] = cl.id
	if cl.traceID != "" {
		hookPayload["litellm_trace_id"] = cl.traceID
	}
	hookPayload["post_time_ns"] = time.Now().UnixNano()

	if replacement := s.hooks.Invoke(ctx, protocol.HookPreCall, hookPayload); replacement != nil {
		logrus.Infof("Call %s: request rewritten by pre_call policy", cl.id)
		replacement["litellm_call_id"] = cl.id
		return replacement
	}
	return hookPayload
}

// upstreamPayload strips gateway metadata before the request goes out.
func (cl *call) upstreamPayload(dropStream bool) map[string]interface{} {
	out := make(map[string]interface{}, len(cl.payload))
	for k, v := range cl.payload {
		out[k] = v
	}
	for _, k := range metaKeys {
		delete(out, k)
	}
	if dropStream {
		delete(out, "stream")
	}
	return out
}

func (s *Server) postFailure(ctx context.Context, cl *call, callErr error) {
	payload := map[string]interface{}{
		"litellm_call_id": cl.id,
		"error":           callErr.Error(),
	}
	if cl.traceID != "" {
		payload["litellm_trace_id"] = cl.traceID
	}
	s.hooks.Invoke(ctx, protocol.HookPostCallFailure, payload)
}

// completeCall is the non-streaming path: forward, run post_call_success,
// return the (possibly replaced) response.
func (s *Server) completeCall(c *gin.Context, client llmclient.Client, cl *call) {
	ctx := c.Request.Context()
	raw, err := client.Complete(ctx, cl.upstreamPayload(false))
	if err != nil {
		logrus.Warnf("Call %s: upstream request failed: %v", cl.id, err)
		s.postFailure(ctx, cl, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	var response map[string]interface{}
	if err := json.Unmarshal(raw, &response); err != nil {
		// Non-object upstream bodies pass through untouched.
		c.Data(http.StatusOK, "application/json", raw)
		return
	}

	hookPayload := map[string]interface{}{
		"litellm_call_id": cl.id,
		"response":        response,
	}
	if cl.traceID != "" {
		hookPayload["litellm_trace_id"] = cl.traceID
	}
	if replacement := s.hooks.Invoke(ctx, protocol.HookPostCallSuccess, hookPayload); replacement != nil {
		if replaced, ok := replacement["response"].(map[string]interface{}); ok {
			logrus.Infof("Call %s: response rewritten by post_call policy", cl.id)
			c.JSON(http.StatusOK, replaced)
			return
		}
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// streamCall is the streaming path: upstream iterator through the
// orchestrator, rendered as SSE in the caller's dialect.
func (s *Server) streamCall(c *gin.Context, client llmclient.Client, cl *call) {
	ctx := c.Request.Context()
	upstream, err := client.Stream(ctx, cl.upstreamPayload(true))
	if err != nil {
		logrus.Warnf("Call %s: upstream stream failed to open: %v", cl.id, err)
		s.postFailure(ctx, cl, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	startData, err := json.Marshal(cl.payload)
	if err != nil {
		startData = []byte(`{"litellm_call_id":"` + cl.id + `"}`)
	}
	st := s.orchestrator.Run(ctx, cl.id, upstream, startData)
	defer st.Close()

	// The first chunk decides between an SSE stream and an error status.
	first, err := st.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		s.postFailure(ctx, cl, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}

	stream.SetSSEHeaders(c)
	switch cl.provider {
	case llmclient.ProviderTypeAnthropic:
		s.renderAnthropic(c, cl, st, first)
	default:
		s.renderOpenAI(c, cl, st, first)
	}
}

func (s *Server) renderOpenAI(c *gin.Context, cl *call, st *proxy.Stream, first *protocol.Chunk) {
	chunk := first
	for chunk != nil {
		stream.WriteOpenAIChunk(c, chunk)
		next, err := st.Recv()
		if errors.Is(err, io.EOF) {
			stream.WriteOpenAIDone(c)
			return
		}
		if err != nil {
			logrus.Warnf("Call %s: stream aborted: %v", cl.id, err)
			return
		}
		chunk = next
	}
	stream.WriteOpenAIDone(c)
}

func (s *Server) renderAnthropic(c *gin.Context, cl *call, st *proxy.Stream, first *protocol.Chunk) {
	egress := stream.NewAnthropicEgress()
	writeEvents := func(evs []stream.Event) {
		for _, ev := range evs {
			stream.WriteAnthropicEvent(c, ev)
		}
	}

	chunk := first
	for chunk != nil {
		evs, err := egress.Push(chunk)
		if err != nil {
			logrus.Warnf("Call %s: egress translation failed: %v", cl.id, err)
			return
		}
		writeEvents(evs)

		next, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logrus.Warnf("Call %s: stream aborted: %v", cl.id, err)
			return
		}
		chunk = next
	}
	writeEvents(egress.Close())
}
