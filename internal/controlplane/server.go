package controlplane

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/db"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/events"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol/stream"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/pubsub"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/ratelimit"
)

// Server is the control-plane HTTP surface: hook endpoints, conversation
// reads, live SSE feeds and the streaming WebSocket.
type Server struct {
	dispatcher *Dispatcher
	store      *db.Store
	publisher  *pubsub.Publisher
	limiter    *ratelimit.Limiter
	engine     *gin.Engine
}

// NewServer assembles the router. store may be nil; read endpoints then
// return 500, matching the pool-absent contract.
func NewServer(dispatcher *Dispatcher, store *db.Store, publisher *pubsub.Publisher, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		dispatcher: dispatcher,
		store:      store,
		publisher:  publisher,
		limiter:    limiter,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)

	api := engine.Group("/api")
	{
		hooks := api.Group("/hooks")
		hooks.POST("/:hook_name", s.handleHook)
		hooks.GET("/recent_call_ids", s.handleRecentCallIDs)
		hooks.GET("/conversation", s.handleConversation)
		hooks.GET("/conversation/stream", s.handleConversationStream)

		api.GET("/activity/stream", s.handleActivityStream)
		api.GET("/policy/stream", s.handlePolicyStream)
	}

	s.engine = engine
	return s
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"policy": s.dispatcher.Policy().Name(),
	})
}

// handleHook is the generic non-streaming hook endpoint. The response body
// is the replacement payload, or null for no change.
func (s *Server) handleHook(c *gin.Context) {
	hookName := c.Param("hook_name")
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	replacement, err := s.dispatcher.HandleHook(c.Request.Context(), hookName, raw)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrUnknownHook) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if replacement == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, replacement)
}

func (s *Server) handleRecentCallIDs(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation store unavailable"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	ids, err := s.store.RecentCallIDs(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_ids": ids})
}

func (s *Server) handleConversation(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conversation store unavailable"})
		return
	}
	callID := c.Query("call_id")
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_id is required"})
		return
	}
	evs, err := s.store.EventsForCall(callID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	snap := events.BuildSnapshot(callID, evs, s.baselineFor(callID))
	c.JSON(http.StatusOK, snap)
}

// baselineFor loads the previous call's final messages for the diff. Any
// lookup failure degrades to an empty baseline.
func (s *Server) baselineFor(callID string) []events.Message {
	call, err := s.store.Call(callID)
	if err != nil || call == nil || call.TraceID == "" {
		return nil
	}
	prev, err := s.store.PreviousCall(call.TraceID, call.StartedAt)
	if err != nil || prev == nil {
		return nil
	}
	prevEvents, err := s.store.EventsForCall(prev.CallID)
	if err != nil {
		return nil
	}
	return events.FinalMessages(prevEvents)
}

func (s *Server) handleConversationStream(c *gin.Context) {
	callID := c.Query("call_id")
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_id is required"})
		return
	}
	s.streamChannel(c, pubsub.ConversationChannel(callID))
}

func (s *Server) handleActivityStream(c *gin.Context) {
	s.streamChannel(c, pubsub.ActivityChannel)
}

// streamChannel bridges a pubsub channel onto an SSE response.
func (s *Server) streamChannel(c *gin.Context, channel string) {
	if s.limiter != nil && !s.limiter.TryAcquire(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}
	if s.publisher == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event feed unavailable"})
		return
	}

	msgs, cancel, err := s.publisher.Subscribe(c.Request.Context(), channel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer cancel()

	stream.SetSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(": keep-alive\n\n"); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			c.SSEvent("", string(payload))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// handlePolicyStream upgrades to the streaming WebSocket and hands the
// connection to the dispatcher.
func (s *Server) handlePolicyStream(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logrus.Warnf("WebSocket accept failed: %v", err)
		return
	}
	s.dispatcher.ServeStream(c.Request.Context(), conn)
}
