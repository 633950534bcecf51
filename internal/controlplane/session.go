package controlplane

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/db"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/events"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/policy"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol/blocks"
)

// WireConn abstracts the socket under a stream session so tests can drive
// the protocol without a network.
type WireConn interface {
	Read(ctx context.Context) (*protocol.WireMessage, error)
	Write(ctx context.Context, msg *protocol.WireMessage) error
}

// wsWireConn adapts a coder/websocket connection.
type wsWireConn struct {
	conn *websocket.Conn
}

func (w *wsWireConn) Read(ctx context.Context) (*protocol.WireMessage, error) {
	_, raw, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeWire(raw)
}

func (w *wsWireConn) Write(ctx context.Context, msg *protocol.WireMessage) error {
	raw, err := protocol.EncodeWire(msg)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, raw)
}

// ServeStream drives one streaming call over an accepted WebSocket.
func (d *Dispatcher) ServeStream(ctx context.Context, conn *websocket.Conn) {
	d.ServeWire(ctx, &wsWireConn{conn: conn})
	_ = conn.Close(websocket.StatusNormalClosure, "stream finished")
}

// ServeWire runs the streaming sub-protocol until END, ERROR or socket loss.
func (d *Dispatcher) ServeWire(ctx context.Context, conn WireConn) {
	s := &streamSession{d: d, conn: conn}
	defer s.close()

	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			// Socket loss mid-stream is equivalent to END, minus replies.
			s.finishSilently()
			return
		}
		switch msg.Type {
		case protocol.WireStart:
			s.handleStart(ctx, msg)
		case protocol.WireChunk:
			if done := s.handleChunk(ctx, msg); done {
				return
			}
		case protocol.WireEnd:
			s.handleEnd(ctx)
			return
		default:
			logrus.Warnf("Stream session %s: ignoring message type %q", s.callID, msg.Type)
		}
	}
}

// streamSession is the per-connection state: one call, one policy stream
// context, one block assembler, one egress buffer.
type streamSession struct {
	d    *Dispatcher
	conn WireConn

	callID  string
	traceID string
	started bool

	sc     policy.StreamContext
	asm    *blocks.Assembler
	ex     *policy.Exchange
	egress []*protocol.Chunk

	blocked     bool
	blockReason string
	finalText   strings.Builder
}

func (s *streamSession) handleStart(ctx context.Context, msg *protocol.WireMessage) {
	if s.started {
		logrus.Warnf("Stream session %s: duplicate START ignored", s.callID)
		return
	}
	s.callID = events.ExtractCallID(msg.Data)
	s.traceID = events.ExtractTraceID(msg.Data)
	s.d.submitDebugLog("stream:start", msg.Data)

	var requestData map[string]interface{}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &requestData); err != nil {
			logrus.Warnf("Stream session %s: unparseable START data: %v", s.callID, err)
		}
	}

	meta := &policy.CallMeta{CallID: s.callID, TraceID: s.traceID}
	pol := s.d.Policy()
	if streamer, ok := pol.(policy.Streamer); ok {
		sc, err := streamer.NewStreamContext(ctx, meta, requestData)
		if err != nil {
			logrus.Errorf("Policy %s failed to open stream context for call %s: %v", pol.Name(), s.callID, err)
			s.d.metrics.PolicyError(ctx, "stream_start")
			s.sc = &policy.PassthroughContext{}
		} else {
			s.sc = sc
		}
	} else {
		s.sc = &policy.PassthroughContext{}
	}

	s.asm = blocks.New(blocks.Callbacks{
		OnContentDelta: func(b *blocks.Block, delta string) error {
			return s.sc.OnContentDelta(ctx, s.ex, b, delta)
		},
		OnToolCallDelta: func(b *blocks.Block, argsDelta string) error {
			return s.sc.OnToolCallDelta(ctx, s.ex, b, argsDelta)
		},
		OnContentComplete: func(b *blocks.Block) error {
			return s.sc.OnContentComplete(ctx, s.ex, b)
		},
		OnToolCallComplete: func(b *blocks.Block) error {
			if err := s.sc.OnToolCallComplete(ctx, s.ex, b); err != nil {
				return err
			}
			s.recordToolCall(b)
			return nil
		},
	})
	s.started = true
	logrus.Debugf("Stream session opened for call %s with policy %s", s.callID, pol.Name())
}

// handleChunk processes one upstream chunk and sends exactly one reply,
// echoing the chunk's seq so the orchestrator can pair it. Returns true
// when the session is finished.
func (s *streamSession) handleChunk(ctx context.Context, msg *protocol.WireMessage) bool {
	if !s.started {
		s.replyError(ctx, msg.Seq, "CHUNK before START")
		return true
	}
	if s.blocked {
		// Everything after a block is withheld.
		s.reply(ctx, &protocol.WireMessage{Type: protocol.WireEnd, Seq: msg.Seq})
		return true
	}

	original, err := protocol.Normalize(msg.Data)
	if err != nil {
		logrus.Warnf("Stream session %s: malformed upstream chunk: %v", s.callID, err)
		s.replyError(ctx, msg.Seq, "malformed chunk: "+err.Error())
		return true
	}

	s.ex = policy.NewExchange(original)
	callbackErr := s.sc.OnChunkReceived(ctx, s.ex, original)
	if callbackErr == nil {
		callbackErr = s.asm.Ingest(original)
	}
	if callbackErr != nil {
		logrus.Errorf("Policy stream callback failed for call %s: %v", s.callID, callbackErr)
		s.d.metrics.PolicyError(ctx, "stream_chunk")
		s.replyError(ctx, msg.Seq, callbackErr.Error())
		return true
	}

	if reason, blocked := s.ex.Blocked(); blocked {
		s.block(ctx, original, reason, msg.Seq)
		return false
	}

	s.egress = append(s.egress, s.ex.Emissions()...)

	reply := s.popEgress(original)
	rewritten := reply != original
	if rewritten {
		if err := protocol.Validate(reply); err != nil {
			logrus.Errorf("Policy returned malformed chunk for call %s, using original: %v", s.callID, err)
			s.d.metrics.PolicyError(ctx, "stream_chunk")
			s.d.submitDebugLog("stream:malformed_policy_chunk", mustJSON(map[string]interface{}{
				"call_id": s.callID,
				"error":   err.Error(),
			}))
			reply = original
			rewritten = false
		}
	}

	if s.callID != "" {
		seq := time.Now().UnixNano()
		var final *protocol.Chunk
		if rewritten {
			final = reply
		}
		s.d.SubmitEvents(s.d.builder.ChunkEvents(s.callID, s.traceID, seq, original, final)...)
	}
	s.d.metrics.ChunkForwarded(ctx, rewritten)

	s.finalText.WriteString(reply.ContentDelta())
	wire, err := protocol.NewWireChunk(reply)
	if err != nil {
		logrus.Errorf("Stream session %s: marshal reply: %v", s.callID, err)
		s.replyError(ctx, msg.Seq, "internal error")
		return true
	}
	wire.Seq = msg.Seq
	s.reply(ctx, wire)
	return false
}

// popEgress takes the next queued emission or synthesizes a keep-alive so
// the orchestrator always gets its one reply per chunk.
func (s *streamSession) popEgress(original *protocol.Chunk) *protocol.Chunk {
	if len(s.egress) > 0 {
		next := s.egress[0]
		s.egress = s.egress[1:]
		return next
	}
	return protocol.NewKeepAlive(original)
}

func (s *streamSession) handleEnd(ctx context.Context) {
	if !s.started || s.blocked {
		s.reply(ctx, &protocol.WireMessage{Type: protocol.WireEnd})
		s.finishEvents()
		return
	}

	s.ex = policy.NewExchange(nil)
	incomplete, err := s.asm.FinishStream()
	if err != nil {
		logrus.Errorf("Policy stream finalization failed for call %s: %v", s.callID, err)
		s.d.metrics.PolicyError(ctx, "stream_end")
		s.replyError(ctx, 0, err.Error())
		return
	}

	if len(incomplete) > 0 {
		s.failIncomplete(ctx, incomplete)
		return
	}

	if err := s.sc.OnStreamEnd(ctx, s.ex); err != nil {
		logrus.Errorf("Policy OnStreamEnd failed for call %s: %v", s.callID, err)
		s.d.metrics.PolicyError(ctx, "stream_end")
	}
	if reason, blocked := s.ex.Blocked(); blocked {
		s.block(ctx, nil, reason, 0)
		s.reply(ctx, &protocol.WireMessage{Type: protocol.WireEnd})
		s.finishEvents()
		return
	}

	// Flush the tail: emissions queued during the stream plus anything the
	// policy produced at end.
	s.egress = append(s.egress, s.ex.Emissions()...)
	for _, chunk := range s.egress {
		s.finalText.WriteString(chunk.ContentDelta())
		if wire, err := protocol.NewWireChunk(chunk); err == nil {
			s.reply(ctx, wire)
		}
	}
	s.egress = nil

	s.reply(ctx, &protocol.WireMessage{Type: protocol.WireEnd})
	s.finishEvents()
}

// failIncomplete is the fail-closed path for streams that end mid tool-call.
func (s *streamSession) failIncomplete(ctx context.Context, incomplete []*blocks.Block) {
	logrus.Warnf("Stream for call %s ended with %d incomplete tool call(s), blocking", s.callID, len(incomplete))
	for _, b := range incomplete {
		s.d.submitToolCall(&db.ConversationToolCall{
			CallID:         s.callID,
			ToolCallID:     b.ToolID,
			Name:           b.ToolName,
			Arguments:      b.ArgumentsJSON,
			Status:         "incomplete",
			ChunksBuffered: s.asm.ChunksIngested(),
		})
	}

	blockedChunk := protocol.NewBlocked(nil, "⛔ BLOCKED: "+ErrIncompleteToolCall.Error())
	s.finalText.WriteString(blockedChunk.ContentDelta())
	if wire, err := protocol.NewWireChunk(blockedChunk); err == nil {
		s.reply(ctx, wire)
	}
	s.reply(ctx, &protocol.WireMessage{Type: protocol.WireEnd})

	if s.callID != "" {
		s.d.SubmitEvents(s.d.builder.RequestCompleted(
			s.callID, s.traceID, time.Now().UnixNano(),
			protocol.HookPostCallStream, events.StatusFailure,
			map[string]interface{}{"reason": "incomplete_tool_call"},
		))
	}
	s.blocked = true
	s.started = false
}

// block replaces the remainder of the stream with one terminal notice chunk.
// seq is the triggering chunk's seq, zero when blocking at stream end.
func (s *streamSession) block(ctx context.Context, original *protocol.Chunk, reason string, seq int64) {
	s.blocked = true
	s.blockReason = reason
	s.egress = nil

	blockedChunk := protocol.NewBlocked(original, "⛔ BLOCKED: "+reason)
	s.finalText.Reset()
	s.finalText.WriteString(blockedChunk.ContentDelta())

	if s.callID != "" && original != nil {
		seq := time.Now().UnixNano()
		s.d.SubmitEvents(s.d.builder.ChunkEvents(s.callID, s.traceID, seq, original, blockedChunk)...)
	}
	s.d.metrics.ChunkForwarded(ctx, true)

	if wire, err := protocol.NewWireChunk(blockedChunk); err == nil {
		wire.Seq = seq
		s.reply(ctx, wire)
	}
	logrus.Infof("Stream for call %s blocked: %s", s.callID, reason)
}

func (s *streamSession) recordToolCall(b *blocks.Block) {
	status := "observed"
	if _, blocked := s.ex.Blocked(); blocked {
		status = "blocked"
	}
	s.d.submitToolCall(&db.ConversationToolCall{
		CallID:         s.callID,
		ToolCallID:     b.ToolID,
		Name:           b.ToolName,
		Arguments:      b.ArgumentsJSON,
		Status:         status,
		ChunksBuffered: s.asm.ChunksIngested(),
	})
}

// finishEvents submits the stream summary once the session is over.
func (s *streamSession) finishEvents() {
	if !s.started || s.callID == "" {
		return
	}
	summary := s.d.builder.StreamSummary(s.callID, s.finalText.String())
	if s.blocked {
		summary["blocked"] = true
		if s.blockReason != "" {
			summary["block_reason"] = s.blockReason
		}
	}
	s.d.SubmitEvents(s.d.builder.RequestCompleted(
		s.callID, s.traceID, time.Now().UnixNano(),
		protocol.HookPostCallStream, events.StatusStreamSummary, summary,
	))
	s.started = false
}

// finishSilently runs end-of-stream bookkeeping after socket loss.
func (s *streamSession) finishSilently() {
	if !s.started {
		return
	}
	if _, err := s.asm.FinishStream(); err != nil {
		logrus.Debugf("Stream session %s: finalization after disconnect: %v", s.callID, err)
	}
	s.finishEvents()
}

func (s *streamSession) reply(ctx context.Context, msg *protocol.WireMessage) {
	if err := s.conn.Write(ctx, msg); err != nil {
		logrus.Debugf("Stream session %s: reply failed: %v", s.callID, err)
	}
}

func (s *streamSession) replyError(ctx context.Context, seq int64, errMsg string) {
	s.reply(ctx, &protocol.WireMessage{Type: protocol.WireError, Seq: seq, Error: errMsg})
}

func (s *streamSession) close() {
	if s.sc != nil {
		if err := s.sc.Close(); err != nil {
			logrus.Debugf("Stream session %s: context close: %v", s.callID, err)
		}
	}
}
