package proxy

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LuthienResearch/luthien-proxy-sub000/internal/obs"
	"github.com/LuthienResearch/luthien-proxy-sub000/internal/protocol"
)

const (
	// DefaultChunkTimeout is how long one chunk may wait on the control
	// plane before its original is forwarded instead.
	DefaultChunkTimeout = 5 * time.Second
	// DefaultStreamTimeout caps control-plane involvement for a whole
	// stream. Configurable within [MinStreamTimeout, MaxStreamTimeout].
	DefaultStreamTimeout = 30 * time.Second
	MinStreamTimeout     = 1 * time.Second
	MaxStreamTimeout     = 600 * time.Second
)

// TimeoutNotifier observes per-chunk control plane timeouts so they can be
// recorded in the conversation log. Implementations must not block.
type TimeoutNotifier func(callID string, chunkIndex int)

// Orchestrator pipes upstream model chunks through the control plane and
// hands the (possibly rewritten) stream to the caller. Every failure mode
// degrades to forwarding originals; the client stream never stalls on the
// control plane.
type Orchestrator struct {
	channels      ChannelProvider
	chunkTimeout  time.Duration
	streamTimeout time.Duration
	metrics       *obs.Metrics
	onTimeout     TimeoutNotifier
}

// NewOrchestrator builds an orchestrator. streamTimeout is clamped to the
// allowed range; zero means the default. metrics may be nil.
func NewOrchestrator(channels ChannelProvider, streamTimeout time.Duration, metrics *obs.Metrics) *Orchestrator {
	if streamTimeout == 0 {
		streamTimeout = DefaultStreamTimeout
	}
	if streamTimeout < MinStreamTimeout {
		logrus.Warnf("stream timeout %s below minimum, clamping to %s", streamTimeout, MinStreamTimeout)
		streamTimeout = MinStreamTimeout
	}
	if streamTimeout > MaxStreamTimeout {
		logrus.Warnf("stream timeout %s above maximum, clamping to %s", streamTimeout, MaxStreamTimeout)
		streamTimeout = MaxStreamTimeout
	}
	return &Orchestrator{
		channels:      channels,
		chunkTimeout:  DefaultChunkTimeout,
		streamTimeout: streamTimeout,
		metrics:       metrics,
	}
}

// NotifyTimeouts registers fn to run whenever a chunk's control plane reply
// misses the per-chunk window and the original is forwarded instead.
func (o *Orchestrator) NotifyTimeouts(fn TimeoutNotifier) {
	o.onTimeout = fn
}

// Stream is the client-facing side of an orchestrated call.
type Stream struct {
	chunks chan *protocol.Chunk
	done   chan struct{}

	mu  sync.Mutex
	err error

	cancel context.CancelFunc
}

// Recv returns the next chunk. io.EOF marks clean exhaustion; any other
// error means the upstream failed mid-stream.
func (s *Stream) Recv() (*protocol.Chunk, error) {
	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

// Close abandons the stream. Safe to call at any point; the pipeline tears
// down its upstream iterator and control channel.
func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Run starts the pipeline for one call. requestData is the canonical
// request payload sent with START. The returned stream yields final chunks
// in upstream order, one in, at least zero out.
func (o *Orchestrator) Run(ctx context.Context, callID string, upstream Iterator, requestData []byte) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		chunks: make(chan *protocol.Chunk, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go o.run(ctx, callID, upstream, requestData, s)
	return s
}

func (o *Orchestrator) run(ctx context.Context, callID string, upstream Iterator, requestData []byte, s *Stream) {
	defer close(s.done)
	defer close(s.chunks)
	defer func() {
		if err := upstream.Close(); err != nil {
			logrus.Debugf("call %s: upstream close: %v", callID, err)
		}
	}()

	log := logrus.WithField("call_id", callID)

	channel, err := o.channels.Open(ctx, callID, requestData)
	if err != nil {
		log.Warnf("control plane unavailable, passing stream through: %v", err)
		o.passthroughReason(ctx, "open_failed")
		channel = nil
	}
	if channel != nil {
		defer func() { _ = channel.Close() }()
	}

	passthrough := channel == nil
	truncated := false
	sendEnd := channel != nil
	deadline := time.Now().Add(o.streamTimeout)
	var seq int64

	for {
		chunk, err := upstream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Upstream died; surface the error and never tell the
			// control plane the stream ended cleanly.
			if ctx.Err() == nil {
				log.Warnf("upstream stream failed: %v", err)
				s.fail(err)
			}
			return
		}

		if !passthrough && time.Now().After(deadline) {
			log.Warnf("stream exceeded %s control plane budget, passing through: %v", o.streamTimeout, ErrStreamTimeout)
			o.passthroughReason(ctx, "stream_timeout")
			passthrough = true
		}

		if passthrough {
			if !o.emit(ctx, s, chunk) {
				return
			}
			continue
		}

		seq++
		reply, ok := o.exchange(ctx, log, channel, callID, chunk, seq)
		switch {
		case !ok:
			// Control channel gone or refused the stream.
			o.passthroughReason(ctx, "channel_failed")
			passthrough = true
			sendEnd = false
			if !o.emit(ctx, s, chunk) {
				return
			}
		case reply == nil:
			// END from the control plane: the stream is finished from the
			// client's point of view, drop the rest of the upstream.
			truncated = true
		default:
			if !o.emit(ctx, s, reply) {
				return
			}
		}
		if truncated {
			return
		}
	}

	if passthrough || truncated || !sendEnd {
		return
	}
	if err := channel.Send(ctx, &protocol.WireMessage{Type: protocol.WireEnd}); err != nil {
		log.Debugf("send stream end: %v", err)
		return
	}
	o.drain(ctx, log, channel, s)
}

// exchange sends one CHUNK and waits for its single reply. Returns the
// chunk to forward (nil for END), and false when the channel is unusable.
// Replies tagged with an earlier seq belong to chunks already resolved by
// timeout and are discarded, keeping replies paired with their chunks.
func (o *Orchestrator) exchange(ctx context.Context, log *logrus.Entry, channel ControlChannel, callID string, chunk *protocol.Chunk, seq int64) (*protocol.Chunk, bool) {
	frame, err := protocol.NewWireChunk(chunk)
	if err != nil {
		log.Warnf("encode chunk: %v", err)
		return chunk, true
	}
	frame.Seq = seq
	start := time.Now()
	if err := channel.Send(ctx, frame); err != nil {
		log.Warnf("control channel send failed: %v", err)
		return nil, false
	}

	deadline := start.Add(o.chunkTimeout)
	var reply *protocol.WireMessage
	for {
		reply, err = channel.Receive(ctx, time.Until(deadline))
		if err == nil && reply != nil && reply.Seq != 0 && reply.Seq != seq {
			log.Debugf("discarding stale control plane reply for chunk %d", reply.Seq)
			continue
		}
		break
	}
	if o.metrics != nil {
		o.metrics.ChunkLatency(ctx, time.Since(start))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Slow policy: forward the original and keep the channel.
		log.Debugf("control plane slow, forwarding original chunk")
		o.forwarded(ctx, false)
		if o.onTimeout != nil {
			o.onTimeout(callID, int(seq))
		}
		return chunk, true
	}
	if err != nil || reply == nil {
		if err != nil {
			log.Warnf("control channel receive failed: %v", err)
		}
		return nil, false
	}

	switch reply.Type {
	case protocol.WireChunk:
		rewritten, err := protocol.Normalize(reply.Data)
		if err != nil {
			log.Warnf("control plane returned malformed chunk, forwarding original: %v", err)
			o.forwarded(ctx, false)
			return chunk, true
		}
		o.forwarded(ctx, true)
		return rewritten, true
	case protocol.WireEnd:
		return nil, true
	case protocol.WireError:
		log.Warnf("control plane reported stream error, passing through: %s", reply.Error)
		return nil, false
	default:
		log.Warnf("unexpected control plane reply %q, passing through", reply.Type)
		return nil, false
	}
}

// drain collects the control plane's trailing replies after END: buffered
// chunks the policy withheld, then its own END.
func (o *Orchestrator) drain(ctx context.Context, log *logrus.Entry, channel ControlChannel, s *Stream) {
	for {
		reply, err := channel.Receive(ctx, o.chunkTimeout)
		if err != nil || reply == nil {
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				log.Debugf("drain receive: %v", err)
			}
			return
		}
		if reply.Seq != 0 {
			// Late per-chunk reply; its chunk was already forwarded on
			// timeout. Trailing flush frames are untagged.
			log.Debugf("discarding stale control plane reply for chunk %d", reply.Seq)
			continue
		}
		switch reply.Type {
		case protocol.WireChunk:
			rewritten, err := protocol.Normalize(reply.Data)
			if err != nil {
				log.Warnf("malformed trailing chunk dropped: %v", err)
				continue
			}
			o.forwarded(ctx, true)
			if !o.emit(ctx, s, rewritten) {
				return
			}
		case protocol.WireEnd:
			return
		default:
			log.Debugf("unexpected trailing reply %q", reply.Type)
			return
		}
	}
}

func (o *Orchestrator) emit(ctx context.Context, s *Stream, chunk *protocol.Chunk) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) forwarded(ctx context.Context, replaced bool) {
	if o.metrics != nil {
		o.metrics.ChunkForwarded(ctx, replaced)
	}
}

func (o *Orchestrator) passthroughReason(ctx context.Context, reason string) {
	if o.metrics != nil {
		o.metrics.Passthrough(ctx, reason)
	}
}
