package events

import "sync"

// ChunkIndexStore tracks per-call original/final chunk counters. Counters are
// initialized on request_started and cleared on request_completed; one hook
// invocation may increment both, so every method takes the lock independently.
type ChunkIndexStore struct {
	mu    sync.Mutex
	calls map[string]*chunkIndices
}

type chunkIndices struct {
	original int
	final    int
}

func NewChunkIndexStore() *ChunkIndexStore {
	return &ChunkIndexStore{calls: make(map[string]*chunkIndices)}
}

// Init resets the counters for a call. Idempotent.
func (s *ChunkIndexStore) Init(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[callID] = &chunkIndices{}
}

// NextOriginal returns the next original-chunk index for the call.
func (s *ChunkIndexStore) NextOriginal(callID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensure(callID)
	idx := c.original
	c.original++
	return idx
}

// NextFinal returns the next final-chunk index for the call.
func (s *ChunkIndexStore) NextFinal(callID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensure(callID)
	idx := c.final
	c.final++
	return idx
}

// Counts reports the current counter values without incrementing.
func (s *ChunkIndexStore) Counts(callID string) (original, final int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[callID]; ok {
		return c.original, c.final
	}
	return 0, 0
}

// Clear drops the call's counters.
func (s *ChunkIndexStore) Clear(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, callID)
}

func (s *ChunkIndexStore) ensure(callID string) *chunkIndices {
	c, ok := s.calls[callID]
	if !ok {
		c = &chunkIndices{}
		s.calls[callID] = c
	}
	return c
}
