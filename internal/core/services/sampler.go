package services

import (
	"sync"

	"presencenet/internal/core/domain"

	"golang.org/x/time/rate"
)

// CursorSampler bounds the rate of outbound cursor updates. Raw input
// events arrive at arbitrary frequency; intermediate positions are
// coalesced into the most recent one so no backlog can build up. The
// most recent unsent position stays available so a final flush can be
// forced before the session ends.
type CursorSampler struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	pending domain.CursorPosition
	dirty   bool
}

// NewCursorSampler builds a sampler allowing at most maxPerSecond
// outbound updates.
func NewCursorSampler(maxPerSecond float64) *CursorSampler {
	if maxPerSecond <= 0 {
		maxPerSecond = 30
	}
	return &CursorSampler{
		limiter: rate.NewLimiter(rate.Limit(maxPerSecond), 1),
	}
}

// Observe records a raw position event. It returns true when the
// position may be sent immediately; otherwise the position is retained
// as pending for a later Flush. Non-finite positions are ignored.
func (s *CursorSampler) Observe(pos domain.CursorPosition) bool {
	if !pos.Finite() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = pos
	s.dirty = true
	if s.limiter.Allow() {
		s.dirty = false
		return true
	}
	return false
}

// Flush takes the pending position if the rate budget allows it.
func (s *CursorSampler) Flush() (domain.CursorPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty || !s.limiter.Allow() {
		return domain.CursorPosition{}, false
	}
	s.dirty = false
	return s.pending, true
}

// Drain takes the pending position unconditionally. Used for the final
// flush on idle or session teardown so remote views are not left on a
// stale mid-motion position.
func (s *CursorSampler) Drain() (domain.CursorPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return domain.CursorPosition{}, false
	}
	s.dirty = false
	return s.pending, true
}

// Pending exposes the most recent unsent position without consuming it.
func (s *CursorSampler) Pending() (domain.CursorPosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.dirty
}
