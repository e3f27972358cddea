package timeutil

import (
	"sync"
	"time"
)

// StallableClock is a Clock whose reading can be frozen. While paused, Now
// returns the instant at which Pause was called; after Resume the clock runs
// again from that instant, so the paused span never counts as elapsed time.
// Timers and tickers are delegated to the base clock unchanged.
type StallableClock struct {
	base Clock

	mu       sync.Mutex
	paused   bool
	pausedAt time.Time
	lost     time.Duration
}

// NewStallableClock wraps base. A nil base uses RealClock.
func NewStallableClock(base Clock) *StallableClock {
	if base == nil {
		base = RealClock{}
	}
	return &StallableClock{base: base}
}

// Now returns the base time minus every paused span.
func (s *StallableClock) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return s.pausedAt
	}
	return s.base.Now().Add(-s.lost)
}

// Since returns the stalled-clock duration since t.
func (s *StallableClock) Since(t time.Time) time.Duration {
	return s.Now().Sub(t)
}

func (s *StallableClock) NewTimer(d time.Duration) Timer   { return s.base.NewTimer(d) }
func (s *StallableClock) NewTicker(d time.Duration) Ticker { return s.base.NewTicker(d) }

// Pause freezes the clock. It reports whether the clock was running.
func (s *StallableClock) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return false
	}
	s.pausedAt = s.base.Now().Add(-s.lost)
	s.paused = true
	return true
}

// Resume restarts a paused clock. It reports whether the clock was paused.
func (s *StallableClock) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return false
	}
	s.lost = s.base.Now().Sub(s.pausedAt)
	s.paused = false
	return true
}

// Paused reports whether the clock is currently frozen.
func (s *StallableClock) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
