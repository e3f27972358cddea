package monitoring

import (
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Throttle rate-limits repetitive log lines per key. Messages inside the
// interval are counted and the count is reported with the next emitted line.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	last       map[string]time.Time
	suppressed map[string]int
}

// NewThrottle returns a Throttle that emits at most one line per key per interval.
func NewThrottle(interval time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{
		interval:   interval,
		now:        now,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// Logf logs through the package logger unless key was logged within the interval.
// It reports whether the line was emitted.
func (t *Throttle) Logf(key, format string, v ...interface{}) bool {
	t.mu.Lock()
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		t.suppressed[key]++
		t.mu.Unlock()
		return false
	}
	skipped := t.suppressed[key]
	t.last[key] = now
	delete(t.suppressed, key)
	t.mu.Unlock()

	if skipped > 0 {
		Logf(format+" (%d similar suppressed)", append(v, skipped)...)
	} else {
		Logf(format, v...)
	}
	return true
}
