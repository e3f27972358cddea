package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	before := time.Now()
	now := c.Now()
	assert.False(t, now.Before(before))
	assert.GreaterOrEqual(t, c.Since(before), time.Duration(0))

	timer := c.NewTimer(time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}

	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not fire")
	}
}

func TestMockClock_Advance(t *testing.T) {
	c := NewMockClock(epoch)
	assert.Equal(t, epoch, c.Now())

	c.Advance(5 * time.Second)
	assert.Equal(t, epoch.Add(5*time.Second), c.Now())
	assert.Equal(t, 5*time.Second, c.Since(epoch))

	c.Set(epoch)
	assert.Equal(t, epoch, c.Now())
}

func TestMockTimer(t *testing.T) {
	c := NewMockClock(epoch)
	timer := c.NewTimer(10 * time.Second)

	c.Advance(9 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-timer.C():
		assert.Equal(t, epoch.Add(10*time.Second), fired)
	default:
		t.Fatal("timer did not fire at deadline")
	}

	// Reset re-arms relative to the current mock time.
	assert.False(t, timer.Reset(5*time.Second))
	c.Advance(4 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("reset timer fired early")
	default:
	}
	c.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("reset timer did not fire")
	}

	timer.Reset(time.Second)
	assert.True(t, timer.Stop())
	c.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestMockTicker(t *testing.T) {
	c := NewMockClock(epoch)
	ticker := c.NewTicker(time.Second)

	c.Advance(time.Second)
	require.Len(t, ticker.C(), 1)
	<-ticker.C()

	ticker.Stop()
	c.Advance(time.Second)
	assert.Len(t, ticker.C(), 0)

	ticker.(*MockTicker).Trigger(epoch)
	assert.Len(t, ticker.C(), 1)
}

func TestStallableClock(t *testing.T) {
	base := NewMockClock(epoch)
	s := NewStallableClock(base)

	assert.Equal(t, epoch, s.Now())
	base.Advance(10 * time.Second)
	assert.Equal(t, epoch.Add(10*time.Second), s.Now())

	assert.True(t, s.Pause())
	assert.False(t, s.Pause(), "second pause is a no-op")
	assert.True(t, s.Paused())

	base.Advance(time.Minute)
	assert.Equal(t, epoch.Add(10*time.Second), s.Now(), "paused clock must not advance")

	assert.True(t, s.Resume())
	assert.False(t, s.Resume())
	assert.Equal(t, epoch.Add(10*time.Second), s.Now())

	base.Advance(5 * time.Second)
	assert.Equal(t, epoch.Add(15*time.Second), s.Now())
	assert.Equal(t, 5*time.Second, s.Since(epoch.Add(10*time.Second)))

	// A second outage accumulates with the first.
	s.Pause()
	base.Advance(30 * time.Second)
	s.Resume()
	base.Advance(time.Second)
	assert.Equal(t, epoch.Add(16*time.Second), s.Now())
}

func TestStallableClock_DelegatesTimers(t *testing.T) {
	base := NewMockClock(epoch)
	s := NewStallableClock(base)
	s.Pause()

	ticker := s.NewTicker(time.Second)
	base.Advance(time.Second)
	assert.Len(t, ticker.C(), 1, "tickers keep running while the reading is frozen")
}
