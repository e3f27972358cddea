package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/dronewatch/internal/correlate"
	"github.com/banshee-data/dronewatch/internal/encounter"
	"github.com/banshee-data/dronewatch/internal/proximity"
)

// EventType names a state change emitted by the engine.
type EventType string

const (
	EventTrackUpdated      EventType = "track_updated"
	EventTrackStale        EventType = "track_stale"
	EventTrackCleared      EventType = "track_cleared"
	EventRingChanged       EventType = "ring_changed"
	EventRingCleared       EventType = "ring_cleared"
	EventEncounterUpserted EventType = "encounter_upserted"
	EventEncounterDeleted  EventType = "encounter_deleted"
)

// Event is one state change. Payload pointers are owned copies; subscribers
// may keep them. An EventEncounterDeleted with an empty Identity means every
// encounter was cleared.
type Event struct {
	Type      EventType            `json:"type"`
	Identity  string               `json:"identity"`
	At        time.Time            `json:"at"`
	Track     *correlate.Track     `json:"track,omitempty"`
	Ring      *proximity.Ring      `json:"ring,omitempty"`
	Encounter *encounter.Encounter `json:"encounter,omitempty"`
}

var ErrBusClosed = errors.New("event bus is closed")

// BusStats counts fan-out results across all subscribers.
type BusStats struct {
	Published   uint64 `json:"published"`
	Sent        uint64 `json:"sent"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Bus fans events out to subscribers without blocking the pipeline. A
// subscriber whose buffer is full misses the event.
type Bus struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool

	published atomic.Uint64
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a Bus whose subscriber channels hold buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{buffer: buffer, subs: make(map[string]chan Event)}
}

// Subscribe registers a new subscriber and returns its id and channel. The
// channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe() (string, <-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", nil, ErrBusClosed
	}
	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	return id, ch, nil
}

// Unsubscribe removes a subscriber. It reports whether id was registered.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	close(ch)
	return true
}

// Publish delivers ev to every subscriber that has room.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			b.sent.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return BusStats{
		Published:   b.published.Load(),
		Sent:        b.sent.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
