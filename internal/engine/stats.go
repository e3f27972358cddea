package engine

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/dronewatch/internal/monitoring"
	"github.com/banshee-data/dronewatch/internal/normalize"
)

type counters struct {
	received   atomic.Uint64
	processed  atomic.Uint64
	dropped    atomic.Uint64
	duplicates atomic.Uint64
	late       atomic.Uint64
	suppressed atomic.Uint64

	mu         sync.Mutex
	byReason   map[string]uint64
	lastLogged uint64
}

func (c *counters) init() {
	c.byReason = make(map[string]uint64)
}

func (c *counters) drop(r normalize.Reason) {
	c.dropped.Add(1)
	c.mu.Lock()
	c.byReason[string(r)]++
	c.mu.Unlock()
}

func (c *counters) reasons() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.byReason))
	for k, v := range c.byReason {
		out[k] = v
	}
	return out
}

// logDrops writes one summary line per sweep when payloads were dropped,
// instead of a line per payload.
func (c *counters) logDrops() {
	n := c.dropped.Load()
	c.mu.Lock()
	if n == c.lastLogged {
		c.mu.Unlock()
		return
	}
	delta := n - c.lastLogged
	c.lastLogged = n
	c.mu.Unlock()
	monitoring.Logf("[engine] dropped %d payloads since last sweep (total %d, by reason %v)", delta, n, c.reasons())
}
