// Package ingest holds the transports that deliver raw detection payloads to
// the engine: MQTT, UDP (unicast or multicast), a USB serial receiver, a
// readsb ADS-B poller, and offline pcap and JSON-lines replays.
//
// Sources never interpret payloads. They hand bytes to an Ingestor and report
// whether their transport is connected, so the engine can freeze staleness
// while every live feed is down.
package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/dronewatch/internal/monitoring"
	"github.com/banshee-data/dronewatch/internal/normalize"
)

// Ingestor is the engine surface sources depend on.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte) error
	SetTransportState(name string, connected bool)
}

// Source is one transport. Run blocks until ctx is done or the source is
// exhausted.
type Source interface {
	Name() string
	Run(ctx context.Context) error
	Stats() Stats
}

// Stats counts payloads handed to the engine.
type Stats struct {
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"` // rejected by the normalizer
	Failed   uint64 `json:"failed"`  // not accepted for any other reason
}

var failureLog = monitoring.NewThrottle(10*time.Second, nil)

type counters struct {
	received atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

func (c *counters) Stats() Stats {
	return Stats{
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
		Failed:   c.failed.Load(),
	}
}

// deliver hands one payload to ing. Normalizer drops are counted and
// swallowed; any other error is returned.
func (c *counters) deliver(ctx context.Context, ing Ingestor, name string, raw []byte) error {
	c.received.Add(1)
	err := ing.Ingest(ctx, raw)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, normalize.ErrDropped):
		c.dropped.Add(1)
		return nil
	}
	c.failed.Add(1)
	failureLog.Logf(name, "[ingest/%s] payload not accepted: %v", name, err)
	return err
}

// Run runs every source until ctx is done or all of them return. Errors other
// than cancellation are joined.
func Run(ctx context.Context, sources ...Source) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, src := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			monitoring.Logf("[ingest/%s] started", src.Name())
			err := src.Run(ctx)
			st := src.Stats()
			monitoring.Logf("[ingest/%s] stopped: received=%d dropped=%d failed=%d",
				src.Name(), st.Received, st.Dropped, st.Failed)
			if err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(src)
	}
	wg.Wait()
	return errors.Join(errs...)
}
