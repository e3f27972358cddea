package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/dronewatch/internal/httputil"
	"github.com/banshee-data/dronewatch/internal/monitoring"
	"github.com/banshee-data/dronewatch/internal/timeutil"
)

// maxAircraftJSON bounds one aircraft.json response.
const maxAircraftJSON = 8 << 20

// ADSBConfig configures the readsb poller.
type ADSBConfig struct {
	// URL of readsb's aircraft.json, e.g. http://localhost:8080/data/aircraft.json
	URL      string
	Interval time.Duration
	Client   httputil.HTTPClient
	Clock    timeutil.Clock
}

// ADSBSource polls a readsb/dump1090 aircraft.json feed and ingests each
// aircraft entry as its own payload.
type ADSBSource struct {
	counters
	cfg ADSBConfig
	ing Ingestor
}

// aircraftFeed is the aircraft.json envelope. Entries are passed on raw.
type aircraftFeed struct {
	Now      float64                      `json:"now"`
	Aircraft []map[string]json.RawMessage `json:"aircraft"`
}

func NewADSBSource(cfg ADSBConfig, ing Ingestor) *ADSBSource {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Client == nil {
		cfg.Client = httputil.NewStandardClient(&http.Client{Timeout: 5 * time.Second})
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &ADSBSource{cfg: cfg, ing: ing}
}

func (s *ADSBSource) Name() string { return "adsb" }

func (s *ADSBSource) Run(ctx context.Context) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("adsb source needs a feed URL")
	}
	defer s.ing.SetTransportState(s.Name(), false)

	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	up := false
	for {
		n, err := s.Poll(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failureLog.Logf("adsb-poll", "[ingest/adsb] poll %s failed: %v", s.cfg.URL, err)
		}
		if now := err == nil; now != up {
			up = now
			s.ing.SetTransportState(s.Name(), up)
			if up {
				monitoring.Logf("[ingest/adsb] feed %s reachable, %d aircraft", s.cfg.URL, n)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// Poll fetches the feed once and ingests every entry. It returns the number
// of entries handed to the engine.
func (s *ADSBSource) Poll(ctx context.Context) (int, error) {
	var feed aircraftFeed
	if err := httputil.GetJSON(ctx, s.cfg.Client, s.cfg.URL, maxAircraftJSON, &feed); err != nil {
		return 0, err
	}

	// Each entry carries its own "seen" age; the feed's "now" is copied in
	// so the normalizer can recover the capture time.
	now, _ := json.Marshal(feed.Now)
	n := 0
	for _, ac := range feed.Aircraft {
		if _, ok := ac["now"]; !ok && feed.Now > 0 {
			ac["now"] = now
		}
		raw, err := json.Marshal(ac)
		if err != nil {
			continue
		}
		if err := s.deliver(ctx, s.ing, s.Name(), raw); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
