// Package lifecycle ages tracks from active to stale and clears them.
package lifecycle

import (
	"time"

	"github.com/banshee-data/dronewatch/internal/config"
	"github.com/banshee-data/dronewatch/internal/correlate"
	"github.com/banshee-data/dronewatch/internal/detection"
	"github.com/banshee-data/dronewatch/internal/timeutil"
)

// Config holds staleness thresholds per source family.
type Config struct {
	StaleDrone    time.Duration // Remote ID over Bluetooth, Wi-Fi and SDR
	StaleFPV      time.Duration
	StaleAircraft time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the configuration from the canonical defaults file.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		StaleDrone:    cfg.GetStaleThresholdDrone(),
		StaleFPV:      cfg.GetStaleThresholdFPV(),
		StaleAircraft: cfg.GetStaleThresholdAircraft(),
		SweepInterval: cfg.GetSweepInterval(),
	}
}

// Manager decides staleness against a clock that the host may pause while
// every transport is down, so an outage does not age tracks out.
type Manager struct {
	cfg   Config
	clock timeutil.Clock
}

// New creates a Manager.
func New(cfg Config, clock timeutil.Clock) *Manager {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{cfg: cfg, clock: clock}
}

// SweepInterval returns how often the owner should call Sweep.
func (m *Manager) SweepInterval() time.Duration { return m.cfg.SweepInterval }

// Threshold returns the staleness threshold for a source family.
func (m *Manager) Threshold(st detection.SourceType) time.Duration {
	switch st {
	case detection.SourceADSB:
		return m.cfg.StaleAircraft
	case detection.SourceFPV:
		return m.cfg.StaleFPV
	}
	return m.cfg.StaleDrone
}

// Touch records that t has just advanced and makes it active again.
func (m *Manager) Touch(t *correlate.Track) {
	t.LastHeard = m.clock.Now()
	t.IsStale = false
	t.State = correlate.StateActive
}

// IsStale reports whether t has been silent longer than its threshold.
func (m *Manager) IsStale(t *correlate.Track) bool {
	return m.clock.Now().Sub(t.LastHeard) > m.Threshold(t.SourceType)
}

// Sweep marks silent tracks stale and returns those that changed state.
func (m *Manager) Sweep(tracks []*correlate.Track) []*correlate.Track {
	var changed []*correlate.Track
	for _, t := range tracks {
		if t.IsStale || !m.IsStale(t) {
			continue
		}
		t.IsStale = true
		t.State = correlate.StateStale
		changed = append(changed, t)
	}
	return changed
}

// ActiveCount returns how many tracks are not stale.
func ActiveCount(tracks []*correlate.Track) int {
	n := 0
	for _, t := range tracks {
		if !t.IsStale {
			n++
		}
	}
	return n
}

// Clearable is any per-identity state holder.
type Clearable interface {
	Clear(id string) bool
}

// Clear removes id from every part. All parts are cleared even if an early
// one held nothing; it reports whether any part held state. Callers hold the
// identity's lock so the parts are cleared as one operation.
func Clear(id string, parts ...Clearable) bool {
	cleared := false
	for _, p := range parts {
		if p.Clear(id) {
			cleared = true
		}
	}
	return cleared
}
