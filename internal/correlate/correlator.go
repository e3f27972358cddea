// Package correlate groups normalized detections into per-identity tracks
// and follows the link-layer addresses each identity has used.
package correlate

import (
	"sort"
	"time"

	"github.com/banshee-data/dronewatch/internal/config"
	"github.com/banshee-data/dronewatch/internal/detection"
)

// Config holds the correlator's tunables.
type Config struct {
	RandomizationThreshold int // Distinct MACs above which an identity is randomizing
	FingerprintMemory      int // Recent fingerprints remembered per identity
	FixWindow              int // Position fixes kept per track
	RSSIWindow             int // RSSI samples kept per track
}

// DefaultConfig returns the configuration from the canonical defaults file.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		RandomizationThreshold: cfg.GetRandomizationThreshold(),
		FingerprintMemory:      cfg.GetFingerprintMemory(),
		FixWindow:              cfg.GetFixWindow(),
		RSSIWindow:             cfg.GetRSSIWindow(),
	}
}

// Outcome reports what Observe did with a detection.
type Outcome int

const (
	// Duplicate means the detection was already applied; nothing changed.
	Duplicate Outcome = iota
	// Created means a new track was opened.
	Created
	// Updated means the detection is the newest for its track.
	Updated
	// Late means the detection is older than the track's newest one. Its
	// evidence was recorded but LastDetection was left alone.
	Late
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Late:
		return "late"
	}
	return "unknown"
}

// Advanced reports whether the detection became the track's latest.
func (o Outcome) Advanced() bool { return o == Created || o == Updated }

// Correlator holds the tracks for a set of identities. It is not safe for
// concurrent use; the owner serializes access per identity.
type Correlator struct {
	cfg     Config
	entries map[string]*entry
}

type entry struct {
	track *Track
	seen  map[detection.Fingerprint]struct{}
	order []detection.Fingerprint
	// macFirst is the earliest ObservedAt of each address in MACHistory.
	macFirst map[string]time.Time
}

// New creates an empty correlator.
func New(cfg Config) *Correlator {
	if cfg.RandomizationThreshold <= 0 {
		cfg.RandomizationThreshold = 2
	}
	if cfg.FingerprintMemory <= 0 {
		cfg.FingerprintMemory = 256
	}
	return &Correlator{cfg: cfg, entries: make(map[string]*entry)}
}

// Observe applies d to the track for d.Identity and returns the live track.
// The returned pointer is owned by the correlator.
func (c *Correlator) Observe(d detection.Detection) (*Track, Outcome) {
	fp := d.Fingerprint()
	e, ok := c.entries[d.Identity]
	if ok {
		if _, dup := e.seen[fp]; dup {
			return e.track, Duplicate
		}
	} else {
		e = &entry{
			track: &Track{
				Identity:   d.Identity,
				SourceType: d.SourceType,
				IDType:     d.IDType,
				FirstSeen:  d.ObservedAt,
				LastSeen:   d.ObservedAt,
				State:      StateActive,
			},
			seen:     make(map[detection.Fingerprint]struct{}),
			macFirst: make(map[string]time.Time),
		}
		c.entries[d.Identity] = e
	}
	e.remember(fp, c.cfg.FingerprintMemory)

	t := e.track
	outcome := Updated
	switch {
	case !ok:
		outcome = Created
	case d.ObservedAt.Before(t.LastSeen):
		outcome = Late
	}

	if d.ObservedAt.Before(t.FirstSeen) {
		t.FirstSeen = d.ObservedAt
	}
	if outcome != Late {
		t.LastSeen = d.ObservedAt
		t.LastDetection = d.Clone()
		t.SourceType = d.SourceType
		if d.IDType != "" {
			t.IDType = d.IDType
		}
	}
	t.DetectionCount++

	c.recordMAC(e, d)
	if d.Registration != "" && !contains(t.Registrations, d.Registration) {
		t.Registrations = append(t.Registrations, d.Registration)
	}
	if d.HasUsablePosition() {
		t.Fixes = insertFix(t.Fixes, Fix{Coordinate: d.Position.Coordinate, Alt: cloneFloat(d.Position.Alt), ObservedAt: d.ObservedAt}, c.cfg.FixWindow)
	}
	if d.RSSI != nil {
		t.RSSIHistory = insertRSSI(t.RSSIHistory, RSSISample{Value: *d.RSSI, Scale: d.RSSIScale, ObservedAt: d.ObservedAt}, c.cfg.RSSIWindow)
	}
	return t, outcome
}

// recordMAC grows the MAC history, keeping it ordered by when each address
// was first observed rather than when the report arrived. The first address
// seeds the history whatever the id type; later ones from registration-only
// broadcasts are not randomization evidence and are ignored.
func (c *Correlator) recordMAC(e *entry, d detection.Detection) {
	t := e.track
	if d.MAC != "" {
		first, known := e.macFirst[d.MAC]
		switch {
		case known && d.ObservedAt.Before(first):
			e.macFirst[d.MAC] = d.ObservedAt
			t.MACHistory = e.placeMAC(removeString(t.MACHistory, d.MAC), d.MAC)
		case !known && (len(t.MACHistory) == 0 || !detection.IsRegistrationOnly(d.IDType)):
			e.macFirst[d.MAC] = d.ObservedAt
			t.MACHistory = e.placeMAC(t.MACHistory, d.MAC)
		}
	}
	t.IsRandomizingMAC = t.DistinctMACs() > c.cfg.RandomizationThreshold &&
		!detection.IsRegistrationOnly(t.IDType)
}

// placeMAC inserts mac after every address first seen no later than it.
func (e *entry) placeMAC(history []string, mac string) []string {
	at := e.macFirst[mac]
	i := sort.Search(len(history), func(i int) bool { return e.macFirst[history[i]].After(at) })
	history = append(history, "")
	copy(history[i+1:], history[i:])
	history[i] = mac
	return history
}

func (e *entry) remember(fp detection.Fingerprint, limit int) {
	e.seen[fp] = struct{}{}
	e.order = append(e.order, fp)
	if len(e.order) > limit {
		delete(e.seen, e.order[0])
		e.order = e.order[1:]
	}
}

// Track returns the live track for id.
func (c *Correlator) Track(id string) (*Track, bool) {
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.track, true
}

// Tracks returns the live tracks sorted by identity.
func (c *Correlator) Tracks() []*Track {
	out := make([]*Track, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.track)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Clear removes the track for id together with its MAC history and
// fingerprint memory. It reports whether a track existed.
func (c *Correlator) Clear(id string) bool {
	if _, ok := c.entries[id]; !ok {
		return false
	}
	delete(c.entries, id)
	return true
}

// Len returns the number of tracks.
func (c *Correlator) Len() int { return len(c.entries) }

func insertFix(fixes []Fix, f Fix, window int) []Fix {
	i := sort.Search(len(fixes), func(i int) bool { return fixes[i].ObservedAt.After(f.ObservedAt) })
	fixes = append(fixes, Fix{})
	copy(fixes[i+1:], fixes[i:])
	fixes[i] = f
	if window > 0 && len(fixes) > window {
		fixes = fixes[len(fixes)-window:]
	}
	return fixes
}

func insertRSSI(samples []RSSISample, s RSSISample, window int) []RSSISample {
	i := sort.Search(len(samples), func(i int) bool { return samples[i].ObservedAt.After(s.ObservedAt) })
	samples = append(samples, RSSISample{})
	copy(samples[i+1:], samples[i:])
	samples[i] = s
	if window > 0 && len(samples) > window {
		samples = samples[len(samples)-window:]
	}
	return samples
}

func removeString(xs []string, s string) []string {
	out := xs[:0]
	for _, x := range xs {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
