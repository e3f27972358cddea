// Package proximity maintains alert rings: circular regions around the
// receiver that contain an emitter whose position is unknown, sized from the
// emitter's signal strength.
package proximity

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/dronewatch/internal/config"
	"github.com/banshee-data/dronewatch/internal/detection"
	"github.com/banshee-data/dronewatch/internal/rfmodel"
	"github.com/banshee-data/dronewatch/internal/timeutil"
)

// Ring is the alert ring for one identity.
type Ring struct {
	Identity     string               `json:"identity"`
	Center       detection.Coordinate `json:"center"`
	Anchored     bool                 `json:"anchored"` // false when the receiver location was unknown
	RadiusMeters float64              `json:"radius_meters"`
	RSSI         float64              `json:"rssi"`
	RSSIScale    detection.RSSIScale  `json:"rssi_scale"`
	SourceType   detection.SourceType `json:"source_type"`
	ObservedAt   time.Time            `json:"observed_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Decision reports what Apply did.
type Decision int

const (
	// Unchanged: nothing to do, or the ring already matches.
	Unchanged Decision = iota
	// Updated: a ring was created or replaced.
	Updated
	// Cleared: the identity now has a position (or no RSSI) and its ring was removed.
	Cleared
	// Suppressed: a different ring was computed but the debounce window had not elapsed.
	Suppressed
)

func (d Decision) String() string {
	switch d {
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Cleared:
		return "cleared"
	case Suppressed:
		return "suppressed"
	}
	return "unknown"
}

// Config holds the estimator's tunables.
type Config struct {
	Debounce    time.Duration
	MinRadiusM  float64
	MaxRadiusM  float64
	Calibration rfmodel.Calibration
}

// DefaultConfig returns the configuration from the canonical defaults file.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Debounce:    cfg.GetRingDebounce(),
		MinRadiusM:  cfg.GetMinRingRadiusM(),
		MaxRadiusM:  cfg.GetMaxRingRadiusM(),
		Calibration: rfmodel.CalibrationFromTuning(cfg),
	}
}

// Estimator holds the current ring per identity. It is not safe for
// concurrent use; the owner serializes access per identity.
type Estimator struct {
	cfg    Config
	clock  timeutil.Clock
	rings  map[string]*Ring
	hashes map[string]uint64
}

// New creates an Estimator reading debounce time from clock.
func New(cfg Config, clock timeutil.Clock) *Estimator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.MaxRadiusM < cfg.MinRadiusM {
		cfg.MaxRadiusM = cfg.MinRadiusM
	}
	return &Estimator{
		cfg:    cfg,
		clock:  clock,
		rings:  make(map[string]*Ring),
		hashes: make(map[string]uint64),
	}
}

// Radius estimates the ring radius for a reading.
func (e *Estimator) Radius(st detection.SourceType, rssi float64, scale detection.RSSIScale) float64 {
	return rfmodel.Clamp(e.cfg.Calibration.Distance(st, rssi, scale), e.cfg.MinRadiusM, e.cfg.MaxRadiusM)
}

// Apply updates the ring for d.Identity from d, which must be the identity's
// latest detection. receiver is the current receiver location, if known.
func (e *Estimator) Apply(d detection.Detection, receiver *detection.Coordinate) (Ring, Decision) {
	if d.HasUsablePosition() || d.RSSI == nil {
		if e.Clear(d.Identity) {
			return Ring{Identity: d.Identity}, Cleared
		}
		return Ring{}, Unchanged
	}

	next := Ring{
		Identity:     d.Identity,
		RadiusMeters: e.Radius(d.SourceType, *d.RSSI, d.RSSIScale),
		RSSI:         *d.RSSI,
		RSSIScale:    d.RSSIScale,
		SourceType:   d.SourceType,
		ObservedAt:   d.ObservedAt,
	}
	if receiver != nil && receiver.Valid() {
		next.Center = *receiver
		next.Anchored = true
	}

	h := ringHash(next)
	now := e.clock.Now()
	if cur, ok := e.rings[d.Identity]; ok {
		if e.hashes[d.Identity] == h {
			return *cur, Unchanged
		}
		if now.Sub(cur.UpdatedAt) < e.cfg.Debounce {
			return *cur, Suppressed
		}
	}
	next.UpdatedAt = now
	e.rings[d.Identity] = &next
	e.hashes[d.Identity] = h
	return next, Updated
}

// Clear removes the ring for id and reports whether one existed.
func (e *Estimator) Clear(id string) bool {
	if _, ok := e.rings[id]; !ok {
		return false
	}
	delete(e.rings, id)
	delete(e.hashes, id)
	return true
}

// Ring returns a copy of the ring for id.
func (e *Estimator) Ring(id string) (Ring, bool) {
	r, ok := e.rings[id]
	if !ok {
		return Ring{}, false
	}
	return *r, true
}

// Rings returns copies of all rings sorted by identity.
func (e *Estimator) Rings() []Ring {
	out := make([]Ring, 0, len(e.rings))
	for _, r := range e.rings {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// ringHash is the content hash of (identity, center, radius, rssi).
func ringHash(r Ring) uint64 {
	h := fnv.New64a()
	h.Write([]byte(r.Identity))
	var buf [8]byte
	for _, v := range []float64{r.Center.Lat, r.Center.Lon, r.RadiusMeters, r.RSSI} {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return h.Sum64()
}
