// Package spoof scores tracks for physical and protocol plausibility.
//
// Each rule is checked independently and carries a weight in (0,1). The
// confidence that a track is spoofed is the noisy-OR of the rules that fired:
//
//	confidence = 1 - Π (1 - wᵢ)
//
// so independent weak signals reinforce each other without ever leaving [0,1].
package spoof

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/dronewatch/internal/config"
	"github.com/banshee-data/dronewatch/internal/correlate"
	"github.com/banshee-data/dronewatch/internal/detection"
	"github.com/banshee-data/dronewatch/internal/rfmodel"
)

// Reason names a rule that fired.
type Reason string

const (
	ReasonImplausibleSpeed     Reason = "implausible_speed"
	ReasonPositionConflict     Reason = "position_conflict"
	ReasonRegistrationMismatch Reason = "registration_mismatch"
	ReasonInvalidSerial        Reason = "invalid_serial_format"
	ReasonRSSIDistance         Reason = "rssi_distance_mismatch"
	ReasonImplausibleAltitude  Reason = "implausible_altitude"
	ReasonMACRandomization     Reason = "mac_randomization"
)

// minSpeedInterval keeps near-simultaneous fixes out of the speed rule; those
// belong to the conflict rule.
const minSpeedInterval = time.Second

// minAltitudeM is the lowest altitude accepted for any emitter.
const minAltitudeM = -500.0

// minRSSISamples is how many dBm readings the RSSI rule needs.
const minRSSISamples = 3

// Config holds the detector's thresholds.
type Config struct {
	Threshold           float64
	MaxDroneSpeedMPS    float64
	MaxAircraftSpeedMPS float64
	MaxDroneAltitudeM   float64
	ConflictWindow      time.Duration
	ConflictDistanceM   float64
	RSSIMismatchDB      float64
	Calibration         rfmodel.Calibration
}

// DefaultConfig returns the configuration from the canonical defaults file.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Threshold:           cfg.GetSpoofThreshold(),
		MaxDroneSpeedMPS:    cfg.GetMaxDroneSpeedMPS(),
		MaxAircraftSpeedMPS: cfg.GetMaxAircraftSpeedMPS(),
		MaxDroneAltitudeM:   cfg.GetMaxDroneAltitudeM(),
		ConflictWindow:      cfg.GetConflictWindow(),
		ConflictDistanceM:   cfg.GetConflictDistanceM(),
		RSSIMismatchDB:      cfg.GetRSSIMismatchDB(),
		Calibration:         rfmodel.CalibrationFromTuning(cfg),
	}
}

type rule struct {
	reason Reason
	weight float64
	fired  func(d *Detector, t *correlate.Track, receiver *detection.Coordinate) bool
}

// rules are evaluated in this order; reasons are reported in the same order.
var rules = []rule{
	{ReasonImplausibleSpeed, 0.5, (*Detector).implausibleSpeed},
	{ReasonPositionConflict, 0.6, (*Detector).positionConflict},
	{ReasonRegistrationMismatch, 0.4, (*Detector).registrationMismatch},
	{ReasonInvalidSerial, 0.3, (*Detector).invalidSerial},
	{ReasonRSSIDistance, 0.3, (*Detector).rssiDistanceMismatch},
	{ReasonImplausibleAltitude, 0.2, (*Detector).implausibleAltitude},
	{ReasonMACRandomization, 0.2, (*Detector).macRandomization},
}

// Assessment is the result of evaluating one track.
type Assessment struct {
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
	IsSpoofed  bool     `json:"is_spoofed"`
}

// Detector evaluates tracks. It holds no per-track state and is safe for
// concurrent use.
type Detector struct {
	cfg Config
}

// New creates a Detector.
func New(cfg Config) *Detector {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.5
	}
	return &Detector{cfg: cfg}
}

// Threshold returns the confidence at or above which a track is spoofed.
func (d *Detector) Threshold() float64 { return d.cfg.Threshold }

// Evaluate scores t without a receiver location.
func (d *Detector) Evaluate(t *correlate.Track) Assessment {
	return d.EvaluateAt(t, nil)
}

// EvaluateAt scores t. When receiver is known, signal strength is also
// checked against the distance to the reported position.
func (d *Detector) EvaluateAt(t *correlate.Track, receiver *detection.Coordinate) Assessment {
	var a Assessment
	if t == nil {
		return a
	}
	clean := 1.0
	for _, r := range rules {
		if r.fired(d, t, receiver) {
			clean *= 1 - r.weight
			a.Reasons = append(a.Reasons, string(r.reason))
		}
	}
	a.Confidence = math.Min(1, math.Max(0, 1-clean))
	a.IsSpoofed = a.Confidence >= d.cfg.Threshold
	return a
}

// Apply copies an assessment onto a track.
func Apply(t *correlate.Track, a Assessment) {
	t.SpoofScore = a.Confidence
	t.SpoofReasons = append([]string(nil), a.Reasons...)
	t.IsSpoofed = a.IsSpoofed
}

func (d *Detector) maxSpeed(t *correlate.Track) float64 {
	if t.SourceType == detection.SourceADSB {
		return d.cfg.MaxAircraftSpeedMPS
	}
	return d.cfg.MaxDroneSpeedMPS
}

func (d *Detector) implausibleSpeed(t *correlate.Track, _ *detection.Coordinate) bool {
	limit := d.maxSpeed(t)
	if s := t.LastDetection.Speed; s != nil && math.Abs(*s) > limit {
		return true
	}
	for i := 1; i < len(t.Fixes); i++ {
		a, b := t.Fixes[i-1], t.Fixes[i]
		dt := b.ObservedAt.Sub(a.ObservedAt)
		if dt < minSpeedInterval {
			continue
		}
		if detection.DistanceMeters(a.Coordinate, b.Coordinate)/dt.Seconds() > limit {
			return true
		}
	}
	return false
}

func (d *Detector) positionConflict(t *correlate.Track, _ *detection.Coordinate) bool {
	for i := range t.Fixes {
		for j := i + 1; j < len(t.Fixes); j++ {
			if t.Fixes[j].ObservedAt.Sub(t.Fixes[i].ObservedAt) > d.cfg.ConflictWindow {
				break
			}
			if detection.DistanceMeters(t.Fixes[i].Coordinate, t.Fixes[j].Coordinate) > d.cfg.ConflictDistanceM {
				return true
			}
		}
	}
	return false
}

func (d *Detector) registrationMismatch(t *correlate.Track, _ *detection.Coordinate) bool {
	if len(t.Registrations) > 1 {
		return true
	}
	if len(t.Registrations) == 1 && detection.IsRegistrationOnly(t.IDType) {
		return detection.BroadcastID(t.Identity) != t.Registrations[0]
	}
	return false
}

func (d *Detector) invalidSerial(t *correlate.Track, _ *detection.Coordinate) bool {
	if t.SourceType == detection.SourceADSB || !detection.IsSerialNumber(t.IDType) {
		return false
	}
	if t.LastDetection.IdentityFromMAC {
		return false
	}
	return !detection.ValidCTASerial(detection.BroadcastID(t.Identity))
}

// rssiDistanceMismatch compares the mean dBm reading against what the path
// loss model predicts at the distance of the latest fix.
func (d *Detector) rssiDistanceMismatch(t *correlate.Track, receiver *detection.Coordinate) bool {
	if receiver == nil || !receiver.Valid() || len(t.Fixes) == 0 {
		return false
	}
	switch t.SourceType {
	case detection.SourceADSB, detection.SourceFPV:
		return false
	}
	var values []float64
	for _, s := range t.RSSIHistory {
		if s.Scale == detection.ScaleDBm {
			values = append(values, s.Value)
		}
	}
	if len(values) < minRSSISamples {
		return false
	}
	last := t.Fixes[len(t.Fixes)-1]
	expected := d.cfg.Calibration.For(t.SourceType).ExpectedRSSI(detection.DistanceMeters(*receiver, last.Coordinate))
	return math.Abs(stat.Mean(values, nil)-expected) > d.cfg.RSSIMismatchDB
}

func (d *Detector) implausibleAltitude(t *correlate.Track, _ *detection.Coordinate) bool {
	if len(t.Fixes) == 0 {
		return false
	}
	alt := t.Fixes[len(t.Fixes)-1].Alt
	if alt == nil {
		return false
	}
	if *alt < minAltitudeM {
		return true
	}
	return t.SourceType != detection.SourceADSB && *alt > d.cfg.MaxDroneAltitudeM
}

func (d *Detector) macRandomization(t *correlate.Track, _ *detection.Coordinate) bool {
	return t.IsRandomizingMAC
}
