// Package rfmodel converts received signal strength into distance estimates.
//
// dBm readings use the log-distance path loss model
//
//	d = 10 ^ ((P1m - RSSI) / (10 * n))
//
// where P1m is the expected RSSI at one meter and n the path loss exponent.
// FPV receivers report raw ADC levels instead of dBm; those are mapped
// through a stepped calibration table.
package rfmodel

import (
	"math"

	"github.com/banshee-data/dronewatch/internal/config"
	"github.com/banshee-data/dronewatch/internal/detection"
)

// LogDistance is a calibrated log-distance path loss model.
type LogDistance struct {
	MeasuredPower float64 // RSSI at 1 m, dBm
	Exponent      float64 // path loss exponent n
}

// Distance returns the estimated emitter distance in meters for rssi (dBm).
func (m LogDistance) Distance(rssi float64) float64 {
	n := m.Exponent
	if n <= 0 {
		n = 2
	}
	return math.Pow(10, (m.MeasuredPower-rssi)/(10*n))
}

// ExpectedRSSI returns the RSSI (dBm) the model predicts at distance meters.
func (m LogDistance) ExpectedRSSI(meters float64) float64 {
	if meters < 1 {
		meters = 1
	}
	n := m.Exponent
	if n <= 0 {
		n = 2
	}
	return m.MeasuredPower - 10*n*math.Log10(meters)
}

// RawDistance maps a raw FPV receiver level (roughly 1000-3500) to meters.
// Stronger signals are closer; between 1200 and 1400 the distance is
// interpolated linearly from 300 m down to 200 m.
func RawDistance(raw float64) float64 {
	switch {
	case raw >= 2000:
		return 10
	case raw >= 1800:
		return 25
	case raw >= 1600:
		return 50
	case raw >= 1400:
		return 100
	case raw >= 1200:
		return 300 - (raw-1200)*0.5
	case raw >= 1000:
		return 500
	default:
		return 1000
	}
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Calibration holds per-receiver-family reference powers for dBm readings.
type Calibration struct {
	Exponent float64
	BLE      float64
	WiFi     float64
	Default  float64
}

// CalibrationFromTuning builds a Calibration from a loaded TuningConfig.
func CalibrationFromTuning(cfg *config.TuningConfig) Calibration {
	return Calibration{
		Exponent: cfg.GetPathLossExponent(),
		BLE:      cfg.GetMeasuredPowerBLEDBm(),
		WiFi:     cfg.GetMeasuredPowerWiFiDBm(),
		Default:  cfg.GetMeasuredPowerDefaultDBm(),
	}
}

// For returns the log-distance model for a source family.
func (c Calibration) For(st detection.SourceType) LogDistance {
	p := c.Default
	switch st {
	case detection.SourceBluetooth:
		p = c.BLE
	case detection.SourceWiFi:
		p = c.WiFi
	}
	return LogDistance{MeasuredPower: p, Exponent: c.Exponent}
}

// Distance estimates meters for an RSSI reading in either scale.
func (c Calibration) Distance(st detection.SourceType, rssi float64, scale detection.RSSIScale) float64 {
	if scale == detection.ScaleRaw {
		return RawDistance(rssi)
	}
	return c.For(st).Distance(rssi)
}
