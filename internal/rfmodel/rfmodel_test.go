package rfmodel

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/dronewatch/internal/config"
	"github.com/banshee-data/dronewatch/internal/detection"
)

func TestLogDistance(t *testing.T) {
	m := LogDistance{MeasuredPower: -59, Exponent: 2.7}

	assert.InDelta(t, 1.0, m.Distance(-59), 1e-9, "RSSI at 1 m maps to 1 m")
	assert.InDelta(t, 10.0, m.Distance(-86), 1e-9)

	for _, d := range []float64{1, 5, 50, 400} {
		assert.InDelta(t, d, m.Distance(m.ExpectedRSSI(d)), 1e-6)
	}
	assert.Equal(t, m.ExpectedRSSI(1), m.ExpectedRSSI(0.1), "sub-meter distances clamp to 1 m")

	// A zero exponent falls back to free-space loss rather than dividing by zero.
	free := LogDistance{MeasuredPower: -40}
	assert.InDelta(t, 10.0, free.Distance(-60), 1e-9)
}

func TestLogDistance_MonotoneDecreasing(t *testing.T) {
	m := LogDistance{MeasuredPower: -50, Exponent: 2.7}
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		a := -30 - r.Float64()*70
		b := a - 0.1 - r.Float64()*10
		assert.Greater(t, m.Distance(b), m.Distance(a), "weaker signal must be farther: %f vs %f", b, a)
	}
}

func TestRawDistance(t *testing.T) {
	tests := []struct {
		raw  float64
		want float64
	}{
		{3500, 10},
		{2000, 10},
		{1999, 25},
		{1800, 25},
		{1700, 50},
		{1400, 100},
		{1300, 250},
		{1200, 300},
		{1100, 500},
		{999, 1000},
		{0, 1000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RawDistance(tt.raw), "raw=%v", tt.raw)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 10.0, Clamp(3, 10, 5000))
	assert.Equal(t, 5000.0, Clamp(9000, 10, 5000))
	assert.Equal(t, 42.0, Clamp(42, 10, 5000))
}

func TestCalibration(t *testing.T) {
	c := CalibrationFromTuning(config.MustLoadDefaultConfig())
	assert.Equal(t, -59.0, c.For(detection.SourceBluetooth).MeasuredPower)
	assert.Equal(t, -40.0, c.For(detection.SourceWiFi).MeasuredPower)
	assert.Equal(t, -50.0, c.For(detection.SourceSDR).MeasuredPower)
	assert.Equal(t, 2.7, c.For(detection.SourceFPV).Exponent)

	assert.Equal(t, 25.0, c.Distance(detection.SourceFPV, 1850, detection.ScaleRaw))
	assert.InDelta(t, 1.0, c.Distance(detection.SourceBluetooth, -59, detection.ScaleDBm), 1e-9)
}
