// Package units provides speed and distance unit handling for detection data.
package units

import (
	"regexp"
	"strconv"
	"strings"
)

// Speed unit names accepted by the API.
const (
	MPS   = "mps"
	MPH   = "mph"
	KMPH  = "kmph"
	KPH   = "kph"
	Knots = "kn"
)

// ValidUnits contains all valid speed unit values.
var ValidUnits = []string{MPS, MPH, KMPH, KPH, Knots}

// IsValid checks if the given unit is in the list of valid units.
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages.
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertSpeed converts a speed from meters per second to the target units.
// Unknown units leave the value in m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.23694
	case KMPH, KPH:
		return speedMPS * 3.6
	case Knots:
		return speedMPS / KnotsPerMPS
	default:
		return speedMPS
	}
}

const (
	// KnotsPerMPS is the number of m/s in one knot.
	KnotsPerMPS = 0.514444
	// MetersPerFoot is the length of one international foot.
	MetersPerFoot = 0.3048
)

// KnotsToMPS converts ground speed in knots (ADS-B gs) to m/s.
func KnotsToMPS(kn float64) float64 { return kn * KnotsPerMPS }

// FeetToMeters converts an altitude in feet (ADS-B alt_baro) to meters.
func FeetToMeters(ft float64) float64 { return ft * MetersPerFoot }

// leadingNumber matches a signed decimal at the start of a measurement string.
var leadingNumber = regexp.MustCompile(`^\s*([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)`)

// ParseMeasurement extracts the numeric value of a unit-suffixed string such
// as "64.5 m", "0.25 m/s" or "-60dBm". Values that are qualitative ("Undefined")
// or bounded ("<10 m") are rejected.
func ParseMeasurement(s string) (float64, bool) {
	m := leadingNumber.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
