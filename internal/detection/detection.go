// Package detection defines the canonical record produced by the normalizer
// and consumed by every later pipeline stage.
package detection

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// SourceType identifies the receiver family that produced a detection.
type SourceType string

const (
	SourceBluetooth SourceType = "bluetooth"
	SourceWiFi      SourceType = "wifi"
	SourceSDR       SourceType = "sdr"
	SourceFPV       SourceType = "fpv"
	SourceADSB      SourceType = "adsb"
)

// ParseSourceType maps loose source names onto a SourceType.
func ParseSourceType(s string) (SourceType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bluetooth", "ble", "bt", "bt4", "bt5":
		return SourceBluetooth, true
	case "wifi", "wi-fi", "wlan":
		return SourceWiFi, true
	case "sdr":
		return SourceSDR, true
	case "fpv":
		return SourceFPV, true
	case "adsb", "ads-b":
		return SourceADSB, true
	}
	return "", false
}

// RSSIScale tells whether an RSSI value is in dBm or in raw receiver ADC units.
type RSSIScale string

const (
	ScaleDBm RSSIScale = "dbm"
	ScaleRaw RSSIScale = "raw"
)

// Kind separates signal observations from auxiliary location reports
// (pilot and home points) that only enrich an encounter.
type Kind string

const (
	KindSignal Kind = "signal"
	KindPilot  Kind = "pilot"
	KindHome   Kind = "home"
)

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports whether c is the (0,0) "unknown" coordinate.
func (c Coordinate) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// Valid reports whether c is a usable, in-range, non-zero coordinate.
func (c Coordinate) Valid() bool {
	if c.IsZero() || math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Position is a reported fix. A nil *Position means the source supplied none;
// a Position at (0,0) means the source explicitly reported an unknown fix.
type Position struct {
	Coordinate
	Alt *float64 `json:"alt,omitempty"`
}

// Detection is one normalized signal observation.
type Detection struct {
	Identity   string     `json:"identity"`
	SourceType SourceType `json:"source_type"`
	Kind       Kind       `json:"kind"`
	MAC        string     `json:"mac,omitempty"`
	RSSI       *float64   `json:"rssi,omitempty"`
	RSSIScale  RSSIScale  `json:"rssi_scale,omitempty"`
	Position   *Position  `json:"position,omitempty"`
	ObservedAt time.Time  `json:"observed_at"`
	ReceivedAt time.Time  `json:"received_at"`
	IDType     string     `json:"id_type,omitempty"`

	// IdentityFromMAC is set when no broadcast id was available and the
	// identity was derived from the link-layer address.
	IdentityFromMAC bool `json:"identity_from_mac,omitempty"`

	Registration  string      `json:"registration,omitempty"`
	UAType        string      `json:"ua_type,omitempty"`
	Description   string      `json:"description,omitempty"`
	OperatorID    string      `json:"operator_id,omitempty"`
	Speed         *float64    `json:"speed,omitempty"`
	VerticalSpeed *float64    `json:"vertical_speed,omitempty"`
	Course        *float64    `json:"course,omitempty"`
	Frequency     *float64    `json:"frequency,omitempty"`
	Callsign      string      `json:"callsign,omitempty"`
	Operator      *Coordinate `json:"operator,omitempty"`
	Home          *Coordinate `json:"home,omitempty"`

	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// HasUsablePosition reports whether the detection carries a real, non-zero fix.
func (d *Detection) HasUsablePosition() bool {
	return d.Position != nil && d.Position.Valid()
}

// Fingerprint is the idempotence key of a detection: re-delivery of the same
// (identity, mac, rssi, observedAt) must not change any state.
type Fingerprint string

// Fingerprint returns the idempotence key for d.
func (d *Detection) Fingerprint() Fingerprint {
	rssi := "-"
	if d.RSSI != nil {
		rssi = fmt.Sprintf("%g", *d.RSSI)
	}
	return Fingerprint(fmt.Sprintf("%s|%s|%s|%d", d.Identity, strings.ToUpper(d.MAC), rssi, d.ObservedAt.UnixNano()))
}

// Clone returns a deep copy of d.
func (d Detection) Clone() Detection {
	out := d
	out.RSSI = cloneFloat(d.RSSI)
	out.Speed = cloneFloat(d.Speed)
	out.VerticalSpeed = cloneFloat(d.VerticalSpeed)
	out.Course = cloneFloat(d.Course)
	out.Frequency = cloneFloat(d.Frequency)
	if d.Position != nil {
		p := *d.Position
		p.Alt = cloneFloat(d.Position.Alt)
		out.Position = &p
	}
	if d.Operator != nil {
		c := *d.Operator
		out.Operator = &c
	}
	if d.Home != nil {
		c := *d.Home
		out.Home = &c
	}
	if d.RawPayload != nil {
		out.RawPayload = append(json.RawMessage(nil), d.RawPayload...)
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// droneIDPrefix marks identities keyed on a Remote ID broadcast.
const droneIDPrefix = "drone-"

// DroneIdentity returns the identity for a Remote ID serial, registration
// or, failing both, transmitter MAC. It is idempotent.
func DroneIdentity(id string) string {
	if strings.HasPrefix(id, droneIDPrefix) {
		return id
	}
	return droneIDPrefix + id
}

// BroadcastID returns the serial, registration or MAC an identity was built
// from. Identities not made by DroneIdentity come back unchanged.
func BroadcastID(identity string) string {
	return strings.TrimPrefix(identity, droneIDPrefix)
}

// IsRegistrationOnly reports whether idType is a pure registration scheme
// (CAA-assigned ids) whose MAC changes carry no randomization signal.
func IsRegistrationOnly(idType string) bool {
	t := strings.ToUpper(idType)
	return strings.Contains(t, "CAA") || strings.Contains(t, "REGISTRATION")
}

// IsSerialNumber reports whether idType names an ANSI/CTA-2063-A serial.
func IsSerialNumber(idType string) bool {
	t := strings.ToUpper(idType)
	return strings.Contains(t, "SERIAL") || strings.Contains(t, "2063")
}

var macPattern = regexp.MustCompile(`^[0-9A-F]{2}([:-][0-9A-F]{2}){5}$`)

// NormalizeMAC upper-cases a MAC address and uses ':' separators. It returns
// "" when s is not a MAC address.
func NormalizeMAC(s string) string {
	m := strings.ToUpper(strings.TrimSpace(s))
	if !macPattern.MatchString(m) {
		return ""
	}
	return strings.ReplaceAll(m, "-", ":")
}
