// Package encounter keeps the durable per-identity record of everything a
// session has seen: flight path, link addresses, metadata, and aggregates
// that are maintained incrementally as points arrive.
package encounter

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/dronewatch/internal/detection"
)

var (
	ErrNotFound     = errors.New("encounter not found")
	ErrExists       = errors.New("encounter already exists")
	ErrInvalidTrust = errors.New("invalid trust status")
	ErrSuppressed   = errors.New("identity is on the do-not-track list")
)

// TrustStatus is set only by an explicit user action.
type TrustStatus string

const (
	TrustUnknown   TrustStatus = "unknown"
	TrustTrusted   TrustStatus = "trusted"
	TrustUntrusted TrustStatus = "untrusted"
)

// ParseTrustStatus validates a user-supplied trust status.
func ParseTrustStatus(s string) (TrustStatus, error) {
	switch TrustStatus(strings.ToLower(strings.TrimSpace(s))) {
	case TrustUnknown:
		return TrustUnknown, nil
	case TrustTrusted:
		return TrustTrusted, nil
	case TrustUntrusted:
		return TrustUntrusted, nil
	}
	return "", ErrInvalidTrust
}

// Metadata keys written by the store.
const (
	MetaSourceType   = "source_type"
	MetaIDType       = "id_type"
	MetaRegistration = "registration"
	MetaUAType       = "ua_type"
	MetaDescription  = "description"
	MetaOperatorID   = "operator_id"
	MetaCallsign     = "callsign"
	MetaFrequency    = "frequency"
	MetaPilotLat     = "pilot_lat"
	MetaPilotLon     = "pilot_lon"
	MetaPilotHistory = "pilot_history"
	MetaHomeLat      = "home_lat"
	MetaHomeLon      = "home_lon"
)

// FlightPoint is one entry of an encounter's flight path.
type FlightPoint struct {
	// Seq is the insertion number within the encounter. Points are never
	// removed individually, so it doubles as the persistence key.
	Seq        int64                `json:"seq"`
	Coordinate detection.Coordinate `json:"coordinate"`
	Altitude   *float64             `json:"altitude,omitempty"`
	Speed      *float64             `json:"speed,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`

	IsProximityPoint bool     `json:"is_proximity_point"`
	ProximityRSSI    *float64 `json:"proximity_rssi,omitempty"`
	ProximityRadius  *float64 `json:"proximity_radius,omitempty"`
}

// Encounter is the persisted record for one identity.
type Encounter struct {
	ID           string            `json:"id"`
	FirstSeen    time.Time         `json:"first_seen"`
	LastSeen     time.Time         `json:"last_seen"`
	CustomName   string            `json:"custom_name"`
	TrustStatus  TrustStatus       `json:"trust_status"`
	MACAddresses []string          `json:"mac_addresses"`
	FlightPath   []FlightPoint     `json:"flight_path"`
	Metadata     map[string]string `json:"metadata"`

	MaxAltitude      *float64 `json:"max_altitude,omitempty"`
	MaxSpeed         *float64 `json:"max_speed,omitempty"`
	AverageRSSI      *float64 `json:"average_rssi,omitempty"`
	RSSISampleCount  int64    `json:"rssi_sample_count"`
	FlightPointCount int      `json:"flight_point_count"`
	SignatureCount   int      `json:"signature_count"`
}

func newEncounter(id string, at time.Time) *Encounter {
	return &Encounter{
		ID:          id,
		FirstSeen:   at,
		LastSeen:    at,
		TrustStatus: TrustUnknown,
		Metadata:    make(map[string]string),
	}
}

// addPoint inserts p in timestamp order and folds it into the cached
// aggregates. It never walks the existing path to recompute them.
func (e *Encounter) addPoint(p FlightPoint) FlightPoint {
	p.Seq = int64(e.FlightPointCount)
	i := sort.Search(len(e.FlightPath), func(i int) bool {
		return e.FlightPath[i].Timestamp.After(p.Timestamp)
	})
	e.FlightPath = append(e.FlightPath, FlightPoint{})
	copy(e.FlightPath[i+1:], e.FlightPath[i:])
	e.FlightPath[i] = p

	e.FlightPointCount++
	e.MaxAltitude = maxOf(e.MaxAltitude, p.Altitude)
	e.MaxSpeed = maxOf(e.MaxSpeed, p.Speed)
	e.touch(p.Timestamp)
	return p
}

// addSignature counts one accepted detection and folds its RSSI into the
// running mean.
func (e *Encounter) addSignature(rssi *float64, at time.Time) {
	e.SignatureCount++
	if rssi != nil {
		e.RSSISampleCount++
		if e.AverageRSSI == nil {
			v := *rssi
			e.AverageRSSI = &v
		} else {
			v := *e.AverageRSSI + (*rssi-*e.AverageRSSI)/float64(e.RSSISampleCount)
			e.AverageRSSI = &v
		}
	}
	e.touch(at)
}

func (e *Encounter) addMAC(mac string) bool {
	if mac == "" {
		return false
	}
	for _, m := range e.MACAddresses {
		if m == mac {
			return false
		}
	}
	e.MACAddresses = append(e.MACAddresses, mac)
	return true
}

func (e *Encounter) touch(at time.Time) {
	if at.IsZero() {
		return
	}
	if e.FirstSeen.IsZero() || at.Before(e.FirstSeen) {
		e.FirstSeen = at
	}
	if at.After(e.LastSeen) {
		e.LastSeen = at
	}
}

// Clone returns a deep copy.
func (e *Encounter) Clone() *Encounter {
	if e == nil {
		return nil
	}
	out := e.Header()
	if e.FlightPath != nil {
		out.FlightPath = make([]FlightPoint, len(e.FlightPath))
		for i, p := range e.FlightPath {
			out.FlightPath[i] = p.clone()
		}
	}
	return out
}

// Header returns a deep copy without the flight path.
func (e *Encounter) Header() *Encounter {
	out := *e
	out.FlightPath = nil
	out.MACAddresses = append([]string(nil), e.MACAddresses...)
	out.Metadata = make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		out.Metadata[k] = v
	}
	out.MaxAltitude = cloneFloat(e.MaxAltitude)
	out.MaxSpeed = cloneFloat(e.MaxSpeed)
	out.AverageRSSI = cloneFloat(e.AverageRSSI)
	return &out
}

// Name returns the custom name, or the id when none is set.
func (e *Encounter) Name() string {
	if e.CustomName != "" {
		return e.CustomName
	}
	return e.ID
}

func (p FlightPoint) clone() FlightPoint {
	p.Altitude = cloneFloat(p.Altitude)
	p.Speed = cloneFloat(p.Speed)
	p.ProximityRSSI = cloneFloat(p.ProximityRSSI)
	p.ProximityRadius = cloneFloat(p.ProximityRadius)
	return p
}

func maxOf(cur, v *float64) *float64 {
	if v == nil {
		return cur
	}
	if cur == nil || *v > *cur {
		x := *v
		return &x
	}
	return cur
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Suppression is a do-not-track marker. It matches the identity and every
// address or registration the identity was known by when it was set.
type Suppression struct {
	Identity      string    `json:"identity"`
	MACs          []string  `json:"macs,omitempty"`
	Registrations []string  `json:"registrations,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Suppression) matches(identity, mac, registration string) bool {
	if identity != "" && identity == s.Identity {
		return true
	}
	if mac != "" {
		for _, m := range s.MACs {
			if m == mac {
				return true
			}
		}
	}
	if registration != "" {
		for _, r := range s.Registrations {
			if r == registration {
				return true
			}
		}
	}
	return false
}

func (s Suppression) clone() Suppression {
	s.MACs = append([]string(nil), s.MACs...)
	s.Registrations = append([]string(nil), s.Registrations...)
	return s
}
