package correlate

import (
	"time"

	"github.com/banshee-data/dronewatch/internal/detection"
)

// State is the lifecycle state of a track. Retired tracks are removed from
// the correlator, so only active and stale are ever observed on a Track.
type State string

const (
	StateActive  State = "active"
	StateStale   State = "stale"
	StateRetired State = "retired"
)

// Fix is one usable position report kept for plausibility checks.
type Fix struct {
	Coordinate detection.Coordinate `json:"coordinate"`
	Alt        *float64             `json:"alt,omitempty"`
	ObservedAt time.Time            `json:"observed_at"`
}

// RSSISample is one signal strength reading.
type RSSISample struct {
	Value      float64             `json:"value"`
	Scale      detection.RSSIScale `json:"scale"`
	ObservedAt time.Time           `json:"observed_at"`
}

// Track is the live correlation state of one identity.
type Track struct {
	Identity   string               `json:"identity"`
	SourceType detection.SourceType `json:"source_type"`
	IDType     string               `json:"id_type,omitempty"`

	// MACHistory is an ordered set: each distinct address appears once, in
	// the order it was first seen.
	MACHistory       []string `json:"mac_history"`
	IsRandomizingMAC bool     `json:"is_randomizing_mac"`

	SpoofScore   float64  `json:"spoof_score"`
	SpoofReasons []string `json:"spoof_reasons,omitempty"`
	IsSpoofed    bool     `json:"is_spoofed"`

	LastDetection detection.Detection `json:"last_detection"`
	FirstSeen     time.Time           `json:"first_seen"`
	LastSeen      time.Time           `json:"last_seen"`
	// LastHeard is the staleness clock reading when the track last advanced.
	LastHeard time.Time `json:"last_heard"`
	IsStale   bool      `json:"is_stale"`
	State     State     `json:"state"`

	Fixes          []Fix        `json:"fixes,omitempty"`
	RSSIHistory    []RSSISample `json:"rssi_history,omitempty"`
	Registrations  []string     `json:"registrations,omitempty"`
	DetectionCount int          `json:"detection_count"`
}

// DistinctMACs returns the number of distinct addresses seen.
func (t *Track) DistinctMACs() int { return len(t.MACHistory) }

// HasMAC reports whether mac is already in the history.
func (t *Track) HasMAC(mac string) bool {
	for _, m := range t.MACHistory {
		if m == mac {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand across goroutines.
func (t *Track) Clone() *Track {
	if t == nil {
		return nil
	}
	out := *t
	out.MACHistory = append([]string(nil), t.MACHistory...)
	out.SpoofReasons = append([]string(nil), t.SpoofReasons...)
	out.Registrations = append([]string(nil), t.Registrations...)
	out.RSSIHistory = append([]RSSISample(nil), t.RSSIHistory...)
	out.LastDetection = t.LastDetection.Clone()
	if t.Fixes != nil {
		out.Fixes = make([]Fix, len(t.Fixes))
		for i, f := range t.Fixes {
			out.Fixes[i] = f
			if f.Alt != nil {
				a := *f.Alt
				out.Fixes[i].Alt = &a
			}
		}
	}
	return &out
}
