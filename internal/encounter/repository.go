package encounter

import (
	"context"

	"github.com/banshee-data/dronewatch/internal/detection"
)

// Delta is one persistence step for an encounter: the current header plus
// the flight points and detection fingerprints added since the last
// successful save. Saving a delta twice must be harmless; points are keyed
// by (encounter id, seq) and fingerprints by (encounter id, fingerprint).
type Delta struct {
	Header     *Encounter
	Points     []FlightPoint
	Signatures []detection.Fingerprint
}

// Repository is the durable backing of the store. Implementations return
// fully materialized values that the caller owns.
type Repository interface {
	LoadEncounters(ctx context.Context) ([]*Encounter, error)
	// LoadSignatures returns the fingerprints of every detection already
	// folded into each encounter, keyed by encounter id.
	LoadSignatures(ctx context.Context) (map[string][]detection.Fingerprint, error)
	LoadSuppressions(ctx context.Context) ([]Suppression, error)
	SaveEncounter(ctx context.Context, d Delta) error
	DeleteEncounter(ctx context.Context, id string) error
	DeleteAllEncounters(ctx context.Context) error
	SaveSuppression(ctx context.Context, s Suppression) error
	DeleteSuppression(ctx context.Context, identity string) error
}
