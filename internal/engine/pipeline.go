package engine

import (
	"context"

	"github.com/banshee-data/dronewatch/internal/correlate"
	"github.com/banshee-data/dronewatch/internal/detection"
	"github.com/banshee-data/dronewatch/internal/encounter"
	"github.com/banshee-data/dronewatch/internal/lifecycle"
	"github.com/banshee-data/dronewatch/internal/proximity"
	"github.com/banshee-data/dronewatch/internal/spoof"
)

// process runs one detection through every stage. It is called on the
// identity's shard with the shard lock held.
func (e *Engine) process(s *shard, d detection.Detection) {
	defer e.stats.processed.Add(1)

	if d.Kind == detection.KindPilot || d.Kind == detection.KindHome {
		if enc, ok := e.store.RecordMetadata(d); ok {
			e.publishEncounter(enc)
		}
		return
	}

	// Do-not-track matches are dropped silently, before any state changes.
	if e.store.IsSuppressed(d.Identity, d.MAC, d.Registration) {
		e.stats.suppressed.Add(1)
		return
	}

	// The correlator only remembers recent fingerprints; the store remembers
	// every one it recorded, across track clears and restarts.
	if e.store.Seen(d) {
		e.stats.duplicates.Add(1)
		return
	}

	t, outcome := s.corr.Observe(d)
	switch outcome {
	case correlate.Duplicate:
		e.stats.duplicates.Add(1)
		return
	case correlate.Late:
		e.stats.late.Add(1)
	}

	receiver := e.receiverLocation()
	spoof.Apply(t, e.detector.EvaluateAt(t, receiver))

	var prox *encounter.ProximityFix
	if outcome.Advanced() {
		e.lifecycle.Touch(t)
		ring, decision := s.rings.Apply(d, receiver)
		switch decision {
		case proximity.Updated:
			e.publish(EventRingChanged, d.Identity, func(ev *Event) { ev.Ring = &ring })
			if ring.Anchored {
				prox = &encounter.ProximityFix{Center: ring.Center, RadiusMeters: ring.RadiusMeters, RSSI: ring.RSSI}
			}
		case proximity.Cleared:
			e.publish(EventRingCleared, d.Identity, nil)
		}
	}

	snap := t.Clone()
	e.publish(EventTrackUpdated, d.Identity, func(ev *Event) { ev.Track = snap })

	if enc, ok := e.store.Record(encounter.Observation{Detection: d, Proximity: prox}); ok {
		e.publishEncounter(enc)
	}
}

func (e *Engine) publishEncounter(enc *encounter.Encounter) {
	h := enc.Header()
	e.publish(EventEncounterUpserted, h.ID, func(ev *Event) { ev.Encounter = h })
}

// clearLocked removes the live state of id from s and emits the matching
// events. It reports whether anything was held.
func (e *Engine) clearLocked(s *shard, id string) bool {
	_, hadRing := s.rings.Ring(id)
	if !lifecycle.Clear(id, s.corr, s.rings) {
		return false
	}
	e.publish(EventTrackCleared, id, nil)
	if hadRing {
		e.publish(EventRingCleared, id, nil)
	}
	return true
}

// ClearTrack removes the track, MAC history, ring and spoof state of id as
// one operation. The encounter is untouched.
func (e *Engine) ClearTrack(ctx context.Context, id string) (bool, error) {
	var cleared bool
	err := e.call(ctx, id, func(s *shard) { cleared = e.clearLocked(s, id) })
	return cleared, err
}

// DeleteEncounter deletes the encounter for id. With doNotTrack set, id and
// every address and registration it was known by are suppressed from now on,
// and its live track is cleared.
func (e *Engine) DeleteEncounter(ctx context.Context, id string, doNotTrack bool) error {
	if err := e.store.Delete(id, doNotTrack); err != nil {
		return err
	}
	e.publish(EventEncounterDeleted, id, nil)
	if doNotTrack {
		if _, err := e.ClearTrack(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ClearAll drops every live track and ring and every encounter. The
// do-not-track list is kept. It returns the number of encounters removed.
func (e *Engine) ClearAll(ctx context.Context) (int, error) {
	for _, s := range e.shards {
		err := e.callShard(ctx, s, func(s *shard) {
			for _, t := range s.corr.Tracks() {
				e.clearLocked(s, t.Identity)
			}
		})
		if err != nil {
			return 0, err
		}
	}
	n := e.store.ClearAll()
	e.publish(EventEncounterDeleted, "", nil)
	return n, nil
}

// ClearDoNotTrack lifts the do-not-track marker for id.
func (e *Engine) ClearDoNotTrack(id string) bool {
	return e.store.ClearDoNotTrack(id)
}

// CreateEncounter creates an empty encounter on explicit user request.
func (e *Engine) CreateEncounter(id, name string) (*encounter.Encounter, error) {
	enc, err := e.store.Create(id, name)
	if err != nil {
		return nil, err
	}
	e.publishEncounter(enc)
	return enc, nil
}

// RenameEncounter sets the user-facing name of an encounter.
func (e *Engine) RenameEncounter(id, name string) (*encounter.Encounter, error) {
	enc, err := e.store.Rename(id, name)
	if err != nil {
		return nil, err
	}
	e.publishEncounter(enc)
	return enc, nil
}

// SetTrustStatus records the operator's trust decision for an encounter.
func (e *Engine) SetTrustStatus(id, status string) (*encounter.Encounter, error) {
	ts, err := encounter.ParseTrustStatus(status)
	if err != nil {
		return nil, err
	}
	enc, err := e.store.SetTrustStatus(id, ts)
	if err != nil {
		return nil, err
	}
	e.publishEncounter(enc)
	return enc, nil
}
