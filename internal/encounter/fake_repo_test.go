package encounter

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/banshee-data/dronewatch/internal/detection"
)

var errRepoDown = errors.New("repository unavailable")

// memRepo is an in-memory Repository that can be told to fail.
type memRepo struct {
	mu           sync.Mutex
	encounters   map[string]*Encounter
	suppressions map[string]Suppression
	signatures   map[string][]detection.Fingerprint
	failNext     int
	calls        []string
}

func newMemRepo() *memRepo {
	return &memRepo{
		encounters:   make(map[string]*Encounter),
		suppressions: make(map[string]Suppression),
		signatures:   make(map[string][]detection.Fingerprint),
	}
}

func (r *memRepo) failFor(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
}

func (r *memRepo) check(call string) error {
	if r.failNext > 0 {
		r.failNext--
		return errRepoDown
	}
	r.calls = append(r.calls, call)
	return nil
}

func (r *memRepo) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *memRepo) LoadEncounters(ctx context.Context) ([]*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Encounter
	for _, e := range r.encounters {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) LoadSignatures(ctx context.Context) (map[string][]detection.Fingerprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]detection.Fingerprint, len(r.signatures))
	for id, fps := range r.signatures {
		out[id] = append([]detection.Fingerprint(nil), fps...)
	}
	return out, nil
}

func (r *memRepo) LoadSuppressions(ctx context.Context) ([]Suppression, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Suppression
	for _, s := range r.suppressions {
		out = append(out, s.clone())
	}
	return out, nil
}

func (r *memRepo) SaveEncounter(ctx context.Context, d Delta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("save:" + d.Header.ID); err != nil {
		return err
	}
	cur, ok := r.encounters[d.Header.ID]
	next := d.Header.Clone()
	if ok {
		next.FlightPath = cur.FlightPath
	}
	seen := make(map[int64]bool)
	for _, p := range next.FlightPath {
		seen[p.Seq] = true
	}
	for _, p := range d.Points {
		if !seen[p.Seq] {
			next.FlightPath = append(next.FlightPath, p.clone())
		}
	}
	sort.SliceStable(next.FlightPath, func(i, j int) bool {
		return next.FlightPath[i].Timestamp.Before(next.FlightPath[j].Timestamp)
	})
	r.encounters[d.Header.ID] = next
	r.signatures[d.Header.ID] = append(r.signatures[d.Header.ID], d.Signatures...)
	return nil
}

func (r *memRepo) DeleteEncounter(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("delete:" + id); err != nil {
		return err
	}
	delete(r.encounters, id)
	delete(r.signatures, id)
	return nil
}

func (r *memRepo) DeleteAllEncounters(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("delete_all"); err != nil {
		return err
	}
	r.encounters = make(map[string]*Encounter)
	r.signatures = make(map[string][]detection.Fingerprint)
	return nil
}

func (r *memRepo) SaveSuppression(ctx context.Context, s Suppression) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("suppress:" + s.Identity); err != nil {
		return err
	}
	r.suppressions[s.Identity] = s.clone()
	return nil
}

func (r *memRepo) DeleteSuppression(ctx context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("unsuppress:" + identity); err != nil {
		return err
	}
	delete(r.suppressions, identity)
	return nil
}
