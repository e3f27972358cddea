package encounter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/dronewatch/internal/detection"
	"github.com/banshee-data/dronewatch/internal/monitoring"
	"github.com/banshee-data/dronewatch/internal/timeutil"
)

// maxPilotHistory bounds the pilot_history metadata list.
const maxPilotHistory = 20

// ProximityFix is an alert ring turned into a flight point.
type ProximityFix struct {
	Center       detection.Coordinate
	RadiusMeters float64
	RSSI         float64
}

// Observation is one accepted detection handed to the store. Proximity is
// set when the detection produced a new, anchored alert ring.
type Observation struct {
	Detection detection.Detection
	Proximity *ProximityFix
}

// Store holds all encounters in memory as the source of truth and mirrors
// every mutation to a Repository through a Committer. Reads return deep
// copies; callers never share memory with the store.
type Store struct {
	clock     timeutil.Clock
	repo      Repository
	committer *Committer

	mu           sync.RWMutex
	encounters   map[string]*Encounter
	macIndex     map[string]string // MAC -> encounter id that first used it
	suppressions map[string]*Suppression
	// signatures holds the fingerprint of every detection folded into each
	// encounter, so redelivery is a no-op across track clears and restarts.
	signatures map[string]map[detection.Fingerprint]struct{}
}

// NewStore creates a store. A nil repo keeps everything in memory.
func NewStore(repo Repository, cfg CommitConfig, clock timeutil.Clock) *Store {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Store{
		clock:        clock,
		repo:         repo,
		encounters:   make(map[string]*Encounter),
		macIndex:     make(map[string]string),
		suppressions: make(map[string]*Suppression),
		signatures:   make(map[string]map[detection.Fingerprint]struct{}),
	}
	if repo != nil {
		s.committer = NewCommitter(repo, cfg, clock)
	}
	return s
}

// Load replaces the in-memory state with the repository contents.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	encs, err := s.repo.LoadEncounters(ctx)
	if err != nil {
		return fmt.Errorf("load encounters: %w", err)
	}
	sigs, err := s.repo.LoadSignatures(ctx)
	if err != nil {
		return fmt.Errorf("load signatures: %w", err)
	}
	supps, err := s.repo.LoadSuppressions(ctx)
	if err != nil {
		return fmt.Errorf("load suppressions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.encounters = make(map[string]*Encounter, len(encs))
	s.macIndex = make(map[string]string)
	for _, e := range encs {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		s.encounters[e.ID] = e
		for _, m := range e.MACAddresses {
			if _, ok := s.macIndex[m]; !ok {
				s.macIndex[m] = e.ID
			}
		}
	}
	s.signatures = make(map[string]map[detection.Fingerprint]struct{}, len(sigs))
	for id, fps := range sigs {
		if _, ok := s.encounters[id]; !ok {
			continue
		}
		set := make(map[detection.Fingerprint]struct{}, len(fps))
		for _, fp := range fps {
			set[fp] = struct{}{}
		}
		s.signatures[id] = set
	}
	s.suppressions = make(map[string]*Suppression, len(supps))
	for i := range supps {
		sp := supps[i]
		s.suppressions[sp.Identity] = &sp
	}
	monitoring.Logf("[encounter] loaded %d encounters, %d do-not-track markers", len(encs), len(supps))
	return nil
}

// Start runs the background committer.
func (s *Store) Start(ctx context.Context) {
	if s.committer != nil {
		s.committer.Start(ctx)
	}
}

// Flush writes all queued mutations now.
func (s *Store) Flush(ctx context.Context) error {
	if s.committer == nil {
		return nil
	}
	return s.committer.Flush(ctx)
}

// Stop halts the committer after a final flush.
func (s *Store) Stop(ctx context.Context) error {
	if s.committer == nil {
		return nil
	}
	return s.committer.Stop(ctx)
}

// CommitStats reports the committer's queue.
func (s *Store) CommitStats() CommitStats {
	if s.committer == nil {
		return CommitStats{}
	}
	return s.committer.Stats()
}

// IsSuppressed reports whether a do-not-track marker matches the identity,
// MAC or registration.
func (s *Store) IsSuppressed(identity, mac, registration string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.suppressedLocked(identity, mac, registration)
}

func (s *Store) suppressedLocked(identity, mac, registration string) bool {
	if _, ok := s.suppressions[identity]; ok {
		return true
	}
	if mac == "" && registration == "" {
		return false
	}
	for _, sp := range s.suppressions {
		if sp.matches(identity, mac, registration) {
			return true
		}
	}
	return false
}

// ResolveIdentity returns the encounter id a detection belongs to. The
// identity is the key; the MAC only groups detections whose identity was
// itself derived from a (possibly rotating) MAC.
func (s *Store) ResolveIdentity(d detection.Detection) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(d)
}

func (s *Store) resolveLocked(d detection.Detection) string {
	if _, ok := s.encounters[d.Identity]; ok {
		return d.Identity
	}
	if d.IdentityFromMAC && d.MAC != "" {
		if id, ok := s.macIndex[d.MAC]; ok {
			return id
		}
	}
	return d.Identity
}

// Seen reports whether d was already folded into its encounter.
func (s *Store) Seen(d detection.Detection) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.signatures[s.resolveLocked(d)][d.Fingerprint()]
	return ok
}

// Record upserts the encounter for an accepted detection. It returns the
// updated snapshot, or false when the identity is suppressed or the same
// detection was already recorded.
func (s *Store) Record(obs Observation) (*Encounter, bool) {
	d := obs.Detection
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressedLocked(d.Identity, d.MAC, d.Registration) {
		return nil, false
	}

	id := s.resolveLocked(d)
	fp := d.Fingerprint()
	if _, dup := s.signatures[id][fp]; dup {
		return nil, false
	}
	e := s.getOrCreateLocked(id, d.ObservedAt)
	if s.signatures[id] == nil {
		s.signatures[id] = make(map[detection.Fingerprint]struct{})
	}
	s.signatures[id][fp] = struct{}{}
	if e.addMAC(d.MAC) {
		if _, ok := s.macIndex[d.MAC]; !ok {
			s.macIndex[d.MAC] = e.ID
		}
	}
	e.addSignature(d.RSSI, d.ObservedAt)

	var added []FlightPoint
	switch {
	case d.HasUsablePosition():
		added = append(added, e.addPoint(FlightPoint{
			Coordinate: d.Position.Coordinate,
			Altitude:   cloneFloat(d.Position.Alt),
			Speed:      cloneFloat(d.Speed),
			Timestamp:  d.ObservedAt,
		}))
	case obs.Proximity != nil:
		pf := obs.Proximity
		added = append(added, e.addPoint(FlightPoint{
			Coordinate:       pf.Center,
			Timestamp:        d.ObservedAt,
			IsProximityPoint: true,
			ProximityRSSI:    detection.Float(pf.RSSI),
			ProximityRadius:  detection.Float(pf.RadiusMeters),
		}))
	}
	mergeMetadata(e, d)

	s.commitLocked(e, added, fp)
	return e.Clone(), true
}

// RecordMetadata folds a pilot or home location report into the encounter's
// metadata. These reports never become flight points.
func (s *Store) RecordMetadata(d detection.Detection) (*Encounter, bool) {
	if d.Position == nil || !d.Position.Valid() {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suppressedLocked(d.Identity, d.MAC, d.Registration) {
		return nil, false
	}
	e := s.getOrCreateLocked(s.resolveLocked(d), d.ObservedAt)
	switch d.Kind {
	case detection.KindPilot:
		setPilot(e, d.Position.Coordinate, d.ObservedAt)
	case detection.KindHome:
		setCoord(e, MetaHomeLat, MetaHomeLon, d.Position.Coordinate)
	default:
		return nil, false
	}
	s.commitLocked(e, nil)
	return e.Clone(), true
}

func (s *Store) getOrCreateLocked(id string, at time.Time) *Encounter {
	e, ok := s.encounters[id]
	if !ok {
		e = newEncounter(id, at)
		s.encounters[id] = e
	}
	return e
}

func (s *Store) commitLocked(e *Encounter, points []FlightPoint, sigs ...detection.Fingerprint) {
	if s.committer == nil {
		return
	}
	cp := make([]FlightPoint, len(points))
	for i, p := range points {
		cp[i] = p.clone()
	}
	s.committer.enqueueUpsert(Delta{Header: e.Header(), Points: cp, Signatures: sigs})
}

func mergeMetadata(e *Encounter, d detection.Detection) {
	set := func(k, v string) {
		if v != "" {
			e.Metadata[k] = v
		}
	}
	set(MetaSourceType, string(d.SourceType))
	set(MetaIDType, d.IDType)
	set(MetaRegistration, d.Registration)
	set(MetaUAType, d.UAType)
	set(MetaDescription, d.Description)
	set(MetaOperatorID, d.OperatorID)
	set(MetaCallsign, d.Callsign)
	if d.Frequency != nil {
		set(MetaFrequency, strconv.FormatFloat(*d.Frequency, 'f', -1, 64))
	}
	if d.Operator != nil && d.Operator.Valid() {
		setPilot(e, *d.Operator, d.ObservedAt)
	}
	if d.Home != nil && d.Home.Valid() {
		setCoord(e, MetaHomeLat, MetaHomeLon, *d.Home)
	}
}

type pilotFix struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	At  time.Time `json:"t"`
}

// setPilot records the latest pilot location and appends it to a bounded
// history when it moved.
func setPilot(e *Encounter, c detection.Coordinate, at time.Time) {
	setCoord(e, MetaPilotLat, MetaPilotLon, c)
	var hist []pilotFix
	if raw := e.Metadata[MetaPilotHistory]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &hist); err != nil {
			hist = nil
		}
	}
	if n := len(hist); n > 0 && hist[n-1].Lat == c.Lat && hist[n-1].Lon == c.Lon {
		return
	}
	hist = append(hist, pilotFix{Lat: c.Lat, Lon: c.Lon, At: at.UTC()})
	if len(hist) > maxPilotHistory {
		hist = hist[len(hist)-maxPilotHistory:]
	}
	if b, err := json.Marshal(hist); err == nil {
		e.Metadata[MetaPilotHistory] = string(b)
	}
}

func setCoord(e *Encounter, latKey, lonKey string, c detection.Coordinate) {
	e.Metadata[latKey] = strconv.FormatFloat(c.Lat, 'f', -1, 64)
	e.Metadata[lonKey] = strconv.FormatFloat(c.Lon, 'f', -1, 64)
}

// Create adds an empty encounter by explicit user action.
func (s *Store) Create(id, name string) (*Encounter, error) {
	if id == "" {
		return nil, fmt.Errorf("create encounter: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.encounters[id]; ok {
		return nil, ErrExists
	}
	if s.suppressedLocked(id, "", "") {
		return nil, ErrSuppressed
	}
	e := newEncounter(id, s.clock.Now())
	e.CustomName = name
	s.encounters[id] = e
	s.commitLocked(e, nil)
	return e.Clone(), nil
}

// Rename sets the custom name.
func (s *Store) Rename(id, name string) (*Encounter, error) {
	return s.update(id, func(e *Encounter) { e.CustomName = name })
}

// SetTrustStatus sets the trust status. Nothing else ever changes it.
func (s *Store) SetTrustStatus(id string, status TrustStatus) (*Encounter, error) {
	if _, err := ParseTrustStatus(string(status)); err != nil {
		return nil, err
	}
	return s.update(id, func(e *Encounter) { e.TrustStatus = status })
}

func (s *Store) update(id string, fn func(e *Encounter)) (*Encounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.encounters[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(e)
	s.commitLocked(e, nil)
	return e.Clone(), nil
}

// Delete removes an encounter. With doNotTrack the identity, its MACs and
// its registration are suppressed until ClearDoNotTrack.
func (s *Store) Delete(id string, doNotTrack bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.encounters[id]
	if !ok && !doNotTrack {
		return ErrNotFound
	}
	if ok {
		delete(s.encounters, id)
		delete(s.signatures, id)
		for _, m := range e.MACAddresses {
			if s.macIndex[m] == id {
				delete(s.macIndex, m)
			}
		}
		if s.committer != nil {
			s.committer.enqueueDelete(id)
		}
	}
	if doNotTrack {
		sp := Suppression{Identity: id, CreatedAt: s.clock.Now()}
		if e != nil {
			sp.MACs = append(sp.MACs, e.MACAddresses...)
			if reg := e.Metadata[MetaRegistration]; reg != "" {
				sp.Registrations = append(sp.Registrations, reg)
			}
		}
		s.suppressions[id] = &sp
		if s.committer != nil {
			s.committer.enqueueSuppression(sp.clone())
		}
	}
	return nil
}

// ClearAll removes every encounter and returns how many there were.
// Do-not-track markers are kept.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.encounters)
	s.encounters = make(map[string]*Encounter)
	s.macIndex = make(map[string]string)
	s.signatures = make(map[string]map[detection.Fingerprint]struct{})
	if s.committer != nil {
		s.committer.enqueueDeleteAll()
	}
	return n
}

// ClearDoNotTrack lifts the marker for identity.
func (s *Store) ClearDoNotTrack(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.suppressions[identity]; !ok {
		return false
	}
	delete(s.suppressions, identity)
	if s.committer != nil {
		s.committer.enqueueUnsuppress(identity)
	}
	return true
}

// Suppressions returns the do-not-track markers sorted by identity.
func (s *Store) Suppressions() []Suppression {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Suppression, 0, len(s.suppressions))
	for _, sp := range s.suppressions {
		out = append(out, sp.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Get returns a copy of one encounter.
func (s *Store) Get(id string) (*Encounter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.encounters[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// List returns copies of all encounters without flight paths, most recently
// seen first.
func (s *Store) List() []*Encounter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Encounter, 0, len(s.encounters))
	for _, e := range s.encounters {
		out = append(out, e.Header())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of encounters.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.encounters)
}
