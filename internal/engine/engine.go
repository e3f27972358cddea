// Package engine owns the detection pipeline. Every identity is pinned to one
// shard goroutine, so all work for an identity is serialized while different
// identities proceed in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/dronewatch/internal/config"
	"github.com/banshee-data/dronewatch/internal/correlate"
	"github.com/banshee-data/dronewatch/internal/detection"
	"github.com/banshee-data/dronewatch/internal/encounter"
	"github.com/banshee-data/dronewatch/internal/lifecycle"
	"github.com/banshee-data/dronewatch/internal/monitoring"
	"github.com/banshee-data/dronewatch/internal/normalize"
	"github.com/banshee-data/dronewatch/internal/proximity"
	"github.com/banshee-data/dronewatch/internal/spoof"
	"github.com/banshee-data/dronewatch/internal/timeutil"
)

var (
	ErrStopped    = errors.New("engine stopped")
	ErrNotStarted = errors.New("engine not started")
)

// Config gathers the tunables of every pipeline stage.
type Config struct {
	ShardCount     int
	ShardQueueSize int
	EventBuffer    int
	Receiver       *detection.Coordinate

	Correlator correlate.Config
	Spoof      spoof.Config
	Proximity  proximity.Config
	Lifecycle  lifecycle.Config
}

// DefaultConfig returns the configuration from the canonical defaults file.
func DefaultConfig() Config {
	return ConfigFromTuning(config.MustLoadDefaultConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	c := Config{
		ShardCount:     cfg.GetShardCount(),
		ShardQueueSize: cfg.GetShardQueueSize(),
		EventBuffer:    cfg.GetEventBuffer(),
		Correlator:     correlate.ConfigFromTuning(cfg),
		Spoof:          spoof.ConfigFromTuning(cfg),
		Proximity:      proximity.ConfigFromTuning(cfg),
		Lifecycle:      lifecycle.ConfigFromTuning(cfg),
	}
	if lat, lon, ok := cfg.GetReceiverLocation(); ok {
		c.Receiver = &detection.Coordinate{Lat: lat, Lon: lon}
	}
	return c
}

// shard owns the live state of the identities hashed to it. Only its worker
// goroutine touches corr and rings while running jobs; snapshot readers take mu.
type shard struct {
	mu    sync.Mutex
	corr  *correlate.Correlator
	rings *proximity.Estimator
	queue chan func(*shard)
}

// Engine runs Normalize, Correlate, Spoof-score, Ring-estimate, Lifecycle and
// Persist for each detection on the shard that owns its identity.
type Engine struct {
	cfg       Config
	clock     timeutil.Clock
	stall     *timeutil.StallableClock
	detector  *spoof.Detector
	lifecycle *lifecycle.Manager
	store     *encounter.Store
	bus       *Bus
	shards    []*shard
	sessionID string

	receiverMu sync.RWMutex
	receiver   *detection.Coordinate

	transportMu sync.Mutex
	transports  map[string]bool
	hostOffline bool

	hookMu sync.Mutex
	hooks  []Hook

	// ingestMu guards the shard queues against Stop closing them while an
	// Ingest call is still sending.
	ingestMu sync.RWMutex
	started  bool
	stopped  bool

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sweepWG sync.WaitGroup

	stats counters
}

// New wires an engine around store. A nil clock uses the real clock.
func New(cfg Config, store *encounter.Store, clock timeutil.Clock) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.ShardQueueSize <= 0 {
		cfg.ShardQueueSize = 256
	}
	if cfg.Lifecycle.SweepInterval <= 0 {
		cfg.Lifecycle.SweepInterval = time.Second
	}
	if store == nil {
		store = encounter.NewStore(nil, encounter.CommitConfig{}, clock)
	}

	stall := timeutil.NewStallableClock(clock)
	e := &Engine{
		cfg:        cfg,
		clock:      clock,
		stall:      stall,
		detector:   spoof.New(cfg.Spoof),
		lifecycle:  lifecycle.New(cfg.Lifecycle, stall),
		store:      store,
		bus:        NewBus(cfg.EventBuffer),
		sessionID:  uuid.NewString(),
		transports: make(map[string]bool),
	}
	if cfg.Receiver != nil {
		r := *cfg.Receiver
		e.receiver = &r
	}
	e.stats.init()
	for i := 0; i < cfg.ShardCount; i++ {
		e.shards = append(e.shards, &shard{
			corr:  correlate.New(cfg.Correlator),
			rings: proximity.New(cfg.Proximity, clock),
			queue: make(chan func(*shard), cfg.ShardQueueSize),
		})
	}
	return e
}

// SessionID identifies this ingestion session.
func (e *Engine) SessionID() string { return e.sessionID }

// Store returns the encounter store the engine writes to.
func (e *Engine) Store() *encounter.Store { return e.store }

// Start launches the shard workers, the staleness sweeper and the store's
// background committer.
func (e *Engine) Start(ctx context.Context) {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for _, s := range e.shards {
		e.wg.Add(1)
		go e.runShard(s)
	}
	e.sweepWG.Add(1)
	go e.runSweeper(runCtx)
	e.store.Start(runCtx)
	monitoring.Logf("[engine] started session %s with %d shards", e.sessionID, len(e.shards))
}

func (e *Engine) runShard(s *shard) {
	defer e.wg.Done()
	for job := range s.queue {
		s.mu.Lock()
		job(s)
		s.mu.Unlock()
	}
}

func (e *Engine) runSweeper(ctx context.Context) {
	defer e.sweepWG.Done()
	ticker := e.clock.NewTicker(e.cfg.Lifecycle.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.Sweep()
			e.stats.logDrops()
		}
	}
}

// Stop rejects further ingestion, lets every shard finish its queued work,
// then flushes the encounter store. Already committed encounters are never
// affected.
func (e *Engine) Stop(ctx context.Context) error {
	e.ingestMu.Lock()
	if e.stopped {
		e.ingestMu.Unlock()
		return nil
	}
	e.stopped = true
	for _, s := range e.shards {
		close(s.queue)
	}
	e.ingestMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for shards: %w", ctx.Err())
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.sweepWG.Wait()

	err := e.store.Stop(ctx)
	e.bus.Close()
	monitoring.Logf("[engine] stopped session %s", e.sessionID)
	return err
}

func (e *Engine) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// enqueue hands job to the shard owning id. It blocks while the shard queue
// is full so an accepted detection is never silently dropped.
func (e *Engine) enqueue(ctx context.Context, id string, job func(*shard)) error {
	return e.enqueueTo(ctx, e.shardFor(id), job)
}

func (e *Engine) enqueueTo(ctx context.Context, s *shard, job func(*shard)) error {
	e.ingestMu.RLock()
	defer e.ingestMu.RUnlock()
	if e.stopped {
		return ErrStopped
	}
	if !e.started {
		return ErrNotStarted
	}
	select {
	case s.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs job on the shard owning id and waits for it to finish.
func (e *Engine) call(ctx context.Context, id string, job func(*shard)) error {
	return e.callShard(ctx, e.shardFor(id), job)
}

// callShard runs job on s and waits for it. Before Start there is no worker,
// so the job runs inline under the shard lock.
func (e *Engine) callShard(ctx context.Context, s *shard, job func(*shard)) error {
	e.ingestMu.RLock()
	started, stopped := e.started, e.stopped
	e.ingestMu.RUnlock()
	if stopped {
		return ErrStopped
	}
	if !started {
		s.mu.Lock()
		job(s)
		s.mu.Unlock()
		return nil
	}

	done := make(chan struct{})
	if err := e.enqueueTo(ctx, s, func(s *shard) {
		job(s)
		close(done)
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every job queued before the call has been processed.
func (e *Engine) Sync(ctx context.Context) error {
	e.ingestMu.RLock()
	if !e.started {
		e.ingestMu.RUnlock()
		return ErrNotStarted
	}
	if e.stopped {
		e.ingestMu.RUnlock()
		return ErrStopped
	}
	var pending sync.WaitGroup
	for _, s := range e.shards {
		pending.Add(1)
		select {
		case s.queue <- func(*shard) { pending.Done() }:
		case <-ctx.Done():
			e.ingestMu.RUnlock()
			return ctx.Err()
		}
	}
	e.ingestMu.RUnlock()

	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ingest normalizes a raw payload and queues the detection. Payloads that
// cannot be normalized return an error wrapping normalize.ErrDropped; they
// are counted and never reach the pipeline.
func (e *Engine) Ingest(ctx context.Context, raw []byte) error {
	d, err := normalize.Normalize(raw, e.clock.Now())
	if err != nil {
		e.stats.drop(normalize.ReasonOf(err))
		return err
	}
	return e.IngestDetection(ctx, d)
}

// IngestDetection queues an already normalized detection.
func (e *Engine) IngestDetection(ctx context.Context, d detection.Detection) error {
	if d.Identity == "" {
		e.stats.drop(normalize.ReasonNoIdentity)
		return &normalize.DropError{Reason: normalize.ReasonNoIdentity}
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = e.clock.Now()
	}
	// Identities derived from a randomizing MAC are folded into the encounter
	// that already owns the address before sharding, so the group shares one
	// owner.
	d.Identity = e.store.ResolveIdentity(d)
	e.stats.received.Add(1)
	return e.enqueue(ctx, d.Identity, func(s *shard) { e.process(s, d) })
}

func (e *Engine) receiverLocation() *detection.Coordinate {
	e.receiverMu.RLock()
	defer e.receiverMu.RUnlock()
	if e.receiver == nil {
		return nil
	}
	r := *e.receiver
	return &r
}

// SetReceiverLocation moves the receiver. New rings are anchored here;
// existing rings keep their center until they next update.
func (e *Engine) SetReceiverLocation(lat, lon float64) error {
	c := detection.Coordinate{Lat: lat, Lon: lon}
	if !c.Valid() {
		return fmt.Errorf("invalid receiver location %f,%f", lat, lon)
	}
	e.receiverMu.Lock()
	e.receiver = &c
	e.receiverMu.Unlock()
	return nil
}

// ReceiverLocation returns the current receiver location, if known.
func (e *Engine) ReceiverLocation() (detection.Coordinate, bool) {
	r := e.receiverLocation()
	if r == nil {
		return detection.Coordinate{}, false
	}
	return *r, true
}

func (e *Engine) publish(t EventType, id string, fill func(*Event)) {
	ev := Event{Type: t, Identity: id, At: e.clock.Now()}
	if fill != nil {
		fill(&ev)
	}
	e.bus.Publish(ev)
}

// Subscribe registers an event subscriber.
func (e *Engine) Subscribe() (string, <-chan Event, error) { return e.bus.Subscribe() }

// Unsubscribe removes an event subscriber.
func (e *Engine) Unsubscribe(id string) bool { return e.bus.Unsubscribe(id) }

// Sweep ages silent tracks to stale and emits track_stale for each.
func (e *Engine) Sweep() int {
	n := 0
	for _, s := range e.shards {
		s.mu.Lock()
		changed := e.lifecycle.Sweep(s.corr.Tracks())
		for _, t := range changed {
			snap := t.Clone()
			e.publish(EventTrackStale, t.Identity, func(ev *Event) { ev.Track = snap })
		}
		s.mu.Unlock()
		n += len(changed)
	}
	return n
}

// Snapshots.

// ActiveDetections returns the latest detection of every non-stale track,
// sorted by identity.
func (e *Engine) ActiveDetections() []detection.Detection {
	out := []detection.Detection{}
	for _, t := range e.Tracks() {
		if !t.IsStale {
			out = append(out, t.LastDetection)
		}
	}
	return out
}

// Tracks returns copies of every track sorted by identity.
func (e *Engine) Tracks() []*correlate.Track {
	out := []*correlate.Track{}
	for _, s := range e.shards {
		s.mu.Lock()
		for _, t := range s.corr.Tracks() {
			out = append(out, t.Clone())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Track returns a copy of the track for id.
func (e *Engine) Track(id string) (*correlate.Track, bool) {
	s := e.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.corr.Track(id)
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// AlertRings returns every current ring sorted by identity.
func (e *Engine) AlertRings() []proximity.Ring {
	out := []proximity.Ring{}
	for _, s := range e.shards {
		s.mu.Lock()
		out = append(out, s.rings.Rings()...)
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// AlertRing returns the ring for id.
func (e *Engine) AlertRing(id string) (proximity.Ring, bool) {
	s := e.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rings.Ring(id)
}

// Encounters returns encounter headers, most recently seen first.
func (e *Engine) Encounters() []*encounter.Encounter { return e.store.List() }

// Encounter returns the full encounter for id.
func (e *Engine) Encounter(id string) (*encounter.Encounter, bool) { return e.store.Get(id) }

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	SessionID       string                `json:"session_id"`
	Received        uint64                `json:"received"`
	Processed       uint64                `json:"processed"`
	Dropped         uint64                `json:"dropped"`
	DroppedByReason map[string]uint64     `json:"dropped_by_reason"`
	Duplicates      uint64                `json:"duplicates"`
	Late            uint64                `json:"late"`
	Suppressed      uint64                `json:"suppressed"`
	Tracks          int                   `json:"tracks"`
	ActiveTracks    int                   `json:"active_tracks"`
	Rings           int                   `json:"rings"`
	Encounters      int                   `json:"encounters"`
	Commit          encounter.CommitStats `json:"commit"`
	Events          BusStats              `json:"events"`
	Transports      map[string]bool       `json:"transports"`
	ClockPaused     bool                  `json:"clock_paused"`
}

func (e *Engine) Stats() Stats {
	st := Stats{
		SessionID:       e.sessionID,
		Received:        e.stats.received.Load(),
		Processed:       e.stats.processed.Load(),
		Dropped:         e.stats.dropped.Load(),
		DroppedByReason: e.stats.reasons(),
		Duplicates:      e.stats.duplicates.Load(),
		Late:            e.stats.late.Load(),
		Suppressed:      e.stats.suppressed.Load(),
		Encounters:      e.store.Len(),
		Commit:          e.store.CommitStats(),
		Events:          e.bus.Stats(),
		Transports:      e.transportStates(),
		ClockPaused:     e.stall.Paused(),
	}
	for _, s := range e.shards {
		s.mu.Lock()
		tracks := s.corr.Tracks()
		st.Tracks += len(tracks)
		st.ActiveTracks += lifecycle.ActiveCount(tracks)
		st.Rings += len(s.rings.Rings())
		s.mu.Unlock()
	}
	return st
}
