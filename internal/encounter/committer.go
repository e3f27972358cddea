package encounter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/dronewatch/internal/config"
	"github.com/banshee-data/dronewatch/internal/monitoring"
	"github.com/banshee-data/dronewatch/internal/timeutil"
)

// CommitConfig controls the background committer.
type CommitConfig struct {
	Interval  time.Duration // Batch period between commits
	RetryBase time.Duration // First retry delay after a failed commit
	RetryMax  time.Duration // Upper bound on the retry delay
}

// CommitConfigFromTuning builds a CommitConfig from a loaded TuningConfig.
func CommitConfigFromTuning(cfg *config.TuningConfig) CommitConfig {
	return CommitConfig{
		Interval:  cfg.GetCommitInterval(),
		RetryBase: cfg.GetCommitRetryBase(),
		RetryMax:  cfg.GetCommitRetryMax(),
	}
}

type opKind int

const (
	opUpsert opKind = iota
	opDelete
	opDeleteAll
	opSuppress
	opUnsuppress
)

type op struct {
	kind  opKind
	id    string
	delta Delta
	supp  Suppression
}

func (o *op) apply(ctx context.Context, repo Repository) error {
	switch o.kind {
	case opUpsert:
		return repo.SaveEncounter(ctx, o.delta)
	case opDelete:
		return repo.DeleteEncounter(ctx, o.id)
	case opDeleteAll:
		return repo.DeleteAllEncounters(ctx)
	case opSuppress:
		return repo.SaveSuppression(ctx, o.supp)
	case opUnsuppress:
		return repo.DeleteSuppression(ctx, o.id)
	}
	return fmt.Errorf("unknown op kind %d", o.kind)
}

// Committer writes store mutations to a Repository in the background. Writes
// for the same encounter are coalesced while queued. A failed write stays at
// the head of the queue and is retried with exponential backoff; nothing
// accepted is dropped while the process runs.
type Committer struct {
	repo  Repository
	cfg   CommitConfig
	clock timeutil.Clock

	mu      sync.Mutex
	queue   []*op
	upserts map[string]*op // queued, not yet in flight

	// drainMu keeps the background loop and Flush from writing concurrently.
	drainMu sync.Mutex

	failures  int
	committed atomic.Int64
	failed    atomic.Int64

	stopCh    chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewCommitter creates a Committer. Call Start to run the background loop.
func NewCommitter(repo Repository, cfg CommitConfig, clock timeutil.Clock) *Committer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	return &Committer{
		repo:    repo,
		cfg:     cfg,
		clock:   clock,
		upserts: make(map[string]*op),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// CommitStats is a point-in-time view of the committer.
type CommitStats struct {
	Pending   int   `json:"pending"`
	Committed int64 `json:"committed"`
	Failed    int64 `json:"failed"`
}

// Stats returns queue depth and counters.
func (c *Committer) Stats() CommitStats {
	c.mu.Lock()
	pending := len(c.queue)
	c.mu.Unlock()
	return CommitStats{Pending: pending, Committed: c.committed.Load(), Failed: c.failed.Load()}
}

func (c *Committer) enqueueUpsert(d Delta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := d.Header.ID
	if cur, ok := c.upserts[id]; ok {
		cur.delta.Header = d.Header
		cur.delta.Points = append(cur.delta.Points, d.Points...)
		cur.delta.Signatures = append(cur.delta.Signatures, d.Signatures...)
		return
	}
	o := &op{kind: opUpsert, id: id, delta: d}
	c.upserts[id] = o
	c.queue = append(c.queue, o)
}

func (c *Committer) enqueueDelete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.upserts[id]; ok {
		c.removeLocked(cur)
		delete(c.upserts, id)
	}
	c.queue = append(c.queue, &op{kind: opDelete, id: id})
}

func (c *Committer) enqueueDeleteAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.queue[:0]
	for _, o := range c.queue {
		if o.kind == opSuppress || o.kind == opUnsuppress {
			kept = append(kept, o)
		}
	}
	c.queue = append(kept, &op{kind: opDeleteAll})
	c.upserts = make(map[string]*op)
}

func (c *Committer) enqueueSuppression(s Suppression) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, &op{kind: opSuppress, id: s.Identity, supp: s})
}

func (c *Committer) enqueueUnsuppress(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, &op{kind: opUnsuppress, id: identity})
}

func (c *Committer) removeLocked(target *op) {
	for i, o := range c.queue {
		if o == target {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// pop takes the head of the queue. Once popped, an upsert no longer absorbs
// later deltas; those start a new queued op behind it.
func (c *Committer) pop() *op {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	o := c.queue[0]
	c.queue = c.queue[1:]
	if o.kind == opUpsert && c.upserts[o.id] == o {
		delete(c.upserts, o.id)
	}
	return o
}

// requeue puts a failed op back at the head of the queue.
func (c *Committer) requeue(o *op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append([]*op{o}, c.queue...)
	if o.kind == opUpsert {
		if _, newer := c.upserts[o.id]; !newer {
			c.upserts[o.id] = o
		}
	}
}

// drain writes queued ops in order until the queue is empty or a write fails.
func (c *Committer) drain(ctx context.Context) error {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	for {
		o := c.pop()
		if o == nil {
			return nil
		}
		if err := o.apply(ctx, c.repo); err != nil {
			c.requeue(o)
			c.failed.Add(1)
			return fmt.Errorf("commit %s: %w", o.id, err)
		}
		c.committed.Add(1)
	}
}

// Flush writes everything queued now. It returns the first write error.
func (c *Committer) Flush(ctx context.Context) error {
	return c.drain(ctx)
}

// Start launches the background commit loop.
func (c *Committer) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

func (c *Committer) run(ctx context.Context) {
	defer close(c.done)
	timer := c.clock.NewTimer(c.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-timer.C():
			if err := c.drain(ctx); err != nil {
				c.failures++
				delay := c.backoff()
				monitoring.Logf("[encounter] commit failed (attempt %d, retry in %s): %v", c.failures, delay, err)
				timer.Reset(delay)
				continue
			}
			if c.failures > 0 {
				monitoring.Logf("[encounter] commits recovered after %d failed attempts", c.failures)
				c.failures = 0
			}
			timer.Reset(c.cfg.Interval)
		}
	}
}

// backoff returns RetryBase doubled per consecutive failure, capped at RetryMax.
func (c *Committer) backoff() time.Duration {
	d := c.cfg.RetryBase
	for i := 1; i < c.failures; i++ {
		d *= 2
		if d >= c.cfg.RetryMax {
			return c.cfg.RetryMax
		}
	}
	return d
}

// Stop halts the loop and makes a final attempt to write the queue. Ops that
// still cannot be written are logged and returned as an error.
func (c *Committer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		// Never started: nothing will close done.
		c.startOnce.Do(func() { close(c.done) })
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		if ferr := c.drain(ctx); ferr != nil {
			pending := c.Stats().Pending
			monitoring.Logf("[encounter] stopping with %d uncommitted ops: %v", pending, ferr)
			err = fmt.Errorf("%d ops not committed: %w", pending, ferr)
		}
	})
	return err
}
