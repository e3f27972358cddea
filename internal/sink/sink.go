// Package sink republishes engine events to Kafka so downstream consumers
// (dashboards, alerting, long-term archives) can follow the live picture.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/banshee-data/dronewatch/internal/engine"
	"github.com/banshee-data/dronewatch/internal/monitoring"
)

const queueSize = 256

var (
	ErrNotStarted = errors.New("sink not started")
	ErrStopped    = errors.New("sink stopped")
)

// Config selects the brokers and topic. Types restricts which events are
// published; empty means all of them.
type Config struct {
	Brokers []string
	Topic   string
	Acks    int
	Types   []engine.EventType
}

// EventSource is the engine's subscription surface.
type EventSource interface {
	Subscribe() (string, <-chan engine.Event, error)
	Unsubscribe(id string) bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Stats counts publish outcomes.
type Stats struct {
	Queued    uint64 `json:"queued"`
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"` // filtered out or queue full
}

// Publisher drains engine events into a Kafka topic. Messages are keyed by
// identity so every event for one drone lands on the same partition in order.
type Publisher struct {
	cfg    Config
	types  map[engine.EventType]bool
	writer messageWriter
	closer func() error

	queue   chan kafka.Message
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	queued    atomic.Uint64
	published atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

var failureLog = monitoring.NewThrottle(10*time.Second, nil)

// New builds a Publisher backed by a kafka-go Writer.
func New(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		AllowAutoTopicCreation: true,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
	}
	return newWithWriter(cfg, w, w.Close), nil
}

func newWithWriter(cfg Config, w messageWriter, closer func() error) *Publisher {
	p := &Publisher{
		cfg:    cfg,
		writer: w,
		closer: closer,
		queue:  make(chan kafka.Message, queueSize),
	}
	if len(cfg.Types) > 0 {
		p.types = make(map[engine.EventType]bool, len(cfg.Types))
		for _, t := range cfg.Types {
			p.types[t] = true
		}
	}
	return p
}

// Start launches the delivery loop.
func (p *Publisher) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run()
	monitoring.Logf("[sink] publishing to %s on %v", p.cfg.Topic, p.cfg.Brokers)
}

// Stop cancels delivery after draining the queue, then closes the writer.
// Messages still queued when ctx expires are lost.
func (p *Publisher) Stop(ctx context.Context) error {
	if !p.started.Load() || !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if p.closer != nil {
		if cerr := p.closer(); cerr != nil {
			monitoring.Logf("[sink] close writer: %v", cerr)
		}
	}
	st := p.Stats()
	monitoring.Logf("[sink] stopped: published=%d failed=%d skipped=%d", st.Published, st.Failed, st.Skipped)
	return err
}

// Publish encodes ev and queues it without blocking. Events filtered out by
// Config.Types, or arriving while the queue is full, are skipped.
func (p *Publisher) Publish(ev engine.Event) error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	if p.stopped.Load() {
		return ErrStopped
	}
	if p.types != nil && !p.types[ev.Type] {
		p.skipped.Add(1)
		return nil
	}
	value, err := json.Marshal(ev)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	msg := kafka.Message{
		Key:     []byte(ev.Identity),
		Value:   value,
		Time:    ev.At,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	select {
	case p.queue <- msg:
		p.queued.Add(1)
		return nil
	default:
		p.skipped.Add(1)
		failureLog.Logf("queue-full", "[sink] queue full, skipping %s for %s", ev.Type, ev.Identity)
		return nil
	}
}

// Forward subscribes to src and publishes every event until ctx is done or
// the subscription is closed.
func (p *Publisher) Forward(ctx context.Context, src EventSource) error {
	id, events, err := src.Subscribe()
	if err != nil {
		return err
	}
	defer src.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.Publish(ev); errors.Is(err, ErrStopped) {
				return nil
			}
		}
	}
}

func (p *Publisher) Stats() Stats {
	return Stats{
		Queued:    p.queued.Load(),
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.drain()
			return
		case msg := <-p.queue:
			p.deliver(p.runCtx, msg)
		}
	}
}

// drain flushes what is left in the queue with a short deadline of its own,
// since the run context is already cancelled.
func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-p.queue:
			p.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, msg kafka.Message) {
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed.Add(1)
		failureLog.Logf("write", "[sink] write %s: %v", msg.Key, err)
		return
	}
	p.published.Add(1)
}
