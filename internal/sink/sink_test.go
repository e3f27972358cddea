package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dronewatch/internal/engine"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) Messages() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
	_, err = New(Config{Topic: "dronewatch.events"})
	assert.Error(t, err)

	p, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "dronewatch.events"})
	require.NoError(t, err)
	assert.NotNil(t, p.writer)
}

func TestPublisher_KeysByIdentity(t *testing.T) {
	w := &fakeWriter{}
	p := newWithWriter(Config{Topic: "events"}, w, w.Close)
	p.Start(context.Background())

	require.NoError(t, p.Publish(engine.Event{Type: engine.EventTrackUpdated, Identity: "drone-1", At: t0}))
	require.NoError(t, p.Publish(engine.Event{Type: engine.EventRingChanged, Identity: "drone-2", At: t0}))
	require.NoError(t, p.Stop(context.Background()))

	msgs := w.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "drone-1", string(msgs[0].Key))
	assert.Equal(t, "track_updated", string(msgs[0].Headers[0].Value))
	assert.Equal(t, t0, msgs[0].Time)

	var decoded engine.Event
	require.NoError(t, json.Unmarshal(msgs[1].Value, &decoded))
	assert.Equal(t, engine.EventRingChanged, decoded.Type)
	assert.Equal(t, "drone-2", decoded.Identity)

	assert.True(t, w.closed)
	assert.Equal(t, Stats{Queued: 2, Published: 2}, p.Stats())
}

func TestPublisher_TypeFilter(t *testing.T) {
	w := &fakeWriter{}
	p := newWithWriter(Config{Topic: "events", Types: []engine.EventType{engine.EventEncounterUpserted}}, w, nil)
	p.Start(context.Background())

	require.NoError(t, p.Publish(engine.Event{Type: engine.EventTrackUpdated, Identity: "drone-1"}))
	require.NoError(t, p.Publish(engine.Event{Type: engine.EventEncounterUpserted, Identity: "drone-1"}))
	require.NoError(t, p.Stop(context.Background()))

	assert.Len(t, w.Messages(), 1)
	assert.Equal(t, uint64(1), p.Stats().Skipped)
}

func TestPublisher_WriteFailuresAreCounted(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newWithWriter(Config{Topic: "events"}, w, nil)
	p.Start(context.Background())

	require.NoError(t, p.Publish(engine.Event{Type: engine.EventTrackUpdated, Identity: "drone-1"}))
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestPublisher_Lifecycle(t *testing.T) {
	w := &fakeWriter{}
	p := newWithWriter(Config{Topic: "events"}, w, nil)

	assert.ErrorIs(t, p.Publish(engine.Event{Identity: "x"}), ErrNotStarted)
	assert.NoError(t, p.Stop(context.Background()))

	p.Start(context.Background())
	p.Start(context.Background())
	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Publish(engine.Event{Identity: "x"}), ErrStopped)
}

type fakeSource struct {
	ch       chan engine.Event
	unsubbed bool
}

func (s *fakeSource) Subscribe() (string, <-chan engine.Event, error) { return "sub-1", s.ch, nil }
func (s *fakeSource) Unsubscribe(id string) bool {
	s.unsubbed = id == "sub-1"
	return s.unsubbed
}

func TestPublisher_Forward(t *testing.T) {
	w := &fakeWriter{}
	p := newWithWriter(Config{Topic: "events"}, w, nil)
	p.Start(context.Background())

	src := &fakeSource{ch: make(chan engine.Event, 3)}
	src.ch <- engine.Event{Type: engine.EventTrackUpdated, Identity: "a"}
	src.ch <- engine.Event{Type: engine.EventTrackStale, Identity: "a"}
	close(src.ch)

	require.NoError(t, p.Forward(context.Background(), src))
	require.NoError(t, p.Stop(context.Background()))

	assert.True(t, src.unsubbed)
	assert.Len(t, w.Messages(), 2)
}

func TestPublisher_ForwardFromEngine(t *testing.T) {
	w := &fakeWriter{}
	p := newWithWriter(Config{Topic: "events"}, w, nil)
	p.Start(context.Background())

	eng := engine.New(engine.DefaultConfig(), nil, nil)
	eng.Start(context.Background())
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Forward(ctx, eng) }()
	require.Eventually(t, func() bool { return eng.Stats().Events.Subscribers == 1 }, time.Second, 5*time.Millisecond)

	raw := []byte(`{"identity":"drone-1","source":"bluetooth","mac":"aa:bb:cc:dd:ee:01","rssi":-60}`)
	require.NoError(t, eng.Ingest(context.Background(), raw))
	require.NoError(t, eng.Sync(context.Background()))

	require.Eventually(t, func() bool { return len(w.Messages()) > 0 }, time.Second, 5*time.Millisecond)
	for _, m := range w.Messages() {
		assert.Equal(t, "drone-1", string(m.Key))
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, p.Stop(context.Background()))
}
