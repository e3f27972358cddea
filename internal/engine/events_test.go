package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DropsForSlowSubscriber(t *testing.T) {
	b := NewBus(2)
	_, slow, err := b.Subscribe()
	require.NoError(t, err)
	_, fast, err := b.Subscribe()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: EventTrackUpdated, Identity: "drone-1"})
		if i == 0 {
			<-fast
		}
	}

	assert.Len(t, slow, 2)
	assert.Len(t, fast, 2)
	st := b.Stats()
	assert.Equal(t, uint64(3), st.Published)
	assert.Equal(t, uint64(5), st.Sent)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 2, st.Subscribers)
}

func TestBus_Close(t *testing.T) {
	b := NewBus(0)
	id, ch, err := b.Subscribe()
	require.NoError(t, err)

	b.Close()
	_, open := <-ch
	assert.False(t, open)
	assert.False(t, b.Unsubscribe(id))

	_, _, err = b.Subscribe()
	assert.ErrorIs(t, err, ErrBusClosed)

	b.Publish(Event{Type: EventTrackUpdated})
	assert.Equal(t, uint64(0), b.Stats().Published)
	b.Close()
}
