package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay_FanOutAndOrder(t *testing.T) {
	r := NewRelay()
	ctx := context.Background()

	a, stopA, err := r.Subscribe(ctx, "ch")
	require.NoError(t, err)
	defer stopA()

	b, stopB, err := r.Subscribe(ctx, "ch")
	require.NoError(t, err)
	defer stopB()

	require.NoError(t, r.Publish(ctx, "ch", []byte("one")))
	require.NoError(t, r.Publish(ctx, "ch", []byte("two")))

	for _, stream := range []<-chan []byte{a, b} {
		assert.Equal(t, []byte("one"), <-stream)
		assert.Equal(t, []byte("two"), <-stream)
	}
}

func TestRelay_StopEndsStream(t *testing.T) {
	r := NewRelay()
	ctx := context.Background()

	ch, stop, err := r.Subscribe(ctx, "ch")
	require.NoError(t, err)

	stop()
	stop() // idempotent

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing to a channel without subscribers is not an error.
	require.NoError(t, r.Publish(ctx, "ch", []byte("late")))
}

func TestRelay_ChannelIsolation(t *testing.T) {
	r := NewRelay()
	ctx := context.Background()

	a, stopA, err := r.Subscribe(ctx, "ch-a")
	require.NoError(t, err)
	defer stopA()

	require.NoError(t, r.Publish(ctx, "ch-b", []byte("x")))

	select {
	case data := <-a:
		t.Fatalf("unexpected delivery %q on ch-a", data)
	default:
	}
}
