package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerline/peerline/internal/relaywire"
)

func drain(out <-chan relaywire.Delivery) []relaywire.Delivery {
	var got []relaywire.Delivery
	for {
		select {
		case d := <-out:
			got = append(got, d)
		default:
			return got
		}
	}
}

func TestHub_FanOut(t *testing.T) {
	h := NewHub()

	a := h.NewSubscriber()
	b := h.NewSubscriber()
	c := h.NewSubscriber()

	h.Subscribe(a, "room-1")
	h.Subscribe(b, "room-1")
	h.Subscribe(c, "room-2")

	h.Publish("room-1", json.RawMessage(`{"n":1}`))

	assert.Len(t, drain(a.Out()), 1)
	assert.Len(t, drain(b.Out()), 1)
	assert.Empty(t, drain(c.Out()))
}

func TestHub_PerSenderOrder(t *testing.T) {
	h := NewHub()

	sub := h.NewSubscriber()
	h.Subscribe(sub, "room-1")

	for i := 0; i < 5; i++ {
		data, err := json.Marshal(i)
		require.NoError(t, err)
		h.Publish("room-1", data)
	}

	got := drain(sub.Out())
	require.Len(t, got, 5)

	for i, d := range got {
		var n int
		require.NoError(t, json.Unmarshal(d.Data, &n))
		assert.Equal(t, i, n)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub()

	sub := h.NewSubscriber()
	h.Subscribe(sub, "room-1")
	h.Unsubscribe(sub, "room-1")

	h.Publish("room-1", json.RawMessage(`{}`))
	assert.Empty(t, drain(sub.Out()))
}

func TestHub_DropClosesStream(t *testing.T) {
	h := NewHub()

	sub := h.NewSubscriber()
	h.Subscribe(sub, "room-1")
	h.Subscribe(sub, "room-2")

	h.Drop(sub)

	_, ok := <-sub.Out()
	assert.False(t, ok)

	// Publishing after the drop reaches nobody and must not panic.
	h.Publish("room-1", json.RawMessage(`{}`))
}
