package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerline/peerline/internal/domain/signal"
)

// fakeRelay records publishes and can fail a configured number of times.
type fakeRelay struct {
	mu        sync.Mutex
	failures  int
	published [][]byte

	stream chan []byte
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{stream: make(chan []byte, 16)}
}

func (r *fakeRelay) Publish(ctx context.Context, channel string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failures > 0 {
		r.failures--
		return errors.New("relay down")
	}

	r.published = append(r.published, data)
	return nil
}

func (r *fakeRelay) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	return r.stream, func() {}, nil
}

func (r *fakeRelay) publishedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

func TestPublish_StampsSenderAndTimestamp(t *testing.T) {
	relay := newFakeRelay()
	self := uuid.New()
	ch := NewChannel(relay, "webrtc-call-x", self, 2, time.Millisecond)

	msg, err := signal.New(signal.TypeCallEnd, uuid.New(), uuid.Nil, uuid.Nil, nil)
	require.NoError(t, err)

	require.NoError(t, ch.Publish(context.Background(), msg))
	require.NoError(t, ch.Publish(context.Background(), msg))

	require.Equal(t, 2, relay.publishedCount())

	first, err := signal.Decode(relay.published[0])
	require.NoError(t, err)
	second, err := signal.Decode(relay.published[1])
	require.NoError(t, err)

	assert.Equal(t, self, first.From)
	assert.Positive(t, first.Timestamp)
	assert.Greater(t, second.Timestamp, first.Timestamp)
}

func TestPublish_RetriesTransientFailure(t *testing.T) {
	relay := newFakeRelay()
	relay.failures = 2

	ch := NewChannel(relay, "webrtc-call-x", uuid.New(), 3, time.Millisecond)

	msg, err := signal.New(signal.TypeOffer, uuid.New(), uuid.Nil, uuid.Nil, signal.SDPPayload{SDP: "v=0"})
	require.NoError(t, err)

	require.NoError(t, ch.Publish(context.Background(), msg))
	assert.Equal(t, 1, relay.publishedCount())
}

func TestPublish_BudgetExhausted(t *testing.T) {
	relay := newFakeRelay()
	relay.failures = 100

	ch := NewChannel(relay, "webrtc-call-x", uuid.New(), 2, time.Millisecond)

	msg, err := signal.New(signal.TypeOffer, uuid.New(), uuid.Nil, uuid.Nil, signal.SDPPayload{SDP: "v=0"})
	require.NoError(t, err)

	err = ch.Publish(context.Background(), msg)
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
}

func TestSubscribe_FiltersOwnMessages(t *testing.T) {
	relay := newFakeRelay()
	self := uuid.New()
	peer := uuid.New()
	callID := uuid.New()

	ch := NewChannel(relay, signal.ChannelName(callID), self, 2, time.Millisecond)

	msgs, stop, err := ch.Subscribe(context.Background())
	require.NoError(t, err)
	defer stop()

	own, err := signal.New(signal.TypeCallEnd, callID, self, uuid.Nil, nil)
	require.NoError(t, err)
	ownData, err := own.Encode()
	require.NoError(t, err)

	theirs, err := signal.New(signal.TypeCallEnd, callID, peer, uuid.Nil, nil)
	require.NoError(t, err)
	theirData, err := theirs.Encode()
	require.NoError(t, err)

	relay.stream <- ownData
	relay.stream <- []byte("not json")
	relay.stream <- theirData
	close(relay.stream)

	var got []signal.Message
	for m := range msgs {
		got = append(got, m)
	}

	require.Len(t, got, 1)
	assert.Equal(t, peer, got[0].From)
}

func TestSubscribe_ClosesWithUpstream(t *testing.T) {
	relay := newFakeRelay()
	ch := NewChannel(relay, "webrtc-call-x", uuid.New(), 2, time.Millisecond)

	msgs, stop, err := ch.Subscribe(context.Background())
	require.NoError(t, err)
	defer stop()

	close(relay.stream)

	_, ok := <-msgs
	assert.False(t, ok)
}
