package session

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerline/peerline/internal/application/config"
	"github.com/peerline/peerline/internal/domain/call"
	"github.com/peerline/peerline/internal/domain/signal"
	"github.com/peerline/peerline/internal/infra/adapters/relay/memory"
	"github.com/peerline/peerline/internal/signaling"
)

func registrySession(t *testing.T, terminal bool) *Session {
	t.Helper()

	self := call.Participant{ID: uuid.New()}
	state := call.NewSession(uuid.New(), call.KindAudio, self.ID, false)

	if terminal {
		require.NoError(t, state.Transition(call.StateCalling))
		require.NoError(t, state.Transition(call.StateEnded))
	}

	relay := memory.NewRelay()
	ch := signaling.NewChannel(relay, signal.ChannelName(state.ID), self.ID, 1, time.Millisecond)

	return newSession(
		config.CallConfig{RingTimeout: time.Second},
		self,
		state,
		ch,
		(&linkRecorder{}).factory,
		NewNotifier(4),
		nil,
		nil,
	)
}

func TestRegistry_AddAndLookup(t *testing.T) {
	r := NewRegistry(false)
	s := registrySession(t, false)

	require.NoError(t, r.Add(s))
	assert.Equal(t, 1, r.Len())

	got, err := r.Lookup(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Lookup(uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_DuplicateCallID(t *testing.T) {
	r := NewRegistry(false)
	s := registrySession(t, false)

	require.NoError(t, r.Add(s))
	assert.ErrorIs(t, r.Add(s), ErrDuplicateSession)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DisposeTerminal(t *testing.T) {
	r := NewRegistry(false)
	s := registrySession(t, true)

	require.NoError(t, r.Add(s))
	r.Dispose(s.ID())
	assert.Zero(t, r.Len())

	// Disposing an unknown id is harmless.
	r.Dispose(uuid.New())
}

func TestRegistry_DisposeNonTerminalRefused(t *testing.T) {
	r := NewRegistry(false)
	s := registrySession(t, false)

	require.NoError(t, r.Add(s))
	r.Dispose(s.ID())

	// The live session stays registered.
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DisposeNonTerminalPanicsInDebug(t *testing.T) {
	r := NewRegistry(true)
	s := registrySession(t, false)

	require.NoError(t, r.Add(s))
	assert.Panics(t, func() { r.Dispose(s.ID()) })
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(false)

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 0, 16)

	for i := 0; i < 16; i++ {
		s := registrySession(t, true)
		ids = append(ids, s.ID())
		require.NoError(t, r.Add(s))
	}

	for _, id := range ids {
		id := id
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Lookup(id)
		}()
		go func() {
			defer wg.Done()
			r.Dispose(id)
		}()
	}

	wg.Wait()
	assert.Zero(t, r.Len())
}
