package session

import (
	"context"
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

func waitRoster(t *testing.T, s *Session, size int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(s.Snapshot().Participants) == size
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConference_ThreePartyMesh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := memory.NewRelay()
	alice := newTestPeer(relay, "alice", 5*time.Second)
	bob := newTestPeer(relay, "bob", 5*time.Second)
	carol := newTestPeer(relay, "carol", 5*time.Second)
	startPeers(ctx, alice, bob, carol)

	callID, err := alice.manager.PlaceCall(ctx, call.KindAudio, true, bob.id, carol.id)
	require.NoError(t, err)

	aliceSess := waitSession(t, alice.manager, callID)
	bobSess := waitSession(t, bob.manager, callID)
	carolSess := waitSession(t, carol.manager, callID)

	waitState(t, bobSess, call.StateRinging)
	waitState(t, carolSess, call.StateRinging)

	require.NoError(t, bob.manager.Accept(ctx, callID))
	waitState(t, aliceSess, call.StateConnected)
	waitState(t, bobSess, call.StateConnected)

	require.NoError(t, carol.manager.Accept(ctx, callID))
	waitState(t, carolSess, call.StateConnected)

	// Every member converges on the full three-party roster.
	waitRoster(t, aliceSess, 3)
	waitRoster(t, bobSess, 3)
	waitRoster(t, carolSess, 3)

	// Full mesh: every member holds one peer link per other member.
	require.Eventually(t, func() bool {
		return alice.links.count() == 2 && bob.links.count() == 2 && carol.links.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConference_MemberLeavesOthersContinue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := memory.NewRelay()
	alice := newTestPeer(relay, "alice", 5*time.Second)
	bob := newTestPeer(relay, "bob", 5*time.Second)
	carol := newTestPeer(relay, "carol", 5*time.Second)
	startPeers(ctx, alice, bob, carol)

	callID, err := alice.manager.PlaceCall(ctx, call.KindAudio, true, bob.id, carol.id)
	require.NoError(t, err)

	aliceSess := waitSession(t, alice.manager, callID)
	bobSess := waitSession(t, bob.manager, callID)
	carolSess := waitSession(t, carol.manager, callID)

	waitState(t, bobSess, call.StateRinging)
	waitState(t, carolSess, call.StateRinging)
	require.NoError(t, bob.manager.Accept(ctx, callID))
	require.NoError(t, carol.manager.Accept(ctx, callID))

	waitRoster(t, aliceSess, 3)
	waitRoster(t, bobSess, 3)
	waitRoster(t, carolSess, 3)

	// Bob leaves: only his membership ends, the call continues.
	require.NoError(t, bob.manager.HangUp(ctx, callID))
	waitState(t, bobSess, call.StateEnded)

	waitRoster(t, aliceSess, 2)
	waitRoster(t, carolSess, 2)
	assert.Equal(t, call.StateConnected, aliceSess.State())
	assert.Equal(t, call.StateConnected, carolSess.State())

	// The last remaining pair dissolves the conference.
	require.NoError(t, carol.manager.HangUp(ctx, callID))
	waitState(t, carolSess, call.StateEnded)
	waitState(t, aliceSess, call.StateEnded)
	assert.Equal(t, call.ReasonHangup, aliceSess.Reason())
}

func TestConference_LateJoiner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := memory.NewRelay()
	alice := newTestPeer(relay, "alice", 5*time.Second)
	bob := newTestPeer(relay, "bob", 5*time.Second)
	dave := newTestPeer(relay, "dave", 5*time.Second)
	startPeers(ctx, alice, bob, dave)

	callID, err := alice.manager.PlaceCall(ctx, call.KindAudio, true, bob.id)
	require.NoError(t, err)

	aliceSess := waitSession(t, alice.manager, callID)
	bobSess := waitSession(t, bob.manager, callID)
	waitState(t, bobSess, call.StateRinging)
	require.NoError(t, bob.manager.Accept(ctx, callID))
	waitState(t, aliceSess, call.StateConnected)

	// Dave joins with nothing but the call id.
	require.NoError(t, dave.manager.Join(ctx, callID, call.KindAudio))
	daveSess := waitSession(t, dave.manager, callID)
	assert.Equal(t, call.StateConnected, daveSess.State())

	waitRoster(t, aliceSess, 3)
	waitRoster(t, bobSess, 3)
	waitRoster(t, daveSess, 3)

	// The joiner negotiated one pair per existing member.
	require.Eventually(t, func() bool {
		return dave.links.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConference_JoinCarriesCallKind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := memory.NewRelay()
	alice := newTestPeer(relay, "alice", 5*time.Second)
	bob := newTestPeer(relay, "bob", 5*time.Second)
	dave := newTestPeer(relay, "dave", 5*time.Second)
	startPeers(ctx, alice, bob, dave)

	callID, err := alice.manager.PlaceCall(ctx, call.KindVideo, true, bob.id)
	require.NoError(t, err)

	aliceSess := waitSession(t, alice.manager, callID)
	bobSess := waitSession(t, bob.manager, callID)
	waitState(t, bobSess, call.StateRinging)
	require.NoError(t, bob.manager.Accept(ctx, callID))
	waitState(t, aliceSess, call.StateConnected)

	require.NoError(t, dave.manager.Join(ctx, callID, call.KindVideo))
	daveSess := waitSession(t, dave.manager, callID)
	waitRoster(t, daveSess, 3)

	require.Eventually(t, func() bool {
		return dave.links.count() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The joiner's peer links carry the video kind, not an audio default.
	for _, kind := range dave.links.recordedKinds() {
		assert.Equal(t, call.KindVideo, kind)
	}
}

func TestJoin_NonConferenceRejected(t *testing.T) {
	relay := memory.NewRelay()

	self := call.Participant{ID: uuid.New()}
	state := call.NewSession(uuid.New(), call.KindAudio, self.ID, false)
	require.NoError(t, state.AddParticipant(self))

	ch := signaling.NewChannel(relay, signal.ChannelName(state.ID), self.ID, 1, time.Millisecond)

	s := newSession(
		config.CallConfig{RingTimeout: time.Second, NegotiationRetryBudget: 1},
		self,
		state,
		ch,
		(&linkRecorder{}).factory,
		NewNotifier(4),
		nil,
		nil,
	)

	assert.Error(t, s.join(context.Background()))
}
