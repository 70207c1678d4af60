package signal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerline/peerline/internal/domain/call"
)

func TestChannelNaming(t *testing.T) {
	callID := uuid.MustParse("4b3c0f94-3f6e-4f28-8b6d-111111111111")
	userID := uuid.MustParse("4b3c0f94-3f6e-4f28-8b6d-222222222222")

	assert.Equal(t, "webrtc-call-"+callID.String(), ChannelName(callID))
	assert.Equal(t, "webrtc-user-"+userID.String(), InboxName(userID))
}

func TestDecode_RoundTrip(t *testing.T) {
	from, to, callID := uuid.New(), uuid.New(), uuid.New()

	msg, err := New(TypeOffer, callID, from, to, SDPPayload{SDP: "v=0..."})
	require.NoError(t, err)
	msg.Timestamp = 42

	data, err := msg.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, TypeOffer, got.Type)
	assert.Equal(t, callID, got.CallID)
	assert.Equal(t, from, got.From)
	assert.Equal(t, to, got.To)
	assert.Equal(t, int64(42), got.Timestamp)

	sdp, err := got.SDPOffer()
	require.NoError(t, err)
	assert.Equal(t, "v=0...", sdp.SDP)
}

func TestDecode_UnknownType(t *testing.T) {
	msg, err := New(TypeOffer, uuid.New(), uuid.New(), uuid.Nil, nil)
	require.NoError(t, err)
	msg.Type = "renegotiate-v2"

	data, err := msg.Encode()
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecode_MissingCallID(t *testing.T) {
	_, err := Decode([]byte(`{"type":"offer","from":"` + uuid.New().String() + `"}`))
	assert.Error(t, err)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestBroadcast(t *testing.T) {
	msg, err := New(TypeParticipantJoin, uuid.New(), uuid.New(), uuid.Nil, JoinPayload{Name: "x"})
	require.NoError(t, err)
	assert.True(t, msg.Broadcast())

	msg.To = uuid.New()
	assert.False(t, msg.Broadcast())
}

func TestPayloadAccessors_TypeMismatch(t *testing.T) {
	msg, err := New(TypeCallEnd, uuid.New(), uuid.New(), uuid.Nil, EndPayload{Reason: call.ReasonTimeout})
	require.NoError(t, err)

	_, err = msg.SDPOffer()
	assert.Error(t, err)

	end, err := msg.End()
	require.NoError(t, err)
	assert.Equal(t, call.ReasonTimeout, end.Reason)
}

func TestJoinPayload_AcceptOrJoin(t *testing.T) {
	accept, err := New(TypeCallAccept, uuid.New(), uuid.New(), uuid.New(), JoinPayload{Name: "bob"})
	require.NoError(t, err)

	join, err := New(TypeParticipantJoin, uuid.New(), uuid.New(), uuid.Nil, JoinPayload{Name: "eve"})
	require.NoError(t, err)

	p, err := accept.Join()
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Name)

	p, err = join.Join()
	require.NoError(t, err)
	assert.Equal(t, "eve", p.Name)
}
