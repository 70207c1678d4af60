package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/peerline/peerline/internal/domain/call"
)

// Channel naming is deterministic: every party holding a call id computes the
// same relay channel without a discovery step.
const (
	callChannelPrefix = "webrtc-call-"
	inboxPrefix       = "webrtc-user-"
)

func ChannelName(callID uuid.UUID) string {
	return callChannelPrefix + callID.String()
}

// InboxName is the per-user channel that carries call invitations before the
// callee knows the call id.
func InboxName(userID uuid.UUID) string {
	return inboxPrefix + userID.String()
}

type Type string

const (
	TypeOffer            Type = "offer"
	TypeAnswer           Type = "answer"
	TypeICECandidate     Type = "ice-candidate"
	TypeCallRequest      Type = "call-request"
	TypeCallAccept       Type = "call-accept"
	TypeCallReject       Type = "call-reject"
	TypeCallEnd          Type = "call-end"
	TypeParticipantJoin  Type = "participant-join"
	TypeParticipantLeave Type = "participant-leave"
)

func (t Type) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate,
		TypeCallRequest, TypeCallAccept, TypeCallReject, TypeCallEnd,
		TypeParticipantJoin, TypeParticipantLeave:
		return true
	}
	return false
}

var ErrUnknownMessageType = errors.New("unknown message type")

// Message is the wire unit exchanged over the relay. To equal to uuid.Nil
// means broadcast to all participants of the call.
type Message struct {
	Type      Type            `json:"type"`
	CallID    uuid.UUID       `json:"call_id"`
	From      uuid.UUID       `json:"from"`
	To        uuid.UUID       `json:"to,omitzero"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Broadcast reports whether the message addresses every participant.
func (m Message) Broadcast() bool {
	return m.To == uuid.Nil
}

func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal signaling message: %w", err)
	}
	return data, nil
}

// Decode parses and validates a wire message. Any type outside the closed
// enumeration is rejected with ErrUnknownMessageType.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal signaling message: %w", err)
	}

	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}

	if m.CallID == uuid.Nil {
		return Message{}, errors.New("signaling message without call id")
	}

	return m, nil
}

// SDPPayload carries the description blob of an offer or answer.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// RequestPayload rides on call-request and describes the call being placed
// plus the caller's display identity.
type RequestPayload struct {
	Kind       call.Kind `json:"kind"`
	Conference bool      `json:"conference"`
	Name       string    `json:"name"`
	Avatar     string    `json:"avatar,omitempty"`
}

// JoinPayload rides on call-accept and participant-join.
type JoinPayload struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// EndPayload rides on call-end so a receiver can distinguish a hangup from a
// ring timeout.
type EndPayload struct {
	Reason call.EndReason `json:"reason"`
}

func decodePayload[T any](m Message, want Type) (T, error) {
	var p T
	if m.Type != want {
		return p, fmt.Errorf("payload of %s requested from %s message", want, m.Type)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("unmarshal %s payload: %w", m.Type, err)
	}
	return p, nil
}

func (m Message) SDPOffer() (SDPPayload, error) {
	return decodePayload[SDPPayload](m, TypeOffer)
}

func (m Message) SDPAnswer() (SDPPayload, error) {
	return decodePayload[SDPPayload](m, TypeAnswer)
}

func (m Message) ICECandidate() (CandidatePayload, error) {
	return decodePayload[CandidatePayload](m, TypeICECandidate)
}

func (m Message) Request() (RequestPayload, error) {
	return decodePayload[RequestPayload](m, TypeCallRequest)
}

func (m Message) Join() (JoinPayload, error) {
	if m.Type == TypeCallAccept {
		return decodePayload[JoinPayload](m, TypeCallAccept)
	}
	return decodePayload[JoinPayload](m, TypeParticipantJoin)
}

func (m Message) End() (EndPayload, error) {
	return decodePayload[EndPayload](m, TypeCallEnd)
}

// New builds a message with a marshaled payload. A nil payload produces an
// empty body, used by the pure control types.
func New(t Type, callID, from, to uuid.UUID, payload any) (Message, error) {
	m := Message{
		Type:   t,
		CallID: callID,
		From:   from,
		To:     to,
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		m.Payload = data
	}

	return m, nil
}
