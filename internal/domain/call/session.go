package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are accepted from s.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// EndReason explains a transition into a terminal state.
type EndReason string

const (
	ReasonHangup               EndReason = "hangup"
	ReasonReject               EndReason = "reject"
	ReasonTimeout              EndReason = "timeout"
	ReasonSignalingUnavailable EndReason = "signaling-unavailable"
	ReasonNegotiationFailed    EndReason = "negotiation-failed"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrRosterFull        = errors.New("non-conference session already has two participants")
)

// transitions is the closed set of legal state changes. Terminal states have
// no outgoing edges; failed is additionally reachable from any live state.
var transitions = map[State][]State{
	StateIdle:      {StateCalling, StateRinging},
	StateCalling:   {StateConnected, StateEnded, StateFailed},
	StateRinging:   {StateConnected, StateEnded, StateFailed},
	StateConnected: {StateEnded, StateFailed},
}

// Participant is one party's presence within a session. The media stream
// itself is owned by the local media subsystem; only an opaque reference is
// kept here.
type Participant struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Avatar string    `json:"avatar,omitempty"`

	IsMuted    bool `json:"is_muted"`
	IsVideoOff bool `json:"is_video_off"`

	MediaStreamID string `json:"-"`
}

// Session is the state of one ongoing or historical call. It is plain data
// with transition guards; callers are responsible for serializing access.
type Session struct {
	ID           uuid.UUID
	Kind         Kind
	State        State
	Reason       EndReason
	InitiatorID  uuid.UUID
	IsConference bool
	Participants map[uuid.UUID]Participant
	StartedAt    time.Time
	EndedAt      time.Time
}

func NewSession(id uuid.UUID, kind Kind, initiator uuid.UUID, conference bool) *Session {
	return &Session{
		ID:           id,
		Kind:         kind,
		State:        StateIdle,
		InitiatorID:  initiator,
		IsConference: conference,
		Participants: make(map[uuid.UUID]Participant),
		StartedAt:    time.Now(),
	}
}

// Transition moves the session to the requested state, or reports
// ErrInvalidTransition. Transitions out of a terminal state are never
// accepted.
func (s *Session) Transition(to State) error {
	if s.State.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, s.ID, s.State)
	}

	for _, next := range transitions[s.State] {
		if next == to {
			s.State = to
			if to.Terminal() {
				s.EndedAt = time.Now()
			}
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
}

// AddParticipant inserts or refreshes a roster entry. A non-conference
// session never holds more than two.
func (s *Session) AddParticipant(p Participant) error {
	if _, ok := s.Participants[p.ID]; ok {
		s.Participants[p.ID] = p
		return nil
	}

	if !s.IsConference && len(s.Participants) >= 2 {
		return ErrRosterFull
	}

	s.Participants[p.ID] = p
	return nil
}

func (s *Session) RemoveParticipant(id uuid.UUID) {
	delete(s.Participants, id)
}

// Others returns the roster without the given identity.
func (s *Session) Others(self uuid.UUID) []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for id, p := range s.Participants {
		if id == self {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Roster returns a copy of the participant list.
func (s *Session) Roster() []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		out = append(out, p)
	}
	return out
}

// Record is the terminal-session row appended to history/audit storage.
type Record struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	Kind         Kind          `db:"kind" json:"kind"`
	IsConference bool          `db:"is_conference" json:"is_conference"`
	InitiatorID  uuid.UUID     `db:"initiator_id" json:"initiator_id"`
	Participants []Participant `db:"-" json:"participants"`
	StartedAt    time.Time     `db:"started_at" json:"started_at"`
	EndedAt      time.Time     `db:"ended_at" json:"ended_at"`
	Outcome      EndReason     `db:"outcome" json:"outcome"`
}

// RecordOf snapshots a terminal session for persistence.
func (s *Session) RecordOf() Record {
	return Record{
		ID:           s.ID,
		Kind:         s.Kind,
		IsConference: s.IsConference,
		InitiatorID:  s.InitiatorID,
		Participants: s.Roster(),
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		Outcome:      s.Reason,
	}
}
