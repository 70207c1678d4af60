package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerline/peerline/internal/application/config"
	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/application/metric"
	"github.com/peerline/peerline/internal/domain/call"
	"github.com/peerline/peerline/internal/domain/signal"
	"github.com/peerline/peerline/internal/signaling"
)

// HistoryRecorder is the persistence hook for terminal-session records.
type HistoryRecorder interface {
	Append(ctx context.Context, rec call.Record) error
}

// Session owns the lifecycle of one call. All mutations are serialized by a
// per-session mutex; concurrent sessions are fully independent. Timers are
// owned by the session and cancelled on any terminal transition, so none can
// fire against a disposed session.
type Session struct {
	cfg  config.CallConfig
	self call.Participant

	ch    *signaling.Channel
	links signaling.PeerLinkFactory

	notifier   *Notifier
	history    HistoryRecorder
	onTerminal func(uuid.UUID)

	mu        sync.Mutex
	state     *call.Session
	coords    map[uuid.UUID]*signaling.Coordinator
	ringTimer *time.Timer
	lastSeen  map[uuid.UUID]int64
	stopSub   func()
}

func newSession(
	cfg config.CallConfig,
	self call.Participant,
	state *call.Session,
	ch *signaling.Channel,
	links signaling.PeerLinkFactory,
	notifier *Notifier,
	history HistoryRecorder,
	onTerminal func(uuid.UUID),
) *Session {
	return &Session{
		cfg:        cfg,
		self:       self,
		ch:         ch,
		links:      links,
		notifier:   notifier,
		history:    history,
		onTerminal: onTerminal,
		state:      state,
		coords:     make(map[uuid.UUID]*signaling.Coordinator),
		lastSeen:   make(map[uuid.UUID]int64),
	}
}

// ID is immutable for the session's lifetime.
func (s *Session) ID() uuid.UUID {
	return s.state.ID
}

func (s *Session) State() call.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.State
}

func (s *Session) Reason() call.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Reason
}

// Snapshot returns the current (state, participants) view.
func (s *Session) Snapshot() Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.eventLocked(false)
}

// start subscribes the session to its call channel and pumps inbound
// messages. The pump goroutine exiting with the session still live means the
// relay stayed unavailable past its grace period.
func (s *Session) start(ctx context.Context) error {
	msgs, stop, err := s.ch.Subscribe(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stopSub = stop
	s.mu.Unlock()

	go func() {
		for msg := range msgs {
			s.Handle(ctx, msg)
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.state.State.Terminal() {
			s.terminateLocked(call.StateFailed, call.ReasonSignalingUnavailable)
		}
	}()

	return nil
}

// place transitions the initiator's session into calling and arms the ring
// timer; the manager has already sent the call-request invitations.
func (s *Session) place() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.Transition(call.StateCalling); err != nil {
		return err
	}

	s.armRingTimerLocked()
	s.notifier.publish(s.eventLocked(false))

	return nil
}

// ring transitions a callee's session into ringing for an inbound
// call-request and raises the incoming-call notification.
func (s *Session) ring(caller call.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.AddParticipant(caller); err != nil {
		return err
	}

	if err := s.state.Transition(call.StateRinging); err != nil {
		return err
	}

	s.armRingTimerLocked()
	s.notifier.publish(s.eventLocked(true))

	return nil
}

// Accept answers a ringing call. Accepting a session that already timed out
// or ended is rejected, not retried.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.State.Terminal() {
		return fmt.Errorf("%w: accept after %s", call.ErrInvalidTransition, s.state.State)
	}

	if s.state.State != call.StateRinging {
		return fmt.Errorf("%w: accept in %s", call.ErrInvalidTransition, s.state.State)
	}

	if err := s.state.Transition(call.StateConnected); err != nil {
		return err
	}

	s.cancelRingTimerLocked()

	if err := s.publishLocked(ctx, signal.TypeCallAccept, s.state.InitiatorID, signal.JoinPayload{
		Name:   s.self.Name,
		Avatar: s.self.Avatar,
	}); err != nil {
		return err
	}

	// In a conference the accept is also announced to members the initiator
	// already connected, so the mesh extends beyond the initiator pair.
	if s.state.IsConference {
		if err := s.publishLocked(ctx, signal.TypeParticipantJoin, uuid.Nil, signal.JoinPayload{
			Name:   s.self.Name,
			Avatar: s.self.Avatar,
		}); err != nil {
			return err
		}
	}

	// The callee side opens negotiation toward every member it already
	// knows, so a 1:1 call exchanges exactly one offer/answer pair.
	for _, p := range s.state.Others(s.self.ID) {
		coord, err := s.ensureCoordinatorLocked(p.ID)
		if err != nil {
			return err
		}
		if err := coord.Negotiate(ctx); err != nil {
			if errors.Is(err, signaling.ErrSignalingUnavailable) {
				s.terminateLocked(call.StateFailed, call.ReasonSignalingUnavailable)
				return err
			}
			slog.Warn(
				"open negotiation",
				slog.Any(constant.Error, err),
				slog.Any(constant.PeerID, p.ID),
			)
		}
	}

	s.notifier.publish(s.eventLocked(false))

	return nil
}

// Reject declines a ringing call.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.State.Terminal() {
		return nil
	}

	if s.state.State != call.StateRinging {
		return fmt.Errorf("%w: reject in %s", call.ErrInvalidTransition, s.state.State)
	}

	if err := s.publishLocked(ctx, signal.TypeCallReject, s.state.InitiatorID, nil); err != nil {
		return err
	}

	s.terminateLocked(call.StateEnded, call.ReasonReject)

	return nil
}

// HangUp ends the call locally. In a connected conference only this member
// leaves; otherwise the whole call ends. Hanging up a terminal session is a
// no-op.
func (s *Session) HangUp(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.State.Terminal() {
		return nil
	}

	if s.state.IsConference && s.state.State == call.StateConnected {
		if err := s.publishLocked(ctx, signal.TypeParticipantLeave, uuid.Nil, nil); err != nil {
			return err
		}
	} else {
		if err := s.publishLocked(ctx, signal.TypeCallEnd, uuid.Nil, signal.EndPayload{Reason: call.ReasonHangup}); err != nil {
			return err
		}
	}

	s.terminateLocked(call.StateEnded, call.ReasonHangup)

	return nil
}

// SetMuted flips the local participant's mute flag.
func (s *Session) SetMuted(muted bool) {
	s.setLocalFlag(func(p *call.Participant) { p.IsMuted = muted })
}

// SetVideoOff flips the local participant's camera flag.
func (s *Session) SetVideoOff(off bool) {
	s.setLocalFlag(func(p *call.Participant) { p.IsVideoOff = off })
}

func (s *Session) setLocalFlag(mutate func(*call.Participant)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.State.Terminal() {
		return
	}

	p, ok := s.state.Participants[s.self.ID]
	if !ok {
		p = s.self
	}
	mutate(&p)
	s.state.Participants[s.self.ID] = p
	s.self = p

	s.notifier.publish(s.eventLocked(false))
}

// Handle applies one inbound signaling message. Late messages for a terminal
// session are acknowledged as no-ops; stale messages from a sender are
// discarded by their timestamp.
func (s *Session) Handle(ctx context.Context, msg signal.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.CallID != s.state.ID {
		slog.Warn(
			"message for foreign call on session channel",
			slog.Any(constant.CallID, msg.CallID),
			slog.Any(constant.Channel, s.ch.Name()),
		)
		return
	}

	if s.state.State.Terminal() {
		slog.Debug(
			"ignoring signaling after terminal state",
			slog.Any(constant.CallID, s.state.ID),
			slog.Any(constant.MsgType, string(msg.Type)),
		)
		return
	}

	if !msg.Broadcast() && msg.To != s.self.ID {
		return
	}

	if last, ok := s.lastSeen[msg.From]; ok && msg.Timestamp < last {
		metric.StaleMessageDropped()
		slog.Debug(
			"dropping stale message",
			slog.Any(constant.CallID, s.state.ID),
			slog.Any(constant.MsgType, string(msg.Type)),
			slog.Any(constant.PeerID, msg.From),
		)
		return
	}
	s.lastSeen[msg.From] = msg.Timestamp

	var err error

	switch msg.Type {
	case signal.TypeCallAccept:
		err = s.handleAcceptLocked(ctx, msg)
	case signal.TypeCallReject:
		err = s.handleRejectLocked(ctx, msg)
	case signal.TypeCallEnd:
		err = s.handleEndLocked(msg)
	case signal.TypeCallRequest:
		// Duplicate delivery of the invitation that created this session.
	case signal.TypeOffer:
		err = s.handleOfferLocked(ctx, msg)
	case signal.TypeAnswer:
		err = s.handleAnswerLocked(ctx, msg)
	case signal.TypeICECandidate:
		err = s.handleCandidateLocked(msg)
	case signal.TypeParticipantJoin:
		err = s.handleJoinLocked(ctx, msg)
	case signal.TypeParticipantLeave:
		err = s.handleLeaveLocked(msg)
	}

	if err != nil {
		slog.Warn(
			"handle signaling message",
			slog.Any(constant.Error, err),
			slog.Any(constant.CallID, s.state.ID),
			slog.Any(constant.MsgType, string(msg.Type)),
		)

		if errors.Is(err, signaling.ErrSignalingUnavailable) {
			s.terminateLocked(call.StateFailed, call.ReasonSignalingUnavailable)
		}
	}
}

func (s *Session) handleAcceptLocked(ctx context.Context, msg signal.Message) error {
	switch s.state.State {
	case call.StateCalling:
		payload, err := msg.Join()
		if err != nil {
			return err
		}

		if err := s.state.AddParticipant(call.Participant{
			ID:     msg.From,
			Name:   payload.Name,
			Avatar: payload.Avatar,
		}); err != nil {
			return err
		}

		if err := s.state.Transition(call.StateConnected); err != nil {
			return err
		}

		s.cancelRingTimerLocked()

		// The accepting side negotiates; this side only needs the pair's
		// coordinator ready to answer.
		if _, err := s.ensureCoordinatorLocked(msg.From); err != nil {
			return err
		}

		s.notifier.publish(s.eventLocked(false))

	case call.StateConnected:
		if !s.state.IsConference {
			return nil // duplicate accept, no-op
		}

		payload, err := msg.Join()
		if err != nil {
			return err
		}

		if _, known := s.state.Participants[msg.From]; known {
			return nil
		}

		if err := s.state.AddParticipant(call.Participant{
			ID:     msg.From,
			Name:   payload.Name,
			Avatar: payload.Avatar,
		}); err != nil {
			return err
		}

		if _, err := s.ensureCoordinatorLocked(msg.From); err != nil {
			return err
		}

		s.notifier.publish(s.eventLocked(false))

	default:
	}

	return nil
}

func (s *Session) handleRejectLocked(ctx context.Context, msg signal.Message) error {
	if s.state.State != call.StateCalling {
		return nil
	}

	if s.state.IsConference {
		// One declined invitation does not end a conference; the ring timer
		// still bounds the wait for everyone else.
		return nil
	}

	if err := s.publishLocked(ctx, signal.TypeCallEnd, uuid.Nil, signal.EndPayload{Reason: call.ReasonReject}); err != nil {
		return err
	}

	s.terminateLocked(call.StateEnded, call.ReasonReject)

	return nil
}

func (s *Session) handleEndLocked(msg signal.Message) error {
	reason := call.ReasonHangup
	if payload, err := msg.End(); err == nil && payload.Reason != "" {
		reason = payload.Reason
	}

	s.terminateLocked(call.StateEnded, reason)

	return nil
}

func (s *Session) handleOfferLocked(ctx context.Context, msg signal.Message) error {
	coord, err := s.coordinatorForLocked(msg.From)
	if err != nil || coord == nil {
		return err
	}

	payload, err := msg.SDPOffer()
	if err != nil {
		return err
	}

	return coord.HandleOffer(ctx, payload.SDP)
}

func (s *Session) handleAnswerLocked(ctx context.Context, msg signal.Message) error {
	coord, ok := s.coords[msg.From]
	if !ok {
		metric.StaleMessageDropped()
		return nil
	}

	payload, err := msg.SDPAnswer()
	if err != nil {
		return err
	}

	return coord.HandleAnswer(ctx, payload.SDP)
}

func (s *Session) handleCandidateLocked(msg signal.Message) error {
	coord, ok := s.coords[msg.From]
	if !ok {
		// Candidate for an unknown or already-closed negotiation.
		metric.StaleMessageDropped()
		return nil
	}

	payload, err := msg.ICECandidate()
	if err != nil {
		return err
	}

	return coord.HandleCandidate(payload.Candidate)
}

// pairFailed demotes one negotiation pair. In a conference only that member
// is removed; a 1:1 call fails as a whole.
func (s *Session) pairFailed(ctx context.Context, remote uuid.UUID, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.State.Terminal() {
		return
	}

	slog.Warn(
		"negotiation pair failed",
		slog.Any(constant.Error, cause),
		slog.Any(constant.CallID, s.state.ID),
		slog.Any(constant.PeerID, remote),
	)

	s.removeParticipantLocked(remote)

	if !s.state.IsConference || len(s.state.Others(s.self.ID)) == 0 {
		if err := s.publishLocked(ctx, signal.TypeCallEnd, uuid.Nil, signal.EndPayload{Reason: call.ReasonNegotiationFailed}); err == nil {
			s.terminateLocked(call.StateFailed, call.ReasonNegotiationFailed)
		}
		return
	}

	s.notifier.publish(s.eventLocked(false))
}

func (s *Session) ensureCoordinatorLocked(remote uuid.UUID) (*signaling.Coordinator, error) {
	if coord, ok := s.coords[remote]; ok {
		return coord, nil
	}

	link, err := s.links(s.state.Kind)
	if err != nil {
		return nil, fmt.Errorf("create peer link: %w", err)
	}

	coord := signaling.NewCoordinator(
		s.state.ID,
		s.self.ID,
		remote,
		link,
		s.ch,
		s.cfg.NegotiationRetryBudget,
		func(remote uuid.UUID, cause error) {
			go s.pairFailed(context.Background(), remote, cause)
		},
	)

	s.coords[remote] = coord

	return coord, nil
}

func (s *Session) armRingTimerLocked() {
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.ringTimedOut(context.Background())
	})
}

func (s *Session) cancelRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// ringTimedOut fires when neither side settled the call within the ring
// timeout. The terminal-state guard makes a late firing harmless.
func (s *Session) ringTimedOut(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.State != call.StateCalling && s.state.State != call.StateRinging {
		return
	}

	// Reason timeout lets the far UI distinguish this from an explicit
	// reject.
	if err := s.publishLocked(ctx, signal.TypeCallEnd, uuid.Nil, signal.EndPayload{Reason: call.ReasonTimeout}); err != nil {
		return
	}

	s.terminateLocked(call.StateEnded, call.ReasonTimeout)
}

// publishLocked sends one message on the call channel. Exhausting the
// publish retry budget fails the session with reason signaling-unavailable.
func (s *Session) publishLocked(ctx context.Context, t signal.Type, to uuid.UUID, payload any) error {
	msg, err := signal.New(t, s.state.ID, s.self.ID, to, payload)
	if err != nil {
		return err
	}

	if err := s.ch.Publish(ctx, msg); err != nil {
		if !s.state.State.Terminal() {
			s.terminateLocked(call.StateFailed, call.ReasonSignalingUnavailable)
		}
		return err
	}

	return nil
}

// terminateLocked performs the one-way transition into ended/failed: cancels
// timers, closes every pair coordinator, stops the subscription, appends the
// history record and emits the final snapshot.
func (s *Session) terminateLocked(to call.State, reason call.EndReason) {
	if s.state.State.Terminal() {
		return
	}

	s.state.Reason = reason
	if err := s.state.Transition(to); err != nil {
		slog.Error(
			"terminal transition",
			slog.Any(constant.Error, err),
			slog.Any(constant.CallID, s.state.ID),
		)
		return
	}

	s.cancelRingTimerLocked()

	for id, coord := range s.coords {
		coord.Close()
		delete(s.coords, id)
	}

	if s.stopSub != nil {
		s.stopSub()
		s.stopSub = nil
	}

	if s.history != nil {
		rec := s.state.RecordOf()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := s.history.Append(ctx, rec); err != nil {
				slog.Error(
					"append call history record",
					slog.Any(constant.Error, err),
					slog.Any(constant.CallID, rec.ID),
				)
			}
		}()
	}

	s.notifier.publish(s.eventLocked(false))

	if s.onTerminal != nil {
		id := s.state.ID
		done := s.onTerminal
		go done(id)
	}
}

func (s *Session) eventLocked(incoming bool) Event {
	return Event{
		CallID:       s.state.ID,
		State:        s.state.State,
		Reason:       s.state.Reason,
		Incoming:     incoming,
		Participants: s.state.Roster(),
	}
}
