package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/peerline/peerline/internal/application/config"
	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/domain/call"
	"github.com/peerline/peerline/internal/domain/signal"
	"github.com/peerline/peerline/internal/signaling"
)

// Manager binds the session registry, the signaling relay, the authenticated
// local identity and the collaborators together. It routes inbound
// invitations from the user's inbox channel to new sessions and exposes the
// local call actions.
type Manager struct {
	cfg   *config.Config
	self  call.Participant
	relay signaling.Relay
	links signaling.PeerLinkFactory

	registry *Registry
	notifier *Notifier
	history  HistoryRecorder
}

func NewManager(
	cfg *config.Config,
	self call.Participant,
	relay signaling.Relay,
	links signaling.PeerLinkFactory,
	history HistoryRecorder,
) *Manager {
	return &Manager{
		cfg:      cfg,
		self:     self,
		relay:    relay,
		links:    links,
		registry: NewRegistry(cfg.Debug),
		notifier: NewNotifier(64),
		history:  history,
	}
}

// Events is the snapshot stream consumed by the UI and notification layers.
func (m *Manager) Events() <-chan Event {
	return m.notifier.Events()
}

// Registry exposes the session table for lookups.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Run subscribes the local user's inbox and dispatches call invitations
// until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	inbox := m.channelFor(signal.InboxName(m.self.ID))

	msgs, stop, err := inbox.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return signaling.ErrSignalingUnavailable
			}
			m.handleInbox(ctx, msg)
		}
	}
}

func (m *Manager) handleInbox(ctx context.Context, msg signal.Message) {
	if msg.Type != signal.TypeCallRequest {
		slog.Warn(
			"unexpected message type on inbox channel",
			slog.Any(constant.MsgType, string(msg.Type)),
			slog.Any(constant.UserID, m.self.ID),
		)
		return
	}

	if err := m.acceptInvitation(ctx, msg); err != nil {
		slog.Error(
			"handle call invitation",
			slog.Any(constant.Error, err),
			slog.Any(constant.CallID, msg.CallID),
		)
	}
}

// acceptInvitation creates a ringing session for an inbound call-request.
// Duplicate invitations for an already-known call id are no-ops.
func (m *Manager) acceptInvitation(ctx context.Context, msg signal.Message) error {
	if _, err := m.registry.Lookup(msg.CallID); err == nil {
		return nil
	}

	payload, err := msg.Request()
	if err != nil {
		return err
	}

	state := call.NewSession(msg.CallID, payload.Kind, msg.From, payload.Conference)
	if err := state.AddParticipant(m.self); err != nil {
		return err
	}

	s := m.newSessionFor(state)

	if err := s.ring(call.Participant{
		ID:     msg.From,
		Name:   payload.Name,
		Avatar: payload.Avatar,
	}); err != nil {
		return err
	}

	if err := m.registry.Add(s); err != nil {
		return err
	}

	if err := s.start(ctx); err != nil {
		// The ring timer still bounds the orphaned session; it will time out
		// and dispose itself.
		return err
	}

	return nil
}

// PlaceCall originates a call to one target, or several for a conference,
// and returns the new call id.
func (m *Manager) PlaceCall(ctx context.Context, kind call.Kind, conference bool, targets ...uuid.UUID) (uuid.UUID, error) {
	if len(targets) == 0 {
		return uuid.Nil, fmt.Errorf("place call without targets")
	}
	if !conference && len(targets) > 1 {
		return uuid.Nil, fmt.Errorf("non-conference call with %d targets", len(targets))
	}

	callID := uuid.New()

	state := call.NewSession(callID, kind, m.self.ID, conference)
	if err := state.AddParticipant(m.self); err != nil {
		return uuid.Nil, err
	}

	s := m.newSessionFor(state)

	if err := s.place(); err != nil {
		return uuid.Nil, err
	}

	if err := m.registry.Add(s); err != nil {
		return uuid.Nil, err
	}

	if err := s.start(ctx); err != nil {
		return uuid.Nil, err
	}

	request := signal.RequestPayload{
		Kind:       kind,
		Conference: conference,
		Name:       m.self.Name,
		Avatar:     m.self.Avatar,
	}

	for _, target := range targets {
		inbox := m.channelFor(signal.InboxName(target))

		msg, err := signal.New(signal.TypeCallRequest, callID, m.self.ID, target, request)
		if err != nil {
			return uuid.Nil, err
		}

		if err := inbox.Publish(ctx, msg); err != nil {
			return uuid.Nil, err
		}
	}

	return callID, nil
}

// Join enters an ongoing conference whose call id is already known, e.g.
// from an earlier invitation or a shared link. The kind decides which
// transceivers the joiner's peer links carry.
func (m *Manager) Join(ctx context.Context, callID uuid.UUID, kind call.Kind) error {
	state := call.NewSession(callID, kind, m.self.ID, true)
	if err := state.AddParticipant(m.self); err != nil {
		return err
	}

	s := m.newSessionFor(state)

	if err := m.registry.Add(s); err != nil {
		return err
	}

	if err := s.start(ctx); err != nil {
		return err
	}

	return s.join(ctx)
}

func (m *Manager) Accept(ctx context.Context, callID uuid.UUID) error {
	s, err := m.registry.Lookup(callID)
	if err != nil {
		return err
	}
	return s.Accept(ctx)
}

func (m *Manager) Reject(ctx context.Context, callID uuid.UUID) error {
	s, err := m.registry.Lookup(callID)
	if err != nil {
		return err
	}
	return s.Reject(ctx)
}

func (m *Manager) HangUp(ctx context.Context, callID uuid.UUID) error {
	s, err := m.registry.Lookup(callID)
	if err != nil {
		return err
	}
	return s.HangUp(ctx)
}

func (m *Manager) SetMuted(callID uuid.UUID, muted bool) error {
	s, err := m.registry.Lookup(callID)
	if err != nil {
		return err
	}
	s.SetMuted(muted)
	return nil
}

func (m *Manager) SetVideoOff(callID uuid.UUID, off bool) error {
	s, err := m.registry.Lookup(callID)
	if err != nil {
		return err
	}
	s.SetVideoOff(off)
	return nil
}

func (m *Manager) newSessionFor(state *call.Session) *Session {
	return newSession(
		m.cfg.Call,
		m.self,
		state,
		m.channelFor(signal.ChannelName(state.ID)),
		m.links,
		m.notifier,
		m.history,
		m.registry.Dispose,
	)
}

func (m *Manager) channelFor(name string) *signaling.Channel {
	return signaling.NewChannel(
		m.relay,
		name,
		m.self.ID,
		m.cfg.Call.PublishRetryAttempts,
		m.cfg.Call.PublishRetryBase,
	)
}
