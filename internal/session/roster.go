package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/application/metric"
	"github.com/peerline/peerline/internal/domain/call"
	"github.com/peerline/peerline/internal/domain/signal"
	"github.com/peerline/peerline/internal/signaling"
)

// Conference roster management: a connected conference keeps one negotiation
// coordinator per other member (full mesh). Pairwise politeness follows the
// fixed identity order regardless of join order.

// join transitions a late conference joiner straight through to connected
// and announces it on the call channel; roster replies from existing members
// drive the pairwise negotiations.
func (s *Session) join(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.IsConference {
		return fmt.Errorf("join on non-conference call %s", s.state.ID)
	}

	if err := s.state.Transition(call.StateCalling); err != nil {
		return err
	}
	if err := s.state.Transition(call.StateConnected); err != nil {
		return err
	}

	if err := s.publishLocked(ctx, signal.TypeParticipantJoin, uuid.Nil, signal.JoinPayload{
		Name:   s.self.Name,
		Avatar: s.self.Avatar,
	}); err != nil {
		return err
	}

	s.notifier.publish(s.eventLocked(false))

	return nil
}

func (s *Session) handleJoinLocked(ctx context.Context, msg signal.Message) error {
	if !s.state.IsConference {
		slog.Warn(
			"participant-join on non-conference call",
			slog.Any(constant.CallID, s.state.ID),
		)
		return nil
	}

	payload, err := msg.Join()
	if err != nil {
		return err
	}

	_, known := s.state.Participants[msg.From]

	if err := s.state.AddParticipant(call.Participant{
		ID:     msg.From,
		Name:   payload.Name,
		Avatar: payload.Avatar,
	}); err != nil {
		return err
	}

	// A member that has not settled its own accept yet only records the
	// roster entry; it negotiates toward everyone it knows once it accepts.
	if s.state.State != call.StateConnected {
		s.notifier.publish(s.eventLocked(false))
		return nil
	}

	coord, err := s.ensureCoordinatorLocked(msg.From)
	if err != nil {
		return err
	}

	switch {
	case known:
		// Duplicate join, already wired. No-op.
	case msg.Broadcast():
		// A new member announced itself; reply with a targeted join so it
		// learns this member and can open the pairwise negotiation.
		if err := s.publishLocked(ctx, signal.TypeParticipantJoin, msg.From, signal.JoinPayload{
			Name:   s.self.Name,
			Avatar: s.self.Avatar,
		}); err != nil {
			return err
		}
	default:
		// Targeted reply to our own join broadcast: this side is the joiner
		// and negotiates with the existing member.
		if err := coord.Negotiate(ctx); err != nil {
			return err
		}
	}

	s.notifier.publish(s.eventLocked(false))

	return nil
}

func (s *Session) handleLeaveLocked(msg signal.Message) error {
	if _, known := s.state.Participants[msg.From]; !known {
		return nil
	}

	s.removeParticipantLocked(msg.From)

	if len(s.state.Others(s.self.ID)) == 0 {
		s.terminateLocked(call.StateEnded, call.ReasonHangup)
		return nil
	}

	s.notifier.publish(s.eventLocked(false))

	return nil
}

// coordinatorForLocked resolves the pair coordinator for an inbound offer.
// An offer may lawfully precede the roster entry only in a conference, where
// the join broadcast and the offer race across senders.
func (s *Session) coordinatorForLocked(from uuid.UUID) (*signaling.Coordinator, error) {
	if coord, ok := s.coords[from]; ok {
		return coord, nil
	}

	if _, known := s.state.Participants[from]; !known {
		if !s.state.IsConference {
			metric.StaleMessageDropped()
			return nil, nil
		}

		if err := s.state.AddParticipant(call.Participant{ID: from}); err != nil {
			return nil, err
		}
	}

	return s.ensureCoordinatorLocked(from)
}

func (s *Session) removeParticipantLocked(id uuid.UUID) {
	if coord, ok := s.coords[id]; ok {
		coord.Close()
		delete(s.coords, id)
	}
	s.state.RemoveParticipant(id)
}
