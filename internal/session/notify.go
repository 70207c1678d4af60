package session

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/domain/call"
)

// Event is one (callId, state, participants) snapshot. Incoming reports the
// transition into ringing so a notification layer can raise an alert; Reason
// is set on terminal states.
type Event struct {
	CallID       uuid.UUID
	State        call.State
	Reason       call.EndReason
	Incoming     bool
	Participants []call.Participant
}

// Notifier fans session snapshots out to the UI/notification collaborators.
// Publishing never blocks a session; if the consumer lags, the oldest event
// is dropped.
type Notifier struct {
	ch chan Event
}

func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &Notifier{ch: make(chan Event, buffer)}
}

func (n *Notifier) Events() <-chan Event {
	return n.ch
}

func (n *Notifier) publish(ev Event) {
	for {
		select {
		case n.ch <- ev:
			return
		default:
		}

		select {
		case dropped := <-n.ch:
			slog.Warn(
				"event consumer lagging, dropping oldest snapshot",
				slog.Any(constant.CallID, dropped.CallID),
				slog.Any(constant.State, dropped.State),
			)
		default:
		}
	}
}
