package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/application/metric"
)

var (
	// ErrDuplicateSession is returned when a call id is already active; the
	// caller violated a precondition, nothing crashes.
	ErrDuplicateSession = errors.New("session already active for call id")

	ErrSessionNotFound = errors.New("session not found")
)

// Registry is the process-wide table of live sessions keyed by call id. It is
// the only structure touched by multiple sessions concurrently.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	debug    bool
}

func NewRegistry(debug bool) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		debug:    debug,
	}
}

// Add registers a session under exclusive ownership of its call id.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	r.sessions[id] = s
	metric.IncrementActiveSessions()

	return nil
}

func (r *Registry) Lookup(callID uuid.UUID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, callID)
	}

	return s, nil
}

// Dispose releases a session. Only terminal sessions may be disposed;
// disposing a live one is a programming error, fatal in debug builds and a
// logged no-op otherwise.
func (r *Registry) Dispose(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[callID]
	if !ok {
		return
	}

	if !s.State().Terminal() {
		if r.debug {
			panic(fmt.Sprintf("dispose of non-terminal session %s in state %s", callID, s.State()))
		}

		slog.Error(
			"refusing to dispose non-terminal session",
			slog.Any(constant.CallID, callID),
			slog.Any(constant.State, s.State()),
		)
		return
	}

	delete(r.sessions, callID)
	metric.DecrementActiveSessions()
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
