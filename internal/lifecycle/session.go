// ABOUTME: Conversation session state machine: disconnected, connecting, connected, ended
// ABOUTME: Ended is terminal; every transition out of it is refused

package lifecycle

import (
	"errors"
	"sync"

	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/transport"
)

// Session errors
var (
	ErrSessionEnded   = errors.New("session has ended")
	ErrUnknownSession = errors.New("no session for conversation")
)

// SessionState is the connection state of a Session.
type SessionState int

const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Session is one open conversation.
type Session struct {
	conversationID string
	kind           store.Kind
	poller         *PollScheduler

	// Owned by the poll loop.
	pollBackoff *transport.Backoff
	backedOff   bool

	mu    sync.Mutex
	state SessionState
}

// ConversationID returns the conversation the session belongs to.
func (s *Session) ConversationID() string { return s.conversationID }

// Kind returns whether this is a support or task session.
func (s *Session) Kind() store.Kind { return s.kind }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session from one of the allowed states to next.
// Returns ErrSessionEnded once the session has ended.
func (s *Session) transition(next SessionState, from ...SessionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SessionEnded {
		return false, ErrSessionEnded
	}
	for _, f := range from {
		if s.state == f {
			s.state = next
			return true, nil
		}
	}
	return false, nil
}

// end marks the session ended. Returns false if it already was.
func (s *Session) end() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionEnded {
		return false
	}
	s.state = SessionEnded
	return true
}
