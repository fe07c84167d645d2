// ABOUTME: Negotiation token record and its consumed states
// ABOUTME: Computes the effective deadline from the authoritative expiry or the local estimate

package negotiation

import "time"

// State is the consumed state of a token.
type State string

const (
	StateUnconsumed State = "unconsumed"
	StateAccepted   State = "accepted"
	StateRejected   State = "rejected"
	StateExpired    State = "expired"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateExpired
}

// Task statuses past the actionable phase. An offer on such a task is
// expired whatever its timer says.
var closedTaskStatuses = map[string]bool{
	"in_progress":          true,
	"pending_payment":      true,
	"pending_confirmation": true,
	"completed":            true,
	"cancelled":            true,
}

// TaskStatusClosed reports whether status ends negotiation on a task.
func TaskStatusClosed(status string) bool {
	return closedTaskStatuses[status]
}

// Token is the manager's record for one negotiation offer.
type Token struct {
	NotificationID string
	ApplicationID  string
	TaskID         string
	AcceptToken    string
	RejectToken    string

	// ExpiresAt is the backend's expiry, nil until fetched.
	ExpiresAt *time.Time
	// LocalExpiryEstimate is CreatedAt plus the offer window.
	LocalExpiryEstimate time.Time
	CreatedAt           time.Time
	TaskStatus          string

	State State
	// Authoritative is set once tokens were fetched from the backend.
	Authoritative bool
}

// Deadline returns the authoritative expiry when known, else the estimate.
func (t Token) Deadline() time.Time {
	if t.ExpiresAt != nil {
		return *t.ExpiresAt
	}
	return t.LocalExpiryEstimate
}

// Remaining returns the time left before the deadline, never negative.
// Terminal tokens have no time remaining.
func (t Token) Remaining(now time.Time) time.Duration {
	if t.State.Terminal() {
		return 0
	}
	if d := t.Deadline().Sub(now); d > 0 {
		return d
	}
	return 0
}

func (t Token) clone() Token {
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		t.ExpiresAt = &exp
	}
	return t
}
