// ABOUTME: Closed set of notification kinds parsed from backend type strings
// ABOUTME: Only negotiation offers carry accept/reject tokens

package negotiation

import (
	"strings"
	"time"
)

// NotificationKind classifies a notification.
type NotificationKind int

const (
	KindUnknown NotificationKind = iota
	KindNegotiationOffer
	KindApplicationMessage
	KindTaskUpdate
	KindActivity
)

// ParseKind maps a backend type string to a kind. Unrecognised strings
// yield KindUnknown.
func ParseKind(s string) NotificationKind {
	switch {
	case s == "negotiation_offer":
		return KindNegotiationOffer
	case s == "application_message":
		return KindApplicationMessage
	case strings.HasPrefix(s, "task_"):
		return KindTaskUpdate
	case strings.HasPrefix(s, "activity_"):
		return KindActivity
	default:
		return KindUnknown
	}
}

func (k NotificationKind) String() string {
	switch k {
	case KindNegotiationOffer:
		return "negotiation_offer"
	case KindApplicationMessage:
		return "application_message"
	case KindTaskUpdate:
		return "task_update"
	case KindActivity:
		return "activity"
	default:
		return "unknown"
	}
}

// Notification is the payload the manager needs from a notification.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	RelatedID string    `json:"related_id,omitempty"` // application id for offers
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Kind returns the parsed notification kind.
func (n Notification) Kind() NotificationKind {
	return ParseKind(n.Type)
}
