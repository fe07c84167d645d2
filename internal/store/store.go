// ABOUTME: Data types for the local conversation store
// ABOUTME: Defines Conversation, Message, ReadCursor, Observer and the Persister contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Kind distinguishes support sessions from task chats.
type Kind string

const (
	KindSupport Kind = "support"
	KindTask    Kind = "task"
)

// Valid reports whether k is a known conversation kind.
func (k Kind) Valid() bool {
	return k == KindSupport || k == KindTask
}

// DeliveryState tracks whether the backend has confirmed a message.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Conversation identifies a chat context: a support session or a task chat.
type Conversation struct {
	ID             string
	Kind           Kind
	ParticipantIDs []string
	IsClosed       bool
	LastSyncCursor time.Time // highest CreatedAt seen from the backend
	CreatedAt      time.Time
}

// Message is a single chat message.
type Message struct {
	ID             string
	ClientNonce    string // set on messages originating from this client
	ConversationID string
	SenderID       *string // nil for system messages
	Content        string
	AttachmentType string
	AttachmentURL  string
	CreatedAt      time.Time
	DeliveryState  DeliveryState

	seq uint64 // insertion sequence, tie-break for equal CreatedAt
}

// IsSystem reports whether the message has no sender.
func (m Message) IsSystem() bool {
	return m.SenderID == nil
}

// Seq returns the insertion sequence assigned by the store.
func (m Message) Seq() uint64 {
	return m.seq
}

// before reports whether m sorts strictly before o.
func (m *Message) before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.seq < o.seq
}

// ReadCursor records the last read receipt flushed for a conversation.
type ReadCursor struct {
	ConversationID    string
	LastReadMessageID string
	LastReadAt        time.Time // CreatedAt of LastReadMessageID
	LastSentAt        time.Time // when the receipt was flushed
}

// Observer is notified whenever a conversation's messages change.
type Observer interface {
	OnMessagesChanged(conversationID string)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(conversationID string)

// OnMessagesChanged calls f.
func (f ObserverFunc) OnMessagesChanged(conversationID string) { f(conversationID) }

// AppendResult describes what Append did.
type AppendResult string

const (
	AppendInserted   AppendResult = "inserted"
	AppendReconciled AppendResult = "reconciled"
	AppendDuplicate  AppendResult = "duplicate"
	AppendRejected   AppendResult = "rejected"
)

// Changed reports whether the append mutated the store.
func (r AppendResult) Changed() bool {
	return r == AppendInserted || r == AppendReconciled
}

// Persister is an optional write-through backing for MemoryStore.
type Persister interface {
	SaveConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	SaveMessage(ctx context.Context, msg *Message) error
	DeleteMessage(ctx context.Context, conversationID, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	SaveReadCursor(ctx context.Context, cursor *ReadCursor) error
	GetReadCursor(ctx context.Context, conversationID string) (*ReadCursor, error)
}
