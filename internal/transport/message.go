// ABOUTME: IncomingMessage, the normalized shape emitted by stream and poll sources
// ABOUTME: Also defines the JSON wire frames exchanged with the backend

package transport

import (
	"time"

	"github.com/2389/chatsync/internal/store"
)

// Source records which transport delivered a message.
type Source string

const (
	SourceStream Source = "stream"
	SourcePoll   Source = "poll"
	SourceSend   Source = "send"
)

// IncomingMessage is a message as delivered by either transport.
type IncomingMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	ClientNonce    string    `json:"client_nonce,omitempty"`
	SenderID       *string   `json:"sender_id"`
	Content        string    `json:"content"`
	AttachmentType string    `json:"attachment_type,omitempty"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// Closed marks a conversation-closed notice rather than a chat message.
	Closed bool   `json:"-"`
	Source Source `json:"-"`
}

// ToMessage converts to a confirmed store message.
func (m IncomingMessage) ToMessage() store.Message {
	return store.Message{
		ID:             m.ID,
		ClientNonce:    m.ClientNonce,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		AttachmentType: m.AttachmentType,
		AttachmentURL:  m.AttachmentURL,
		CreatedAt:      m.CreatedAt,
		DeliveryState:  store.DeliveryConfirmed,
	}
}

// Frame types sent by the backend over the stream.
const (
	FrameMessage            = "message"
	FrameConversationClosed = "conversation_closed"
	FramePing               = "ping"
)

// streamFrame is one JSON text frame on the push stream.
type streamFrame struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Message        *IncomingMessage `json:"message,omitempty"`
}

// Attachment is optional media attached to an outgoing message.
type Attachment struct {
	Type string `json:"attachment_type"`
	URL  string `json:"attachment_url"`
}

// SendRequest is an outgoing chat message.
type SendRequest struct {
	ConversationID string      `json:"-"`
	ClientNonce    string      `json:"client_nonce"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// ConversationInfo is the backend's view of a conversation.
type ConversationInfo struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`
	ParticipantIDs []string `json:"participant_ids"`
	Closed         bool     `json:"closed"`
}

// NegotiationTokens is the response of the negotiation token endpoint.
// Every field is optional.
type NegotiationTokens struct {
	AcceptToken   string     `json:"accept_token,omitempty"`
	RejectToken   string     `json:"reject_token,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	TaskID        string     `json:"task_id,omitempty"`
	ApplicationID string     `json:"application_id,omitempty"`
	TaskStatus    string     `json:"task_status,omitempty"`
}

// NegotiationAction is accept or reject.
type NegotiationAction string

const (
	ActionAccept NegotiationAction = "accept"
	ActionReject NegotiationAction = "reject"
)

// NegotiationResponse answers a negotiation offer with a single-use token.
type NegotiationResponse struct {
	TaskID        string            `json:"-"`
	ApplicationID string            `json:"-"`
	Action        NegotiationAction `json:"action"`
	Token         string            `json:"token"`
}
