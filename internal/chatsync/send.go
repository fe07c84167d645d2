// ABOUTME: Optimistic sends: pending message appended at once, delivered asynchronously with retry
// ABOUTME: SendHandle reports completion; failed messages can be retried with the same client nonce

package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/chatsync/internal/dedupe"
	"github.com/2389/chatsync/internal/metrics"
	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/transport"
)

// SendHandle tracks one outgoing message.
type SendHandle struct {
	done chan struct{}

	mu  sync.Mutex
	msg store.Message
	err error
}

func newSendHandle(msg store.Message) *SendHandle {
	return &SendHandle{done: make(chan struct{}), msg: msg}
}

// Done is closed once the message is confirmed or failed.
func (h *SendHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the delivery error. Only meaningful after Done is closed.
func (h *SendHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Message returns the latest known state of the message.
func (h *SendHandle) Message() store.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.msg
}

// Wait blocks until delivery completes or ctx ends.
func (h *SendHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *SendHandle) finish(msg store.Message, err error) {
	h.mu.Lock()
	h.msg = msg
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Send appends a pending message and delivers it in the background. The
// delivery outlives ctx cancellation but keeps its values; it is aborted
// only by Close.
func (s *Synchronizer) Send(ctx context.Context, conversationID, content string, attachment *transport.Attachment) (*SendHandle, error) {
	if content == "" && (attachment == nil || attachment.URL == "") {
		return nil, ErrEmptyMessage
	}
	if conv, ok := s.store.Conversation(conversationID); ok && conv.IsClosed {
		return nil, ErrConversationClosed
	}

	msg := store.Message{
		ID:             uuid.NewString(),
		ClientNonce:    uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      s.cfg.Now(),
		DeliveryState:  store.DeliveryPending,
	}
	if attachment != nil {
		msg.AttachmentType = attachment.Type
		msg.AttachmentURL = attachment.URL
	}
	if s.cfg.Self != nil {
		if creds, ok := s.cfg.Self.Credentials(ctx); ok && creds.UserID != "" {
			sender := creds.UserID
			msg.SenderID = &sender
		}
	}

	handle := newSendHandle(msg)
	if !s.beginSend() {
		return nil, ErrClosed
	}
	if !s.enqueue(conversationID, func() { s.store.Append(msg) }) {
		s.sends.Done()
		return nil, ErrClosed
	}

	s.logger.Debug("sending message",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"client_nonce", msg.ClientNonce)

	go s.deliver(ctx, msg, attachment, handle)
	return handle, nil
}

// Retry resends a failed message with its original client nonce so the
// backend can deduplicate.
func (s *Synchronizer) Retry(ctx context.Context, conversationID, messageID string) (*SendHandle, error) {
	msg, ok := s.store.Get(conversationID, messageID)
	if !ok || msg.DeliveryState != store.DeliveryFailed {
		return nil, ErrNotRetryable
	}

	var attachment *transport.Attachment
	if msg.AttachmentURL != "" {
		attachment = &transport.Attachment{Type: msg.AttachmentType, URL: msg.AttachmentURL}
	}
	msg.DeliveryState = store.DeliveryPending

	handle := newSendHandle(msg)
	if !s.beginSend() {
		return nil, ErrClosed
	}
	if !s.enqueue(conversationID, func() {
		s.store.SetDeliveryState(conversationID, messageID, store.DeliveryPending)
	}) {
		s.sends.Done()
		return nil, ErrClosed
	}

	s.logger.Info("retrying failed message",
		"conversation_id", conversationID,
		"message_id", messageID)

	go s.deliver(ctx, msg, attachment, handle)
	return handle, nil
}

// beginSend registers an in-flight delivery unless Close has started.
func (s *Synchronizer) beginSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sends.Add(1)
	return true
}

func (s *Synchronizer) deliver(parent context.Context, msg store.Message, attachment *transport.Attachment, handle *SendHandle) {
	defer s.sends.Done()

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	req := transport.SendRequest{
		ConversationID: msg.ConversationID,
		ClientNonce:    msg.ClientNonce,
		Content:        msg.Content,
		Attachment:     attachment,
	}

	resp, err := s.sendWithRetry(ctx, req)
	metrics.RecordSend(err == nil)

	if err != nil {
		s.logger.Warn("message send failed",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID,
			"error", err)
		s.enqueue(msg.ConversationID, func() {
			s.store.MarkFailed(msg.ConversationID, msg.ID)
			failed := msg
			if cur, ok := s.store.Get(msg.ConversationID, msg.ID); ok {
				failed = cur
			} else {
				failed.DeliveryState = store.DeliveryFailed
			}
			handle.finish(failed, err)
		})
		return
	}

	confirmed := resp.ToMessage()
	confirmed.ConversationID = msg.ConversationID
	confirmed.ClientNonce = msg.ClientNonce
	if confirmed.SenderID == nil {
		confirmed.SenderID = msg.SenderID
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = msg.CreatedAt
	}
	if confirmed.ID == "" {
		confirmed.ID = msg.ID
	}

	s.seen.Mark(dedupe.Key(confirmed.ConversationID, confirmed.ID))
	s.enqueue(msg.ConversationID, func() {
		s.store.Append(confirmed)
		if cur, ok := s.store.Get(confirmed.ConversationID, confirmed.ID); ok {
			confirmed = cur
		}
		handle.finish(confirmed, nil)
	})
}

// sendWithRetry makes up to SendRetries attempts, sleeping with full
// jitter between transient failures.
func (s *Synchronizer) sendWithRetry(ctx context.Context, req transport.SendRequest) (transport.IncomingMessage, error) {
	if s.sender == nil {
		return transport.IncomingMessage{}, fmt.Errorf("no sender configured: %w", transport.ErrRejected)
	}

	bo := transport.NewBackoff(s.cfg.BackoffBase, s.cfg.BackoffCap)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.SendRetries; attempt++ {
		resp, err := s.sender.SendMessage(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !transport.IsTransient(err) || attempt == s.cfg.SendRetries {
			break
		}
		delay := bo.Next()
		s.logger.Debug("send attempt failed, retrying",
			"conversation_id", req.ConversationID,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if err := transport.Sleep(ctx, delay); err != nil {
			break
		}
	}
	return transport.IncomingMessage{}, fmt.Errorf("sending after retries: %w", lastErr)
}
