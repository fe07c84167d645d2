// ABOUTME: Read receipt tracker with per-conversation debounce and monotonic cursors
// ABOUTME: Flushes the highest visible message, serialized per conversation, and records it in the store

package readstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/chatsync/internal/auth"
	"github.com/2389/chatsync/internal/metrics"
	"github.com/2389/chatsync/internal/store"
)

// Defaults used when Config leaves them unset.
const (
	DefaultDebounce       = 300 * time.Millisecond
	DefaultRequestTimeout = 15 * time.Second
)

// ReceiptSender writes a read receipt to the backend.
type ReceiptSender interface {
	MarkRead(ctx context.Context, conversationID, messageID string) error
}

// Config tunes the Tracker.
type Config struct {
	Debounce       time.Duration
	RequestTimeout time.Duration
	// Self identifies the current user; their own messages never produce receipts.
	Self auth.Provider
	Now  func() time.Time
}

// position orders messages by (CreatedAt, ID).
type position struct {
	messageID string
	createdAt time.Time
}

func (p position) after(o position) bool {
	if !p.createdAt.Equal(o.createdAt) {
		return p.createdAt.After(o.createdAt)
	}
	return p.messageID > o.messageID
}

type convState struct {
	pending *position
	sent    *position
	timer   *time.Timer

	flushMu sync.Mutex // serializes flushes
}

// Tracker debounces read receipts per conversation.
type Tracker struct {
	sender ReceiptSender
	store  *store.MemoryStore
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	convs  map[string]*convState
	closed bool
}

// New creates a Tracker. st may be nil when cursors need not be recorded.
func New(sender ReceiptSender, st *store.MemoryStore, cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		sender: sender,
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "readstate"),
		convs:  make(map[string]*convState),
	}
}

// stateLocked returns the state for a conversation, seeding the sent
// position from the store. Must be called with mu held.
func (t *Tracker) stateLocked(conversationID string) *convState {
	st, ok := t.convs[conversationID]
	if ok {
		return st
	}
	st = &convState{}
	if t.store != nil {
		if cur, ok := t.store.ReadCursor(conversationID); ok && cur.LastReadMessageID != "" {
			st.sent = &position{messageID: cur.LastReadMessageID, createdAt: cur.LastReadAt}
		}
	}
	t.convs[conversationID] = st
	return st
}

// MarkVisible records that a message became visible. Messages sent by the
// current user and messages at or below the last sent cursor are ignored.
// The first event of a window schedules a flush after the debounce delay.
func (t *Tracker) MarkVisible(conversationID, messageID string, createdAt time.Time, senderID *string) {
	if conversationID == "" || messageID == "" {
		return
	}
	if senderID != nil && t.isSelf(*senderID) {
		return
	}

	p := position{messageID: messageID, createdAt: createdAt}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	st := t.stateLocked(conversationID)
	if st.sent != nil && !p.after(*st.sent) {
		return
	}
	if st.pending == nil || p.after(*st.pending) {
		st.pending = &p
	}
	if st.timer == nil {
		st.timer = time.AfterFunc(t.cfg.Debounce, func() { t.fire(conversationID, st) })
	}
}

func (t *Tracker) isSelf(senderID string) bool {
	if t.cfg.Self == nil {
		return false
	}
	creds, ok := t.cfg.Self.Credentials(context.Background())
	return ok && creds.UserID == senderID
}

// fire runs when the debounce window armed by st ends. A timer from a
// state dropped by Forget finds a different state under the id and does
// nothing.
func (t *Tracker) fire(conversationID string, st *convState) {
	t.mu.Lock()
	if t.closed || t.convs[conversationID] != st {
		t.mu.Unlock()
		return
	}
	st.timer = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
	defer cancel()
	if err := t.flush(ctx, conversationID, st); err != nil {
		t.logger.Warn("read receipt failed, will retry on next visibility change",
			"conversation_id", conversationID,
			"error", err)
	}
}

// Flush sends the pending receipt immediately, cancelling the debounce
// timer. Used when a conversation view is torn down.
func (t *Tracker) Flush(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	st, ok := t.convs[conversationID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	t.mu.Unlock()

	return t.flush(ctx, conversationID, st)
}

func (t *Tracker) flush(ctx context.Context, conversationID string, st *convState) error {
	st.flushMu.Lock()
	defer st.flushMu.Unlock()

	t.mu.Lock()
	if st.pending == nil {
		t.mu.Unlock()
		return nil
	}
	p := *st.pending
	if st.sent != nil && !p.after(*st.sent) {
		st.pending = nil
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	err := t.sender.MarkRead(ctx, conversationID, p.messageID)
	metrics.RecordReadReceipt(err == nil)
	if err != nil {
		return fmt.Errorf("marking %s read: %w", p.messageID, err)
	}

	t.mu.Lock()
	st.sent = &p
	if st.pending != nil && !st.pending.after(p) {
		st.pending = nil
	}
	t.mu.Unlock()

	t.logger.Debug("read receipt sent",
		"conversation_id", conversationID,
		"message_id", p.messageID)

	if t.store != nil {
		t.store.SetReadCursor(store.ReadCursor{
			ConversationID:    conversationID,
			LastReadMessageID: p.messageID,
			LastReadAt:        p.createdAt,
			LastSentAt:        t.cfg.Now(),
		})
	}
	return nil
}

// LastSent returns the last successfully sent message id.
func (t *Tracker) LastSent(conversationID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.convs[conversationID]
	if !ok || st.sent == nil {
		return "", false
	}
	return st.sent.messageID, true
}

// Forget drops the state of a conversation, stopping its timer.
func (t *Tracker) Forget(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.convs[conversationID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.convs, conversationID)
	}
}

// Close stops every pending timer. Pending receipts are not sent.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, st := range t.convs {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}
