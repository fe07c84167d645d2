// ABOUTME: In-memory ordered message log per conversation with optimistic reconciliation
// ABOUTME: Source of truth for observers; optionally writes through to a Persister

package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/chatsync/internal/conversation"
	"github.com/2389/chatsync/internal/metrics"
)

// persistTimeout bounds each write-through call.
const persistTimeout = 5 * time.Second

type conversationLog struct {
	conv    Conversation
	entries []*Message // sorted by (CreatedAt, seq)
	byID    map[string]*Message
	byNonce map[string]*Message
	cursor  *ReadCursor
}

func newConversationLog(id string) *conversationLog {
	return &conversationLog{
		conv:    Conversation{ID: id, CreatedAt: time.Now()},
		byID:    make(map[string]*Message),
		byNonce: make(map[string]*Message),
	}
}

func (l *conversationLog) insert(m *Message) {
	i := sort.Search(len(l.entries), func(i int) bool { return m.before(l.entries[i]) })
	l.entries = slices.Insert(l.entries, i, m)
	l.byID[m.ID] = m
	if m.ClientNonce != "" {
		l.byNonce[m.ClientNonce] = m
	}
}

func (l *conversationLog) remove(m *Message) {
	if i := slices.Index(l.entries, m); i >= 0 {
		l.entries = slices.Delete(l.entries, i, i+1)
	}
	delete(l.byID, m.ID)
	if m.ClientNonce != "" && l.byNonce[m.ClientNonce] == m {
		delete(l.byNonce, m.ClientNonce)
	}
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithPersister attaches a write-through Persister.
func WithPersister(p Persister) Option {
	return func(s *MemoryStore) { s.persister = p }
}

// MemoryStore is the local conversation store. It is safe for concurrent
// use; writers are expected to be serialized per conversation by the caller.
type MemoryStore struct {
	mu        sync.RWMutex
	logs      map[string]*conversationLog
	seq       uint64
	persister Persister
	changes   *conversation.Broadcaster
	logger    *slog.Logger
}

// NewMemoryStore creates an empty store. Pass nil logger for default.
func NewMemoryStore(logger *slog.Logger, opts ...Option) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		logs:    make(map[string]*conversationLog),
		changes: conversation.NewBroadcaster(logger),
		logger:  logger.With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// logLocked returns the log for id, creating it. Must be called with mu held.
func (s *MemoryStore) logLocked(id string) *conversationLog {
	l, ok := s.logs[id]
	if !ok {
		l = newConversationLog(id)
		s.logs[id] = l
	}
	return l
}

// Append inserts msg preserving the ordering invariant. Appending an id that
// already exists is a no-op. A confirmed message whose ClientNonce matches a
// pending or failed message replaces it in place.
func (s *MemoryStore) Append(msg Message) AppendResult {
	if msg.ID == "" || msg.ConversationID == "" {
		s.logger.Warn("rejecting malformed message",
			"message_id", msg.ID,
			"conversation_id", msg.ConversationID)
		metrics.RecordDrop(metrics.DropInvalid)
		return AppendRejected
	}
	if msg.DeliveryState == "" {
		msg.DeliveryState = DeliveryConfirmed
	}

	var (
		result    AppendResult
		saved     *Message
		removedID string
	)

	s.mu.Lock()
	l := s.logLocked(msg.ConversationID)
	if existing, ok := l.byID[msg.ID]; ok {
		result, saved, removedID = s.mergeExistingLocked(l, existing, &msg)
	} else if pending := l.byNonce[msg.ClientNonce]; msg.ClientNonce != "" && pending != nil &&
		pending.DeliveryState != DeliveryConfirmed && msg.DeliveryState == DeliveryConfirmed {
		removedID = pending.ID
		l.remove(pending)
		updated := msg
		updated.seq = pending.seq
		l.insert(&updated)
		saved = &updated
		result = AppendReconciled
	} else {
		s.seq++
		inserted := msg
		inserted.seq = s.seq
		l.insert(&inserted)
		saved = &inserted
		result = AppendInserted
	}
	var snapshot Message
	if saved != nil {
		snapshot = *saved
	}
	s.mu.Unlock()

	metrics.RecordAppend(string(result))
	if !result.Changed() {
		return result
	}

	s.logger.Debug("message stored",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"result", result)

	if removedID != "" && removedID != snapshot.ID {
		s.persistDelete(msg.ConversationID, removedID)
	}
	s.persistMessage(&snapshot)
	s.changes.Publish(msg.ConversationID)
	return result
}

// mergeExistingLocked handles an append whose id is already stored.
func (s *MemoryStore) mergeExistingLocked(l *conversationLog, existing, msg *Message) (AppendResult, *Message, string) {
	if msg.DeliveryState != DeliveryConfirmed {
		return AppendDuplicate, nil, ""
	}

	changed := false
	removedID := ""

	// The confirmed copy may have arrived before the send response that
	// links it to our optimistic message; drop the optimistic one now.
	if msg.ClientNonce != "" {
		if pending := l.byNonce[msg.ClientNonce]; pending != nil && pending != existing &&
			pending.DeliveryState != DeliveryConfirmed {
			removedID = pending.ID
			l.remove(pending)
			changed = true
		}
		if existing.ClientNonce == "" {
			existing.ClientNonce = msg.ClientNonce
			l.byNonce[msg.ClientNonce] = existing
			changed = true
		}
	}

	if existing.DeliveryState != DeliveryConfirmed {
		existing.DeliveryState = DeliveryConfirmed
		changed = true
	}

	if !changed {
		return AppendDuplicate, nil, ""
	}
	return AppendReconciled, existing, removedID
}

// SetDeliveryState updates the delivery state of a non-confirmed message.
// Confirmed messages are never downgraded. Returns false if nothing changed.
func (s *MemoryStore) SetDeliveryState(conversationID, id string, state DeliveryState) bool {
	s.mu.Lock()
	l, ok := s.logs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	m, ok := l.byID[id]
	if !ok || m.DeliveryState == DeliveryConfirmed || m.DeliveryState == state {
		s.mu.Unlock()
		return false
	}
	m.DeliveryState = state
	snapshot := *m
	s.mu.Unlock()

	s.persistMessage(&snapshot)
	s.changes.Publish(conversationID)
	return true
}

// MarkFailed moves a pending message to failed.
func (s *MemoryStore) MarkFailed(conversationID, id string) bool {
	return s.SetDeliveryState(conversationID, id, DeliveryFailed)
}

// LastCreatedAt returns the CreatedAt of the newest confirmed message, or
// the zero time.
func (s *MemoryStore) LastCreatedAt(conversationID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return time.Time{}
	}
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].DeliveryState == DeliveryConfirmed {
			return l.entries[i].CreatedAt
		}
	}
	return time.Time{}
}

// Remove discards a message that never reached the backend. Confirmed
// messages cannot be removed.
func (s *MemoryStore) Remove(conversationID, id string) bool {
	s.mu.Lock()
	l, ok := s.logs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	m, ok := l.byID[id]
	if !ok || m.DeliveryState == DeliveryConfirmed {
		s.mu.Unlock()
		return false
	}
	l.remove(m)
	s.mu.Unlock()

	s.persistDelete(conversationID, id)
	s.changes.Publish(conversationID)
	return true
}

// Messages returns the conversation's messages ordered by CreatedAt, ties
// broken by insertion order. Each iteration reads a fresh snapshot.
func (s *MemoryStore) Messages(conversationID string) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, m := range s.snapshot(conversationID) {
			if !yield(m) {
				return
			}
		}
	}
}

func (s *MemoryStore) snapshot(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(l.entries))
	for i, m := range l.entries {
		out[i] = *m
	}
	return out
}

// Get returns a single message by id.
func (s *MemoryStore) Get(conversationID, id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	m, ok := l.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Len returns the number of messages held for a conversation.
func (s *MemoryStore) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.logs[conversationID]; ok {
		return len(l.entries)
	}
	return 0
}

// Subscribe registers obs for changes to conversationID. The returned
// function unsubscribes and may be called more than once.
func (s *MemoryStore) Subscribe(conversationID string, obs Observer) (unsubscribe func()) {
	return s.changes.Subscribe(conversationID, obs.OnMessagesChanged)
}

// UpsertConversation records conversation metadata. A closed conversation
// stays closed and the sync cursor never moves backwards.
func (s *MemoryStore) UpsertConversation(conv Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if conv.Kind != "" && !conv.Kind.Valid() {
		return fmt.Errorf("invalid conversation kind %q", conv.Kind)
	}

	s.mu.Lock()
	l := s.logLocked(conv.ID)
	cur := &l.conv
	if conv.Kind != "" {
		cur.Kind = conv.Kind
	}
	if len(conv.ParticipantIDs) > 0 {
		cur.ParticipantIDs = slices.Clone(conv.ParticipantIDs)
	}
	closedNow := conv.IsClosed && !cur.IsClosed
	cur.IsClosed = cur.IsClosed || conv.IsClosed
	if conv.LastSyncCursor.After(cur.LastSyncCursor) {
		cur.LastSyncCursor = conv.LastSyncCursor
	}
	snapshot := *cur
	s.mu.Unlock()

	s.persistConversation(&snapshot)
	if closedNow {
		s.changes.Publish(conv.ID)
	}
	return nil
}

// Conversation returns the metadata for id.
func (s *MemoryStore) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[id]
	if !ok {
		return Conversation{}, false
	}
	conv := l.conv
	conv.ParticipantIDs = slices.Clone(conv.ParticipantIDs)
	return conv, true
}

// CloseConversation marks a conversation closed. Returns true if it was open.
func (s *MemoryStore) CloseConversation(id string) bool {
	s.mu.Lock()
	l := s.logLocked(id)
	if l.conv.IsClosed {
		s.mu.Unlock()
		return false
	}
	l.conv.IsClosed = true
	snapshot := l.conv
	s.mu.Unlock()

	s.logger.Info("conversation closed", "conversation_id", id)
	s.persistConversation(&snapshot)
	s.changes.Publish(id)
	return true
}

// SetSyncCursor advances the conversation's sync cursor. Older values are
// ignored.
func (s *MemoryStore) SetSyncCursor(id string, cursor time.Time) {
	s.mu.Lock()
	l := s.logLocked(id)
	if !cursor.After(l.conv.LastSyncCursor) {
		s.mu.Unlock()
		return
	}
	l.conv.LastSyncCursor = cursor
	snapshot := l.conv
	s.mu.Unlock()

	s.persistConversation(&snapshot)
}

// SyncCursor returns the conversation's sync cursor (zero if unknown).
func (s *MemoryStore) SyncCursor(id string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.logs[id]; ok {
		return l.conv.LastSyncCursor
	}
	return time.Time{}
}

// ReadCursor returns the last flushed read cursor for a conversation.
func (s *MemoryStore) ReadCursor(conversationID string) (ReadCursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[conversationID]
	if !ok || l.cursor == nil {
		return ReadCursor{}, false
	}
	return *l.cursor, true
}

// SetReadCursor records a flushed read receipt. Cursors that would move
// LastSentAt or the read position backwards are refused.
func (s *MemoryStore) SetReadCursor(cursor ReadCursor) bool {
	if cursor.ConversationID == "" {
		return false
	}

	s.mu.Lock()
	l := s.logLocked(cursor.ConversationID)
	if prev := l.cursor; prev != nil {
		if cursor.LastSentAt.Before(prev.LastSentAt) || cursor.LastReadAt.Before(prev.LastReadAt) {
			s.mu.Unlock()
			return false
		}
	}
	c := cursor
	l.cursor = &c
	s.mu.Unlock()

	s.persistReadCursor(&c)
	return true
}

// Load warms the store for a conversation from the attached Persister.
// Messages already present are left untouched.
func (s *MemoryStore) Load(ctx context.Context, conversationID string) error {
	if s.persister == nil {
		return nil
	}

	conv, err := s.persister.GetConversation(ctx, conversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("loading conversation: %w", err)
	}
	msgs, err := s.persister.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}
	cursor, err := s.persister.GetReadCursor(ctx, conversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("loading read cursor: %w", err)
	}

	// Persisted sequence order is the original arrival order.
	slices.SortStableFunc(msgs, func(a, b Message) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	s.mu.Lock()
	l := s.logLocked(conversationID)
	if conv != nil {
		l.conv.Kind = conv.Kind
		l.conv.ParticipantIDs = conv.ParticipantIDs
		l.conv.IsClosed = l.conv.IsClosed || conv.IsClosed
		if conv.LastSyncCursor.After(l.conv.LastSyncCursor) {
			l.conv.LastSyncCursor = conv.LastSyncCursor
		}
		l.conv.CreatedAt = conv.CreatedAt
	}
	loaded := 0
	for i := range msgs {
		if _, exists := l.byID[msgs[i].ID]; exists {
			continue
		}
		s.seq++
		m := msgs[i]
		m.seq = s.seq
		l.insert(&m)
		loaded++
	}
	if cursor != nil && l.cursor == nil {
		l.cursor = cursor
	}
	s.mu.Unlock()

	s.logger.Debug("conversation loaded from cache",
		"conversation_id", conversationID,
		"messages", loaded)
	if loaded > 0 {
		s.changes.Publish(conversationID)
	}
	return nil
}

// Close stops observer delivery.
func (s *MemoryStore) Close() {
	s.changes.Close()
}

func (s *MemoryStore) persistMessage(m *Message) {
	if s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persister.SaveMessage(ctx, m); err != nil {
		s.logger.Error("failed to persist message",
			"error", err,
			"conversation_id", m.ConversationID,
			"message_id", m.ID)
	}
}

func (s *MemoryStore) persistDelete(conversationID, id string) {
	if s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persister.DeleteMessage(ctx, conversationID, id); err != nil {
		s.logger.Error("failed to delete persisted message",
			"error", err,
			"conversation_id", conversationID,
			"message_id", id)
	}
}

func (s *MemoryStore) persistConversation(c *Conversation) {
	if s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persister.SaveConversation(ctx, c); err != nil {
		s.logger.Error("failed to persist conversation", "error", err, "conversation_id", c.ID)
	}
}

func (s *MemoryStore) persistReadCursor(c *ReadCursor) {
	if s.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persister.SaveReadCursor(ctx, c); err != nil {
		s.logger.Error("failed to persist read cursor", "error", err, "conversation_id", c.ConversationID)
	}
}
