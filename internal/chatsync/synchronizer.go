// ABOUTME: Synchronizer applies stream, poll and send results to the store through per-conversation queues
// ABOUTME: Filters duplicate deliveries, advances sync cursors and tracks observed conversations

package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/chatsync/internal/auth"
	"github.com/2389/chatsync/internal/dedupe"
	"github.com/2389/chatsync/internal/metrics"
	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/transport"
)

// Errors returned by the Synchronizer.
var (
	ErrClosed             = errors.New("synchronizer closed")
	ErrEmptyMessage       = errors.New("message has no content or attachment")
	ErrConversationClosed = errors.New("conversation is closed")
	ErrNotRetryable       = errors.New("message is not in failed state")
)

// DefaultSendRetries is the number of send attempts when none is configured.
const DefaultSendRetries = 3

// MessageSender delivers outgoing messages to the backend.
type MessageSender interface {
	SendMessage(ctx context.Context, req transport.SendRequest) (transport.IncomingMessage, error)
}

// Fetcher returns messages created after since.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string, since time.Time) ([]transport.IncomingMessage, error)
}

// Config tunes the Synchronizer. Zero values select defaults.
type Config struct {
	SendRetries int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	DedupeTTL   time.Duration
	DedupeSize  int

	// Self identifies the local user for optimistic messages. Optional.
	Self auth.Provider
	// Now replaces time.Now, for tests.
	Now func() time.Time
}

// worker is a lazily started FIFO queue for one conversation.
type worker struct {
	tasks   []func()
	running bool
}

// Synchronizer is the sole writer of a MemoryStore.
type Synchronizer struct {
	store   *store.MemoryStore
	sender  MessageSender
	fetcher Fetcher
	seen    *dedupe.Cache
	cfg     Config
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	workers  map[string]*worker
	observed map[string]struct{}
	closing  bool
	closed   bool

	running sync.WaitGroup // worker goroutines
	sends   sync.WaitGroup // in-flight deliveries
}

// New creates a Synchronizer writing to st. sender and fetcher may be nil
// when the caller never sends or polls.
func New(st *store.MemoryStore, sender MessageSender, fetcher Fetcher, cfg Config, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendRetries <= 0 {
		cfg.SendRetries = DefaultSendRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		store:    st,
		sender:   sender,
		fetcher:  fetcher,
		seen:     dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		cfg:      cfg,
		logger:   logger.With("component", "synchronizer"),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*worker),
		observed: make(map[string]struct{}),
	}
}

// Observe marks a conversation as actively viewed. Stream messages for
// conversations that are not observed are dropped.
func (s *Synchronizer) Observe(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed[conversationID] = struct{}{}
}

// Forget stops observing a conversation. Queued work and in-flight sends
// still complete.
func (s *Synchronizer) Forget(conversationID string) {
	s.mu.Lock()
	delete(s.observed, conversationID)
	s.mu.Unlock()

	s.seen.ForgetConversation(conversationID)
}

// Observed reports whether a conversation is observed.
func (s *Synchronizer) Observed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.observed[conversationID]
	return ok
}

// HandleStream queues a message received from the push stream. It returns
// false when the message was dropped.
func (s *Synchronizer) HandleStream(msg transport.IncomingMessage) bool {
	if msg.ConversationID == "" {
		s.logger.Warn("dropping stream message without conversation id", "message_id", msg.ID)
		metrics.RecordDrop(metrics.DropUnrouted)
		return false
	}
	if msg.Closed {
		return s.HandleClosed(msg.ConversationID)
	}
	if !s.Observed(msg.ConversationID) {
		s.logger.Debug("dropping stream message for unobserved conversation",
			"conversation_id", msg.ConversationID,
			"message_id", msg.ID)
		metrics.RecordDrop(metrics.DropUnobserved)
		return false
	}
	if msg.ID == "" {
		s.logger.Warn("dropping stream message without id", "conversation_id", msg.ConversationID)
		metrics.RecordDrop(metrics.DropInvalid)
		return false
	}

	key := dedupe.Key(msg.ConversationID, msg.ID)
	if s.seen.CheckAndMark(key) {
		metrics.RecordDrop(metrics.DropDuplicate)
		return false
	}

	m := msg.ToMessage()
	if !s.enqueue(msg.ConversationID, func() { s.store.Append(m) }) {
		s.seen.Unmark(key)
		return false
	}
	return true
}

// HandlePoll queues the result of a poll and advances the conversation's
// sync cursor to the newest polled message.
func (s *Synchronizer) HandlePoll(conversationID string, msgs []transport.IncomingMessage) bool {
	_, ok := s.applyPoll(conversationID, msgs)
	return ok
}

// applyPoll queues a poll batch; the returned channel is closed once it has
// been applied.
func (s *Synchronizer) applyPoll(conversationID string, msgs []transport.IncomingMessage) (<-chan struct{}, bool) {
	batch := make([]store.Message, 0, len(msgs))
	var newest time.Time
	for _, in := range msgs {
		if in.ConversationID == "" {
			in.ConversationID = conversationID
		}
		if in.ConversationID != conversationID {
			s.logger.Warn("dropping polled message for another conversation",
				"conversation_id", conversationID,
				"message_conversation_id", in.ConversationID,
				"message_id", in.ID)
			metrics.RecordDrop(metrics.DropUnrouted)
			continue
		}
		if in.CreatedAt.After(newest) {
			newest = in.CreatedAt
		}
		if in.ID != "" && s.seen.CheckAndMark(dedupe.Key(conversationID, in.ID)) {
			metrics.RecordDrop(metrics.DropDuplicate)
			continue
		}
		batch = append(batch, in.ToMessage())
	}

	done := make(chan struct{})
	ok := s.enqueue(conversationID, func() {
		defer close(done)
		for _, m := range batch {
			s.store.Append(m)
		}
		if !newest.IsZero() {
			s.store.SetSyncCursor(conversationID, newest)
		}
	})
	return done, ok
}

// HandleClosed queues closing a conversation reported ended by the backend.
func (s *Synchronizer) HandleClosed(conversationID string) bool {
	return s.enqueue(conversationID, func() {
		s.store.CloseConversation(conversationID)
	})
}

// Poll fetches messages newer than the conversation's sync cursor and
// waits until they are applied.
func (s *Synchronizer) Poll(ctx context.Context, conversationID string) error {
	if s.fetcher == nil {
		return errors.New("no fetcher configured")
	}
	if s.isClosing() {
		return ErrClosed
	}

	since := s.store.SyncCursor(conversationID)
	msgs, err := s.fetcher.FetchMessages(ctx, conversationID, since)
	metrics.RecordPoll(err == nil)
	if err != nil {
		return fmt.Errorf("polling %s: %w", conversationID, err)
	}
	done, ok := s.applyPoll(conversationID, msgs)
	if !ok {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain blocks until every task queued for the conversation before the
// call has run. It returns false if the Synchronizer is closed.
func (s *Synchronizer) Drain(conversationID string) bool {
	done := make(chan struct{})
	if !s.enqueue(conversationID, func() { close(done) }) {
		return false
	}
	<-done
	return true
}

// Close aborts in-flight sends, runs every queued task and stops the
// workers. Safe to call more than once.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	s.cancel()
	s.sends.Wait()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.running.Wait()
	s.seen.Close()
	s.logger.Info("synchronizer closed")
}

func (s *Synchronizer) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// enqueue appends task to the conversation's queue, starting its worker if
// idle. It returns false once the Synchronizer is closed.
func (s *Synchronizer) enqueue(conversationID string, task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	w := s.workers[conversationID]
	if w == nil {
		w = &worker{}
		s.workers[conversationID] = w
	}
	w.tasks = append(w.tasks, task)
	if !w.running {
		w.running = true
		s.running.Add(1)
		go s.drain(conversationID, w)
	}
	return true
}

// drain runs queued tasks in order and exits when the queue is empty.
func (s *Synchronizer) drain(conversationID string, w *worker) {
	defer s.running.Done()

	for {
		s.mu.Lock()
		if len(w.tasks) == 0 {
			w.running = false
			delete(s.workers, conversationID)
			s.mu.Unlock()
			return
		}
		task := w.tasks[0]
		w.tasks[0] = nil
		w.tasks = w.tasks[1:]
		s.mu.Unlock()

		task()
	}
}
