// ABOUTME: Lifecycle controller tying sessions, the push stream and poll schedules together
// ABOUTME: Routes stream messages into the synchronizer and switches poll cadence on stream health

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/chatsync/internal/auth"
	"github.com/2389/chatsync/internal/chatsync"
	"github.com/2389/chatsync/internal/readstate"
	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/transport"
)

// Default poll cadences.
const (
	DefaultIdleInterval     = 30 * time.Second
	DefaultFallbackInterval = 5 * time.Second
)

// ErrShutdown is returned once the controller has shut down.
var ErrShutdown = errors.New("lifecycle controller is shut down")

// ConversationFetcher reads conversation metadata from the backend.
type ConversationFetcher interface {
	FetchConversation(ctx context.Context, conversationID string) (transport.ConversationInfo, error)
}

// Config tunes the Controller.
type Config struct {
	IdleInterval     time.Duration
	FallbackInterval time.Duration
	RequestTimeout   time.Duration
	// PollBackoffCap bounds the delay between failed polls while the
	// stream is down.
	PollBackoffCap time.Duration
	Credentials      auth.Provider
	Now              func() time.Time
}

// Deps are the collaborators of a Controller. Stream, Reads and
// Conversations are optional.
type Deps struct {
	Store         *store.MemoryStore
	Sync          *chatsync.Synchronizer
	Reads         *readstate.Tracker
	Stream        transport.StreamSource
	Conversations ConversationFetcher
}

// Controller owns the sessions of one client.
type Controller struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu        sync.Mutex
	sessions  map[string]*Session
	streaming bool
	streamUp  bool
	shutdown  bool
}

// NewController creates a Controller. Nothing connects until a session
// does.
func NewController(deps Deps, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = DefaultFallbackInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = transport.DefaultRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With("component", "lifecycle"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for a conversation, creating it if there is
// none or the previous one ended. Cached history is loaded and the
// conversation is observed. Task sessions connect immediately; support
// sessions wait for Connect.
func (c *Controller) Open(ctx context.Context, conversationID string, kind store.Kind) (*Session, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid conversation kind %q", kind)
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	if s, ok := c.sessions[conversationID]; ok && s.State() != SessionEnded {
		c.mu.Unlock()
		// The view may have been closed since; resume observing it.
		c.deps.Sync.Observe(conversationID)
		if s.kind == store.KindTask {
			if err := c.Connect(ctx, conversationID); err != nil {
				return s, err
			}
		}
		return s, nil
	}
	s := &Session{
		conversationID: conversationID,
		kind:           kind,
		pollBackoff:    transport.NewBackoff(c.cfg.FallbackInterval, c.cfg.PollBackoffCap),
	}
	s.poller = NewPollScheduler(c.intervalLocked(), func(ctx context.Context) {
		c.pollOnce(ctx, s)
	}, c.logger)
	c.sessions[conversationID] = s
	c.mu.Unlock()

	if err := c.deps.Store.Load(ctx, conversationID); err != nil {
		c.logger.Warn("loading cached conversation failed",
			"conversation_id", conversationID,
			"error", err)
	}
	if err := c.deps.Store.UpsertConversation(store.Conversation{ID: conversationID, Kind: kind}); err != nil {
		return nil, fmt.Errorf("recording conversation: %w", err)
	}
	c.deps.Sync.Observe(conversationID)

	if conv, ok := c.deps.Store.Conversation(conversationID); ok && conv.IsClosed {
		s.end()
		c.logger.Info("opened closed conversation", "conversation_id", conversationID)
		return s, nil
	}

	c.logger.Info("session opened", "conversation_id", conversationID, "kind", kind)
	if kind == store.KindTask {
		if err := c.Connect(ctx, conversationID); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Connect starts syncing a session: the shared stream when credentials
// allow it, and the session's poll schedule in every case.
func (c *Controller) Connect(ctx context.Context, conversationID string) error {
	s, err := c.session(conversationID)
	if err != nil {
		return err
	}
	ok, err := s.transition(SessionConnecting, SessionDisconnected)
	if err != nil || !ok {
		return err
	}

	c.deps.Sync.Observe(conversationID)
	c.ensureStream(ctx)

	// A closed frame may have ended the session while the stream came up.
	if _, err := s.transition(SessionConnected, SessionConnecting); err != nil {
		return err
	}

	c.mu.Lock()
	s.poller.SetInterval(c.intervalLocked())
	c.mu.Unlock()
	s.poller.Start(c.ctx)

	c.logger.Info("session connected", "conversation_id", conversationID)
	return nil
}

// Close tears down the view of a conversation: it stops observing it,
// flushes its read receipt and stops its polling. The session returns to
// disconnected unless it had ended.
func (c *Controller) Close(ctx context.Context, conversationID string) error {
	s, err := c.session(conversationID)
	if err != nil {
		return err
	}

	s.poller.Stop()
	c.deps.Sync.Forget(conversationID)
	_, _ = s.transition(SessionDisconnected, SessionConnecting, SessionConnected)

	if c.deps.Reads == nil {
		return nil
	}
	err = c.deps.Reads.Flush(ctx, conversationID)
	c.deps.Reads.Forget(conversationID)
	if err != nil {
		return fmt.Errorf("flushing read receipt: %w", err)
	}
	return nil
}

// Session returns the current session for a conversation.
func (c *Controller) Session(conversationID string) (*Session, bool) {
	s, err := c.session(conversationID)
	return s, err == nil
}

func (c *Controller) session(conversationID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return nil, ErrShutdown
	}
	s, ok := c.sessions[conversationID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// StreamUp reports whether the push stream is currently connected.
func (c *Controller) StreamUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamUp
}

func (c *Controller) intervalLocked() time.Duration {
	if c.streamUp {
		return c.cfg.IdleInterval
	}
	return c.cfg.FallbackInterval
}

// ensureStream connects the shared stream once. Missing or expired
// credentials leave the client in polling mode.
func (c *Controller) ensureStream(ctx context.Context) {
	if c.deps.Stream == nil {
		return
	}

	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return
	}
	c.streaming = true
	c.mu.Unlock()

	started := false
	defer func() {
		if !started {
			c.mu.Lock()
			c.streaming = false
			c.mu.Unlock()
		}
	}()

	if c.cfg.Credentials == nil {
		c.logger.Info("no credential provider, polling only")
		return
	}
	raw, _ := c.cfg.Credentials.Credentials(ctx)
	creds, err := auth.Usable(raw, c.cfg.Now())
	if err != nil {
		c.logger.Info("stream not started, polling only", "reason", err)
		return
	}

	msgs, err := c.deps.Stream.Connect(c.ctx, creds)
	if err != nil {
		c.logger.Warn("stream connect failed, polling only", "error", err)
		return
	}
	started = true

	c.bg.Add(2)
	go c.route(msgs)
	go c.watchStream()
}

// route feeds stream messages to the synchronizer until the stream closes.
func (c *Controller) route(msgs <-chan transport.IncomingMessage) {
	defer c.bg.Done()
	for msg := range msgs {
		if msg.Closed {
			c.endSession(msg.ConversationID, true)
		}
		c.deps.Sync.HandleStream(msg)
	}
}

// watchStream moves every poll schedule between idle and fallback cadence
// as the stream comes and goes.
func (c *Controller) watchStream() {
	defer c.bg.Done()
	states := c.deps.Stream.States()
	for {
		select {
		case <-c.ctx.Done():
			return
		case st := <-states:
			c.mu.Lock()
			up := st == transport.StreamConnected
			changed := up != c.streamUp
			c.streamUp = up
			interval := c.intervalLocked()
			pollers := make([]*PollScheduler, 0, len(c.sessions))
			for _, s := range c.sessions {
				pollers = append(pollers, s.poller)
			}
			c.mu.Unlock()

			if !changed {
				continue
			}
			c.logger.Info("poll cadence changed", "stream", st, "interval", interval)
			for _, p := range pollers {
				p.SetInterval(interval)
			}
		}
	}
}

// pollOnce is one tick of a session's schedule.
func (c *Controller) pollOnce(ctx context.Context, s *Session) {
	if s.State() == SessionEnded {
		s.poller.halt()
		return
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := c.deps.Sync.Poll(ctx, s.conversationID); err != nil {
		if parent.Err() != nil {
			return
		}
		c.logger.Warn("poll failed", "conversation_id", s.conversationID, "error", err)
		if transport.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			c.backOffPoll(s)
		}
		return
	}
	if s.backedOff {
		s.backedOff = false
		s.pollBackoff.Reset()
		c.mu.Lock()
		interval := c.intervalLocked()
		c.mu.Unlock()
		s.poller.SetInterval(interval)
	}

	if c.deps.Conversations == nil {
		return
	}
	info, err := c.deps.Conversations.FetchConversation(ctx, s.conversationID)
	if err != nil {
		c.logger.Debug("conversation refresh failed", "conversation_id", s.conversationID, "error", err)
		return
	}
	if len(info.ParticipantIDs) > 0 {
		_ = c.deps.Store.UpsertConversation(store.Conversation{ID: s.conversationID, ParticipantIDs: info.ParticipantIDs})
	}
	if info.Closed {
		c.deps.Sync.HandleClosed(s.conversationID)
		// Running inside the poller; stopping must not wait on ourselves.
		c.endSession(s.conversationID, false)
	}
}

// backOffPoll stretches the next tick after a transient poll failure while
// polling stands in for the stream. With the stream up the regular idle
// tick is the retry.
func (c *Controller) backOffPoll(s *Session) {
	if c.StreamUp() {
		return
	}
	delay := max(s.pollBackoff.Next(), c.cfg.FallbackInterval)
	s.backedOff = true
	s.poller.SetInterval(delay)
	c.logger.Debug("poll backing off", "conversation_id", s.conversationID, "delay", delay)
}

// endSession ends the session for a conversation the backend closed.
func (c *Controller) endSession(conversationID string, wait bool) {
	c.mu.Lock()
	s, ok := c.sessions[conversationID]
	c.mu.Unlock()
	if !ok || !s.end() {
		return
	}

	if wait {
		s.poller.Stop()
	} else {
		s.poller.halt()
	}
	c.logger.Info("session ended", "conversation_id", conversationID)
}

// Shutdown stops every session, flushing pending read receipts, then
// disconnects the stream. It is safe to call more than once.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			s.poller.Stop()
			c.deps.Sync.Forget(s.conversationID)
			if c.deps.Reads == nil {
				return nil
			}
			if err := c.deps.Reads.Flush(gctx, s.conversationID); err != nil {
				return fmt.Errorf("flushing %s: %w", s.conversationID, err)
			}
			return nil
		})
	}
	err := g.Wait()

	if c.deps.Stream != nil {
		c.deps.Stream.Disconnect()
	}
	c.cancel()
	c.bg.Wait()

	c.logger.Info("lifecycle controller shut down", "sessions", len(sessions))
	return err
}
