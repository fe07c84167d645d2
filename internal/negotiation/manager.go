// ABOUTME: Negotiation token manager: resolves, time-bounds and consumes accept/reject tokens
// ABOUTME: Shares in-flight fetches with singleflight and serializes actions per notification

package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/chatsync/internal/conversation"
	"github.com/2389/chatsync/internal/metrics"
	"github.com/2389/chatsync/internal/transport"
)

// DefaultOfferWindow is the local expiry estimate used until the backend
// reports the real expiry.
const DefaultOfferWindow = 300 * time.Second

// Errors returned by the Manager.
var (
	ErrNotFound      = errors.New("negotiation token not found")
	ErrNotNegotiable = errors.New("notification is not a negotiation offer")
	ErrNotActionable = errors.New("negotiation token cannot perform this action")
)

// Backend is the slice of the REST API the manager uses.
type Backend interface {
	FetchNegotiationTokens(ctx context.Context, notificationID string) (transport.NegotiationTokens, error)
	RespondNegotiation(ctx context.Context, req transport.NegotiationResponse) error
}

// TokenObserver is notified when a token changes.
type TokenObserver interface {
	OnTokenStateChanged(notificationID string)
}

// TokenObserverFunc adapts a function to TokenObserver.
type TokenObserverFunc func(notificationID string)

// OnTokenStateChanged calls f.
func (f TokenObserverFunc) OnTokenStateChanged(notificationID string) { f(notificationID) }

// Config tunes the Manager.
type Config struct {
	OfferWindow time.Duration
	Now         func() time.Time
}

type entry struct {
	token  Token
	action sync.Mutex // serializes accept/reject

	// responding is set while an accept/reject is with the backend. Expiry
	// is deferred until the backend answers so an accepted offer is never
	// reported as expired.
	responding bool
}

// Manager owns every negotiation Token, keyed by notification id.
type Manager struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	fetches singleflight.Group
	changes *conversation.Broadcaster
}

// NewManager creates a Manager.
func NewManager(backend Backend, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = DefaultOfferWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With("component", "negotiation"),
		entries: make(map[string]*entry),
		changes: conversation.NewBroadcaster(logger),
	}
}

// Subscribe registers obs for changes to any token.
func (m *Manager) Subscribe(obs TokenObserver) (unsubscribe func()) {
	return m.changes.Subscribe(conversation.AllKeys, obs.OnTokenStateChanged)
}

// Resolve returns the token for a negotiation offer, creating it on first
// use. A notification that already names its task is answered locally. An
// offer whose local estimate has passed before the backend was consulted
// resolves to expired without a network call. An expired-class backend
// answer is a normal outcome and yields an expired token with a nil error.
func (m *Manager) Resolve(ctx context.Context, n Notification) (Token, error) {
	if n.Kind() != KindNegotiationOffer {
		return Token{}, ErrNotNegotiable
	}
	if n.ID == "" {
		return Token{}, fmt.Errorf("notification id is required")
	}

	m.mu.Lock()
	e, ok := m.entries[n.ID]
	if !ok {
		e = m.newEntryLocked(n)
	}
	changed := m.checkExpiryLocked(e)
	tok := e.token.clone()
	needFetch := !tok.State.Terminal() && !tok.Authoritative && tok.TaskID == ""
	m.mu.Unlock()

	if changed {
		m.changes.Publish(n.ID)
	}
	if !needFetch {
		return tok, nil
	}
	return m.refresh(ctx, n.ID)
}

func (m *Manager) newEntryLocked(n Notification) *entry {
	created := n.CreatedAt
	if created.IsZero() {
		created = m.cfg.Now()
	}
	e := &entry{token: Token{
		NotificationID:      n.ID,
		ApplicationID:       n.RelatedID,
		TaskID:              n.TaskID,
		CreatedAt:           created,
		LocalExpiryEstimate: created.Add(m.cfg.OfferWindow),
		State:               StateUnconsumed,
	}}
	m.entries[n.ID] = e
	return e
}

// refresh fetches tokens from the backend. Concurrent refreshes of the same
// notification share one request, which is not cancelled by the caller.
func (m *Manager) refresh(ctx context.Context, notificationID string) (Token, error) {
	fetchCtx := context.WithoutCancel(ctx)
	v, err, shared := m.fetches.Do(notificationID, func() (any, error) {
		return m.backend.FetchNegotiationTokens(fetchCtx, notificationID)
	})
	if shared {
		m.logger.Debug("shared in-flight token fetch", "notification_id", notificationID)
	}

	m.mu.Lock()
	e, ok := m.entries[notificationID]
	if !ok {
		m.mu.Unlock()
		return Token{}, ErrNotFound
	}

	changed := false
	switch {
	case errors.Is(err, transport.ErrTokenExpired):
		changed = m.transitionLocked(e, StateExpired)
		err = nil
	case err != nil:
		err = fmt.Errorf("fetching negotiation tokens: %w", err)
	default:
		changed = m.applyLocked(e, v.(transport.NegotiationTokens))
	}
	tok := e.token.clone()
	m.mu.Unlock()

	if changed {
		m.changes.Publish(notificationID)
	}
	return tok, err
}

// applyLocked stores a fetch result. Terminal tokens are never revived.
func (m *Manager) applyLocked(e *entry, res transport.NegotiationTokens) bool {
	if e.token.State.Terminal() {
		return false
	}

	t := &e.token
	t.Authoritative = true
	t.AcceptToken = res.AcceptToken
	t.RejectToken = res.RejectToken
	if res.ExpiresAt != nil {
		exp := *res.ExpiresAt
		t.ExpiresAt = &exp
	}
	if res.TaskID != "" {
		t.TaskID = res.TaskID
	}
	if res.ApplicationID != "" {
		t.ApplicationID = res.ApplicationID
	}
	t.TaskStatus = res.TaskStatus

	if t.AcceptToken == "" && t.RejectToken == "" {
		m.transitionLocked(e, StateExpired)
		return true
	}
	m.checkExpiryLocked(e)
	return true
}

// checkExpiryLocked expires a token whose task has closed or whose
// deadline has passed. Task status wins over the timer.
func (m *Manager) checkExpiryLocked(e *entry) bool {
	t := &e.token
	if t.State.Terminal() || e.responding {
		return false
	}
	if TaskStatusClosed(t.TaskStatus) {
		return m.transitionLocked(e, StateExpired)
	}
	if !m.cfg.Now().Before(t.Deadline()) {
		return m.transitionLocked(e, StateExpired)
	}
	return false
}

// transitionLocked moves a token to a terminal state exactly once.
func (m *Manager) transitionLocked(e *entry, to State) bool {
	if e.token.State.Terminal() {
		return false
	}
	e.token.State = to
	e.token.AcceptToken = ""
	e.token.RejectToken = ""
	metrics.RecordNegotiation(string(to))
	m.logger.Info("negotiation token transitioned",
		"notification_id", e.token.NotificationID,
		"task_id", e.token.TaskID,
		"state", to)
	return true
}

// Accept consumes the offer's accept token.
func (m *Manager) Accept(ctx context.Context, notificationID string) (State, error) {
	return m.act(ctx, notificationID, transport.ActionAccept)
}

// Reject consumes the offer's reject token.
func (m *Manager) Reject(ctx context.Context, notificationID string) (State, error) {
	return m.act(ctx, notificationID, transport.ActionReject)
}

// act performs one accept or reject. A terminal token returns its state
// without contacting the backend. Expiry is held off while the backend
// request is out, so a response the backend accepted is always reported
// as accepted. Failures other than expiry leave the token unconsumed so
// the user may retry.
func (m *Manager) act(ctx context.Context, notificationID string, action transport.NegotiationAction) (State, error) {
	m.mu.Lock()
	e, ok := m.entries[notificationID]
	m.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	e.action.Lock()
	defer e.action.Unlock()

	m.mu.Lock()
	changed := m.checkExpiryLocked(e)
	tok := e.token.clone()
	m.mu.Unlock()
	if changed {
		m.changes.Publish(notificationID)
	}
	if tok.State.Terminal() {
		return tok.State, nil
	}

	if !tok.Authoritative {
		var err error
		if tok, err = m.refresh(ctx, notificationID); err != nil {
			return StateUnconsumed, err
		}
		if tok.State.Terminal() {
			return tok.State, nil
		}
	}

	secret, to := tok.AcceptToken, StateAccepted
	if action == transport.ActionReject {
		secret, to = tok.RejectToken, StateRejected
	}
	if secret == "" || tok.TaskID == "" || tok.ApplicationID == "" {
		return tok.State, ErrNotActionable
	}

	m.mu.Lock()
	if m.checkExpiryLocked(e) {
		tok = e.token.clone()
		m.mu.Unlock()
		m.changes.Publish(notificationID)
		return tok.State, nil
	}
	e.responding = true
	m.mu.Unlock()

	err := m.backend.RespondNegotiation(ctx, transport.NegotiationResponse{
		TaskID:        tok.TaskID,
		ApplicationID: tok.ApplicationID,
		Action:        action,
		Token:         secret,
	})

	m.mu.Lock()
	e.responding = false
	switch {
	case errors.Is(err, transport.ErrTokenExpired):
		changed = m.transitionLocked(e, StateExpired)
		err = nil
	case err != nil:
		// Expiry observed while the request was out applies now.
		changed = m.checkExpiryLocked(e)
		m.logger.Warn("negotiation action failed",
			"notification_id", notificationID,
			"action", action,
			"error", err)
		err = fmt.Errorf("%s offer: %w", action, err)
	default:
		changed = m.transitionLocked(e, to)
	}
	state := e.token.State
	m.mu.Unlock()

	if changed {
		m.changes.Publish(notificationID)
	}
	return state, err
}

// ObserveTaskStatus records a task status seen elsewhere (e.g. a task
// update notification) and expires offers on a closed task.
func (m *Manager) ObserveTaskStatus(taskID, status string) int {
	if taskID == "" {
		return 0
	}

	var expired []string
	m.mu.Lock()
	for id, e := range m.entries {
		if e.token.TaskID != taskID || e.token.State.Terminal() {
			continue
		}
		e.token.TaskStatus = status
		if m.checkExpiryLocked(e) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.changes.Publish(id)
	}
	return len(expired)
}

// Token returns the current record, applying time-based expiry.
func (m *Manager) Token(notificationID string) (Token, bool) {
	m.mu.Lock()
	e, ok := m.entries[notificationID]
	if !ok {
		m.mu.Unlock()
		return Token{}, false
	}
	changed := m.checkExpiryLocked(e)
	tok := e.token.clone()
	m.mu.Unlock()

	if changed {
		m.changes.Publish(notificationID)
	}
	return tok, true
}

// State returns the token's consumed state.
func (m *Manager) State(notificationID string) (State, bool) {
	tok, ok := m.Token(notificationID)
	return tok.State, ok
}

// Remaining returns the countdown for the UI at now.
func (m *Manager) Remaining(notificationID string, now time.Time) time.Duration {
	tok, ok := m.Token(notificationID)
	if !ok {
		return 0
	}
	return tok.Remaining(now)
}

// Close stops observer delivery.
func (m *Manager) Close() {
	m.changes.Close()
}
