// ABOUTME: Tests for the negotiation token manager with a fake backend and clock
// ABOUTME: Covers local expiry estimates, authoritative expiry, single-use actions and status-forced expiry

package negotiation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatsync/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeBackend struct {
	fetches  atomic.Int32
	responds atomic.Int32

	mu         sync.Mutex
	tokens     transport.NegotiationTokens
	fetchErr   error
	respondErr error
	fetchGate  chan struct{}
	respGate   chan struct{}
	lastResp   transport.NegotiationResponse
}

func (b *fakeBackend) FetchNegotiationTokens(ctx context.Context, id string) (transport.NegotiationTokens, error) {
	b.fetches.Add(1)
	b.mu.Lock()
	gate := b.fetchGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens, b.fetchErr
}

func (b *fakeBackend) RespondNegotiation(ctx context.Context, req transport.NegotiationResponse) error {
	b.responds.Add(1)
	b.mu.Lock()
	gate := b.respGate
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastResp = req
	return b.respondErr
}

func (b *fakeBackend) setRespondErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.respondErr = err
}

func validTokens(expires time.Time) transport.NegotiationTokens {
	return transport.NegotiationTokens{
		AcceptToken:   "acc-1",
		RejectToken:   "rej-1",
		ExpiresAt:     &expires,
		TaskID:        "task-1",
		ApplicationID: "app-1",
		TaskStatus:    "open",
	}
}

func offer(id string) Notification {
	return Notification{ID: id, Type: "negotiation_offer", RelatedID: "app-1", CreatedAt: t0}
}

func newTestManager(t *testing.T, b *fakeBackend) (*Manager, *clock) {
	t.Helper()
	c := &clock{now: t0}
	m := NewManager(b, Config{Now: c.Now}, nil)
	t.Cleanup(m.Close)
	return m, c
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want NotificationKind
	}{
		{"negotiation_offer", KindNegotiationOffer},
		{"application_message", KindApplicationMessage},
		{"task_completed", KindTaskUpdate},
		{"task_", KindTaskUpdate},
		{"activity_like", KindActivity},
		{"negotiation_offer_v2", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		if got := ParseKind(tt.in); got != tt.want {
			t.Errorf("ParseKind(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestResolve_RejectsOtherKinds(t *testing.T) {
	b := &fakeBackend{}
	m, _ := newTestManager(t, b)

	_, err := m.Resolve(context.Background(), Notification{ID: "n1", Type: "task_update"})
	assert.ErrorIs(t, err, ErrNotNegotiable)
	assert.Zero(t, b.fetches.Load())
}

func TestResolve_LocalEstimateExpiredWithoutNetwork(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(600 * time.Second))}
	m, c := newTestManager(t, b)
	c.Set(t0.Add(301 * time.Second))

	tok, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)
	assert.Equal(t, StateExpired, tok.State)
	assert.Zero(t, b.fetches.Load(), "no network round trip needed")
}

func TestResolve_AuthoritativeExpiryWins(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(600 * time.Second))}
	m, c := newTestManager(t, b)

	tok, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)
	assert.True(t, tok.Authoritative)
	assert.Equal(t, StateUnconsumed, tok.State)
	assert.True(t, tok.LocalExpiryEstimate.Equal(t0.Add(300*time.Second)))

	c.Set(t0.Add(301 * time.Second))
	state, ok := m.State("n1")
	require.True(t, ok)
	assert.Equal(t, StateUnconsumed, state)
	assert.Equal(t, 299*time.Second, m.Remaining("n1", c.Now()))

	c.Set(t0.Add(600 * time.Second))
	state, _ = m.State("n1")
	assert.Equal(t, StateExpired, state)
	assert.Zero(t, m.Remaining("n1", c.Now()))
}

func TestResolve_FastPathSkipsNetwork(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(600 * time.Second))}
	m, c := newTestManager(t, b)

	n := offer("n1")
	n.TaskID = "task-1"
	tok, err := m.Resolve(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, tok.Authoritative)
	assert.Equal(t, "task-1", tok.TaskID)
	assert.Equal(t, StateUnconsumed, tok.State)
	assert.Zero(t, b.fetches.Load())
	assert.Equal(t, 300*time.Second, m.Remaining("n1", c.Now()), "countdown renders from the estimate")

	// Acting fetches tokens first.
	c.Set(t0.Add(100 * time.Second))
	state, err := m.Accept(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, state)
	assert.Equal(t, int32(1), b.fetches.Load())
	assert.Equal(t, "acc-1", b.lastResp.Token)
}

func TestResolve_ExpiredClassIsSilent(t *testing.T) {
	b := &fakeBackend{fetchErr: transport.NewStatusError(404, "no such offer", true)}
	m, _ := newTestManager(t, b)

	tok, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)
	assert.Equal(t, StateExpired, tok.State)
}

func TestResolve_TransientFailureKeepsEstimate(t *testing.T) {
	b := &fakeBackend{fetchErr: transport.ErrTransient}
	m, _ := newTestManager(t, b)

	tok, err := m.Resolve(context.Background(), offer("n1"))
	assert.ErrorIs(t, err, transport.ErrTransient)
	assert.Equal(t, StateUnconsumed, tok.State)
	assert.False(t, tok.Authoritative)
}

func TestResolve_ClosedTaskStatusForcesExpiry(t *testing.T) {
	tokens := validTokens(t0.Add(time.Hour))
	tokens.TaskStatus = "pending_payment"
	b := &fakeBackend{tokens: tokens}
	m, _ := newTestManager(t, b)

	tok, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)
	assert.Equal(t, StateExpired, tok.State, "status wins over a timer that says not yet")
	assert.Empty(t, tok.AcceptToken)
}

func TestResolve_MissingTokensMeansExpired(t *testing.T) {
	expires := t0.Add(time.Hour)
	b := &fakeBackend{tokens: transport.NegotiationTokens{ExpiresAt: &expires}}
	m, _ := newTestManager(t, b)

	tok, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)
	assert.Equal(t, StateExpired, tok.State)
}

func TestResolve_ConcurrentCallsShareOneFetch(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{tokens: validTokens(t0.Add(time.Hour)), fetchGate: gate}
	m, _ := newTestManager(t, b)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.Resolve(context.Background(), offer("n1"))
			assert.NoError(t, err)
			assert.True(t, tok.Authoritative)
		}()
	}
	require.Eventually(t, func() bool { return b.fetches.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), b.fetches.Load())
}

func TestAccept_TwiceMakesOneBackendCall(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(time.Hour))}
	m, _ := newTestManager(t, b)
	ctx := context.Background()

	_, err := m.Resolve(ctx, offer("n1"))
	require.NoError(t, err)

	state, err := m.Accept(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, state)

	state, err = m.Accept(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, state)

	state, err = m.Reject(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, state, "terminal state never changes")

	assert.Equal(t, int32(1), b.responds.Load())
	assert.Equal(t, transport.ActionAccept, b.lastResp.Action)
	assert.Equal(t, "task-1", b.lastResp.TaskID)
	assert.Equal(t, "app-1", b.lastResp.ApplicationID)
}

func TestAccept_ConcurrentCallsAreSingleFlight(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(time.Hour))}
	m, _ := newTestManager(t, b)
	_, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := m.Accept(context.Background(), "n1")
			assert.NoError(t, err)
			assert.Equal(t, StateAccepted, state)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), b.responds.Load())
}

func TestAccept_EndToEndNeverRefetched(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(300 * time.Second))}
	m, c := newTestManager(t, b)
	ctx := context.Background()

	_, err := m.Resolve(ctx, offer("n1"))
	require.NoError(t, err)

	c.Set(t0.Add(250 * time.Second))
	state, err := m.Accept(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, state)

	c.Set(t0.Add(time.Hour))
	tok, err := m.Resolve(ctx, offer("n1"))
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, tok.State)
	assert.Equal(t, int32(1), b.fetches.Load(), "token info is never fetched again")
}

func TestAccept_AfterDeadlineExpires(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(300 * time.Second))}
	m, c := newTestManager(t, b)

	_, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)

	c.Set(t0.Add(300 * time.Second))
	state, err := m.Accept(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, state)
	assert.Zero(t, b.responds.Load())
}

func TestAccept_BackendExpiryTransitions(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(time.Hour))}
	m, _ := newTestManager(t, b)
	_, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)

	b.setRespondErr(transport.NewStatusError(410, "consumed", true))

	state, err := m.Reject(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, state)
}

func TestAccept_FailureLeavesTokenUsable(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(time.Hour))}
	m, _ := newTestManager(t, b)
	_, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)

	b.setRespondErr(transport.NewStatusError(403, "not your offer", true))
	state, err := m.Accept(context.Background(), "n1")
	assert.ErrorIs(t, err, transport.ErrRejected)
	assert.Equal(t, StateUnconsumed, state)

	tok, ok := m.Token("n1")
	require.True(t, ok)
	assert.True(t, tok.Authoritative)
	assert.Equal(t, "acc-1", tok.AcceptToken)

	b.setRespondErr(nil)
	state, err = m.Accept(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, state)
	assert.Equal(t, int32(2), b.responds.Load())
}

func TestAccept_UnknownNotification(t *testing.T) {
	m, _ := newTestManager(t, &fakeBackend{})
	_, err := m.Accept(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := m.State("missing")
	assert.False(t, ok)
}

func TestObserveTaskStatus(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(time.Hour))}
	m, _ := newTestManager(t, b)
	_, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)

	assert.Zero(t, m.ObserveTaskStatus("task-1", "open"))
	assert.Equal(t, 1, m.ObserveTaskStatus("task-1", "in_progress"))
	assert.Zero(t, m.ObserveTaskStatus("task-1", "completed"), "already terminal")

	state, _ := m.State("n1")
	assert.Equal(t, StateExpired, state)
}

func TestSubscribe_NotifiesTransitions(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(time.Hour))}
	m, _ := newTestManager(t, b)

	changed := make(chan string, 10)
	unsubscribe := m.Subscribe(TokenObserverFunc(func(id string) { changed <- id }))
	defer unsubscribe()

	_, err := m.Resolve(context.Background(), offer("n1"))
	require.NoError(t, err)
	_, err = m.Accept(context.Background(), "n1")
	require.NoError(t, err)

	select {
	case id := <-changed:
		assert.Equal(t, "n1", id)
	case <-time.After(time.Second):
		t.Fatal("observer not notified")
	}
}

func TestToken_RemainingAndDeadline(t *testing.T) {
	exp := t0.Add(10 * time.Minute)
	tok := Token{LocalExpiryEstimate: t0.Add(5 * time.Minute), State: StateUnconsumed}
	assert.Equal(t, 5*time.Minute, tok.Remaining(t0))

	tok.ExpiresAt = &exp
	assert.True(t, tok.Deadline().Equal(exp))
	assert.Equal(t, 10*time.Minute, tok.Remaining(t0))
	assert.Zero(t, tok.Remaining(t0.Add(time.Hour)))

	tok.State = StateRejected
	assert.Zero(t, tok.Remaining(t0))
}

func TestAccept_ExpiryDuringBackendCallDoesNotHideAcceptance(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(10 * time.Minute)), respGate: make(chan struct{})}
	m, _ := newTestManager(t, b)
	ctx := context.Background()

	_, err := m.Resolve(ctx, offer("n1"))
	require.NoError(t, err)

	type result struct {
		state State
		err   error
	}
	done := make(chan result, 1)
	go func() {
		st, err := m.Accept(ctx, "n1")
		done <- result{st, err}
	}()
	require.Eventually(t, func() bool { return b.responds.Load() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, m.ObserveTaskStatus("task-1", "completed"), "expiry waits for the backend answer")
	st, _ := m.State("n1")
	assert.Equal(t, StateUnconsumed, st)

	close(b.respGate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StateAccepted, res.state)

	st, _ = m.State("n1")
	assert.Equal(t, StateAccepted, st)
}

func TestAccept_FailedCallAppliesDeferredExpiry(t *testing.T) {
	b := &fakeBackend{tokens: validTokens(t0.Add(10 * time.Minute)), respGate: make(chan struct{})}
	b.respondErr = transport.NewStatusError(403, "forbidden", false)
	m, _ := newTestManager(t, b)
	ctx := context.Background()

	_, err := m.Resolve(ctx, offer("n1"))
	require.NoError(t, err)

	done := make(chan State, 1)
	go func() {
		st, _ := m.Accept(ctx, "n1")
		done <- st
	}()
	require.Eventually(t, func() bool { return b.responds.Load() == 1 }, time.Second, time.Millisecond)

	m.ObserveTaskStatus("task-1", "cancelled")
	close(b.respGate)

	assert.Equal(t, StateExpired, <-done)
}
