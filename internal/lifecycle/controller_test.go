// ABOUTME: Tests for the lifecycle controller
// ABOUTME: Uses a fake stream source and fake REST collaborators around a real store and synchronizer

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chatsync/internal/auth"
	"github.com/2389/chatsync/internal/chatsync"
	"github.com/2389/chatsync/internal/readstate"
	"github.com/2389/chatsync/internal/store"
	"github.com/2389/chatsync/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	testIdle     = time.Hour
	testFallback = 5 * time.Millisecond
)

type fakeStream struct {
	mu       sync.Mutex
	out      chan transport.IncomingMessage
	states   chan transport.StreamState
	connects int
	creds    auth.Credentials
	err      error
}

func newFakeStream() *fakeStream {
	return &fakeStream{states: make(chan transport.StreamState, 1)}
}

func (f *fakeStream) Connect(_ context.Context, creds auth.Credentials) (<-chan transport.IncomingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.connects++
	f.creds = creds
	f.out = make(chan transport.IncomingMessage, 16)
	return f.out, nil
}

func (f *fakeStream) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.out != nil {
		close(f.out)
		f.out = nil
	}
}

func (f *fakeStream) State() transport.StreamState { return transport.StreamDisconnected }

func (f *fakeStream) States() <-chan transport.StreamState { return f.states }

func (f *fakeStream) Push(msg transport.IncomingMessage) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- msg
}

func (f *fakeStream) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type fakeFetcher struct {
	mu    sync.Mutex
	msgs  []transport.IncomingMessage
	err   error
	calls atomic.Int32
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) FetchMessages(_ context.Context, _ string, since time.Time) ([]transport.IncomingMessage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []transport.IncomingMessage
	for _, m := range f.msgs {
		if m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeConversations struct {
	closed atomic.Bool
}

func (f *fakeConversations) FetchConversation(_ context.Context, id string) (transport.ConversationInfo, error) {
	return transport.ConversationInfo{ID: id, Closed: f.closed.Load(), ParticipantIDs: []string{"me", "agent"}}, nil
}

type fakeReceipts struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeReceipts) MarkRead(_ context.Context, _ string, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messageID)
	return nil
}

func (f *fakeReceipts) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	ctrl     *Controller
	store    *store.MemoryStore
	sync     *chatsync.Synchronizer
	stream   *fakeStream
	fetcher  *fakeFetcher
	convs    *fakeConversations
	receipts *fakeReceipts
}

func newHarness(t *testing.T, creds auth.Provider) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(nil),
		stream:   newFakeStream(),
		fetcher:  &fakeFetcher{},
		convs:    &fakeConversations{},
		receipts: &fakeReceipts{},
	}
	h.sync = chatsync.New(h.store, nil, h.fetcher, chatsync.Config{}, nil)
	reads := readstate.New(h.receipts, h.store, readstate.Config{Debounce: time.Hour}, nil)

	h.ctrl = NewController(Deps{
		Store:         h.store,
		Sync:          h.sync,
		Reads:         reads,
		Stream:        h.stream,
		Conversations: h.convs,
	}, Config{
		IdleInterval:     testIdle,
		FallbackInterval: testFallback,
		PollBackoffCap:   40 * time.Millisecond,
		Credentials:      creds,
		Now:              func() time.Time { return t0 },
	}, nil)

	t.Cleanup(func() {
		_ = h.ctrl.Shutdown(context.Background())
		reads.Close()
		h.sync.Close()
		h.store.Close()
	})
	return h
}

func validCreds() auth.Provider {
	return auth.NewStaticProvider(auth.Credentials{Token: "opaque", UserID: "me"})
}

func agent() *string { s := "agent"; return &s }

func TestController_SupportSessionWaitsForConnect(t *testing.T) {
	h := newHarness(t, validCreds())
	ctx := context.Background()

	s, err := h.ctrl.Open(ctx, "support-1", store.KindSupport)
	require.NoError(t, err)
	assert.Equal(t, SessionDisconnected, s.State())
	assert.Equal(t, store.KindSupport, s.Kind())
	assert.Equal(t, 0, h.stream.Connects())
	assert.True(t, h.sync.Observed("support-1"))

	require.NoError(t, h.ctrl.Connect(ctx, "support-1"))
	assert.Equal(t, SessionConnected, s.State())
	assert.Equal(t, 1, h.stream.Connects())
	require.Eventually(t, func() bool { return h.fetcher.calls.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestController_TaskSessionConnectsOnOpen(t *testing.T) {
	h := newHarness(t, validCreds())

	s, err := h.ctrl.Open(context.Background(), "task-1", store.KindTask)
	require.NoError(t, err)
	assert.Equal(t, SessionConnected, s.State())
	assert.Equal(t, 1, h.stream.Connects())

	again, err := h.ctrl.Open(context.Background(), "task-1", store.KindTask)
	require.NoError(t, err)
	assert.Same(t, s, again)
}

func TestController_OneStreamForManySessions(t *testing.T) {
	h := newHarness(t, validCreds())
	ctx := context.Background()

	_, err := h.ctrl.Open(ctx, "task-1", store.KindTask)
	require.NoError(t, err)
	_, err = h.ctrl.Open(ctx, "task-2", store.KindTask)
	require.NoError(t, err)

	assert.Equal(t, 1, h.stream.Connects())
}

func TestController_RoutesStreamMessages(t *testing.T) {
	h := newHarness(t, validCreds())

	_, err := h.ctrl.Open(context.Background(), "task-1", store.KindTask)
	require.NoError(t, err)

	h.stream.Push(transport.IncomingMessage{ID: "m1", ConversationID: "task-1", SenderID: agent(), Content: "hi", CreatedAt: t0})
	h.stream.Push(transport.IncomingMessage{ID: "x1", ConversationID: "elsewhere", Content: "ignored", CreatedAt: t0})

	require.Eventually(t, func() bool { return h.store.Len("task-1") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.store.Len("elsewhere"))
}

func TestController_ClosedFrameEndsSession(t *testing.T) {
	h := newHarness(t, validCreds())
	ctx := context.Background()

	s, err := h.ctrl.Open(ctx, "task-1", store.KindTask)
	require.NoError(t, err)

	h.stream.Push(transport.IncomingMessage{ConversationID: "task-1", Closed: true})

	require.Eventually(t, func() bool { return s.State() == SessionEnded }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		conv, ok := h.store.Conversation("task-1")
		return ok && conv.IsClosed
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, h.ctrl.Connect(ctx, "task-1"), ErrSessionEnded)

	reopened, err := h.ctrl.Open(ctx, "task-1", store.KindTask)
	require.NoError(t, err)
	assert.NotSame(t, s, reopened, "an ended session is never reused")
	assert.Equal(t, SessionEnded, reopened.State(), "a closed conversation cannot reconnect")
}

func TestController_PollReportingClosedEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.convs.closed.Store(true)

	s, err := h.ctrl.Open(context.Background(), "task-1", store.KindTask)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.State() == SessionEnded }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !s.poller.Running() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		conv, _ := h.store.Conversation("task-1")
		return conv.IsClosed
	}, time.Second, time.Millisecond)
}

func TestController_NoCredentialsPollsOnly(t *testing.T) {
	h := newHarness(t, auth.NewStaticProvider(auth.Credentials{}))
	h.fetcher.msgs = []transport.IncomingMessage{
		{ID: "m1", ConversationID: "task-1", SenderID: agent(), Content: "polled", CreatedAt: t0},
	}

	s, err := h.ctrl.Open(context.Background(), "task-1", store.KindTask)
	require.NoError(t, err)

	assert.Equal(t, SessionConnected, s.State())
	assert.Equal(t, 0, h.stream.Connects())
	assert.Equal(t, testFallback, s.poller.Interval())
	require.Eventually(t, func() bool { return h.store.Len("task-1") == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.fetcher.calls.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestController_ExpiredTokenPollsOnly(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "me",
		"exp": t0.Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	h := newHarness(t, auth.NewStaticProvider(auth.Credentials{Token: token}))

	_, err = h.ctrl.Open(context.Background(), "task-1", store.KindTask)
	require.NoError(t, err)
	assert.Equal(t, 0, h.stream.Connects())
	assert.False(t, h.ctrl.StreamUp())
}

func TestController_FailingPollsBackOffWhileStreamDown(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.setErr(fmt.Errorf("%w: connection reset", transport.ErrTransient))

	s, err := h.ctrl.Open(context.Background(), "task-1", store.KindTask)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.poller.Interval() > testFallback }, time.Second, time.Millisecond)
	assert.LessOrEqual(t, s.poller.Interval(), 40*time.Millisecond)

	h.fetcher.setErr(nil)
	require.Eventually(t, func() bool { return s.poller.Interval() == testFallback }, time.Second, time.Millisecond)
}

func TestController_RejectedPollKeepsCadence(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.setErr(fmt.Errorf("%w: forbidden", transport.ErrRejected))

	s, err := h.ctrl.Open(context.Background(), "task-1", store.KindTask)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.fetcher.calls.Load() >= 5 }, time.Second, time.Millisecond)
	assert.Equal(t, testFallback, s.poller.Interval())
}

func TestController_StreamConnectFailureFallsBackToPolling(t *testing.T) {
	h := newHarness(t, validCreds())
	h.stream.err = errors.New("dial refused")

	s, err := h.ctrl.Open(context.Background(), "task-1", store.KindTask)
	require.NoError(t, err)
	assert.Equal(t, SessionConnected, s.State())
	require.Eventually(t, func() bool { return h.fetcher.calls.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestController_CadenceFollowsStreamHealth(t *testing.T) {
	h := newHarness(t, validCreds())

	s, err := h.ctrl.Open(context.Background(), "task-1", store.KindTask)
	require.NoError(t, err)
	assert.Equal(t, testFallback, s.poller.Interval())

	h.stream.states <- transport.StreamConnected
	require.Eventually(t, func() bool { return s.poller.Interval() == testIdle }, time.Second, time.Millisecond)
	assert.True(t, h.ctrl.StreamUp())

	h.stream.states <- transport.StreamFailed
	require.Eventually(t, func() bool { return s.poller.Interval() == testFallback }, time.Second, time.Millisecond)
	assert.False(t, h.ctrl.StreamUp())
}

func TestController_CloseFlushesAndStopsPolling(t *testing.T) {
	h := newHarness(t, validCreds())
	ctx := context.Background()

	s, err := h.ctrl.Open(ctx, "task-1", store.KindTask)
	require.NoError(t, err)
	h.ctrl.deps.Reads.MarkVisible("task-1", "m1", t0, agent())

	require.NoError(t, h.ctrl.Close(ctx, "task-1"))

	assert.Equal(t, []string{"m1"}, h.receipts.Calls())
	assert.Equal(t, SessionDisconnected, s.State())
	assert.False(t, s.poller.Running())
	assert.False(t, h.sync.Observed("task-1"))

	// Reconnecting the same session is allowed.
	require.NoError(t, h.ctrl.Connect(ctx, "task-1"))
	assert.Equal(t, SessionConnected, s.State())
}

func TestController_ReopenAfterCloseResumesTaskSession(t *testing.T) {
	h := newHarness(t, validCreds())
	ctx := context.Background()

	s, err := h.ctrl.Open(ctx, "task-1", store.KindTask)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Close(ctx, "task-1"))
	require.Equal(t, SessionDisconnected, s.State())

	reopened, err := h.ctrl.Open(ctx, "task-1", store.KindTask)
	require.NoError(t, err)
	assert.Same(t, s, reopened)
	assert.Equal(t, SessionConnected, reopened.State())
	assert.True(t, h.sync.Observed("task-1"))
	assert.True(t, reopened.poller.Running())

	h.stream.Push(transport.IncomingMessage{ID: "m1", ConversationID: "task-1", SenderID: agent(), Content: "back", CreatedAt: t0})
	require.Eventually(t, func() bool { return h.store.Len("task-1") == 1 }, time.Second, time.Millisecond)
}

func TestController_ReopenAfterCloseObservesSupportSession(t *testing.T) {
	h := newHarness(t, validCreds())
	ctx := context.Background()

	_, err := h.ctrl.Open(ctx, "support-1", store.KindSupport)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Close(ctx, "support-1"))

	s, err := h.ctrl.Open(ctx, "support-1", store.KindSupport)
	require.NoError(t, err)
	assert.True(t, h.sync.Observed("support-1"))
	assert.Equal(t, SessionDisconnected, s.State(), "support sessions still wait for Connect")
}

func TestController_UnknownSession(t *testing.T) {
	h := newHarness(t, validCreds())

	assert.ErrorIs(t, h.ctrl.Connect(context.Background(), "nope"), ErrUnknownSession)
	assert.ErrorIs(t, h.ctrl.Close(context.Background(), "nope"), ErrUnknownSession)
	_, ok := h.ctrl.Session("nope")
	assert.False(t, ok)
}

func TestController_OpenValidates(t *testing.T) {
	h := newHarness(t, validCreds())

	_, err := h.ctrl.Open(context.Background(), "", store.KindTask)
	assert.Error(t, err)
	_, err = h.ctrl.Open(context.Background(), "c", store.Kind("group"))
	assert.Error(t, err)
}

func TestController_ShutdownStopsEverything(t *testing.T) {
	h := newHarness(t, validCreds())
	ctx := context.Background()

	s1, err := h.ctrl.Open(ctx, "task-1", store.KindTask)
	require.NoError(t, err)
	s2, err := h.ctrl.Open(ctx, "task-2", store.KindTask)
	require.NoError(t, err)
	h.ctrl.deps.Reads.MarkVisible("task-2", "m9", t0, agent())

	require.NoError(t, h.ctrl.Shutdown(ctx))
	require.NoError(t, h.ctrl.Shutdown(ctx))

	assert.False(t, s1.poller.Running())
	assert.False(t, s2.poller.Running())
	assert.Equal(t, []string{"m9"}, h.receipts.Calls())

	_, err = h.ctrl.Open(ctx, "task-3", store.KindTask)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", SessionDisconnected.String())
	assert.Equal(t, "connecting", SessionConnecting.String())
	assert.Equal(t, "connected", SessionConnected.String())
	assert.Equal(t, "ended", SessionEnded.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}
