// ABOUTME: Shared push stream over gorilla/websocket with reconnect and keepalive
// ABOUTME: Emits IncomingMessage values and publishes connection state as a latest-value channel

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/chatsync/internal/auth"
	"github.com/2389/chatsync/internal/metrics"
)

const (
	// Time allowed to read the next frame (including pongs).
	pongWait = 60 * time.Second
	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Time allowed to write a control frame.
	writeWait = 10 * time.Second
	// Buffer between the read pump and the consumer.
	streamBufferSize = 256
)

// ErrAlreadyConnected is returned by Connect while a stream is running.
var ErrAlreadyConnected = errors.New("stream already connected")

// StreamState is the connectivity of the push stream.
type StreamState int

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamFailed // closed unexpectedly, waiting to reconnect
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamFailed:
		return "failed"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

// StreamSource is a push transport shared by all conversations.
type StreamSource interface {
	// Connect starts the stream. The returned channel is closed after
	// Disconnect or when ctx ends.
	Connect(ctx context.Context, creds auth.Credentials) (<-chan IncomingMessage, error)
	// Disconnect stops the stream. Safe to call in any state, any number of times.
	Disconnect()
	// State returns the current state.
	State() StreamState
	// States delivers state changes; only the latest unread value is kept.
	States() <-chan StreamState
}

// StreamOption configures a WebSocketStream.
type StreamOption func(*WebSocketStream)

// WithStreamBackoff sets the reconnect policy.
func WithStreamBackoff(base, cap time.Duration) StreamOption {
	return func(s *WebSocketStream) {
		s.backoffBase = base
		s.backoffCap = cap
	}
}

// WithStreamLogger sets the logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(s *WebSocketStream) {
		if l != nil {
			s.logger = l.With("component", "stream")
		}
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) StreamOption {
	return func(s *WebSocketStream) { s.dialer = d }
}

// WebSocketStream implements StreamSource over a websocket.
type WebSocketStream struct {
	url         string
	dialer      *websocket.Dialer
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	state  StreamState
	cancel context.CancelFunc
	done   chan struct{}
	states chan StreamState
}

// NewWebSocketStream creates a stream for the given ws:// or wss:// URL.
func NewWebSocketStream(rawURL string, opts ...StreamOption) *WebSocketStream {
	s := &WebSocketStream{
		url:         rawURL,
		dialer:      websocket.DefaultDialer,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		logger:      slog.Default().With("component", "stream"),
		states:      make(chan StreamState, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect starts the read loop. It returns immediately; connection
// progress is reported through States.
func (s *WebSocketStream) Connect(ctx context.Context, creds auth.Credentials) (<-chan IncomingMessage, error) {
	if creds.Token == "" {
		return nil, auth.ErrNoCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, ErrAlreadyConnected
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan IncomingMessage, streamBufferSize)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go s.run(runCtx, creds, out, done)
	return out, nil
}

// Disconnect stops the stream and waits for the read loop to exit.
func (s *WebSocketStream) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("stream disconnected")
}

// State returns the current state.
func (s *WebSocketStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// States delivers state changes.
func (s *WebSocketStream) States() <-chan StreamState {
	return s.states
}

func (s *WebSocketStream) setState(st StreamState) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	metrics.SetStreamUp(st == StreamConnected)

	// Replace any unread value with the latest one.
	select {
	case <-s.states:
	default:
	}
	select {
	case s.states <- st:
	default:
	}
}

func (s *WebSocketStream) run(ctx context.Context, creds auth.Credentials, out chan<- IncomingMessage, done chan struct{}) {
	defer close(done)
	defer close(out)
	defer s.setState(StreamDisconnected)

	bo := NewBackoff(s.backoffBase, s.backoffCap)
	for {
		s.setState(StreamConnecting)

		conn, err := s.dial(ctx, creds)
		if err == nil {
			s.setState(StreamConnected)
			s.logger.Info("stream connected", "user_id", creds.UserID)
			bo.Reset()
			err = s.readLoop(ctx, conn, out)
			conn.Close()
		}

		if ctx.Err() != nil {
			return
		}

		s.setState(StreamFailed)
		delay := bo.Next()
		s.logger.Warn("stream closed unexpectedly, reconnecting",
			"error", err,
			"delay", delay)
		metrics.StreamReconnects.Inc()

		if Sleep(ctx, delay) != nil {
			return
		}
	}
}

func (s *WebSocketStream) dial(ctx context.Context, creds auth.Credentials) (*websocket.Conn, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("parsing stream url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", creds.UserID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing stream: %w", err)
	}
	return conn, nil
}

// readLoop pumps frames from conn into out until the connection fails or
// ctx is cancelled.
func (s *WebSocketStream) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- IncomingMessage) error {
	stop := make(chan struct{})
	defer close(stop)
	go s.keepalive(ctx, conn, stop)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, ok := s.decode(data)
		if !ok {
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// keepalive pings the server and closes conn when ctx ends so a blocked
// ReadMessage returns.
func (s *WebSocketStream) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("ping failed", "error", err)
			}
		}
	}
}

// decode turns one text frame into an IncomingMessage. Frames that cannot
// be routed to a conversation are dropped.
func (s *WebSocketStream) decode(data []byte) (IncomingMessage, bool) {
	var frame streamFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("dropping malformed stream frame", "error", err)
		metrics.RecordDrop(metrics.DropInvalid)
		return IncomingMessage{}, false
	}

	switch frame.Type {
	case FramePing:
		return IncomingMessage{}, false

	case FrameConversationClosed:
		if frame.ConversationID == "" {
			s.logger.Warn("dropping conversation_closed frame without conversation id")
			metrics.RecordDrop(metrics.DropUnrouted)
			return IncomingMessage{}, false
		}
		return IncomingMessage{ConversationID: frame.ConversationID, Closed: true, Source: SourceStream}, true

	case FrameMessage:
		if frame.Message == nil {
			s.logger.Warn("dropping message frame without payload")
			metrics.RecordDrop(metrics.DropInvalid)
			return IncomingMessage{}, false
		}
		msg := *frame.Message
		if msg.ConversationID == "" {
			msg.ConversationID = frame.ConversationID
		}
		if msg.ConversationID == "" {
			s.logger.Warn("dropping stream message without conversation id", "message_id", msg.ID)
			metrics.RecordDrop(metrics.DropUnrouted)
			return IncomingMessage{}, false
		}
		msg.Source = SourceStream
		return msg, true

	default:
		s.logger.Debug("ignoring unknown stream frame", "type", frame.Type)
		return IncomingMessage{}, false
	}
}
