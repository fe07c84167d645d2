// ABOUTME: JSON REST client for messages, read receipts and negotiation tokens
// ABOUTME: Serves as the poll source and classifies failures into the transport error taxonomy

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/chatsync/internal/auth"
)

// DefaultRequestTimeout bounds each REST call when none is configured.
const DefaultRequestTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 4096

// RESTClient communicates with the backend HTTP API.
type RESTClient struct {
	baseURL string
	client  *http.Client
	auth    auth.Provider
	timeout time.Duration
	logger  *slog.Logger
}

// RESTOption configures a RESTClient.
type RESTOption func(*RESTClient)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(r *RESTClient) { r.client = c }
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) RESTOption {
	return func(r *RESTClient) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RESTOption {
	return func(r *RESTClient) {
		if l != nil {
			r.logger = l.With("component", "rest")
		}
	}
}

// NewRESTClient creates a client for baseURL. provider may be nil for
// unauthenticated use.
func NewRESTClient(baseURL string, provider auth.Provider, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		auth:    provider,
		timeout: DefaultRequestTimeout,
		logger:  slog.Default().With("component", "rest"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type messagesResponse struct {
	Messages []IncomingMessage `json:"messages"`
}

// FetchMessages returns every message of the conversation created after
// since. A zero since fetches the full history.
func (c *RESTClient) FetchMessages(ctx context.Context, conversationID string, since time.Time) ([]IncomingMessage, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	var resp messagesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, false, ""); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	out := make([]IncomingMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		switch {
		case m.ConversationID == "":
			m.ConversationID = conversationID
		case m.ConversationID != conversationID:
			c.logger.Warn("dropping polled message routed to another conversation",
				"requested", conversationID,
				"conversation_id", m.ConversationID,
				"message_id", m.ID)
			continue
		}
		if !since.IsZero() && !m.CreatedAt.After(since) {
			continue
		}
		m.Source = SourcePoll
		out = append(out, m)
	}
	return out, nil
}

// SendMessage creates a message. The client nonce doubles as the
// idempotency key so retries never create duplicates.
func (c *RESTClient) SendMessage(ctx context.Context, req SendRequest) (IncomingMessage, error) {
	path := "/api/conversations/" + url.PathEscape(req.ConversationID) + "/messages"

	var msg IncomingMessage
	if err := c.do(ctx, http.MethodPost, path, req, &msg, false, req.ClientNonce); err != nil {
		return IncomingMessage{}, fmt.Errorf("sending message: %w", err)
	}
	if msg.ConversationID == "" {
		msg.ConversationID = req.ConversationID
	}
	if msg.ClientNonce == "" {
		msg.ClientNonce = req.ClientNonce
	}
	msg.Source = SourceSend
	return msg, nil
}

// MarkRead records that the user has read up to messageID.
func (c *RESTClient) MarkRead(ctx context.Context, conversationID, messageID string) error {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/read"
	body := map[string]string{"message_id": messageID}
	if err := c.do(ctx, http.MethodPost, path, body, nil, false, ""); err != nil {
		return fmt.Errorf("marking read: %w", err)
	}
	return nil
}

// FetchConversation returns the backend's view of a conversation.
func (c *RESTClient) FetchConversation(ctx context.Context, conversationID string) (ConversationInfo, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID)
	var info ConversationInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &info, false, ""); err != nil {
		return ConversationInfo{}, fmt.Errorf("fetching conversation: %w", err)
	}
	return info, nil
}

// FetchNegotiationTokens fetches accept/reject tokens for a negotiation
// notification. Consumed or expired offers yield ErrTokenExpired.
func (c *RESTClient) FetchNegotiationTokens(ctx context.Context, notificationID string) (NegotiationTokens, error) {
	path := "/api/notifications/" + url.PathEscape(notificationID) + "/negotiation-tokens"
	var tokens NegotiationTokens
	if err := c.do(ctx, http.MethodGet, path, nil, &tokens, true, ""); err != nil {
		return NegotiationTokens{}, fmt.Errorf("fetching negotiation tokens: %w", err)
	}
	return tokens, nil
}

// RespondNegotiation accepts or rejects an offer with a single-use token.
func (c *RESTClient) RespondNegotiation(ctx context.Context, req NegotiationResponse) error {
	path := fmt.Sprintf("/api/tasks/%s/applications/%s/negotiation",
		url.PathEscape(req.TaskID), url.PathEscape(req.ApplicationID))
	if err := c.do(ctx, http.MethodPost, path, req, nil, true, req.Token); err != nil {
		return fmt.Errorf("responding to negotiation: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// do performs one request. in and out may be nil.
func (c *RESTClient) do(ctx context.Context, method, path string, in, out any, tokenEndpoint bool, idempotencyKey string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.auth != nil {
		if creds, ok := c.auth.Credentials(ctx); ok {
			req.Header.Set("Authorization", "Bearer "+creds.Token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp, tokenEndpoint)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return transient(err)
		}
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// statusError extracts the error message from a non-2xx response.
func (c *RESTClient) statusError(resp *http.Response, tokenEndpoint bool) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(data))
	var errResp errorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	return NewStatusError(resp.StatusCode, msg, tokenEndpoint)
}
