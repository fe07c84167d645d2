// Package transport adapts the backend's two message sources to one shape.
//
// # Sources
//
//   - WebSocketStream: the shared push connection. It reconnects on
//     unexpected closure with exponential backoff (base 1s, cap 30s, full
//     jitter) until Disconnect is called, and reports its state on a
//     latest-value channel.
//   - RESTClient: the JSON REST API. FetchMessages is the poll source used
//     for initial load and as the stream fallback; the other methods cover
//     sends, read receipts and negotiation tokens.
//
// Both sources emit IncomingMessage tagged with the conversation id.
// Messages whose conversation cannot be resolved are dropped with a
// warning.
//
// # Errors
//
// REST failures are classified into ErrTransient (retry later),
// ErrTokenExpired (negotiation token gone: a normal outcome) and
// ErrRejected (the backend refused the action). Use errors.Is.
package transport
