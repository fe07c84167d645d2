// ABOUTME: Error taxonomy for backend calls: transient, token-expired and rejected
// ABOUTME: Maps HTTP status codes and network failures onto sentinel errors

package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes. Check with errors.Is.
var (
	ErrTransient    = errors.New("transient backend failure")
	ErrTokenExpired = errors.New("negotiation token expired")
	ErrRejected     = errors.New("rejected by backend")
)

// StatusError is a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Message    string
	class      error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// NewStatusError classifies a status code the way the REST client does.
func NewStatusError(code int, message string, tokenEndpoint bool) *StatusError {
	return &StatusError{StatusCode: code, Message: message, class: classifyStatus(code, tokenEndpoint)}
}

// Unwrap exposes the error class.
func (e *StatusError) Unwrap() error {
	return e.class
}

// classifyStatus maps a status code to an error class. Token endpoints
// report consumed or expired tokens as 404/410.
func classifyStatus(code int, tokenEndpoint bool) error {
	switch {
	case tokenEndpoint && (code == http.StatusNotFound || code == http.StatusGone):
		return ErrTokenExpired
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ErrTransient
	default:
		return ErrRejected
	}
}

// transient wraps a network level failure.
func transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
