// ABOUTME: Credentials provider contract consumed by the stream and REST transports
// ABOUTME: StaticProvider and FuncProvider adapt fixed or host-supplied credentials

package auth

import (
	"context"
	"sync"
)

// Credentials identify the logged-in user to the backend.
type Credentials struct {
	Token  string
	UserID string
}

// Provider supplies the current credentials. ok is false when the user is
// not logged in.
type Provider interface {
	Credentials(ctx context.Context) (creds Credentials, ok bool)
}

// FuncProvider adapts a function to the Provider interface.
type FuncProvider func(ctx context.Context) (Credentials, bool)

// Credentials calls f.
func (f FuncProvider) Credentials(ctx context.Context) (Credentials, bool) {
	return f(ctx)
}

// StaticProvider holds credentials set by the host application.
type StaticProvider struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewStaticProvider creates a provider seeded with creds.
func NewStaticProvider(creds Credentials) *StaticProvider {
	return &StaticProvider{creds: creds}
}

// Set replaces the credentials, e.g. after a token refresh.
func (p *StaticProvider) Set(creds Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds = creds
}

// Clear forgets the credentials (logout).
func (p *StaticProvider) Clear() {
	p.Set(Credentials{})
}

// Credentials returns the stored credentials; ok is false when no token is set.
func (p *StaticProvider) Credentials(_ context.Context) (Credentials, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.creds.Token == "" {
		return Credentials{}, false
	}
	return p.creds, true
}
