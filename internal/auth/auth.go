// Package auth issues and validates the opaque session tokens spec.md
// §4.2 describes: a bearer secret exchanged once per connection for a
// session token with a TTL, validated by constant-time comparison.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/defilantech/llmrund/internal/apperr"
)

// Token is the opaque session handle returned to a client after a
// successful handshake.
type Token struct {
	SessionID string
	Secret    string
	CreatedAt time.Time
}

type session struct {
	secret    string
	createdAt time.Time
	revoked   bool
}

// Authenticator validates bearer secrets and issues/validates session
// tokens. Guarded by a single RWMutex with short critical sections, per
// spec.md §5.
type Authenticator struct {
	mu       sync.RWMutex
	sessions map[string]*session

	bearer string
	ttl    time.Duration
	now    func() time.Time
}

// New constructs an Authenticator that accepts bearer as the only
// valid secret, issuing tokens with the given ttl.
func New(bearer string, ttl time.Duration) *Authenticator {
	return &Authenticator{
		sessions: make(map[string]*session),
		bearer:   bearer,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Authenticate compares bearer against the configured secret in
// constant time and, on success, mints a new, independently revocable
// session token. Two calls with the same bearer always yield distinct
// tokens.
func (a *Authenticator) Authenticate(bearer string) (Token, error) {
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(a.bearer)) != 1 {
		return Token{}, apperr.New(apperr.CodeNotAuthenticated, "invalid bearer token")
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return Token{}, apperr.Wrap(apperr.CodeInternal, "failed to generate session secret", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sessionID := uuid.NewString()
	createdAt := a.now()

	a.mu.Lock()
	a.sessions[sessionID] = &session{secret: secret, createdAt: createdAt}
	a.mu.Unlock()

	return Token{SessionID: sessionID, Secret: secret, CreatedAt: createdAt}, nil
}

// Validate checks that sessionID names a live, unexpired, unrevoked
// session.
func (a *Authenticator) Validate(sessionID string) error {
	a.mu.RLock()
	s, ok := a.sessions[sessionID]
	a.mu.RUnlock()

	if !ok {
		return apperr.New(apperr.CodeNotAuthenticated, "unknown session")
	}
	if s.revoked {
		return apperr.New(apperr.CodeNotAuthenticated, "session revoked")
	}
	if a.now().Sub(s.createdAt) > a.ttl {
		return apperr.New(apperr.CodeAuthExpired, "session expired")
	}
	return nil
}

// Revoke invalidates a session immediately. Safe to call more than once.
func (a *Authenticator) Revoke(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[sessionID]; ok {
		s.revoked = true
	}
}
