// Package auth verifies bearer credentials at WebSocket handshake time.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/fido"

	"github.com/codeGROOVE-dev/ripple/pkg/logger"
	"github.com/codeGROOVE-dev/ripple/pkg/token"
)

const (
	bearerPrefix      = "Bearer "
	maxTokenLength    = 4096
	identityCacheSize = 8192
)

// ErrAuthenticationFailed is the only error a client ever sees for a refused
// handshake. Its text is part of the wire protocol.
var ErrAuthenticationFailed = errors.New("Authentication failed") //nolint:staticcheck,revive // wire-visible message

// Identity is an authenticated user.
type Identity struct {
	// ExpiresAt is when the credential stops being valid. Zero means the
	// verifier did not say.
	ExpiresAt time.Time `json:"-"`
	UserID    string    `json:"userId"`
	User      User      `json:"user"`
}

// User carries the profile fields the verifier knows about.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Verifier checks a bearer token and resolves it to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// cachedIdentity remembers a verified token until it would expire.
type cachedIdentity struct {
	expiresAt time.Time
	identity  Identity
}

// Gate authenticates handshake requests.
type Gate struct {
	verifier Verifier
	cache    *fido.Cache[string, cachedIdentity]
	ttl      time.Duration
	now      func() time.Time
}

// NewGate returns a Gate that caches verified identities for ttl.
// A ttl of zero disables caching.
func NewGate(v Verifier, ttl time.Duration) *Gate {
	g := &Gate{verifier: v, ttl: ttl, now: time.Now}
	if ttl > 0 {
		g.cache = fido.New[string, cachedIdentity](fido.Size(identityCacheSize), fido.TTL(ttl))
	}
	return g
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the "token" query parameter for browser clients.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, bearerPrefix) {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	return r.URL.Query().Get("token")
}

// Authenticate verifies the request's credential. Every failure is reported
// to the caller as ErrAuthenticationFailed; the cause is only logged.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	tok := BearerToken(r)
	if tok == "" || len(tok) > maxTokenLength {
		logger.Warn(ctx, "handshake rejected: missing or oversized token", logger.Fields{
			"remote_addr": r.RemoteAddr,
			"token_len":   len(tok),
		})
		return Identity{}, ErrAuthenticationFailed
	}
	return g.verify(ctx, tok)
}

func (g *Gate) verify(ctx context.Context, tok string) (Identity, error) {
	key := ""
	if g.cache != nil {
		sum := sha256.Sum256([]byte(tok))
		key = hex.EncodeToString(sum[:])
		if c, ok := g.cache.Get(key); ok && g.now().Before(c.expiresAt) {
			return c.identity, nil
		}
	}

	id, err := g.verifier.Verify(ctx, tok)
	if err != nil {
		logger.Warn(ctx, "handshake rejected: token verification failed", logger.Fields{
			"error": err.Error(),
		})
		return Identity{}, ErrAuthenticationFailed
	}
	if id.UserID == "" {
		logger.Warn(ctx, "handshake rejected: verifier returned empty user id", nil)
		return Identity{}, ErrAuthenticationFailed
	}
	if id.User.ID == "" {
		id.User.ID = id.UserID
	}

	if g.cache != nil {
		// Never serve a cached identity past its credential's expiry.
		expires := g.now().Add(g.ttl)
		if !id.ExpiresAt.IsZero() && id.ExpiresAt.Before(expires) {
			expires = id.ExpiresAt
		}
		g.cache.Set(key, cachedIdentity{identity: id, expiresAt: expires})
	}
	return id, nil
}

// Ed25519Verifier verifies access tokens minted by package token.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
	Now       func() time.Time
}

// Verify implements Verifier.
func (v *Ed25519Verifier) Verify(_ context.Context, tok string) (Identity, error) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	claims, err := token.VerifyAt(v.PublicKey, tok, now())
	if err != nil {
		return Identity{}, fmt.Errorf("verify access token: %w", err)
	}
	return Identity{
		UserID:    claims.Subject,
		User:      User{ID: claims.Subject, Name: claims.Name},
		ExpiresAt: time.Unix(claims.ExpiresAt, 0),
	}, nil
}

// Ensure Ed25519Verifier implements Verifier.
var _ Verifier = (*Ed25519Verifier)(nil)
