// Package token mints and verifies the credentials used by the realtime
// server: Ed25519-signed access tokens presented at handshake, and
// HMAC-signed recovery tokens that let a client reclaim its previous
// socket's rooms and missed events after a reconnect.
package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const signatureSize = ed25519.SignatureSize

var (
	// ErrTokenMalformed is returned when a token cannot be decoded.
	ErrTokenMalformed = errors.New("token: malformed")
	// ErrInvalidSignature is returned when the signature does not verify.
	ErrInvalidSignature = errors.New("token: invalid signature")
	// ErrTokenExpired is returned when the token's expiry has passed.
	ErrTokenExpired = errors.New("token: expired")
)

// Claims is the signed payload of an access token.
type Claims struct {
	// Subject is the user id the token authenticates.
	Subject string `cbor:"1,keyasint"`
	// Name is a display name carried along for convenience.
	Name string `cbor:"2,keyasint,omitempty"`
	// ID uniquely identifies the token (hex).
	ID string `cbor:"3,keyasint"`
	// IssuedAt and ExpiresAt are Unix seconds.
	IssuedAt  int64 `cbor:"4,keyasint"`
	ExpiresAt int64 `cbor:"5,keyasint"`
}

// Mint signs claims with priv and returns the base64url token string.
// A missing ID is filled with 16 random bytes.
func Mint(priv ed25519.PrivateKey, claims *Claims) (string, error) {
	if claims.ID == "" {
		var id [16]byte
		if _, err := rand.Read(id[:]); err != nil {
			return "", fmt.Errorf("token: generating id: %w", err)
		}
		claims.ID = hex.EncodeToString(id[:])
	}
	payload, err := cbor.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("token: encoding claims: %w", err)
	}
	sig := ed25519.Sign(priv, payload)

	raw := make([]byte, len(payload)+signatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], sig)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Verify checks tok against pub at the current time.
func Verify(pub ed25519.PublicKey, tok string) (*Claims, error) {
	return VerifyAt(pub, tok, time.Now())
}

// VerifyAt checks tok against pub as of now.
func VerifyAt(pub ed25519.PublicKey, tok string, now time.Time) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil || len(raw) <= signatureSize {
		return nil, ErrTokenMalformed
	}
	split := len(raw) - signatureSize
	payload, sig := raw[:split], raw[split:]

	if !ed25519.Verify(pub, payload, sig) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := cbor.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrTokenMalformed)
	}
	if now.Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// ParsePublicKey decodes an Ed25519 public key written as hex or base64.
// Surrounding whitespace is ignored.
func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	s := strings.TrimSpace(string(data))
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil && len(raw) == ed25519.PublicKeySize {
			return ed25519.PublicKey(raw), nil
		}
	}
	return nil, fmt.Errorf("public key must be %d bytes of hex or base64", ed25519.PublicKeySize)
}
