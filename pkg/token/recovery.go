package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

const (
	recoveryInfo   = "ripple recovery token"
	recoveryKeyLen = 32
)

// ErrRecoveryInvalid is returned for recovery tokens that fail verification.
var ErrRecoveryInvalid = errors.New("token: invalid recovery token")

// Recovery is the payload of a recovery token.
type Recovery struct {
	UserID   string `cbor:"1,keyasint"`
	SocketID string `cbor:"2,keyasint"`
	IssuedAt int64  `cbor:"3,keyasint"`
}

// RecoverySigner issues and opens recovery tokens.
type RecoverySigner struct {
	key []byte
}

// NewRecoverySigner derives the MAC key from secret with HKDF-SHA256.
func NewRecoverySigner(secret []byte) (*RecoverySigner, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: recovery secret is empty")
	}
	key := make([]byte, recoveryKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(recoveryInfo)), key); err != nil {
		return nil, fmt.Errorf("token: deriving recovery key: %w", err)
	}
	return &RecoverySigner{key: key}, nil
}

// Issue returns a recovery token binding userID to socketID.
func (s *RecoverySigner) Issue(userID, socketID string, now time.Time) (string, error) {
	payload, err := cbor.Marshal(Recovery{UserID: userID, SocketID: socketID, IssuedAt: now.Unix()})
	if err != nil {
		return "", fmt.Errorf("token: encoding recovery payload: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(append(payload, mac.Sum(nil)...)), nil
}

// Open verifies tok and returns its payload. Tokens older than maxAge are
// rejected; maxAge <= 0 disables the age check.
func (s *RecoverySigner) Open(tok string, now time.Time, maxAge time.Duration) (*Recovery, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil || len(raw) <= sha256.Size {
		return nil, ErrRecoveryInvalid
	}
	split := len(raw) - sha256.Size
	payload, sum := raw[:split], raw[split:]

	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	if !hmac.Equal(sum, mac.Sum(nil)) {
		return nil, ErrRecoveryInvalid
	}

	var rec Recovery
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return nil, ErrRecoveryInvalid
	}
	if rec.UserID == "" || rec.SocketID == "" {
		return nil, ErrRecoveryInvalid
	}
	if maxAge > 0 && now.Sub(time.Unix(rec.IssuedAt, 0)) > maxAge {
		return nil, fmt.Errorf("%w: expired", ErrRecoveryInvalid)
	}
	return &rec, nil
}
