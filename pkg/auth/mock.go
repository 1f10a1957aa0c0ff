package auth

import (
	"context"
	"errors"
	"sync"
)

// MockVerifier is a Verifier backed by a fixed token→identity table.
// Thread-safe for concurrent access.
//
//nolint:govet // fieldalignment: minimal impact, current order is logical
type MockVerifier struct {
	Tokens      map[string]Identity
	Err         error
	mu          sync.Mutex
	VerifyCalls int
}

// Verify returns the identity registered for tok.
func (m *MockVerifier) Verify(_ context.Context, tok string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VerifyCalls++
	if m.Err != nil {
		return Identity{}, m.Err
	}
	id, ok := m.Tokens[tok]
	if !ok {
		return Identity{}, errors.New("unknown token")
	}
	return id, nil
}

// Calls returns how many times Verify ran.
func (m *MockVerifier) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.VerifyCalls
}

// Ensure MockVerifier implements Verifier.
var _ Verifier = (*MockVerifier)(nil)
