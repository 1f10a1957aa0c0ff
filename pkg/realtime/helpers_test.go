package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/codeGROOVE-dev/ripple/pkg/config"
	"github.com/codeGROOVE-dev/ripple/pkg/token"
)

// fakeSocket records everything sent to it.
type fakeSocket struct {
	id     string
	ip     string
	mu     sync.Mutex
	msgs   []any
	reason string
	closed bool
	full   bool
}

func newFakeSocket(id, ip string) *fakeSocket {
	return &fakeSocket{id: id, ip: ip}
}

func (s *fakeSocket) ID() string       { return s.id }
func (s *fakeSocket) RemoteIP() string { return s.ip }

func (s *fakeSocket) Send(msg any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.full {
		return false
	}
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *fakeSocket) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.reason = reason
	}
}

func (s *fakeSocket) setFull(full bool) {
	s.mu.Lock()
	s.full = full
	s.mu.Unlock()
}

func (s *fakeSocket) closeReason() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.closed
}

func (s *fakeSocket) messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.msgs...)
}

func (s *fakeSocket) reset() {
	s.mu.Lock()
	s.msgs = nil
	s.mu.Unlock()
}

// types lists the type of every message sent so far, in order.
func (s *fakeSocket) types() []string {
	var out []string
	for _, m := range s.messages() {
		out = append(out, messageType(m))
	}
	return out
}

// ofType returns the messages of type typ.
func (s *fakeSocket) ofType(typ string) []any {
	var out []any
	for _, m := range s.messages() {
		if messageType(m) == typ {
			out = append(out, m)
		}
	}
	return out
}

func messageType(msg any) string {
	switch m := msg.(type) {
	case Envelope:
		return m.Type
	case Connected:
		return m.Type
	case ConnectError:
		return m.Type
	case RoomMessage:
		return m.Type
	case MissedEvents:
		return m.Type
	case PingMessage:
		return m.Type
	case PongMessage:
		return m.Type
	case ErrorMessage:
		return m.Type
	default:
		return "?"
	}
}

// fakeAuthorizer allows the rooms listed in allow, keyed "user|room".
type fakeAuthorizer struct {
	allow map[string]bool
	err   error
	mu    sync.Mutex
	calls int
}

func (a *fakeAuthorizer) CanJoin(_ context.Context, userID, roomType, roomID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return false, a.err
	}
	return a.allow[userID+"|"+roomType+":"+roomID], nil
}

func (a *fakeAuthorizer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

var errAuthzDown = errors.New("membership store unavailable")

// epoch is a fixed start time so mock clocks are not at the zero time.
var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(epoch)
	return clk
}

func testConfig() *config.Config {
	return config.Default()
}

func newTestServer(t *testing.T, cfg *config.Config, authz RoomAuthorizer) (*Server, *clock.Mock) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	signer, err := token.NewRecoverySigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewRecoverySigner: %v", err)
	}
	clk := newMockClock()
	s := New(Options{Config: cfg, Clock: clk, Authorizer: authz, Recovery: signer})
	t.Cleanup(s.presence.Stop)
	return s, clk
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
