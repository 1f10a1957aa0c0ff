package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConnectionLimiter(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	ip1 := "192.168.1.1"
	if !cl.Add(ip1) || !cl.Add(ip1) {
		t.Fatal("first two connections should be allowed")
	}
	if cl.Add(ip1) {
		t.Error("third connection should hit the per-IP limit")
	}

	cl.Add("192.168.1.2")
	cl.Add("192.168.1.2")
	cl.Add("192.168.1.3")
	if cl.Add("192.168.1.4") {
		t.Error("sixth connection should hit the total limit")
	}

	cl.Remove(ip1)
	if !cl.Add("192.168.1.4") {
		t.Error("removal should free a slot")
	}
}

func TestConnectionLimiterReservations(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	ip := "10.1.1.1"
	a := cl.Reserve(ip)
	b := cl.Reserve(ip)
	if a == "" || b == "" {
		t.Fatal("both reservations should succeed")
	}
	if cl.Reserve(ip) != "" {
		t.Error("pending reservations count toward the per-IP limit")
	}

	if !cl.CommitReservation(a) {
		t.Error("commit should succeed")
	}
	if cl.CommitReservation(a) {
		t.Error("double commit should fail")
	}
	cl.CancelReservation(b)
	cl.CancelReservation(b)

	cl.mu.Lock()
	if cl.total != 1 || cl.totalReserve != 0 {
		t.Errorf("total=%d totalReserve=%d, want 1 and 0", cl.total, cl.totalReserve)
	}
	cl.mu.Unlock()

	if cl.CommitReservation("") || cl.CommitReservation("nope") {
		t.Error("unknown tokens must not commit")
	}
}

func TestConnectionLimiterExpiredReservation(t *testing.T) {
	cl := NewConnectionLimiter(2, 5)
	defer cl.Stop()

	token := cl.Reserve("10.1.1.1")
	cl.mu.Lock()
	cl.reservations[token].createdAt = time.Now().Add(-2 * time.Minute)
	cl.mu.Unlock()

	if cl.CommitReservation(token) {
		t.Error("expired reservation committed")
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if _, ok := cl.reservations[token]; ok {
		t.Error("expired reservation not deleted")
	}
}

func TestConnectionLimiterEvictsIdleEntries(t *testing.T) {
	cl := NewConnectionLimiter(5, 100)
	defer cl.Stop()

	for i := range maxIPEntries + 5 {
		ip := fmt.Sprintf("10.%d.%d.%d", i/65536, (i/256)%256, i%256)
		if tok := cl.Reserve(ip); tok != "" {
			cl.CancelReservation(tok)
		}
	}
	tok := cl.Reserve("172.16.0.1")
	if tok == "" {
		t.Fatal("reservation should succeed once an idle entry is evicted")
	}
	cl.CancelReservation(tok)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.perIP) > maxIPEntries {
		t.Errorf("perIP grew to %d entries", len(cl.perIP))
	}
}

func TestConnectionLimiterCleanupRepairsCounters(t *testing.T) {
	cl := NewConnectionLimiter(10, 100)
	defer cl.Stop()

	ip := "10.1.1.1"
	cl.CancelReservation(cl.Reserve(ip))

	cl.mu.Lock()
	cl.perIP[ip].reservations = -1
	cl.totalReserve = -5
	cl.mu.Unlock()

	cl.cleanup()

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.totalReserve < 0 {
		t.Error("totalReserve not repaired")
	}
	if info := cl.perIP[ip]; info != nil && info.reservations < 0 {
		t.Error("per-IP reservations not repaired")
	}
}

func TestHandshakeLimiter(t *testing.T) {
	h := NewHandshakeLimiter(1, 3)
	now := time.Unix(1_700_000_000, 0)

	for i := range 3 {
		if !h.AllowAt("10.0.0.1", now) {
			t.Fatalf("handshake %d within burst rejected", i+1)
		}
	}
	if h.AllowAt("10.0.0.1", now) {
		t.Error("handshake beyond burst allowed")
	}
	if !h.AllowAt("10.0.0.2", now) {
		t.Error("limits must be per IP")
	}
	if !h.AllowAt("10.0.0.1", now.Add(1100*time.Millisecond)) {
		t.Error("token should refill after one second")
	}

	if n := h.Prune(now.Add(time.Hour), time.Minute); n != 2 {
		t.Errorf("Prune removed %d, want 2", n)
	}
	if h.Len() != 0 {
		t.Errorf("Len = %d after prune", h.Len())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{"direct", nil, "192.168.1.1:12345", "192.168.1.1"},
		{"ignores X-Forwarded-For", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "192.168.1.1:12345", "192.168.1.1"},
		{"ignores X-Real-IP", map[string]string{"X-Real-IP": "10.0.0.1"}, "192.168.1.1:12345", "192.168.1.1"},
		{"no port", nil, "192.168.1.1", "192.168.1.1"},
		{"ipv6", nil, "[::1]:8080", "::1"},
		{"ipv4-mapped", nil, "[::ffff:10.1.2.3]:443", "10.1.2.3"},
		{"zone dropped", nil, "[fe80::1%eth0]:8080", "fe80::1"},
		{"unparseable kept", nil, "pipe", "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		ua      string
		name    string
		version string
		comment string
		err     error
	}{
		{"ripple-web/2.4.1", "ripple-web", "2.4.1", "", nil},
		{"ripple-web/2.4.1 (darwin; arm64)", "ripple-web", "2.4.1", "darwin; arm64", nil},
		{"ripple-cli/v0.1.0 extra", "ripple-cli", "v0.1.0", "", nil},
		{"", "", "", "", ErrMissingUserAgent},
		{"Mozilla", "", "", "", ErrInvalidUserAgent},
		{"bad name!/1.0", "", "", "", ErrInvalidUserAgent},
	}
	for _, tt := range tests {
		t.Run(tt.ua, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.Header.Set("User-Agent", tt.ua)
			got, err := ParseUserAgent(req)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("err = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.Name != tt.name || got.Version != tt.version || got.Comment != tt.comment {
				t.Errorf("got %+v", got)
			}
			if got.String() != tt.name+"/"+tt.version {
				t.Errorf("String() = %q", got.String())
			}
		})
	}
}
