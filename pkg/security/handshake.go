package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxHandshakeEntries = 10000

type handshakeEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// HandshakeLimiter throttles WebSocket upgrade attempts per client IP so a
// single address cannot hammer token verification.
type HandshakeLimiter struct {
	entries map[string]*handshakeEntry
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
}

// NewHandshakeLimiter allows perSecond handshakes per IP with the given burst.
func NewHandshakeLimiter(perSecond float64, burst int) *HandshakeLimiter {
	return &HandshakeLimiter{
		entries: make(map[string]*handshakeEntry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// Allow reports whether ip may attempt a handshake now.
func (h *HandshakeLimiter) Allow(ip string) bool {
	return h.AllowAt(ip, time.Now())
}

// AllowAt is Allow with an explicit clock reading.
func (h *HandshakeLimiter) AllowAt(ip string, now time.Time) bool {
	h.mu.Lock()
	e, ok := h.entries[ip]
	if !ok {
		if len(h.entries) >= maxHandshakeEntries {
			h.evictIdle(now)
		}
		e = &handshakeEntry{limiter: rate.NewLimiter(h.limit, h.burst)}
		h.entries[ip] = e
	}
	e.lastSeen = now
	h.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Prune forgets addresses not seen for idle.
func (h *HandshakeLimiter) Prune(now time.Time, idle time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for ip, e := range h.entries {
		if now.Sub(e.lastSeen) > idle {
			delete(h.entries, ip)
			n++
		}
	}
	return n
}

// Len returns the number of tracked addresses.
func (h *HandshakeLimiter) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// evictIdle drops the least recently seen address. Caller holds mu.
func (h *HandshakeLimiter) evictIdle(now time.Time) {
	var oldestIP string
	oldest := now
	for ip, e := range h.entries {
		if !e.lastSeen.After(oldest) {
			oldestIP, oldest = ip, e.lastSeen
		}
	}
	if oldestIP != "" {
		delete(h.entries, oldestIP)
	}
}
