package security

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	maxIPEntries          = 10000
	reservationTTL        = 30 * time.Second
	inactiveEntryTTL      = 10 * time.Minute
	limiterCleanupPeriod  = time.Minute
	reservationTokenBytes = 16
)

type ipInfo struct {
	lastActive   time.Time
	count        int
	reservations int
}

type reservation struct {
	createdAt time.Time
	ip        string
}

// ConnectionLimiter caps WebSocket connections per IP and in total.
//
// A slot is reserved before the HTTP upgrade and committed once the socket is
// live, so concurrent handshakes from one IP cannot overshoot the limit.
//
//nolint:govet // fieldalignment: grouped by purpose
type ConnectionLimiter struct {
	mu           sync.Mutex
	perIP        map[string]*ipInfo
	reservations map[string]*reservation
	stop         chan struct{}
	stopOnce     sync.Once
	maxPerIP     int
	maxTotal     int
	total        int
	totalReserve int
}

// NewConnectionLimiter creates a limiter and starts its cleanup loop.
// Call Stop to release it.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	cl := &ConnectionLimiter{
		perIP:        make(map[string]*ipInfo),
		reservations: make(map[string]*reservation),
		stop:         make(chan struct{}),
		maxPerIP:     maxPerIP,
		maxTotal:     maxTotal,
	}
	go cl.cleanupLoop()
	return cl
}

// Add registers a connection without a reservation.
func (cl *ConnectionLimiter) Add(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info, ok := cl.slot(ip)
	if !ok {
		return false
	}
	info.count++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// Remove releases a committed connection for ip.
func (cl *ConnectionLimiter) Remove(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	info, ok := cl.perIP[ip]
	if !ok || info.count <= 0 {
		return
	}
	info.count--
	info.lastActive = time.Now()
	if cl.total > 0 {
		cl.total--
	}
}

// Reserve holds a slot for ip and returns a token, or "" if over limit.
func (cl *ConnectionLimiter) Reserve(ip string) string {
	buf := make([]byte, reservationTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	token := hex.EncodeToString(buf)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	info, ok := cl.slot(ip)
	if !ok {
		return ""
	}
	info.reservations++
	info.lastActive = time.Now()
	cl.totalReserve++
	cl.reservations[token] = &reservation{ip: ip, createdAt: time.Now()}
	return token
}

// CommitReservation turns a reservation into an active connection.
func (cl *ConnectionLimiter) CommitReservation(token string) bool {
	if token == "" {
		return false
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	res, ok := cl.reservations[token]
	if !ok {
		return false
	}
	delete(cl.reservations, token)
	cl.releaseReservation(res.ip)

	if time.Since(res.createdAt) > reservationTTL {
		return false
	}
	info, ok := cl.perIP[res.ip]
	if !ok {
		return false
	}
	info.count++
	info.lastActive = time.Now()
	cl.total++
	return true
}

// CancelReservation drops a reservation that never became a connection.
func (cl *ConnectionLimiter) CancelReservation(token string) {
	if token == "" {
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	res, ok := cl.reservations[token]
	if !ok {
		return
	}
	delete(cl.reservations, token)
	cl.releaseReservation(res.ip)
}

// Stop ends the cleanup loop. Safe to call more than once.
func (cl *ConnectionLimiter) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// slot returns the ip entry if one more connection fits. Caller holds mu.
func (cl *ConnectionLimiter) slot(ip string) (*ipInfo, bool) {
	if cl.total+cl.totalReserve >= cl.maxTotal {
		return nil, false
	}
	info, ok := cl.perIP[ip]
	if !ok {
		if len(cl.perIP) >= maxIPEntries {
			cl.evictOldestInactive()
			if len(cl.perIP) >= maxIPEntries {
				return nil, false
			}
		}
		info = &ipInfo{lastActive: time.Now()}
		cl.perIP[ip] = info
	}
	if info.count+info.reservations >= cl.maxPerIP {
		return nil, false
	}
	return info, true
}

// releaseReservation decrements reservation counters. Caller holds mu.
func (cl *ConnectionLimiter) releaseReservation(ip string) {
	if cl.totalReserve > 0 {
		cl.totalReserve--
	}
	if info, ok := cl.perIP[ip]; ok && info.reservations > 0 {
		info.reservations--
		info.lastActive = time.Now()
	}
}

// evictOldestInactive removes the least recently used idle entry. Caller holds mu.
func (cl *ConnectionLimiter) evictOldestInactive() {
	var oldestIP string
	var oldest time.Time
	for ip, info := range cl.perIP {
		if info.count > 0 || info.reservations > 0 {
			continue
		}
		if oldestIP == "" || info.lastActive.Before(oldest) {
			oldestIP, oldest = ip, info.lastActive
		}
	}
	if oldestIP != "" {
		delete(cl.perIP, oldestIP)
	}
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiterCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.cleanup()
		}
	}
}

// cleanup expires stale reservations and idle entries, and repairs any
// counter that drifted negative.
func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	for token, res := range cl.reservations {
		if now.Sub(res.createdAt) > reservationTTL {
			delete(cl.reservations, token)
			cl.releaseReservation(res.ip)
		}
	}

	if cl.totalReserve < 0 {
		cl.totalReserve = 0
	}
	if cl.total < 0 {
		cl.total = 0
	}
	for ip, info := range cl.perIP {
		if info.reservations < 0 {
			info.reservations = 0
		}
		if info.count < 0 {
			info.count = 0
		}
		if info.count == 0 && info.reservations == 0 && now.Sub(info.lastActive) > inactiveEntryTTL {
			delete(cl.perIP, ip)
		}
	}
}
