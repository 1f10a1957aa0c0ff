package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/codeGROOVE-dev/ripple/pkg/config"
	"github.com/codeGROOVE-dev/ripple/pkg/logger"
)

// Rate-limit decision reasons. Window rejections use
// "<scope>_<granularity>_limit_exceeded".
const (
	ReasonAllowed     = "allowed"
	ReasonWhitelisted = "whitelisted"
	ReasonUserBlocked = "user_blocked"
	ReasonIPBlocked   = "ip_blocked"
	ReasonFailOpen    = "fail_open"

	ReasonUserMinute   = "user_minute_limit_exceeded"
	ReasonUserHour     = "user_hour_limit_exceeded"
	ReasonSocketMinute = "socket_minute_limit_exceeded"
	ReasonIPMinute     = "ip_minute_limit_exceeded"
)

// errMalformedRequest triggers the fail-open path.
var errMalformedRequest = errors.New("malformed request context")

// RequestContext identifies the origin of an inbound event.
type RequestContext struct {
	UserID   string
	SocketID string
	IP       string
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Reason     string
	RetryAfter time.Duration
	Allowed    bool
}

// Violation tracks repeated rejections of one identifier.
type Violation struct {
	FirstViolationAt time.Time `json:"firstViolationAt"`
	LastViolationAt  time.Time `json:"lastViolationAt"`
	Identifier       string    `json:"identifier"`
	Types            []string  `json:"types"`
	Count            int       `json:"count"`
}

// LimiterStats summarizes limiter state.
type LimiterStats struct {
	Windows      int    `json:"windows"`
	Violations   int    `json:"violations"`
	BlockedUsers int    `json:"blockedUsers"`
	BlockedIPs   int    `json:"blockedIps"`
	Allowed      uint64 `json:"allowed"`
	Rejected     uint64 `json:"rejected"`
	FailOpen     uint64 `json:"failOpen"`
}

type scope string

const (
	scopeUser   scope = "user"
	scopeSocket scope = "socket"
	scopeIP     scope = "ip"
)

type windowKey struct {
	scope  scope
	span   time.Duration
	holder string
}

// rateWindow is a sliding log of accepted events, oldest first.
type rateWindow struct {
	hits []time.Time
}

// trim drops hits at least span old and returns how many remain.
func (w *rateWindow) trim(now time.Time, span time.Duration) int {
	cut := now.Add(-span)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cut) {
		i++
	}
	if i > 0 {
		w.hits = slices.Delete(w.hits, 0, i)
	}
	return len(w.hits)
}

type windowCheck struct {
	key    windowKey
	reason string
	limit  int
}

// RateLimiter applies sliding windows per user, socket and IP and escalates
// repeat offenders to temporary blocks.
//
//nolint:govet // fieldalignment: grouped by purpose
type RateLimiter struct {
	clock        clock.Clock
	cfg          config.RateLimit
	mu           sync.Mutex
	windows      map[windowKey]*rateWindow
	violations   map[string]*violation
	blockedUsers map[string]time.Time
	blockedIPs   map[string]time.Time
	allowUsers   map[string]bool
	allowIPs     map[string]bool
	allowed      uint64
	rejected     uint64
	failOpen     uint64
}

// violation is the log of rejections still inside the tracking period,
// oldest first.
type violation struct {
	hits []violationHit
}

type violationHit struct {
	at  time.Time
	typ string
}

// trim drops hits older than period and returns how many remain.
func (v *violation) trim(now time.Time, period time.Duration) int {
	i := 0
	for i < len(v.hits) && now.Sub(v.hits[i].at) > period {
		i++
	}
	if i > 0 {
		v.hits = slices.Delete(v.hits, 0, i)
	}
	return len(v.hits)
}

// NewRateLimiter returns a limiter configured by cfg.
func NewRateLimiter(clk clock.Clock, cfg config.RateLimit) *RateLimiter {
	l := &RateLimiter{
		clock:        clk,
		cfg:          cfg,
		windows:      make(map[windowKey]*rateWindow),
		violations:   make(map[string]*violation),
		blockedUsers: make(map[string]time.Time),
		blockedIPs:   make(map[string]time.Time),
		allowUsers:   make(map[string]bool, len(cfg.WhitelistedUsers)),
		allowIPs:     make(map[string]bool, len(cfg.WhitelistedIPs)),
	}
	for _, u := range cfg.WhitelistedUsers {
		l.allowUsers[u] = true
	}
	for _, ip := range cfg.WhitelistedIPs {
		l.allowIPs[ip] = true
	}
	return l
}

// Check decides whether an inbound event may proceed. If the check itself
// fails (a malformed context or a panic) the event is allowed and the
// failure is logged: availability wins over enforcement here.
func (l *RateLimiter) Check(ctx context.Context, rc *RequestContext, event string) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = l.openFailure(ctx, fmt.Errorf("rate limiter panic: %v", r), rc, event)
		}
	}()
	if rc == nil || rc.UserID == "" || rc.SocketID == "" {
		return l.openFailure(ctx, errMalformedRequest, rc, event)
	}
	return l.check(rc, l.clock.Now())
}

func (l *RateLimiter) openFailure(ctx context.Context, err error, rc *RequestContext, event string) Decision {
	l.mu.Lock()
	l.failOpen++
	l.mu.Unlock()
	fields := logger.Fields{"event": event}
	if rc != nil {
		fields["user_id"] = rc.UserID
		fields["socket_id"] = rc.SocketID
		fields["ip"] = rc.IP
	}
	logger.Error(ctx, "rate limit check failed, allowing request", err, fields)
	return Decision{Allowed: true, Reason: ReasonFailOpen}
}

func (l *RateLimiter) check(rc *RequestContext, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allowUsers[rc.UserID] || (rc.IP != "" && l.allowIPs[rc.IP]) {
		l.allowed++
		return Decision{Allowed: true, Reason: ReasonWhitelisted}
	}
	if until, ok := l.blockedUsers[rc.UserID]; ok && now.Before(until) {
		l.rejected++
		return Decision{Reason: ReasonUserBlocked, RetryAfter: until.Sub(now)}
	}
	if until, ok := l.blockedIPs[rc.IP]; ok && rc.IP != "" && now.Before(until) {
		l.rejected++
		return Decision{Reason: ReasonIPBlocked, RetryAfter: until.Sub(now)}
	}

	checks := l.checksFor(rc)
	for _, c := range checks {
		w := l.windows[c.key]
		if w == nil || w.trim(now, c.key.span) < c.limit {
			continue
		}
		l.rejected++
		if c.key.scope == scopeIP {
			l.recordViolationLocked(rc.IP, true, c.reason, now)
		} else {
			l.recordViolationLocked(rc.UserID, false, c.reason, now)
		}
		// A slot frees up once the hit that put the window at its limit ages out.
		oldest := w.hits[len(w.hits)-c.limit]
		return Decision{Reason: c.reason, RetryAfter: oldest.Add(c.key.span).Sub(now)}
	}

	for _, c := range checks {
		w := l.windows[c.key]
		if w == nil {
			w = &rateWindow{}
			l.windows[c.key] = w
		}
		w.hits = append(w.hits, now)
	}
	l.allowed++
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// checksFor lists the windows for rc in priority order. A ceiling of zero
// disables that window.
func (l *RateLimiter) checksFor(rc *RequestContext) []windowCheck {
	all := []windowCheck{
		{windowKey{scopeUser, time.Minute, rc.UserID}, ReasonUserMinute, l.cfg.UserPerMinute},
		{windowKey{scopeUser, time.Hour, rc.UserID}, ReasonUserHour, l.cfg.UserPerHour},
		{windowKey{scopeSocket, time.Minute, rc.SocketID}, ReasonSocketMinute, l.cfg.SocketPerMinute},
		{windowKey{scopeIP, time.Minute, rc.IP}, ReasonIPMinute, l.cfg.IPPerMinute},
	}
	out := all[:0]
	for _, c := range all {
		if c.limit <= 0 || c.key.holder == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// RecordViolation notes a rejection against identifier and blocks it once
// the count inside the trailing tracking period exceeds the threshold.
// IP-shaped identifiers are blocked in the IP set.
func (l *RateLimiter) RecordViolation(identifier, violationType string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordViolationLocked(identifier, isIP(identifier), violationType, l.clock.Now())
}

func (l *RateLimiter) recordViolationLocked(identifier string, ip bool, violationType string, now time.Time) time.Duration {
	if l.whitelistedLocked(identifier, ip) {
		return 0
	}
	v := l.violations[identifier]
	if v == nil {
		v = &violation{}
		l.violations[identifier] = v
	}
	v.trim(now, l.cfg.ViolationPeriod)
	v.hits = append(v.hits, violationHit{at: now, typ: violationType})

	d := BlockDuration(len(v.hits), l.cfg.ViolationThreshold, l.cfg.BaseBlockDuration, l.cfg.MaxBlockDuration)
	if d > 0 {
		l.blockLocked(identifier, ip, now.Add(d))
	}
	return d
}

// BlockDuration is the block imposed after count violations:
// base * 2^(count-threshold), capped at maxBlock. It is zero while count is
// at or below threshold and never decreases as count grows.
func BlockDuration(count, threshold int, base, maxBlock time.Duration) time.Duration {
	if count <= threshold || base <= 0 {
		return 0
	}
	d := base
	for range count - threshold {
		if d >= maxBlock/2 {
			return maxBlock
		}
		d *= 2
	}
	return min(d, maxBlock)
}

func (l *RateLimiter) blockLocked(identifier string, ip bool, until time.Time) {
	set := l.blockedUsers
	if ip {
		set = l.blockedIPs
	}
	if cur, ok := set[identifier]; !ok || until.After(cur) {
		set[identifier] = until
	}
}

func (l *RateLimiter) whitelistedLocked(identifier string, ip bool) bool {
	if ip {
		return l.allowIPs[identifier]
	}
	return l.allowUsers[identifier]
}

// ResetUserLimits clears windows, violations and any block for userID.
func (l *RateLimiter) ResetUserLimits(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.windows {
		if k.scope == scopeUser && k.holder == userID {
			delete(l.windows, k)
		}
	}
	delete(l.violations, userID)
	delete(l.blockedUsers, userID)
}

// ResetIPLimits clears windows, violations and any block for ip.
func (l *RateLimiter) ResetIPLimits(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.windows {
		if k.scope == scopeIP && k.holder == ip {
			delete(l.windows, k)
		}
	}
	delete(l.violations, ip)
	delete(l.blockedIPs, ip)
}

// TemporaryBlock blocks identifier for d. Identifiers that parse as IP
// addresses go to the IP set, everything else to the user set.
// Whitelisted identifiers are never blocked.
func (l *RateLimiter) TemporaryBlock(identifier string, d time.Duration) bool {
	ip := isIP(identifier)
	l.mu.Lock()
	defer l.mu.Unlock()
	if d <= 0 || l.whitelistedLocked(identifier, ip) {
		return false
	}
	l.blockLocked(identifier, ip, l.clock.Now().Add(d))
	return true
}

// Violation returns the violations recorded against identifier within the
// trailing tracking period.
func (l *RateLimiter) Violation(identifier string) (Violation, bool) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.violations[identifier]
	if !ok || v.trim(now, l.cfg.ViolationPeriod) == 0 {
		return Violation{}, false
	}
	types := make([]string, 0, len(v.hits))
	for _, h := range v.hits {
		types = append(types, h.typ)
	}
	slices.Sort(types)
	return Violation{
		Identifier:       identifier,
		Count:            len(v.hits),
		FirstViolationAt: v.hits[0].at,
		LastViolationAt:  v.hits[len(v.hits)-1].at,
		Types:            slices.Compact(types),
	}, true
}

// BlockedUntil reports the block expiry for identifier, if blocked now.
func (l *RateLimiter) BlockedUntil(identifier string) (time.Time, bool) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.blockedUsers
	if isIP(identifier) {
		set = l.blockedIPs
	}
	until, ok := set[identifier]
	if !ok || !now.Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// Cleanup purges elapsed windows, violations older than the tracking period
// and expired blocks. It returns the number of entries removed.
func (l *RateLimiter) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.windows {
		if w.trim(now, k.span) == 0 {
			delete(l.windows, k)
			n++
		}
	}
	for id, v := range l.violations {
		if v.trim(now, l.cfg.ViolationPeriod) == 0 {
			delete(l.violations, id)
			n++
		}
	}
	for _, set := range []map[string]time.Time{l.blockedUsers, l.blockedIPs} {
		for id, until := range set {
			if !now.Before(until) {
				delete(set, id)
				n++
			}
		}
	}
	return n
}

// Stats summarizes limiter state.
func (l *RateLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{
		Windows:      len(l.windows),
		Violations:   len(l.violations),
		BlockedUsers: len(l.blockedUsers),
		BlockedIPs:   len(l.blockedIPs),
		Allowed:      l.allowed,
		Rejected:     l.rejected,
		FailOpen:     l.failOpen,
	}
}

func isIP(s string) bool {
	return net.ParseIP(s) != nil
}
