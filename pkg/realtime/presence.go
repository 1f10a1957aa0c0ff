package realtime

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/codeGROOVE-dev/ripple/pkg/config"
)

// PresenceStatus is a user's derived availability.
type PresenceStatus string

// Presence states.
const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Presence is the payload of presence:update.
type Presence struct {
	LastActiveAt time.Time      `json:"lastActiveAt"`
	UserID       string         `json:"userId"`
	Status       PresenceStatus `json:"status"`
}

// PresenceStats counts tracked users by state.
type PresenceStats struct {
	Online  int `json:"online"`
	Away    int `json:"away"`
	Offline int `json:"offline"`
}

type presenceEntry struct {
	lastActive time.Time
	goneAt     time.Time
	timer      *clock.Timer
	sockets    map[string]struct{}
	status     PresenceStatus
	gen        uint64
}

func (e *presenceEntry) live() int { return len(e.sockets) }

// PresenceService derives online/away/offline from connection counts and
// activity. A user goes offline only after the last socket has been gone for
// the grace period; a reconnect inside it cancels the transition.
//
//nolint:govet // fieldalignment: grouped by purpose
type PresenceService struct {
	clock  clock.Clock
	cfg    config.Presence
	notify func(Presence)
	mu     sync.Mutex
	users  map[string]*presenceEntry
}

// NewPresenceService returns a service that reports every transition to
// notify. notify is called without locks held, possibly from a timer
// goroutine.
func NewPresenceService(clk clock.Clock, cfg config.Presence, notify func(Presence)) *PresenceService {
	if notify == nil {
		notify = func(Presence) {}
	}
	return &PresenceService{
		clock:  clk,
		cfg:    cfg,
		notify: notify,
		users:  make(map[string]*presenceEntry),
	}
}

// Connected records socketID as a live socket of userID. Presence keeps its
// own socket set, so connects and disconnects of one user racing on
// different goroutines settle to the same state in any order.
func (p *PresenceService) Connected(userID, socketID string) {
	now := p.clock.Now()
	p.mu.Lock()
	e, ok := p.users[userID]
	if !ok {
		e = &presenceEntry{status: PresenceOffline, sockets: make(map[string]struct{})}
		p.users[userID] = e
	}
	p.cancelLocked(e)
	e.sockets[socketID] = struct{}{}
	e.goneAt = time.Time{}
	changed := e.status != PresenceOnline
	e.status = PresenceOnline
	e.lastActive = now
	snap := snapshot(userID, e)
	p.mu.Unlock()

	if changed {
		p.notify(snap)
	}
}

// Disconnected drops socketID. When userID has no socket left the offline
// grace timer starts.
func (p *PresenceService) Disconnected(userID, socketID string) {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.users[userID]
	if !ok {
		return
	}
	if _, known := e.sockets[socketID]; !known {
		return
	}
	delete(e.sockets, socketID)
	if e.live() > 0 {
		return
	}
	p.cancelLocked(e)
	e.goneAt = now
	gen := e.gen
	e.timer = p.clock.AfterFunc(p.cfg.OfflineGrace, func() { p.expire(userID, gen) })
}

// RecordActivity marks userID active. An away user comes back online.
// Activity from users without live sockets is ignored.
func (p *PresenceService) RecordActivity(userID string) bool {
	now := p.clock.Now()
	p.mu.Lock()
	e, ok := p.users[userID]
	if !ok || e.live() == 0 {
		p.mu.Unlock()
		return false
	}
	e.lastActive = now
	changed := e.status != PresenceOnline
	e.status = PresenceOnline
	snap := snapshot(userID, e)
	p.mu.Unlock()

	if changed {
		p.notify(snap)
	}
	return true
}

// Status returns userID's presence. Unknown users are offline.
func (p *PresenceService) Status(userID string) Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.users[userID]
	if !ok {
		return Presence{UserID: userID, Status: PresenceOffline}
	}
	return snapshot(userID, e)
}

// Sweep demotes idle online users to away, finalizes offline transitions a
// timer missed, and forgets users already reported offline.
func (p *PresenceService) Sweep(now time.Time) {
	var changed []Presence
	p.mu.Lock()
	for userID, e := range p.users {
		switch {
		case e.live() == 0 && e.status == PresenceOffline:
			delete(p.users, userID)
		case e.live() == 0 && !e.goneAt.IsZero() && now.Sub(e.goneAt) >= p.cfg.OfflineGrace:
			p.cancelLocked(e)
			e.status = PresenceOffline
			changed = append(changed, snapshot(userID, e))
		case e.live() > 0 && e.status == PresenceOnline && now.Sub(e.lastActive) >= p.cfg.InactivityTimeout:
			e.status = PresenceAway
			changed = append(changed, snapshot(userID, e))
		}
	}
	p.mu.Unlock()

	for _, s := range changed {
		p.notify(s)
	}
}

// Stop cancels every pending offline timer.
func (p *PresenceService) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.users {
		p.cancelLocked(e)
	}
}

// Stats counts tracked users by state.
func (p *PresenceService) Stats() PresenceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s PresenceStats
	for _, e := range p.users {
		switch e.status {
		case PresenceOnline:
			s.Online++
		case PresenceAway:
			s.Away++
		case PresenceOffline:
			s.Offline++
		}
	}
	return s
}

func (p *PresenceService) expire(userID string, gen uint64) {
	p.mu.Lock()
	e, ok := p.users[userID]
	if !ok || e.gen != gen || e.live() > 0 || e.status == PresenceOffline {
		p.mu.Unlock()
		return
	}
	e.timer = nil
	e.status = PresenceOffline
	snap := snapshot(userID, e)
	p.mu.Unlock()

	p.notify(snap)
}

// cancelLocked stops a pending offline timer. Bumping gen makes a timer that
// already fired a no-op.
func (p *PresenceService) cancelLocked(e *presenceEntry) {
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func snapshot(userID string, e *presenceEntry) Presence {
	return Presence{UserID: userID, Status: e.status, LastActiveAt: e.lastActive}
}
