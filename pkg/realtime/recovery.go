package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/codeGROOVE-dev/fido"

	"github.com/codeGROOVE-dev/ripple/pkg/config"
	"github.com/codeGROOVE-dev/ripple/pkg/logger"
)

var (
	// ErrNoRetainedConnection is returned when the previous socket is unknown
	// or its grace window has passed.
	ErrNoRetainedConnection = errors.New("no retained connection for previous socket")
	// ErrRecoveryUserMismatch is returned when the previous socket belonged to
	// a different user.
	ErrRecoveryUserMismatch = errors.New("previous socket belongs to another user")
)

const disconnectCacheSize = 65536

// RecoveryStats holds reconnection counters.
type RecoveryStats struct {
	TotalReconnections      uint64 `json:"totalReconnections"`
	SuccessfulReconnections uint64 `json:"successfulReconnections"`
	FailedReconnections     uint64 `json:"failedReconnections"`
	MissedEventsDelivered   uint64 `json:"missedEventsDelivered"`
	BufferedUsers           int    `json:"bufferedUsers"`
	BufferedEvents          int    `json:"bufferedEvents"`
	DisconnectCursors       int    `json:"disconnectCursors"`
}

// ReconnectResult describes a completed recovery.
type ReconnectResult struct {
	Rooms    []RoomKey
	Replayed []Envelope
}

// disconnectBuffer holds events published for a socket after it dropped.
type disconnectBuffer struct {
	disconnectedAt time.Time
	events         []Envelope
	consumed       bool
}

// Recovery buffers events for absent users and replays them on return.
//
// Two stores are kept apart. The per-user buffer holds the last K events
// for users with no live socket and is flushed on every registration. The
// per-socket buffer holds events published after a specific socket dropped
// and is replayed once, only when a client presents that socket's recovery
// token inside the reconnect grace window.
//
//nolint:govet // fieldalignment: grouped by purpose
type Recovery struct {
	clock       clock.Clock
	cfg         config.Recovery
	mu          sync.Mutex
	buffers     map[string][]Envelope
	disconnects *fido.Cache[string, *disconnectBuffer]
	stats       RecoveryStats
}

// NewRecovery returns an empty Recovery.
func NewRecovery(clk clock.Clock, cfg config.Recovery) *Recovery {
	return &Recovery{
		clock:       clk,
		cfg:         cfg,
		buffers:     make(map[string][]Envelope),
		disconnects: fido.New[string, *disconnectBuffer](fido.Size(disconnectCacheSize), fido.TTL(cfg.ReconnectGrace)),
	}
}

// StoreMissedEvent appends ev to userID's buffer, evicting the oldest entry
// once the buffer holds MaxMissedEvents.
func (r *Recovery) StoreMissedEvent(userID string, ev Envelope) bool {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[userID]
	if !ok && r.cfg.MaxTrackedUsers > 0 && len(r.buffers) >= r.cfg.MaxTrackedUsers {
		logger.Warn(context.Background(), "missed-event buffer full, dropping event", logger.Fields{
			"user_id":  userID,
			"event_id": ev.EventID,
			"users":    len(r.buffers),
		})
		return false
	}
	buf = r.fresh(buf, now)
	buf = append(buf, ev)
	if over := len(buf) - r.cfg.MaxMissedEvents; over > 0 {
		buf = append(buf[:0:0], buf[over:]...)
	}
	r.buffers[userID] = buf
	return true
}

// MissedEvents returns userID's buffered events without clearing them.
func (r *Recovery) MissedEvents(userID string) []Envelope {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.fresh(r.buffers[userID], now)...)
}

// TakeMissedEvents clears userID's buffer and returns the unexpired events
// whose ids are not in skip.
func (r *Recovery) TakeMissedEvents(userID string, skip map[string]bool) []Envelope {
	now := r.clock.Now()
	r.mu.Lock()
	buf := r.fresh(r.buffers[userID], now)
	delete(r.buffers, userID)
	r.mu.Unlock()

	out := buf[:0:0]
	for _, ev := range buf {
		if !skip[ev.EventID] {
			out = append(out, ev)
		}
	}
	return out
}

// TrackDisconnect opens the replay buffer for a socket that just dropped.
func (r *Recovery) TrackDisconnect(conn Connection) {
	r.disconnects.Set(conn.SocketID, &disconnectBuffer{disconnectedAt: conn.DisconnectedAt})
}

// StoreSinceDisconnect records ev for a dropped socket if it happened after
// the drop and the grace window is still open.
func (r *Recovery) StoreSinceDisconnect(socketID string, ev Envelope) bool {
	now := r.clock.Now()
	buf, ok := r.disconnects.Get(socketID)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf.consumed || !r.open(buf, now) || !ev.Timestamp.After(buf.disconnectedAt) {
		return false
	}
	buf.events = append(buf.events, ev)
	if over := len(buf.events) - r.cfg.MaxMissedEvents; over > 0 {
		buf.events = append(buf.events[:0:0], buf.events[over:]...)
	}
	return true
}

// HandleReconnection moves the rooms of previousSocketID onto sock and
// replays what that socket missed. It succeeds at most once per previous
// socket: the retained record and its buffer are consumed.
func (r *Recovery) HandleReconnection(ctx context.Context, m *Manager, sock Socket, userID, previousSocketID string) (ReconnectResult, error) {
	r.mu.Lock()
	r.stats.TotalReconnections++
	r.mu.Unlock()

	prev, prevFilters, err := m.Reclaim(previousSocketID, userID)
	if err != nil {
		r.fail(ctx, err, userID, previousSocketID)
		return ReconnectResult{}, err
	}

	var res ReconnectResult
	for _, room := range prev.Rooms {
		if room.Personal() {
			continue
		}
		if err := m.Track(sock.ID(), room, prevFilters[room]); err != nil {
			logger.Warn(ctx, "failed to restore room", logger.Fields{
				"socket_id": sock.ID(),
				"room":      string(room),
				"error":     err.Error(),
			})
			continue
		}
		res.Rooms = append(res.Rooms, room)
		sock.Send(roomMessage(TypeSubscriptionRestored, room, ""))
	}

	res.Replayed = r.takeSinceDisconnect(previousSocketID, prev.DisconnectedAt)
	if len(res.Replayed) > 0 {
		if !sock.Send(MissedEvents{Type: TypeMissedSinceDisconnect, Events: res.Replayed}) {
			logger.Warn(ctx, "failed to deliver events missed since disconnect", logger.Fields{
				"socket_id": sock.ID(),
				"user_id":   userID,
				"events":    len(res.Replayed),
			})
		} else {
			r.countDelivered(len(res.Replayed))
		}
	}

	m.MarkReconnected(sock.ID())
	r.mu.Lock()
	r.stats.SuccessfulReconnections++
	r.mu.Unlock()

	logger.Info(ctx, "connection recovered", logger.Fields{
		"user_id":         userID,
		"socket_id":       sock.ID(),
		"previous_socket": previousSocketID,
		"rooms":           len(res.Rooms),
		"replayed":        len(res.Replayed),
	})
	return res, nil
}

// RecordFailure counts a reconnection that never reached HandleReconnection,
// such as one presenting an invalid recovery token.
func (r *Recovery) RecordFailure() {
	r.mu.Lock()
	r.stats.TotalReconnections++
	r.stats.FailedReconnections++
	r.mu.Unlock()
}

// DeliverMissed sends and clears userID's buffer on sock, skipping event ids
// already replayed in this recovery cycle.
func (r *Recovery) DeliverMissed(ctx context.Context, sock Socket, userID string, skip map[string]bool) int {
	events := r.TakeMissedEvents(userID, skip)
	if len(events) == 0 {
		return 0
	}
	if !sock.Send(MissedEvents{Type: TypeMissedEvents, Events: events}) {
		logger.Warn(ctx, "failed to deliver missed events", logger.Fields{
			"socket_id": sock.ID(),
			"user_id":   userID,
			"events":    len(events),
		})
		return 0
	}
	r.countDelivered(len(events))
	return len(events)
}

// Sweep drops per-user events older than the retention horizon.
func (r *Recovery) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for userID, buf := range r.buffers {
		kept := r.fresh(buf, now)
		n += len(buf) - len(kept)
		if len(kept) == 0 {
			delete(r.buffers, userID)
			continue
		}
		r.buffers[userID] = kept
	}
	return n
}

// Stats returns a snapshot of the counters.
func (r *Recovery) Stats() RecoveryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.BufferedUsers = len(r.buffers)
	for _, buf := range r.buffers {
		s.BufferedEvents += len(buf)
	}
	s.DisconnectCursors = r.disconnects.Len()
	return s
}

func (r *Recovery) takeSinceDisconnect(socketID string, disconnectedAt time.Time) []Envelope {
	now := r.clock.Now()
	buf, ok := r.disconnects.Get(socketID)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf.consumed || !r.open(buf, now) {
		return nil
	}
	buf.consumed = true
	var out []Envelope
	for _, ev := range buf.events {
		if ev.Timestamp.After(disconnectedAt) {
			out = append(out, ev)
		}
	}
	buf.events = nil
	return out
}

func (r *Recovery) fail(ctx context.Context, err error, userID, previousSocketID string) {
	r.mu.Lock()
	r.stats.FailedReconnections++
	r.mu.Unlock()
	logger.Warn(ctx, "connection recovery failed", logger.Fields{
		"user_id":         userID,
		"previous_socket": previousSocketID,
		"error":           err.Error(),
	})
}

func (r *Recovery) countDelivered(n int) {
	r.mu.Lock()
	r.stats.MissedEventsDelivered += uint64(n)
	r.mu.Unlock()
}

// open reports whether buf is still inside the reconnect grace window.
func (r *Recovery) open(buf *disconnectBuffer, now time.Time) bool {
	return now.Sub(buf.disconnectedAt) < r.cfg.ReconnectGrace
}

// fresh returns the suffix of buf inside the retention horizon. Buffers are
// ordered by publication, so expired events form a prefix.
func (r *Recovery) fresh(buf []Envelope, now time.Time) []Envelope {
	for i, ev := range buf {
		if now.Sub(ev.Timestamp) < r.cfg.Retention {
			return buf[i:]
		}
	}
	return nil
}
