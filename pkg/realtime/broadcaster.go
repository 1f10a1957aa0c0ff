package realtime

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/ripple/pkg/logger"
)

// Delivery reports what happened to one published event.
type Delivery struct {
	EventID   string `json:"eventId"`
	Delivered int    `json:"delivered"`
	Buffered  int    `json:"buffered"`
}

// Broadcaster publishes envelopes to users, rooms, or everyone.
//
// Delivery to live sockets is at most once: a full or closed send queue
// drops the envelope. Users with no live socket in the target have the
// event buffered for replay (ToUser and ToRoom only).
type Broadcaster struct {
	clock    clock.Clock
	manager  *Manager
	recovery *Recovery
	metrics  *Metrics
	newID    func() string
}

// NewBroadcaster wires a broadcaster to the connection table and recovery
// buffers.
func NewBroadcaster(clk clock.Clock, m *Manager, r *Recovery, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		clock:    clk,
		manager:  m,
		recovery: r,
		metrics:  metrics,
		newID:    uuid.NewString,
	}
}

// Envelope wraps payload with a fresh event id and timestamp.
func (b *Broadcaster) Envelope(eventType string, payload any) Envelope {
	return Envelope{
		Type:      eventType,
		Data:      payload,
		Timestamp: b.clock.Now().UTC(),
		EventID:   b.newID(),
	}
}

// ToUser sends to every live socket of userID, or buffers when there is none.
func (b *Broadcaster) ToUser(ctx context.Context, userID, eventType string, payload any) Delivery {
	env := b.Envelope(eventType, payload)
	sockets := b.manager.UserSockets(userID)
	d := Delivery{EventID: env.EventID, Delivered: b.send(ctx, env, sockets)}
	if len(sockets) == 0 && b.buffer(userID, env, b.manager.RetainedSocketIDs(userID)) {
		d.Buffered = 1
	}
	b.observe(ctx, "user", env, d)
	return d
}

// ToRoom sends to every live socket joined to room whose filters match.
// Members that dropped inside the grace window get the event buffered unless
// they are still in the room on another socket.
func (b *Broadcaster) ToRoom(ctx context.Context, room RoomKey, eventType string, payload any) Delivery {
	env := b.Envelope(eventType, payload)
	d := Delivery{EventID: env.EventID}

	present := make(map[string]bool)
	for _, m := range b.manager.RoomMembers(room) {
		present[m.UserID] = true
		if !m.Filters.Match(payload) {
			continue
		}
		if b.sendOne(ctx, env, m.Socket) {
			d.Delivered++
		}
	}

	absent := make(map[string][]string)
	for _, m := range b.manager.RetainedInRoom(room) {
		if present[m.UserID] || !m.Filters.Match(payload) {
			continue
		}
		absent[m.UserID] = append(absent[m.UserID], m.SocketID)
	}
	for userID, socketIDs := range absent {
		if b.buffer(userID, env, socketIDs) {
			d.Buffered++
		}
	}

	b.observe(ctx, "room", env, d)
	return d
}

// ToAll sends to every live socket. Nothing is buffered.
func (b *Broadcaster) ToAll(ctx context.Context, eventType string, payload any) Delivery {
	env := b.Envelope(eventType, payload)
	d := Delivery{EventID: env.EventID, Delivered: b.send(ctx, env, b.manager.Sockets())}
	b.observe(ctx, "all", env, d)
	return d
}

// ToPeers sends to live sockets of other users sharing a non-personal room
// with userID. Used for presence and activity fan-out.
func (b *Broadcaster) ToPeers(ctx context.Context, userID, eventType string, payload any) Delivery {
	env := b.Envelope(eventType, payload)
	d := Delivery{EventID: env.EventID, Delivered: b.send(ctx, env, b.manager.PresencePeers(userID))}
	b.observe(ctx, "peers", env, d)
	return d
}

func (b *Broadcaster) send(ctx context.Context, env Envelope, sockets []Socket) int {
	n := 0
	for _, s := range sockets {
		if b.sendOne(ctx, env, s) {
			n++
		}
	}
	return n
}

func (*Broadcaster) sendOne(ctx context.Context, env Envelope, s Socket) bool {
	if s.Send(env) {
		return true
	}
	logger.Warn(ctx, "dropped event for socket: queue full or closed", logger.Fields{
		"socket_id":  s.ID(),
		"event_type": env.Type,
		"event_id":   env.EventID,
	})
	return false
}

// buffer stores env in the user's missed-event buffer and in the
// disconnect buffer of each retained socket.
func (b *Broadcaster) buffer(userID string, env Envelope, socketIDs []string) bool {
	stored := b.recovery.StoreMissedEvent(userID, env)
	for _, id := range socketIDs {
		b.recovery.StoreSinceDisconnect(id, env)
	}
	return stored
}

func (b *Broadcaster) observe(ctx context.Context, scope string, env Envelope, d Delivery) {
	b.metrics.published.WithLabelValues(scope).Inc()
	b.metrics.deliveries.Add(float64(d.Delivered))
	b.metrics.buffered.Add(float64(d.Buffered))
	b.metrics.fanout.Observe(float64(d.Delivered))
	logger.Debug(ctx, "broadcast event", logger.Fields{
		"scope":      scope,
		"event_type": env.Type,
		"event_id":   env.EventID,
		"delivered":  d.Delivered,
		"buffered":   d.Buffered,
	})
}
