package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrUnknownSocket is returned for operations on a socket that is not live.
	ErrUnknownSocket = errors.New("unknown socket")
	// ErrSocketOwned is returned when a socket id is registered for a second user.
	ErrSocketOwned = errors.New("socket already registered to another user")
	// ErrNoUser is returned when registering without a user id.
	ErrNoUser = errors.New("user id required")
)

// ManagerStats summarizes the connection table.
type ManagerStats struct {
	Sockets  int `json:"sockets"`
	Users    int `json:"users"`
	Rooms    int `json:"rooms"`
	Retained int `json:"retained"`
}

// Manager owns the connection table and the room index.
//
// Records of disconnected sockets stay in the table for the reconnect grace
// window so a returning client can reclaim its rooms. They are indexed in
// retainedRooms, never in rooms, so broadcasts only reach live sockets.
//
//nolint:govet // fieldalignment: grouped by purpose
type Manager struct {
	clock         clock.Clock
	records       map[string]*record
	byUser        map[string]map[string]struct{}
	rooms         map[RoomKey]map[string]struct{}
	retainedRooms map[RoomKey]map[string]struct{}
	grace         time.Duration
	mu            sync.RWMutex
	live          int
}

// NewManager returns an empty Manager. Retained records expire after grace.
func NewManager(clk clock.Clock, grace time.Duration) *Manager {
	return &Manager{
		clock:         clk,
		grace:         grace,
		records:       make(map[string]*record),
		byUser:        make(map[string]map[string]struct{}),
		rooms:         make(map[RoomKey]map[string]struct{}),
		retainedRooms: make(map[RoomKey]map[string]struct{}),
	}
}

// Register creates the record for s and joins the user's personal room.
// Registering a live socket again is a no-op; created reports whether a new
// record was made.
func (m *Manager) Register(s Socket, userID string) (conn Connection, created bool, err error) {
	if userID == "" {
		return Connection{}, false, ErrNoUser
	}
	id := s.ID()
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		if rec.info.UserID != userID {
			return Connection{}, false, ErrSocketOwned
		}
		if rec.live() {
			return rec.snapshot(), false, nil
		}
		m.forgetLocked(rec)
	}

	rec := &record{
		socket: s,
		rooms:  make(map[RoomKey]Filters),
		info: Connection{
			SocketID:        id,
			UserID:          userID,
			IP:              s.RemoteIP(),
			Status:          StatusConnected,
			ConnectedAt:     now,
			LastHeartbeatAt: now,
		},
	}
	m.records[id] = rec
	addIndex(m.byUser, userID, id)
	m.live++
	m.joinLocked(rec, UserRoom(userID), nil)
	return rec.snapshot(), true, nil
}

// Remove marks socketID disconnected and reports how many live sockets the
// user still has. The record keeps its rooms for reconnection matching.
func (m *Manager) Remove(socketID, reason string) (conn Connection, remaining int, ok bool) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found := m.records[socketID]
	if !found || !rec.live() {
		return Connection{}, 0, false
	}
	rec.info.Status = StatusDisconnected
	rec.info.DisconnectedAt = now
	rec.info.DisconnectReason = reason
	m.live--
	for room := range rec.rooms {
		removeIndex(m.rooms, room, socketID)
		addIndex(m.retainedRooms, room, socketID)
	}
	return rec.snapshot(), m.liveCountLocked(rec.info.UserID), true
}

// Track joins a live socket to room, replacing any previous filters.
func (m *Manager) Track(socketID string, room RoomKey, filters Filters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[socketID]
	if !ok || !rec.live() {
		return ErrUnknownSocket
	}
	m.joinLocked(rec, room, filters)
	return nil
}

// Untrack removes a live socket from room. The personal room cannot be left.
func (m *Manager) Untrack(socketID string, room RoomKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[socketID]
	if !ok || !rec.live() || room == UserRoom(rec.info.UserID) {
		return false
	}
	if _, joined := rec.rooms[room]; !joined {
		return false
	}
	delete(rec.rooms, room)
	removeIndex(m.rooms, room, socketID)
	return true
}

// Touch refreshes the heartbeat of a live socket.
func (m *Manager) Touch(socketID string) bool {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[socketID]
	if !ok || !rec.live() {
		return false
	}
	rec.info.LastHeartbeatAt = now
	return true
}

// MarkReconnected flags a live socket as the successor of a recovered one.
func (m *Manager) MarkReconnected(socketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[socketID]; ok && rec.live() {
		rec.info.Status = StatusReconnected
	}
}

// Connection returns the record for socketID, live or retained.
func (m *Manager) Connection(socketID string) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[socketID]
	if !ok {
		return Connection{}, false
	}
	return rec.snapshot(), true
}

// Retained returns a disconnected record that is still inside the grace window.
func (m *Manager) Retained(socketID string) (Connection, bool) {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[socketID]
	if !ok || rec.live() || !m.withinGrace(rec, now) {
		return Connection{}, false
	}
	return rec.snapshot(), true
}

// Reclaim removes the retained record of socketID on behalf of userID and
// returns it with its room filters. A record can be reclaimed only once.
func (m *Manager) Reclaim(socketID, userID string) (Connection, map[RoomKey]Filters, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[socketID]
	if !ok || rec.live() || !m.withinGrace(rec, now) {
		return Connection{}, nil, ErrNoRetainedConnection
	}
	if rec.info.UserID != userID {
		return Connection{}, nil, ErrRecoveryUserMismatch
	}
	conn := rec.snapshot()
	filters := make(map[RoomKey]Filters, len(rec.rooms))
	for room, f := range rec.rooms {
		filters[room] = f
	}
	m.forgetLocked(rec)
	return conn, filters, nil
}

// RoomMembers snapshots the live sockets joined to room.
func (m *Manager) RoomMembers(room RoomKey) []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.rooms[room]
	out := make([]Member, 0, len(ids))
	for id := range ids {
		rec := m.records[id]
		out = append(out, Member{Socket: rec.socket, SocketID: id, UserID: rec.info.UserID, Filters: rec.rooms[room]})
	}
	return out
}

// UserSockets snapshots the live sockets of userID.
func (m *Manager) UserSockets(userID string) []Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Socket
	for id := range m.byUser[userID] {
		if rec := m.records[id]; rec.live() {
			out = append(out, rec.socket)
		}
	}
	return out
}

// Sockets snapshots every live socket.
func (m *Manager) Sockets() []Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Socket, 0, m.live)
	for _, rec := range m.records {
		if rec.live() {
			out = append(out, rec.socket)
		}
	}
	return out
}

// RetainedInRoom returns retained records that held room when they dropped.
func (m *Manager) RetainedInRoom(room RoomKey) []Member {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Member
	for id := range m.retainedRooms[room] {
		if rec := m.records[id]; m.withinGrace(rec, now) {
			out = append(out, Member{SocketID: id, UserID: rec.info.UserID, Filters: rec.rooms[room]})
		}
	}
	return out
}

// RetainedSocketIDs returns the ids of userID's retained records.
func (m *Manager) RetainedSocketIDs(userID string) []string {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id := range m.byUser[userID] {
		if rec := m.records[id]; !rec.live() && m.withinGrace(rec, now) {
			out = append(out, id)
		}
	}
	return out
}

// UserConnections returns every record of userID, live or retained.
func (m *Manager) UserConnections(userID string) []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		out = append(out, m.records[id].snapshot())
	}
	return out
}

// PresencePeers returns live sockets of other users that share a
// non-personal room with userID. Rooms of retained records count, so peers
// still hear about a user who just dropped.
func (m *Manager) PresencePeers(userID string) []Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []Socket
	for id := range m.byUser[userID] {
		for room := range m.records[id].rooms {
			if room.Personal() {
				continue
			}
			for peerID := range m.rooms[room] {
				if _, dup := seen[peerID]; dup {
					continue
				}
				seen[peerID] = struct{}{}
				peer := m.records[peerID]
				if peer.info.UserID != userID {
					out = append(out, peer.socket)
				}
			}
		}
	}
	return out
}

// Heartbeat splits live sockets into those silent for longer than liveness
// and those to ping.
func (m *Manager) Heartbeat(now time.Time, liveness time.Duration) (stale, alive []Socket) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if !rec.live() {
			continue
		}
		if now.Sub(rec.info.LastHeartbeatAt) > liveness {
			stale = append(stale, rec.socket)
		} else {
			alive = append(alive, rec.socket)
		}
	}
	return stale, alive
}

// Sweep collects retained records past the grace window.
func (m *Manager) Sweep(now time.Time) []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	var collected []Connection
	for _, rec := range m.records {
		if rec.live() || m.withinGrace(rec, now) {
			continue
		}
		collected = append(collected, rec.snapshot())
		m.forgetLocked(rec)
	}
	return collected
}

// Stats summarizes the table.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := 0
	for userID := range m.byUser {
		if m.liveCountLocked(userID) > 0 {
			users++
		}
	}
	return ManagerStats{
		Sockets:  m.live,
		Users:    users,
		Rooms:    len(m.rooms),
		Retained: len(m.records) - m.live,
	}
}

func (m *Manager) withinGrace(rec *record, now time.Time) bool {
	return now.Sub(rec.info.DisconnectedAt) < m.grace
}

func (m *Manager) joinLocked(rec *record, room RoomKey, filters Filters) {
	rec.rooms[room] = filters
	addIndex(m.rooms, room, rec.info.SocketID)
}

func (m *Manager) liveCountLocked(userID string) int {
	n := 0
	for id := range m.byUser[userID] {
		if m.records[id].live() {
			n++
		}
	}
	return n
}

func (m *Manager) forgetLocked(rec *record) {
	id := rec.info.SocketID
	for room := range rec.rooms {
		removeIndex(m.retainedRooms, room, id)
	}
	removeIndex(m.byUser, rec.info.UserID, id)
	delete(m.records, id)
}

func addIndex[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex[K comparable](idx map[K]map[string]struct{}, key K, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}
