package realtime

import (
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of a Connection.
type Status string

// Connection states.
const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusReconnected  Status = "reconnected"
)

// Socket is one live transport session as seen by the server.
// Implementations must be safe for concurrent use.
type Socket interface {
	// ID is unique for the lifetime of the process.
	ID() string
	// RemoteIP is the client address used for rate limiting.
	RemoteIP() string
	// Send queues msg for delivery and reports whether it was accepted.
	// It never blocks.
	Send(msg any) bool
	// Close terminates the session. Safe to call more than once.
	Close(reason string)
}

// Filters narrow the events a socket receives from a room. An event passes
// when its payload is an object whose fields equal every filter value.
type Filters map[string]any

// Connection is a snapshot of one socket's record.
type Connection struct {
	ConnectedAt      time.Time `json:"connectedAt"`
	DisconnectedAt   time.Time `json:"disconnectedAt,omitzero"`
	LastHeartbeatAt  time.Time `json:"lastHeartbeatAt"`
	SocketID         string    `json:"socketId"`
	UserID           string    `json:"userId"`
	IP               string    `json:"ip"`
	Status           Status    `json:"status"`
	DisconnectReason string    `json:"disconnectReason,omitempty"`
	Rooms            []RoomKey `json:"rooms"`
}

// record is the manager's mutable state for one socket.
type record struct {
	socket Socket
	rooms  map[RoomKey]Filters
	info   Connection
}

func (r *record) live() bool {
	return r.info.Status != StatusDisconnected
}

func (r *record) snapshot() Connection {
	c := r.info
	c.Rooms = make([]RoomKey, 0, len(r.rooms))
	for room := range r.rooms {
		c.Rooms = append(c.Rooms, room)
	}
	slices.Sort(c.Rooms)
	return c
}

// Member is a socket joined to a room. Socket is nil for retained records.
type Member struct {
	Socket   Socket
	Filters  Filters
	UserID   string
	SocketID string
}

// Match reports whether payload passes the filters. Filters apply to object
// payloads only; anything else passes.
func (f Filters) Match(payload any) bool {
	if len(f) == 0 {
		return true
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return true
	}
	for k, want := range f {
		got, ok := obj[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
