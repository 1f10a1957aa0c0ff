package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeActivity    = "activity"
	TypePing        = "ping"
	TypePong        = "pong"
)

// Outbound frame types.
const (
	TypeConnectError            = "connect_error"
	TypeConnected               = "connected"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeSubscriptionError       = "subscription_error"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypeSubscriptionRestored    = "subscription_restored"
	TypeMissedEvents            = "missed_events"
	TypeMissedSinceDisconnect   = "missed_events_since_disconnect"
	TypeError                   = "error"
)

// Business envelope types emitted by the server itself.
const (
	TypePresenceUpdate = "presence:update"
	TypeUserActivity   = "user:activity"
)

// Subscription error reasons.
const (
	ReasonInvalidRoom     = "invalid_room"
	ReasonForbidden       = "forbidden"
	ReasonAuthzFailed     = "authorization_unavailable"
	ReasonNotSubscribed   = "not_subscribed"
	ReasonInvalidMessage  = "invalid_message"
	ReasonRateLimitedCode = "rate_limited"
)

const maxMessageSize = 16 * 1024

var (
	// ErrUnknownMessage is returned for frames with an unrecognized type.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrMalformedMessage is returned for frames that are not valid JSON objects.
	ErrMalformedMessage = errors.New("malformed message")
)

// Inbound is a decoded client frame: one of Subscribe, Unsubscribe,
// Activity, Ping or Pong.
type Inbound interface {
	inboundType() string
}

// Subscribe asks to join a room.
type Subscribe struct {
	Filters  map[string]any
	RoomType string
	RoomID   string
}

// Unsubscribe asks to leave a room.
type Unsubscribe struct {
	RoomType string
	RoomID   string
}

// Activity is an explicit user activity signal.
type Activity struct {
	Metadata map[string]any
	Kind     string
	Action   string
}

// Ping is a client keepalive.
type Ping struct {
	Seq int64
}

// Pong answers a server ping.
type Pong struct {
	Seq int64
}

func (Subscribe) inboundType() string   { return TypeSubscribe }
func (Unsubscribe) inboundType() string { return TypeUnsubscribe }
func (Activity) inboundType() string    { return TypeActivity }
func (Ping) inboundType() string        { return TypePing }
func (Pong) inboundType() string        { return TypePong }

// frame is the wire shape shared by every inbound message.
type frame struct {
	Filters  map[string]any `json:"filters"`
	Metadata map[string]any `json:"metadata"`
	Type     string         `json:"type"`
	RoomType string         `json:"roomType"`
	RoomID   string         `json:"roomId"`
	Activity string         `json:"activity"` // activity kind; "type" is the discriminator
	Action   string         `json:"action"`
	Seq      int64          `json:"seq"`
}

// DecodeInbound parses a raw client frame.
func DecodeInbound(raw []byte) (Inbound, error) {
	if len(raw) > maxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedMessage, len(raw), maxMessageSize)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	switch f.Type {
	case TypeSubscribe:
		return Subscribe{RoomType: f.RoomType, RoomID: f.RoomID, Filters: f.Filters}, nil
	case TypeUnsubscribe:
		return Unsubscribe{RoomType: f.RoomType, RoomID: f.RoomID}, nil
	case TypeActivity:
		return Activity{Kind: f.Activity, Action: f.Action, Metadata: f.Metadata}, nil
	case TypePing:
		return Ping{Seq: f.Seq}, nil
	case TypePong:
		return Pong{Seq: f.Seq}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, f.Type)
	}
}

// Envelope wraps every business event sent to clients.
type Envelope struct {
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Type      string    `json:"type"`
	EventID   string    `json:"eventId"`
}

// Connected is the first frame of every session.
type Connected struct {
	Type          string `json:"type"`
	SocketID      string `json:"socketId"`
	UserID        string `json:"userId"`
	RecoveryToken string `json:"recoveryToken,omitempty"`
}

// ConnectError refuses a handshake.
type ConnectError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RoomMessage reports the outcome of a room operation.
type RoomMessage struct {
	Type     string `json:"type"`
	RoomType string `json:"roomType,omitempty"`
	RoomID   string `json:"roomId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// MissedEvents carries a replay batch.
type MissedEvents struct {
	Type   string     `json:"type"`
	Events []Envelope `json:"events"`
}

// PingMessage is the server keepalive.
type PingMessage struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
}

// PongMessage answers a client ping. Timestamp is Unix milliseconds.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Seq       int64  `json:"seq,omitempty"`
}

// ErrorMessage reports a non-fatal failure to the client.
type ErrorMessage struct {
	Type         string `json:"type"`
	Code         string `json:"code"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func roomMessage(typ string, room RoomKey, reason string) RoomMessage {
	return RoomMessage{Type: typ, RoomType: room.Type(), RoomID: room.ID(), Reason: reason}
}
