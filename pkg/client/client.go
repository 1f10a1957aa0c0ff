// Package client is a reconnecting WebSocket client for the ripple realtime
// server. It keeps the recovery token handed out on every connection and
// presents it when it reconnects, so rooms and events missed while offline
// are restored by the server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/fido"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"
)

// AuthenticationError represents an authentication failure that should not
// trigger reconnection attempts.
type AuthenticationError struct {
	message string
}

func (e *AuthenticationError) Error() string {
	return e.message
}

const (
	// Version is the client library version.
	Version = "v0.1.0"

	// RecoveryHeader carries the recovery token on reconnect.
	RecoveryHeader = "X-Recovery-Token"

	// UI constants for logging.
	separatorLine = "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!"

	// Longer than the server's liveness timeout so the server notices a dead
	// link first.
	readTimeout = 90 * time.Second

	// How long to wait for the connected frame after the upgrade.
	helloTimeout = 5 * time.Second

	writeChannelBuffer = 10

	// Event ids remembered for duplicate suppression.
	seenCacheSize = 4096
	seenCacheTTL  = 30 * time.Minute
)

// Wire message types.
const (
	typeConnected               = "connected"
	typeConnectError            = "connect_error"
	typeSubscribe               = "subscribe"
	typeUnsubscribe             = "unsubscribe"
	typeActivity                = "activity"
	typePing                    = "ping"
	typePong                    = "pong"
	typeSubscriptionConfirmed   = "subscription_confirmed"
	typeSubscriptionError       = "subscription_error"
	typeUnsubscriptionConfirmed = "unsubscription_confirmed"
	typeSubscriptionRestored    = "subscription_restored"
	typeMissedEvents            = "missed_events"
	typeMissedSinceDisconnect   = "missed_events_since_disconnect"
	typeError                   = "error"
)

// Event is a business event received from the server.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Type      string          `json:"type"`
	EventID   string          `json:"eventId"`
}

// Room identifies a room as type and id, e.g. {"project", "p1"}.
type Room struct {
	Type string `json:"roomType"`
	ID   string `json:"roomId"`
}

func (r Room) String() string { return r.Type + ":" + r.ID }

// Session describes an established connection.
type Session struct {
	SocketID  string
	UserID    string
	Recovered bool // a recovery token was presented
}

// ServerError is a non-fatal error frame from the server.
type ServerError struct {
	Code       string
	Reason     string
	RetryAfter time.Duration
}

func (e ServerError) Error() string {
	if e.Reason == "" {
		return e.Code
	}
	return e.Code + ": " + e.Reason
}

// Config holds the configuration for the client.
type Config struct {
	Logger        *slog.Logger
	OnDisconnect  func(error)
	OnEvent       func(Event)
	OnConnect     func(Session)
	OnMissed      func(events []Event, sinceDisconnect bool)
	OnRestored    func(Room)
	OnRoomError   func(room Room, reason string)
	OnServerError func(ServerError)
	ServerURL     string
	Token         string
	TokenProvider func() (string, error) // Optional: dynamically provide fresh tokens for reconnection
	UserAgent     string                 // Required: User-Agent in format "client-name/version" (e.g., "myapp/v1.0.0")
	Rooms         []Room
	MaxBackoff    time.Duration
	PingInterval  time.Duration
	MaxRetries    int
	Verbose       bool
	NoReconnect   bool
}

// Client represents a WebSocket client with automatic reconnection.
// Connection management:
//   - Read loop (readEvents) receives all messages from server
//   - Write channel (writeCh) serializes all writes through one goroutine
//   - Server sends pings; client responds with pongs
//   - Client also sends pings; server responds with pongs
//
//nolint:govet // Field alignment optimization would reduce readability
type Client struct {
	mu            sync.RWMutex
	config        Config
	logger        *slog.Logger
	ws            *websocket.Conn
	stopCh        chan struct{}
	stoppedCh     chan struct{}
	stopOnce      sync.Once
	writeCh       chan any
	rooms         map[Room]bool
	seen          *fido.Cache[string, struct{}]
	recoveryToken string
	session       Session
	eventCount    int
	retries       int
}

// New creates a new reconnecting WebSocket client.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("serverURL is required")
	}
	if config.UserAgent == "" {
		return nil, errors.New("userAgent is required (format: client-name/version, e.g., myapp/v1.0.0)")
	}
	if config.Token == "" && config.TokenProvider == nil {
		return nil, errors.New("token or tokenProvider is required")
	}

	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 2 * time.Minute
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	rooms := make(map[Room]bool, len(config.Rooms))
	for _, r := range config.Rooms {
		rooms[r] = true
	}

	return &Client{
		config:    config,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		logger:    logger,
		rooms:     rooms,
		seen:      fido.New[string, struct{}](fido.Size(seenCacheSize), fido.TTL(seenCacheTTL)),
	}, nil
}

// Start begins the connection process with automatic reconnection.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.stoppedCh)

	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.mu.Lock()
			//nolint:gosec // Retry count will not overflow in practice
			c.retries = int(n) + 1
			events := c.eventCount
			c.mu.Unlock()

			c.logger.Warn(separatorLine)
			c.logger.Warn("WebSocket CONNECTION LOST!", "error", err, "events_received", events, "attempt", n+1)
			c.logger.Warn(separatorLine)

			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(err error) bool {
			var authErr *AuthenticationError
			if errors.As(err, &authErr) {
				c.logger.Error(separatorLine)
				c.logger.Error("AUTHENTICATION FAILED!", "error", err)
				c.logger.Error(separatorLine)
				return false
			}
			if c.config.NoReconnect {
				return false
			}
			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}

	if c.config.MaxRetries > 0 {
		//nolint:gosec // MaxRetries is a user-configured value, overflow not a concern
		retryOpts = append(retryOpts, retry.Attempts(uint(c.config.MaxRetries)))
	} else {
		retryOpts = append(retryOpts, retry.UntilSucceeded())
	}

	return retry.Do(func() error {
		select {
		case <-ctx.Done():
			c.logger.Info("Client context cancelled, shutting down")
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			c.logger.Info("Client stop requested")
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}

		c.mu.RLock()
		n := c.retries
		c.mu.RUnlock()
		if n == 0 {
			c.logger.Info("CONNECTING to WebSocket server", "url", c.config.ServerURL)
		} else {
			c.logger.Info("RECONNECTING to WebSocket server", "url", c.config.ServerURL, "attempt", n)
		}

		err := c.connect(ctx)
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			return retry.Unrecoverable(err)
		}
		return err
	}, retryOpts...)
}

// Stop gracefully stops the client.
// Safe to call multiple times and before Start.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.ws != nil {
			if closeErr := c.ws.Close(); closeErr != nil {
				c.logger.Error("Error closing websocket on shutdown", "error", closeErr)
			}
		}
		c.mu.Unlock()

		// Start may never have been called.
		select {
		case <-c.stoppedCh:
		case <-time.After(100 * time.Millisecond):
		}
	})
}

// Subscribe adds room to the client's subscriptions. The subscription is
// sent now if connected and again after every fresh connection.
func (c *Client) Subscribe(room Room) {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
	c.enqueue(map[string]any{"type": typeSubscribe, "roomType": room.Type, "roomId": room.ID})
}

// Unsubscribe removes room from the client's subscriptions.
func (c *Client) Unsubscribe(room Room) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	c.enqueue(map[string]any{"type": typeUnsubscribe, "roomType": room.Type, "roomId": room.ID})
}

// Activity reports a user activity (e.g. typing) to room peers.
func (c *Client) Activity(activity, action string, metadata map[string]any) bool {
	return c.enqueue(map[string]any{"type": typeActivity, "activity": activity, "action": action, "metadata": metadata})
}

// Rooms returns the client's current subscriptions.
func (c *Client) Rooms() []Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Room, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// RecoveryToken returns the token the next reconnection will present.
func (c *Client) RecoveryToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recoveryToken
}

// Session returns the most recent session, zero before the first connect.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// enqueue queues msg for the write pump without blocking. It reports false
// when not connected or the queue is full.
func (c *Client) enqueue(msg any) bool {
	c.mu.RLock()
	ch := c.writeCh
	c.mu.RUnlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		c.logger.Warn("write channel full, dropping message")
		return false
	}
}

func (c *Client) token() (string, error) {
	if c.config.TokenProvider == nil {
		return c.config.Token, nil
	}
	t, err := c.config.TokenProvider()
	if err != nil {
		return "", fmt.Errorf("token provider: %w", err)
	}
	c.logger.Debug("Using fresh token from TokenProvider")
	return t, nil
}

func (c *Client) headers(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	h.Set("User-Agent", c.config.UserAgent)
	if rt := c.RecoveryToken(); rt != "" {
		h.Set(RecoveryHeader, rt)
	}
	return h
}

// connect establishes a WebSocket connection and handles events until it
// fails.
//
//nolint:funlen // Connection lifecycle orchestration is inherently long
func (c *Client) connect(ctx context.Context) error {
	token, err := c.token()
	if err != nil {
		return err
	}
	header := c.headers(token)
	recovering := header.Get(RecoveryHeader) != ""

	origin := "http://localhost/"
	if strings.HasPrefix(c.config.ServerURL, "wss://") {
		origin = "https://localhost/"
	}
	wsConfig, err := websocket.NewConfig(c.config.ServerURL, origin)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	wsConfig.Header = header

	ws, err := websocket.DialConfig(wsConfig)
	if err != nil {
		return c.handleDialError(ctx, err, header)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.writeCh = nil
		c.mu.Unlock()
		if err := ws.Close(); err != nil {
			c.logger.Debug("websocket close", "error", err)
		}
		c.logger.Info("WebSocket CLOSED", "url", c.config.ServerURL)
	}()

	if err := ws.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	var hello struct {
		Type          string `json:"type"`
		SocketID      string `json:"socketId"`
		UserID        string `json:"userId"`
		RecoveryToken string `json:"recoveryToken"`
		Message       string `json:"message"`
	}
	if err := websocket.JSON.Receive(ws, &hello); err != nil {
		return fmt.Errorf("failed to read connected frame (timeout after %s): %w", helloTimeout, err)
	}
	switch hello.Type {
	case typeConnected:
	case typeConnectError:
		return &AuthenticationError{message: "Authentication failed: " + hello.Message}
	default:
		return fmt.Errorf("unexpected first frame %q", hello.Type)
	}

	session := Session{SocketID: hello.SocketID, UserID: hello.UserID, Recovered: recovering}
	c.mu.Lock()
	c.session = session
	if hello.RecoveryToken != "" {
		c.recoveryToken = hello.RecoveryToken
	}
	c.retries = 0
	c.writeCh = make(chan any, writeChannelBuffer)
	writeCh := c.writeCh
	c.mu.Unlock()

	c.logger.Info("WebSocket ESTABLISHED", "url", c.config.ServerURL, "socket_id", session.SocketID,
		"user_id", session.UserID, "recovering", recovering)

	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- c.writePump(writeCtx, ws, writeCh)
	}()

	// Server-side subscription is idempotent, so rooms restored by recovery
	// are safe to subscribe again.
	for _, r := range c.Rooms() {
		c.enqueue(map[string]any{"type": typeSubscribe, "roomType": r.Type, "roomId": r.ID})
	}

	if c.config.OnConnect != nil {
		c.config.OnConnect(session)
	}

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	pingDone := make(chan struct{})
	go func() {
		c.sendPings(pingCtx)
		close(pingDone)
	}()

	readErr := c.readEvents(ctx, ws)

	cancelPing()
	<-pingDone
	cancelWrite()
	writeErr := <-writeDone

	if readErr != nil {
		return readErr
	}
	return writeErr
}

// handleDialError classifies a failed upgrade. x/net/websocket reports only
// "bad status", so the status is learned by repeating the handshake as a
// plain GET.
func (c *Client) handleDialError(ctx context.Context, err error, header http.Header) error {
	var dialErr *websocket.DialError
	if !errors.As(err, &dialErr) || !errors.Is(dialErr.Err, websocket.ErrBadStatus) {
		return fmt.Errorf("dial: %w", err)
	}
	code, msg := c.probe(ctx, header)
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthenticationError{
			message: fmt.Sprintf("Authentication failed (%d %s): %s", code, http.StatusText(code), msg),
		}
	case 0:
		return fmt.Errorf("dial: %w", err)
	default:
		return fmt.Errorf("dial: %w (%d %s)", err, code, strings.TrimSpace(msg))
	}
}

func (c *Client) probe(ctx context.Context, header http.Header) (status int, message string) {
	u := c.config.ServerURL
	switch {
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	}
	ctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return 0, ""
	}
	req.Header = header.Clone()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, ""
	}
	defer resp.Body.Close() //nolint:errcheck // read-only probe
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return resp.StatusCode, ""
	}
	var ce struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &ce) == nil && ce.Message != "" {
		return resp.StatusCode, ce.Message
	}
	return resp.StatusCode, string(body)
}

// writePump is the ONLY goroutine that writes to the websocket.
func (*Client) writePump(ctx context.Context, ws *websocket.Conn, writeCh <-chan any) error {
	const writeTimeout = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-writeCh:
			if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := websocket.JSON.Send(ws, msg); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// sendPings sends periodic ping messages through the write channel.
func (c *Client) sendPings(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			if !c.enqueue(map[string]any{"type": typePing, "seq": seq}) {
				c.logger.Warn("[PING] Write channel full, skipping ping")
			}
		}
	}
}

// readEvents reads and dispatches frames until the connection fails or ctx
// ends.
func (c *Client) readEvents(ctx context.Context, ws *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("failed to set read timeout: %w", err)
		}
		var raw []byte
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			c.mu.RLock()
			n := c.eventCount
			c.mu.RUnlock()
			c.logger.Error(separatorLine)
			c.logger.Error("Lost connection while reading!", "error", err, "events_received", n)
			c.logger.Error(separatorLine)
			return fmt.Errorf("read: %w", err)
		}
		if err := c.dispatch(raw); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err, "size", len(raw))
		}
	}
}

// dispatch handles one server frame.
func (c *Client) dispatch(raw []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return err
	}

	switch head.Type {
	case typePing:
		var ping struct {
			Seq int64 `json:"seq"`
		}
		if err := json.Unmarshal(raw, &ping); err != nil {
			return err
		}
		c.logger.Debug("[PONG] Received PING from server", "seq", ping.Seq)
		c.enqueue(map[string]any{"type": typePong, "seq": ping.Seq})
	case typePong:
		c.logger.Debug("[PONG] Received PONG acknowledgment from server")
	case typeConnected:
		c.logger.Warn("unexpected connected frame mid-session")
	case typeSubscriptionConfirmed, typeUnsubscriptionConfirmed, typeSubscriptionError, typeSubscriptionRestored:
		var m struct {
			Reason string `json:"reason"`
			Room
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		c.handleRoomMessage(head.Type, m.Room, m.Reason)
	case typeMissedEvents, typeMissedSinceDisconnect:
		var batch struct {
			Events []Event `json:"events"`
		}
		if err := json.Unmarshal(raw, &batch); err != nil {
			return err
		}
		fresh := c.dedupe(batch.Events)
		c.logger.Info("Missed events received", "type", head.Type, "count", len(batch.Events), "new", len(fresh))
		if len(fresh) > 0 && c.config.OnMissed != nil {
			c.config.OnMissed(fresh, head.Type == typeMissedSinceDisconnect)
		}
	case typeError:
		var m struct {
			Code         string `json:"code"`
			Reason       string `json:"reason"`
			RetryAfterMs int64  `json:"retryAfterMs"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		se := ServerError{Code: m.Code, Reason: m.Reason, RetryAfter: time.Duration(m.RetryAfterMs) * time.Millisecond}
		c.logger.Warn("Server error", "code", se.Code, "reason", se.Reason, "retry_after", se.RetryAfter)
		if c.config.OnServerError != nil {
			c.config.OnServerError(se)
		}
	default:
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		if len(c.dedupe([]Event{ev})) == 0 {
			c.logger.Debug("Duplicate event suppressed", "event_id", ev.EventID)
			return nil
		}
		c.mu.Lock()
		c.eventCount++
		n := c.eventCount
		c.mu.Unlock()
		if c.config.Verbose {
			c.logger.Info("Event received", "event_number", n, "type", ev.Type, "event_id", ev.EventID,
				"timestamp", ev.Timestamp.Format("15:04:05"), "data", string(ev.Data))
		} else {
			c.logger.Debug("Event received", "event_number", n, "type", ev.Type, "event_id", ev.EventID)
		}
		if c.config.OnEvent != nil {
			c.config.OnEvent(ev)
		}
	}
	return nil
}

func (c *Client) handleRoomMessage(typ string, room Room, reason string) {
	switch typ {
	case typeSubscriptionRestored:
		c.mu.Lock()
		c.rooms[room] = true
		c.mu.Unlock()
		c.logger.Info("Subscription restored", "room", room.String())
		if c.config.OnRestored != nil {
			c.config.OnRestored(room)
		}
	case typeSubscriptionError:
		c.logger.Warn("Subscription refused", "room", room.String(), "reason", reason)
		if reason != "not_subscribed" {
			c.mu.Lock()
			delete(c.rooms, room)
			c.mu.Unlock()
		}
		if c.config.OnRoomError != nil {
			c.config.OnRoomError(room, reason)
		}
	default:
		c.logger.Debug("Room update", "type", typ, "room", room.String())
	}
}

// dedupe returns the events not seen before and remembers them. Events
// without an id are always delivered.
func (c *Client) dedupe(events []Event) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.EventID != "" {
			if _, ok := c.seen.Get(ev.EventID); ok {
				continue
			}
			c.seen.Set(ev.EventID, struct{}{})
		}
		out = append(out, ev)
	}
	return out
}
