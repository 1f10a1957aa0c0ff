package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

const testToken = "test-token"

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// mockWebSocketServer is a scripted stand-in for the realtime server.
type mockWebSocketServer struct {
	server       *httptest.Server
	url          string
	onConnection func(*websocket.Conn)
	connections  atomic.Int32
}

func newMockServer(t *testing.T, onConnection func(*websocket.Conn)) *mockWebSocketServer {
	t.Helper()
	m := &mockWebSocketServer{onConnection: onConnection}
	ws := websocket.Handler(func(conn *websocket.Conn) {
		m.connections.Add(1)
		m.onConnection(conn)
	})
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"type":"connect_error","message":"Authentication failed"}`)) //nolint:errcheck // test server
			return
		}
		ws.ServeHTTP(w, r)
	}))
	m.url = "ws" + strings.TrimPrefix(m.server.URL, "http")
	t.Cleanup(m.server.Close)
	return m
}

func sendJSON(ws *websocket.Conn, v any) bool {
	return websocket.JSON.Send(ws, v) == nil
}

func connectedFrame(socketID, recoveryToken string) map[string]any {
	return map[string]any{"type": "connected", "socketId": socketID, "userId": "alice", "recoveryToken": recoveryToken}
}

func envelope(id, typ string) map[string]any {
	return map[string]any{"type": typ, "eventId": id, "timestamp": time.Now().UTC().Format(time.RFC3339Nano), "data": map[string]any{"id": id}}
}

// drain reads until the client goes away, answering nothing.
func drain(ws *websocket.Conn) {
	for {
		var msg map[string]any
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, url string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		ServerURL:  url,
		Token:      testToken,
		UserAgent:  "ripple-test/v1.0.0",
		Logger:     quietLogger(),
		MaxBackoff: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestStopMultipleCalls verifies that calling Stop() multiple times is safe.
func TestStopMultipleCalls(t *testing.T) {
	client := newTestClient(t, "ws://localhost:1", func(c *Config) { c.NoReconnect = true })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = client.Start(ctx) //nolint:errcheck // expected to fail to connect
	}()
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(client.Stop)
	}
	wg.Wait()
}

// TestStopBeforeStart verifies that calling Stop() before Start() is safe.
func TestStopBeforeStart(t *testing.T) {
	client := newTestClient(t, "ws://localhost:1", func(c *Config) { c.NoReconnect = true })
	client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := client.Start(ctx); err == nil {
		t.Error("Expected Start() to fail after Stop(), but it succeeded")
	}
}

func TestClientConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "missing url", cfg: Config{Token: "t", UserAgent: "a/1"}, wantErr: "serverURL"},
		{name: "missing user agent", cfg: Config{ServerURL: "ws://x", Token: "t"}, wantErr: "userAgent"},
		{name: "missing token", cfg: Config{ServerURL: "ws://x", UserAgent: "a/1"}, wantErr: "token"},
		{
			name: "token provider",
			cfg:  Config{ServerURL: "ws://x", UserAgent: "a/1", TokenProvider: func() (string, error) { return "t", nil }},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("New() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestClientDefaultConfig(t *testing.T) {
	c := newTestClient(t, "ws://x", func(c *Config) { c.MaxBackoff = 0 })
	if c.config.PingInterval != 30*time.Second || c.config.MaxBackoff != 2*time.Minute {
		t.Errorf("defaults = ping %v backoff %v", c.config.PingInterval, c.config.MaxBackoff)
	}
}

// TestClientConnectAndReceiveEvents covers the connected handshake, event
// delivery and duplicate suppression.
func TestClientConnectAndReceiveEvents(t *testing.T) {
	srv := newMockServer(t, func(ws *websocket.Conn) {
		if !sendJSON(ws, connectedFrame("s1", "rt-1")) {
			return
		}
		for _, ev := range []map[string]any{envelope("e1", "task:created"), envelope("e2", "task:updated"), envelope("e1", "task:created")} {
			if !sendJSON(ws, ev) {
				return
			}
		}
		drain(ws)
	})

	var mu sync.Mutex
	var received []Event
	var session Session
	client := newTestClient(t, srv.url, func(c *Config) {
		c.NoReconnect = true
		c.OnConnect = func(s Session) {
			mu.Lock()
			session = s
			mu.Unlock()
		}
		c.OnEvent = func(e Event) {
			mu.Lock()
			received = append(received, e)
			mu.Unlock()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		_ = client.Start(ctx) //nolint:errcheck // stopped below
	}()
	defer client.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, "two events")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0].EventID != "e1" || received[1].Type != "task:updated" {
		t.Errorf("received = %+v", received)
	}
	var data map[string]string
	if err := json.Unmarshal(received[0].Data, &data); err != nil || data["id"] != "e1" {
		t.Errorf("data = %s (%v)", received[0].Data, err)
	}
	if session.SocketID != "s1" || session.UserID != "alice" || session.Recovered {
		t.Errorf("session = %+v", session)
	}
	if client.RecoveryToken() != "rt-1" {
		t.Errorf("RecoveryToken() = %q", client.RecoveryToken())
	}
}

// TestClientRecovery drops the first connection and checks that the second
// presents the recovery token and surfaces the replay.
func TestClientRecovery(t *testing.T) {
	var presented atomic.Value
	var attempts atomic.Int32
	srv := newMockServer(t, func(ws *websocket.Conn) {
		if attempts.Add(1) == 1 {
			if sendJSON(ws, connectedFrame("s1", "rt-1")) {
				sendJSON(ws, envelope("e0", "task:created"))
			}
			time.Sleep(20 * time.Millisecond)
			ws.Close() //nolint:errcheck,gosec // simulated drop
			return
		}
		presented.Store(ws.Request().Header.Get(RecoveryHeader))
		sendJSON(ws, connectedFrame("s2", "rt-2"))
		sendJSON(ws, map[string]any{"type": "subscription_restored", "roomType": "project", "roomId": "p1"})
		sendJSON(ws, map[string]any{"type": "missed_events_since_disconnect", "events": []any{envelope("e0", "task:created"), envelope("e1", "task:created")}})
		sendJSON(ws, map[string]any{"type": "missed_events", "events": []any{envelope("n1", "notification:new")}})
		drain(ws)
	})

	var mu sync.Mutex
	var restored []Room
	var missed []string
	var disconnects int
	client := newTestClient(t, srv.url, func(c *Config) {
		c.OnRestored = func(r Room) {
			mu.Lock()
			restored = append(restored, r)
			mu.Unlock()
		}
		c.OnMissed = func(events []Event, since bool) {
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range events {
				tag := "general:"
				if since {
					tag = "since:"
				}
				missed = append(missed, tag+ev.EventID)
			}
		}
		c.OnDisconnect = func(error) {
			mu.Lock()
			disconnects++
			mu.Unlock()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() {
		_ = client.Start(ctx) //nolint:errcheck // stopped below
	}()
	defer client.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(missed) == 2
	}, "replayed events")

	if got, _ := presented.Load().(string); got != "rt-1" { //nolint:errcheck // zero value fails the check
		t.Errorf("presented recovery token %q, want rt-1", got)
	}
	if client.RecoveryToken() != "rt-2" {
		t.Errorf("RecoveryToken() = %q, want the newest", client.RecoveryToken())
	}
	if s := client.Session(); s.SocketID != "s2" || !s.Recovered {
		t.Errorf("session = %+v", s)
	}

	mu.Lock()
	defer mu.Unlock()
	// e0 arrived live before the drop, so only e1 is new.
	if strings.Join(missed, ",") != "since:e1,general:n1" {
		t.Errorf("missed = %v", missed)
	}
	if len(restored) != 1 || restored[0] != (Room{Type: "project", ID: "p1"}) {
		t.Errorf("restored = %v", restored)
	}
	if disconnects != 1 {
		t.Errorf("OnDisconnect called %d times", disconnects)
	}
	if rooms := client.Rooms(); len(rooms) != 1 {
		t.Errorf("restored room not tracked: %v", rooms)
	}
}

func TestClientSubscribesRooms(t *testing.T) {
	frames := make(chan map[string]any, 10)
	srv := newMockServer(t, func(ws *websocket.Conn) {
		if !sendJSON(ws, connectedFrame("s1", "")) {
			return
		}
		for {
			var msg map[string]any
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				return
			}
			frames <- msg
			if msg["type"] == "subscribe" && msg["roomId"] == "secret" {
				sendJSON(ws, map[string]any{"type": "subscription_error", "roomType": "project", "roomId": "secret", "reason": "forbidden"})
			}
		}
	})

	var refused atomic.Value
	client := newTestClient(t, srv.url, func(c *Config) {
		c.NoReconnect = true
		c.Rooms = []Room{{Type: "project", ID: "p1"}}
		c.OnRoomError = func(r Room, reason string) { refused.Store(r.ID + "/" + reason) }
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		_ = client.Start(ctx) //nolint:errcheck // stopped below
	}()
	defer client.Stop()

	next := func() map[string]any {
		select {
		case f := <-frames:
			return f
		case <-time.After(time.Second):
			t.Fatal("no frame from client")
			return nil
		}
	}
	if f := next(); f["type"] != "subscribe" || f["roomId"] != "p1" {
		t.Fatalf("first frame = %v", f)
	}

	client.Subscribe(Room{Type: "project", ID: "secret"})
	if f := next(); f["roomId"] != "secret" {
		t.Fatalf("frame = %v", f)
	}
	waitFor(t, func() bool { return refused.Load() != nil }, "subscription error callback")
	if got := refused.Load(); got != "secret/forbidden" {
		t.Errorf("OnRoomError = %v", got)
	}
	if rooms := client.Rooms(); len(rooms) != 1 || rooms[0].ID != "p1" {
		t.Errorf("refused room kept: %v", rooms)
	}

	client.Unsubscribe(Room{Type: "project", ID: "p1"})
	if f := next(); f["type"] != "unsubscribe" {
		t.Errorf("frame = %v", f)
	}
	if !client.Activity("typing", "start", map[string]any{"taskId": "t1"}) {
		t.Error("Activity not queued")
	}
	if f := next(); f["type"] != "activity" || f["activity"] != "typing" {
		t.Errorf("frame = %v", f)
	}
}

// TestClientServerPings tests that the client answers server pings with the
// same sequence number.
func TestClientServerPings(t *testing.T) {
	pongs := make(chan float64, 1)
	srv := newMockServer(t, func(ws *websocket.Conn) {
		if !sendJSON(ws, connectedFrame("s1", "")) || !sendJSON(ws, map[string]any{"type": "ping", "seq": 7}) {
			return
		}
		for {
			var msg map[string]any
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				return
			}
			if msg["type"] == "pong" {
				seq, _ := msg["seq"].(float64) //nolint:errcheck // zero fails the check
				pongs <- seq
				return
			}
		}
	})

	client := newTestClient(t, srv.url, func(c *Config) { c.NoReconnect = true })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		_ = client.Start(ctx) //nolint:errcheck // stopped below
	}()
	defer client.Stop()

	select {
	case seq := <-pongs:
		if seq != 7 {
			t.Errorf("pong seq = %v, want 7", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no pong within 1 second")
	}
}

// TestClientPingPong tests that the client sends periodic pings.
func TestClientPingPong(t *testing.T) {
	pings := make(chan struct{}, 10)
	srv := newMockServer(t, func(ws *websocket.Conn) {
		if !sendJSON(ws, connectedFrame("s1", "")) {
			return
		}
		for {
			var msg map[string]any
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				return
			}
			if msg["type"] == "ping" {
				pings <- struct{}{}
				sendJSON(ws, map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli(), "seq": msg["seq"]})
			}
		}
	})

	client := newTestClient(t, srv.url, func(c *Config) {
		c.NoReconnect = true
		c.PingInterval = 50 * time.Millisecond
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		_ = client.Start(ctx) //nolint:errcheck // stopped below
	}()
	defer client.Stop()

	for i := range 2 {
		select {
		case <-pings:
		case <-time.After(time.Second):
			t.Fatalf("ping %d not received", i+1)
		}
	}
}

// TestClientAuthenticationError tests that a 401 handshake is not retried.
func TestClientAuthenticationError(t *testing.T) {
	srv := newMockServer(t, drain)
	client := newTestClient(t, srv.url, func(c *Config) {
		c.Token = "bad-token"
		c.MaxRetries = 3
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Start(ctx)

	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Start() error = %v, want AuthenticationError", err)
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "Authentication failed") {
		t.Errorf("error = %v", err)
	}
	if n := srv.connections.Load(); n != 0 {
		t.Errorf("websocket sessions = %d", n)
	}
}

func TestClientMaxRetries(t *testing.T) {
	srv := newMockServer(t, func(ws *websocket.Conn) {
		ws.Close() //nolint:errcheck,gosec // reject before the connected frame
	})
	client := newTestClient(t, srv.url, func(c *Config) { c.MaxRetries = 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Start(ctx); err == nil {
		t.Fatal("Start() succeeded against a server that never says hello")
	}
	if n := srv.connections.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestClientServerError(t *testing.T) {
	srv := newMockServer(t, func(ws *websocket.Conn) {
		if !sendJSON(ws, connectedFrame("s1", "")) {
			return
		}
		sendJSON(ws, map[string]any{"type": "error", "code": "rate_limited", "reason": "user_minute_limit", "retryAfterMs": 1500})
		drain(ws)
	})

	got := make(chan ServerError, 1)
	client := newTestClient(t, srv.url, func(c *Config) {
		c.NoReconnect = true
		c.OnServerError = func(e ServerError) { got <- e }
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		_ = client.Start(ctx) //nolint:errcheck // stopped below
	}()
	defer client.Stop()

	select {
	case e := <-got:
		if e.Code != "rate_limited" || e.Reason != "user_minute_limit" || e.RetryAfter != 1500*time.Millisecond {
			t.Errorf("ServerError = %+v", e)
		}
		if e.Error() != "rate_limited: user_minute_limit" {
			t.Errorf("Error() = %q", e.Error())
		}
	case <-time.After(time.Second):
		t.Fatal("no server error delivered")
	}
}

func TestClientInvalidFrames(t *testing.T) {
	srv := newMockServer(t, func(ws *websocket.Conn) {
		if !sendJSON(ws, connectedFrame("s1", "")) {
			return
		}
		for _, garbage := range []string{"not json", `{"type":"missed_events","events":"nope"}`} {
			if websocket.Message.Send(ws, garbage) != nil {
				return
			}
		}
		sendJSON(ws, envelope("ok", "task:created"))
		drain(ws)
	})

	got := make(chan string, 1)
	client := newTestClient(t, srv.url, func(c *Config) {
		c.NoReconnect = true
		c.OnEvent = func(e Event) { got <- e.EventID }
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		_ = client.Start(ctx) //nolint:errcheck // stopped below
	}()
	defer client.Stop()

	select {
	case id := <-got:
		if id != "ok" {
			t.Errorf("event = %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("valid event after garbage not delivered")
	}
}

func TestDedupe(t *testing.T) {
	c := newTestClient(t, "ws://x", nil)
	first := c.dedupe([]Event{{EventID: "a"}, {EventID: "b"}, {}})
	if len(first) != 3 {
		t.Errorf("first pass = %d events", len(first))
	}
	second := c.dedupe([]Event{{EventID: "a"}, {EventID: "c"}, {}})
	if len(second) != 2 || second[0].EventID != "c" {
		t.Errorf("second pass = %+v", second)
	}
}
