package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/ripple/pkg/auth"
	"github.com/codeGROOVE-dev/ripple/pkg/logger"
	"github.com/codeGROOVE-dev/ripple/pkg/security"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 100

	// RecoveryHeader carries the recovery token on reconnect. Browsers use the
	// "recovery" query parameter instead.
	RecoveryHeader = "X-Recovery-Token"
)

type contextKey string

const (
	reservationKey contextKey = "reservation_token"
	handshakeKey   contextKey = "handshake"
)

// Handler upgrades authenticated HTTP requests to WebSocket sessions.
//
// Everything that can fail is checked before the upgrade so the client gets a
// real HTTP status: handshake rate, User-Agent, credentials, connection caps.
type Handler struct {
	server     *Server
	gate       *auth.Gate
	conns      *security.ConnectionLimiter
	handshakes *security.HandshakeLimiter
}

// NewHandler returns a handler serving sessions on s. conns and handshakes may
// be nil to disable the corresponding limit.
func NewHandler(s *Server, gate *auth.Gate, conns *security.ConnectionLimiter, handshakes *security.HandshakeLimiter) *Handler {
	return &Handler{server: s, gate: gate, conns: conns, handshakes: handshakes}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := security.ClientIP(r)

	if h.handshakes != nil && !h.handshakes.Allow(ip) {
		logger.Warn(ctx, "handshake rate exceeded", logger.Fields{"ip": ip})
		writeStatus(w, http.StatusTooManyRequests, "429 Too Many Requests: handshake rate exceeded\n")
		return
	}

	clientName := "unknown"
	if r.UserAgent() != "" {
		ua, err := security.ParseUserAgent(r)
		if err != nil {
			logger.Warn(ctx, "invalid user agent", logger.Fields{"ip": ip, "user_agent": r.UserAgent()})
			writeStatus(w, http.StatusBadRequest, "400 Bad Request: "+err.Error()+"\n")
			return
		}
		clientName = ua.String()
	}

	id, err := h.gate.Authenticate(ctx, r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		if err := json.NewEncoder(w).Encode(ConnectError{Type: TypeConnectError, Message: err.Error()}); err != nil {
			logger.Warn(ctx, "failed to write connect error", logger.Fields{"ip": ip, "error": err.Error()})
		}
		return
	}

	reservation := ""
	if h.conns != nil {
		reservation = h.conns.Reserve(ip)
		if reservation == "" {
			logger.Warn(ctx, "connection limit reached", logger.Fields{"ip": ip, "user_id": id.UserID})
			writeStatus(w, http.StatusTooManyRequests, "429 Too Many Requests: connection limit exceeded\n")
			return
		}
	}

	hs := Handshake{Identity: id, RecoveryToken: recoveryToken(r), UserAgent: clientName}
	ctx = context.WithValue(ctx, handshakeKey, hs)
	ctx = context.WithValue(ctx, reservationKey, reservation)

	s := websocket.Server{
		Handler: h.handle,
		// Non-browser clients send no Origin; credentials were checked above.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
	}
	s.ServeHTTP(w, r.WithContext(ctx))

	// A failed upgrade never reaches handle, so the slot is still reserved.
	if reservation != "" {
		h.conns.CancelReservation(reservation)
	}
}

func (h *Handler) handle(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	hs, ok := ctx.Value(handshakeKey).(Handshake)
	if !ok {
		logger.Error(ctx, "websocket session without handshake", nil, nil)
		ws.Close() //nolint:errcheck,gosec // nothing to report to
		return
	}
	ip := security.ClientIP(ws.Request())

	if reservation, _ := ctx.Value(reservationKey).(string); reservation != "" { //nolint:errcheck // zero value means no limiter
		if !h.conns.CommitReservation(reservation) {
			logger.Warn(ctx, "connection reservation expired before upgrade", logger.Fields{"ip": ip})
			ws.Close() //nolint:errcheck,gosec // nothing to report to
			return
		}
		defer h.conns.Remove(ip)
	}

	ws.MaxPayloadBytes = maxMessageSize
	sock := newWSSocket(ws, ip)
	go sock.writeLoop(ctx)

	// Session teardown must finish even though the request context is gone.
	bg := context.WithoutCancel(ctx)
	if _, err := h.server.Connect(ctx, sock, hs); err != nil {
		logger.Error(ctx, "failed to register connection", err, logger.Fields{"ip": ip, "user_id": hs.Identity.UserID})
		sock.Close(ReasonTransportClose)
		return
	}

	reason := h.readLoop(ctx, ws, sock)
	sock.Close(reason)
	h.server.Disconnect(bg, sock.ID(), reason)
}

// readLoop feeds frames to the server until the transport fails and returns
// the disconnect reason.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sock *wsSocket) string {
	liveness := h.server.cfg.Heartbeat.LivenessTimeout
	for {
		if err := ws.SetReadDeadline(time.Now().Add(liveness)); err != nil {
			return ReasonTransportClose
		}
		var raw []byte
		err := websocket.Message.Receive(ws, &raw)
		if err != nil {
			return readFailureReason(err, sock)
		}
		if err := h.server.HandleMessage(ctx, sock, raw); err != nil {
			logger.Debug(ctx, "dropping frame for unregistered socket", logger.Fields{"socket_id": sock.ID()})
			return ReasonTransportClose
		}
	}
}

func readFailureReason(err error, sock *wsSocket) string {
	if sock.closed.Load() {
		if r, ok := sock.reason.Load().(string); ok {
			return r
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		return "client disconnect"
	case strings.Contains(err.Error(), "i/o timeout"):
		return ReasonPingTimeout
	default:
		return ReasonTransportClose
	}
}

func recoveryToken(r *http.Request) string {
	if tok := r.Header.Get(RecoveryHeader); tok != "" {
		return tok
	}
	return r.URL.Query().Get("recovery")
}

func writeStatus(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	if _, err := w.Write([]byte(msg)); err != nil {
		logger.Warn(context.Background(), "failed to write response", logger.Fields{"status": code, "error": err.Error()})
	}
}

// wsSocket is a Socket over an x/net websocket. Only writeLoop writes to the
// connection; Send only enqueues.
type wsSocket struct {
	conn      *websocket.Conn
	send      chan any
	done      chan struct{}
	reason    atomic.Value
	id        string
	ip        string
	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSSocket(conn *websocket.Conn, ip string) *wsSocket {
	return &wsSocket{
		conn: conn,
		send: make(chan any, sendQueueSize),
		done: make(chan struct{}),
		id:   uuid.NewString(),
		ip:   ip,
	}
}

func (s *wsSocket) ID() string       { return s.id }
func (s *wsSocket) RemoteIP() string { return s.ip }

// Send never blocks. The send channel is never closed, so a racing Close
// cannot make it panic.
func (s *wsSocket) Send(msg any) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Close is idempotent. The first reason wins.
func (s *wsSocket) Close(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		s.closed.Store(true)
		close(s.done)
		if err := s.conn.Close(); err != nil {
			logger.Debug(context.Background(), "websocket close", logger.Fields{"socket_id": s.id, "error": err.Error()})
		}
	})
}

func (s *wsSocket) writeLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case msg := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				s.Close(ReasonTransportClose)
				return
			}
			if err := websocket.JSON.Send(s.conn, msg); err != nil {
				logger.Warn(ctx, "socket write failed", logger.Fields{"socket_id": s.id, "error": err.Error()})
				s.Close(ReasonTransportClose)
				return
			}
		}
	}
}
