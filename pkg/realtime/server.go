// Package realtime distributes events to WebSocket clients grouped into
// rooms, throttles what they send, tracks their presence and lets them
// resume after a dropped connection.
package realtime

import (
	"context"
	"runtime"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codeGROOVE-dev/ripple/pkg/auth"
	"github.com/codeGROOVE-dev/ripple/pkg/config"
	"github.com/codeGROOVE-dev/ripple/pkg/logger"
	"github.com/codeGROOVE-dev/ripple/pkg/token"
)

// Disconnect reasons set by the server.
const (
	ReasonPingTimeout    = "ping timeout"
	ReasonServerShutdown = "server shutdown"
	ReasonTransportClose = "transport close"
)

// RoomAuthorizer decides whether a user may join a room.
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, userID, roomType, roomID string) (bool, error)
}

// Handshake is what the transport learned before the socket went live.
type Handshake struct {
	Identity      auth.Identity
	RecoveryToken string
	UserAgent     string
}

// Options configure a Server. Zero values fall back to defaults.
type Options struct {
	Clock      clock.Clock
	Authorizer RoomAuthorizer
	Recovery   *token.RecoverySigner
	Registerer prometheus.Registerer
	Config     *config.Config
}

// Stats aggregates every component.
type Stats struct {
	Connections ManagerStats  `json:"connections"`
	Presence    PresenceStats `json:"presence"`
	RateLimit   LimiterStats  `json:"rateLimit"`
	Recovery    RecoveryStats `json:"recovery"`
	MemoryBytes uint64        `json:"memoryBytes"`
	Goroutines  int           `json:"goroutines"`
}

// Server binds transport callbacks to the services in the order
// authentication, rate limiting, dispatch.
//
//nolint:govet // fieldalignment: grouped by purpose
type Server struct {
	cfg         *config.Config
	clock       clock.Clock
	authz       RoomAuthorizer
	signer      *token.RecoverySigner
	metrics     *Metrics
	manager     *Manager
	presence    *PresenceService
	limiter     *RateLimiter
	recovery    *Recovery
	broadcaster *Broadcaster
	stopped     chan struct{}
	pingSeq     int64
}

// New builds a Server. Without an Authorizer every non-personal room is
// refused.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Server{
		cfg:     cfg,
		clock:   clk,
		authz:   opts.Authorizer,
		signer:  opts.Recovery,
		metrics: NewMetrics(opts.Registerer),
		stopped: make(chan struct{}),
	}
	s.manager = NewManager(clk, cfg.Recovery.ReconnectGrace)
	s.limiter = NewRateLimiter(clk, cfg.RateLimit)
	s.recovery = NewRecovery(clk, cfg.Recovery)
	s.broadcaster = NewBroadcaster(clk, s.manager, s.recovery, s.metrics)
	s.presence = NewPresenceService(clk, cfg.Presence, s.publishPresence)
	return s
}

// Manager returns the connection table.
func (s *Server) Manager() *Manager { return s.manager }

// Broadcaster returns the publish API.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Limiter returns the rate limiter, for administrative operations.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Presence returns the presence service.
func (s *Server) Presence() *PresenceService { return s.presence }

// Recovery returns the missed-event buffers.
func (s *Server) Recovery() *Recovery { return s.recovery }

// Connect registers an authenticated socket. The client receives, in order:
// connected, then any restored rooms and events missed since its previous
// socket dropped, then the general missed-event batch.
func (s *Server) Connect(ctx context.Context, sock Socket, hs Handshake) (Connection, error) {
	userID := hs.Identity.UserID
	conn, created, err := s.manager.Register(sock, userID)
	if err != nil {
		return Connection{}, err
	}
	if !created {
		return conn, nil
	}
	s.metrics.connections.Inc()
	s.presence.Connected(userID, sock.ID())

	sock.Send(Connected{
		Type:          TypeConnected,
		SocketID:      sock.ID(),
		UserID:        userID,
		RecoveryToken: s.issueRecoveryToken(ctx, userID, sock.ID()),
	})

	kind := "new"
	replayed := make(map[string]bool)
	if hs.RecoveryToken != "" {
		if res, ok := s.recover(ctx, sock, userID, hs.RecoveryToken); ok {
			kind = "recovered"
			for _, ev := range res.Replayed {
				replayed[ev.EventID] = true
			}
			if c, ok := s.manager.Connection(sock.ID()); ok {
				conn = c
			}
		}
	}
	s.recovery.DeliverMissed(ctx, sock, userID, replayed)
	s.metrics.connects.WithLabelValues(kind).Inc()

	logger.Info(ctx, "connection registered", logger.Fields{
		"socket_id":  sock.ID(),
		"user_id":    userID,
		"ip":         sock.RemoteIP(),
		"user_agent": hs.UserAgent,
		"kind":       kind,
	})
	return conn, nil
}

func (s *Server) recover(ctx context.Context, sock Socket, userID, tok string) (ReconnectResult, bool) {
	if s.signer == nil {
		return ReconnectResult{}, false
	}
	rec, err := s.signer.Open(tok, s.clock.Now(), 0)
	if err != nil || rec.UserID != userID {
		s.recovery.RecordFailure()
		s.metrics.reconnections.WithLabelValues("invalid_token").Inc()
		logger.Warn(ctx, "rejected recovery token", logger.Fields{
			"socket_id": sock.ID(),
			"user_id":   userID,
		})
		return ReconnectResult{}, false
	}
	res, err := s.recovery.HandleReconnection(ctx, s.manager, sock, userID, rec.SocketID)
	if err != nil {
		s.metrics.reconnections.WithLabelValues("failed").Inc()
		return ReconnectResult{}, false
	}
	s.metrics.reconnections.WithLabelValues("success").Inc()
	return res, true
}

func (s *Server) issueRecoveryToken(ctx context.Context, userID, socketID string) string {
	if s.signer == nil {
		return ""
	}
	tok, err := s.signer.Issue(userID, socketID, s.clock.Now())
	if err != nil {
		logger.Error(ctx, "failed to issue recovery token", err, logger.Fields{"socket_id": socketID})
		return ""
	}
	return tok
}

// HandleMessage processes one inbound frame. Frames from one socket must be
// passed in arrival order.
func (s *Server) HandleMessage(ctx context.Context, sock Socket, raw []byte) error {
	if !s.manager.Touch(sock.ID()) {
		return ErrUnknownSocket
	}
	conn, ok := s.manager.Connection(sock.ID())
	if !ok {
		return ErrUnknownSocket
	}

	msg, err := DecodeInbound(raw)
	if err != nil {
		sock.Send(ErrorMessage{Type: TypeError, Code: ReasonInvalidMessage, Reason: err.Error()})
		return nil
	}

	// Pongs only answer server pings; they are heartbeat, not events.
	if _, isPong := msg.(Pong); isPong {
		return nil
	}

	d := s.limiter.Check(ctx, &RequestContext{UserID: conn.UserID, SocketID: conn.SocketID, IP: conn.IP}, msg.inboundType())
	if !d.Allowed {
		s.metrics.rateLimited.WithLabelValues(d.Reason).Inc()
		sock.Send(ErrorMessage{
			Type:         TypeError,
			Code:         ReasonRateLimitedCode,
			Reason:       d.Reason,
			RetryAfterMs: d.RetryAfter.Milliseconds(),
		})
		return nil
	}

	switch m := msg.(type) {
	case Subscribe:
		s.subscribe(ctx, sock, conn.UserID, m)
	case Unsubscribe:
		s.unsubscribe(sock, m)
	case Activity:
		s.activity(ctx, conn.UserID, m)
	case Ping:
		sock.Send(PongMessage{Type: TypePong, Timestamp: s.clock.Now().UnixMilli(), Seq: m.Seq})
	}
	return nil
}

func (s *Server) subscribe(ctx context.Context, sock Socket, userID string, m Subscribe) {
	room, err := NewRoomKey(m.RoomType, m.RoomID)
	if err != nil {
		sock.Send(RoomMessage{Type: TypeSubscriptionError, RoomType: m.RoomType, RoomID: m.RoomID, Reason: ReasonInvalidRoom})
		return
	}
	if reason := s.authorize(ctx, userID, room); reason != "" {
		sock.Send(roomMessage(TypeSubscriptionError, room, reason))
		return
	}
	if err := s.manager.Track(sock.ID(), room, Filters(m.Filters)); err != nil {
		sock.Send(roomMessage(TypeSubscriptionError, room, ReasonInvalidRoom))
		return
	}
	sock.Send(roomMessage(TypeSubscriptionConfirmed, room, ""))
}

// authorize returns "" when userID may join room, or the refusal reason.
// Personal rooms never reach the authorizer.
func (s *Server) authorize(ctx context.Context, userID string, room RoomKey) string {
	if room.Personal() {
		if room.ID() != userID {
			return ReasonForbidden
		}
		return ""
	}
	if s.authz == nil {
		return ReasonForbidden
	}
	ok, err := s.authz.CanJoin(ctx, userID, room.Type(), room.ID())
	if err != nil {
		logger.Error(ctx, "room authorization failed", err, logger.Fields{
			"user_id": userID,
			"room":    string(room),
		})
		return ReasonAuthzFailed
	}
	if !ok {
		return ReasonForbidden
	}
	return ""
}

func (s *Server) unsubscribe(sock Socket, m Unsubscribe) {
	room, err := NewRoomKey(m.RoomType, m.RoomID)
	if err != nil {
		sock.Send(RoomMessage{Type: TypeSubscriptionError, RoomType: m.RoomType, RoomID: m.RoomID, Reason: ReasonInvalidRoom})
		return
	}
	if !s.manager.Untrack(sock.ID(), room) {
		sock.Send(roomMessage(TypeSubscriptionError, room, ReasonNotSubscribed))
		return
	}
	sock.Send(roomMessage(TypeUnsubscriptionConfirmed, room, ""))
}

func (s *Server) activity(ctx context.Context, userID string, m Activity) {
	s.presence.RecordActivity(userID)
	s.broadcaster.ToPeers(ctx, userID, TypeUserActivity, map[string]any{
		"userId":   userID,
		"type":     m.Kind,
		"action":   m.Action,
		"metadata": m.Metadata,
	})
}

// Disconnect handles a closed transport. Unknown or already removed sockets
// are ignored.
func (s *Server) Disconnect(ctx context.Context, socketID, reason string) {
	conn, remaining, ok := s.manager.Remove(socketID, reason)
	if !ok {
		return
	}
	s.recovery.TrackDisconnect(conn)
	s.presence.Disconnected(conn.UserID, socketID)
	s.metrics.connections.Dec()
	s.metrics.disconnects.WithLabelValues(reason).Inc()
	logger.Info(ctx, "connection removed", logger.Fields{
		"socket_id": socketID,
		"user_id":   conn.UserID,
		"reason":    reason,
		"remaining": remaining,
	})
}

// UserConnections returns every record of userID, live or retained.
func (s *Server) UserConnections(userID string) []Connection {
	return s.manager.UserConnections(userID)
}

// Stats aggregates every component.
func (s *Server) Stats() Stats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Stats{
		Connections: s.manager.Stats(),
		Presence:    s.presence.Stats(),
		RateLimit:   s.limiter.Stats(),
		Recovery:    s.recovery.Stats(),
		MemoryBytes: mem.HeapAlloc,
		Goroutines:  runtime.NumGoroutine(),
	}
}

// Run owns every periodic task: heartbeats, the presence sweep, and cleanup
// of rate windows, retained connections and expired buffers. It returns when
// ctx is cancelled, after closing every live socket.
func (s *Server) Run(ctx context.Context) {
	defer close(s.stopped)
	defer s.shutdown(ctx)

	heartbeat := s.clock.Ticker(s.cfg.Heartbeat.PingInterval)
	defer heartbeat.Stop()
	presence := s.clock.Ticker(s.cfg.Presence.SweepInterval)
	defer presence.Stop()
	cleanup := s.clock.Ticker(s.cfg.RateLimit.CleanupInterval)
	defer cleanup.Stop()
	sweep := s.clock.Ticker(s.cfg.Recovery.SweepInterval)
	defer sweep.Stop()

	logger.Info(ctx, "realtime server started", nil)
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "realtime server shutting down", nil)
			return
		case <-heartbeat.C:
			s.Heartbeat(ctx)
		case <-presence.C:
			s.presence.Sweep(s.clock.Now())
		case <-cleanup.C:
			n := s.limiter.Cleanup(s.clock.Now())
			logger.Debug(ctx, "rate limiter cleanup", logger.Fields{"removed": n})
		case <-sweep.C:
			s.Sweep(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (s *Server) Wait() {
	<-s.stopped
}

// Heartbeat closes sockets silent past the liveness timeout and pings the rest.
func (s *Server) Heartbeat(ctx context.Context) {
	stale, alive := s.manager.Heartbeat(s.clock.Now(), s.cfg.Heartbeat.LivenessTimeout)
	for _, sock := range stale {
		logger.Info(ctx, "closing silent connection", logger.Fields{"socket_id": sock.ID()})
		sock.Close(ReasonPingTimeout)
		s.Disconnect(ctx, sock.ID(), ReasonPingTimeout)
	}
	s.pingSeq++
	ping := PingMessage{Type: TypePing, Seq: s.pingSeq}
	for _, sock := range alive {
		sock.Send(ping)
	}
}

// Sweep collects retained connections and expired missed events.
func (s *Server) Sweep(ctx context.Context) {
	now := s.clock.Now()
	collected := s.manager.Sweep(now)
	expired := s.recovery.Sweep(now)
	if len(collected) > 0 || expired > 0 {
		logger.Debug(ctx, "recovery sweep", logger.Fields{
			"connections_collected": len(collected),
			"events_expired":        expired,
		})
	}
}

func (s *Server) shutdown(ctx context.Context) {
	s.presence.Stop()
	sockets := s.manager.Sockets()
	for _, sock := range sockets {
		sock.Close(ReasonServerShutdown)
	}
	logger.Info(ctx, "realtime server stopped", logger.Fields{"closed_sockets": len(sockets)})
}

// publishPresence fans a presence transition out to peers.
func (s *Server) publishPresence(p Presence) {
	s.metrics.presence.WithLabelValues(string(p.Status)).Inc()
	s.broadcaster.ToPeers(context.Background(), p.UserID, TypePresenceUpdate, p)
}
