// Package relay accepts chat clients over WebSocket and drives each
// connection from handshake to teardown.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/roomrelay/internal/broadcast"
	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/config"
	"github.com/cortexuvula/roomrelay/internal/metrics"
	"github.com/cortexuvula/roomrelay/internal/presence"
	"github.com/cortexuvula/roomrelay/internal/protocol"
	"github.com/cortexuvula/roomrelay/internal/security"
	"github.com/cortexuvula/roomrelay/internal/session"
)

// Persister takes chat messages for durable storage after live delivery.
// Enqueue must not block.
type Persister interface {
	Enqueue(room chat.RoomID, from chat.Identity, body string) bool
}

// Handler is the HTTP handler that upgrades authenticated clients to
// WebSocket and relays their room traffic.
type Handler struct {
	Config      *config.Config
	Verifier    *security.Verifier
	Sessions    *session.Registry
	Presence    *presence.Table
	Engine      *broadcast.Engine
	Persister   Persister
	Stats       *Stats
	RateLimiter *security.RateLimiter
	Metrics     *metrics.Metrics // optional, nil if metrics disabled
	ShutdownCtx context.Context  // parent of every connection context

	// Fallback serves requests that are not WebSocket upgrades (the REST
	// API). Nil means 426 Upgrade Required.
	Fallback http.Handler

	allowList  *security.AllowList
	nextSerial atomic.Uint64

	// drainCtx is cancelled when the server begins draining connections.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects Config and allowList during hot-reload
	mu sync.RWMutex
}

// NewHandler creates a relay handler. Joins are authorized through auth and
// chat messages are handed to p after delivery.
func NewHandler(cfg *config.Config, v *security.Verifier, auth presence.Authorizer, p Persister, rl *security.RateLimiter) (*Handler, error) {
	al, err := security.ParseAllowList(cfg.Security.AllowedNetworks)
	if err != nil {
		return nil, err
	}

	sessions := session.NewRegistry()
	table := presence.NewTable(auth)
	drainCtx, drainCancel := context.WithCancel(context.Background())

	return &Handler{
		Config:      cfg,
		Verifier:    v,
		Sessions:    sessions,
		Presence:    table,
		Engine:      broadcast.New(sessions, table),
		Persister:   p,
		Stats:       NewStats(),
		RateLimiter: rl,
		ShutdownCtx: context.Background(),
		allowList:   al,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}, nil
}

// StartDrain signals all active connections to begin graceful shutdown.
// Each connection's watcher will send a WebSocket close frame.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Config
}

// UpdateConfig swaps the config (called on SIGHUP). An invalid allow-list
// keeps the previous one.
func (h *Handler) UpdateConfig(cfg *config.Config) {
	al, err := security.ParseAllowList(cfg.Security.AllowedNetworks)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Config = cfg
	if err != nil {
		slog.Error("keeping previous allowed_networks", "error", err)
		return
	}
	h.allowList = al
}

func (h *Handler) allowed(remoteAddr string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.allowList.Allows(remoteAddr)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	// 1. Network allow-list
	if !h.allowed(r.RemoteAddr) {
		slog.Warn("rejected connection from disallowed network", "remote_addr", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	// 2. Parse client IP (needed for rate limiting and connection tracking)
	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		slog.Error("failed to parse remote address", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// Route: plain HTTP requests go to the REST API, which throttles
	// its own endpoints.
	if !isWebSocketUpgrade(r) {
		if h.Fallback == nil {
			http.Error(w, "Upgrade Required", http.StatusUpgradeRequired)
			return
		}
		h.Fallback.ServeHTTP(w, r)
		return
	}

	// 3. No new sessions once draining has started
	if h.drainCtx.Err() != nil {
		h.countError("draining")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	// 4. Rate limit check
	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("rate limit exceeded", "client_ip", clientIP)
		h.countError("rate_limited")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// 5. Credential. Rejected before the upgrade so no frame is ever sent.
	id, err := h.Verifier.Verify(security.TokenFromRequest(r, cfg.Server.AllowQueryToken))
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, security.ErrMissingToken) {
			reason = "missing_token"
		}
		slog.Warn("rejected handshake", "client_ip", clientIP, "reason", reason)
		h.countError(reason)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// 6. Connection limits (atomic check-and-increment to prevent TOCTOU race)
	if reason := h.Stats.TryAcquire(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.Stats.ConnectionCount(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Stats.ConnectionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		h.countError(reason)
		return
	}

	// 7. Upgrade
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		h.Stats.Release(clientIP)
		h.countError("accept_failure")
		slog.Error("failed to accept client WebSocket", "client_ip", clientIP, "error", err)
		return
	}
	ws.SetReadLimit(cfg.Server.MaxMessageSize)
	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveConnections.Inc()
	}

	c := newConn(h.ShutdownCtx, h.nextSerial.Add(1), id, clientIP, ws, cfg.Server.SendQueueSize)
	h.serve(c, cfg)
}

// serve runs the connection until its socket closes, then tears it down.
func (h *Handler) serve(c *Conn, cfg *config.Config) {
	defer h.teardown(c)

	c.setState(StateAuthenticating)
	if old := h.Sessions.Bind(c.identity, c); old != nil {
		slog.Info("evicted previous session", "user_id", c.identity, "conn", old.Serial(), "replaced_by", c.serial)
		if h.Metrics != nil {
			h.Metrics.EvictionsTotal.Inc()
		}
	}
	c.setState(StateActive)
	slog.Info("connection established", "client_ip", c.clientIP, "user_id", c.identity, "conn", c.serial)

	go c.writeLoop(cfg.Server.WriteTimeout)
	go c.watch(h.drainCtx.Done())
	// Ping must run concurrently with Read per coder/websocket docs.
	if cfg.Server.PingInterval > 0 {
		go c.keepAlive(cfg.Server.PingInterval, cfg.Server.PongTimeout)
	}

	// Per-connection message rate limiter
	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		msgLimiter = rate.NewLimiter(rate.Limit(cfg.Security.RateLimit.MessagesPerSecond), cfg.Security.RateLimit.MessagesPerSecond)
	}

	h.readLoop(c, msgLimiter)
}

// readLoop processes inbound frames one at a time until the socket fails.
// Frames from one connection are never handled concurrently.
func (h *Handler) readLoop(c *Conn, msgLimiter *rate.Limiter) {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			slog.Debug("read stopped", "conn", c.serial, "user_id", c.identity, "reason", err)
			return
		}
		if c.State() >= StateClosing {
			// Replaced while this frame was in flight.
			return
		}
		if msgLimiter != nil {
			if err := msgLimiter.Wait(c.ctx); err != nil {
				return
			}
		}
		if typ != websocket.MessageText {
			h.countFrame("malformed")
			continue
		}

		in, err := protocol.Parse(data)
		if err != nil {
			h.countFrame("malformed")
			continue
		}
		h.Stats.IncrementFrames()
		h.countFrame(in.Type)
		h.dispatch(c, in)
	}
}

func (h *Handler) dispatch(c *Conn, in protocol.Inbound) {
	if c.State() >= StateClosing {
		return
	}
	switch in.Type {
	case protocol.TypeJoinRoom:
		h.handleJoin(c, in.RoomID)
	case protocol.TypeLeaveRoom:
		h.Presence.Leave(in.RoomID, c.identity, c.serial)
		c.Send(protocol.LeftRoom(in.RoomID))
		h.updateRoomGauge()
	case protocol.TypeChat:
		h.handleChat(c, in.RoomID, in.Message)
	}
}

func (h *Handler) handleJoin(c *Conn, room chat.RoomID) {
	ctx, cancel := context.WithTimeout(c.ctx, h.GetConfig().Server.JoinTimeout)
	defer cancel()

	err := h.Presence.Join(ctx, room, c.identity, c.serial)
	switch {
	case err == nil:
		c.Send(protocol.JoinedRoom(room))
		h.updateRoomGauge()
	case errors.Is(err, presence.ErrNotMember):
		slog.Debug("join refused", "user_id", c.identity, "room_id", room)
		c.Send(protocol.Error(protocol.ErrNotMember))
	default:
		slog.Warn("join failed", "user_id", c.identity, "room_id", room, "error", err)
		h.countError("join_failure")
		c.Send(protocol.Error(protocol.ErrJoinFailed))
	}
}

// handleChat relays to the room's live members, excluding the sender, then
// queues the message for persistence. Delivery never waits on the store.
func (h *Handler) handleChat(c *Conn, room chat.RoomID, body string) {
	if !h.Presence.Contains(room, c.identity, c.serial) {
		c.Send(protocol.Error(protocol.ErrNotInRoom))
		return
	}

	res := h.Engine.Deliver(room, protocol.Chat(room, c.identity, body), c.identity)
	if h.Metrics != nil {
		h.Metrics.DeliveriesTotal.WithLabelValues("delivered").Add(float64(res.Delivered))
		h.Metrics.DeliveriesTotal.WithLabelValues("dropped").Add(float64(res.Dropped))
		h.Metrics.DeliveriesTotal.WithLabelValues("stale").Add(float64(res.Stale))
	}
	if res.Dropped > 0 {
		slog.Debug("slow recipients dropped chat", "room_id", room, "dropped", res.Dropped)
	}

	if h.Persister != nil {
		h.Persister.Enqueue(room, c.identity, body)
	}
}

// teardown runs exactly once per connection: unbind if still bound, purge
// presence, close the socket and release counters.
func (h *Handler) teardown(c *Conn) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.cancel()

		h.Sessions.Unbind(c.identity, c)
		rooms := h.Presence.LeaveAll(c.identity, c.serial)
		h.updateRoomGauge()

		c.closeSocket(websocket.StatusNormalClosure, "")
		h.Stats.Release(c.clientIP)
		if h.Metrics != nil {
			h.Metrics.ActiveConnections.Dec()
		}
		c.setState(StateClosed)

		slog.Info("connection closed",
			"client_ip", c.clientIP,
			"user_id", c.identity,
			"conn", c.serial,
			"rooms_left", len(rooms),
			"duration", time.Since(c.connectedAt).String(),
		)
	})
}

func (h *Handler) updateRoomGauge() {
	if h.Metrics != nil {
		h.Metrics.OccupiedRooms.Set(float64(h.Presence.RoomCount()))
	}
}

func (h *Handler) countFrame(typ string) {
	if h.Metrics != nil {
		h.Metrics.FramesTotal.WithLabelValues(typ).Inc()
	}
}

func (h *Handler) countError(typ string) {
	if h.Metrics != nil {
		h.Metrics.ErrorsTotal.WithLabelValues(typ).Inc()
	}
}

// SessionInfo describes one bound session for the admin API.
type SessionInfo struct {
	UserID      chat.Identity `json:"user_id"`
	Conn        uint64        `json:"conn"`
	ClientIP    string        `json:"client_ip"`
	State       string        `json:"state"`
	ConnectedAt time.Time     `json:"connected_at"`
	Rooms       []chat.RoomID `json:"rooms"`
	Dropped     int64         `json:"dropped"`
}

// Snapshot lists the currently bound sessions.
func (h *Handler) Snapshot() []SessionInfo {
	ids := h.Sessions.Identities()
	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		c, ok := h.Sessions.Lookup(id).(*Conn)
		if !ok {
			continue
		}
		out = append(out, SessionInfo{
			UserID:      id,
			Conn:        c.serial,
			ClientIP:    c.clientIP,
			State:       c.State().String(),
			ConnectedAt: c.connectedAt,
			Rooms:       h.Presence.RoomsOf(id),
			Dropped:     c.Dropped(),
		})
	}
	return out
}

// isWebSocketUpgrade returns true if the request is a WebSocket upgrade per RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContains(r.Header, "Connection", "upgrade")
}

// headerContains checks whether the header key contains the given value
// as a comma-separated token (case-insensitive).
func headerContains(h http.Header, key, value string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), value) {
				return true
			}
		}
	}
	return false
}
