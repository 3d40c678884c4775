package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/roomrelay/internal/chat"
)

// State is a connection's lifecycle stage.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one live client connection. Only its own goroutines touch the
// socket; other connections reach it through Send and Evict.
type Conn struct {
	serial      uint64
	identity    chat.Identity
	clientIP    string
	connectedAt time.Time

	ws   *websocket.Conn
	send chan []byte

	// ctx is cancelled once the read loop has exited.
	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	dropped   atomic.Int64
	evictCh   chan struct{}
	evictOnce sync.Once
	closeOnce sync.Once
	wsOnce    sync.Once
}

func newConn(parent context.Context, serial uint64, id chat.Identity, clientIP string, ws *websocket.Conn, queueSize int) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		serial:      serial,
		identity:    id,
		clientIP:    clientIP,
		connectedAt: time.Now(),
		ws:          ws,
		send:        make(chan []byte, queueSize),
		ctx:         ctx,
		cancel:      cancel,
		evictCh:     make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Serial is unique per process and increases with every accepted connection.
func (c *Conn) Serial() uint64 { return c.serial }

func (c *Conn) State() State { return State(c.state.Load()) }

// Dropped returns how many outbound frames were discarded because the
// queue was full.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Send queues payload for this connection without blocking. It reports
// false if the connection is closing or its queue is full; the frame is
// then dropped.
func (c *Conn) Send(payload []byte) bool {
	if c.State() >= StateClosing {
		return false
	}
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Evict marks the connection as replaced and signals its owner to close
// the socket. It never blocks and may be called more than once.
func (c *Conn) Evict() {
	c.evictOnce.Do(func() {
		c.setState(StateClosing)
		close(c.evictCh)
	})
}

// closeSocket sends a close frame once. Later calls are no-ops.
func (c *Conn) closeSocket(code websocket.StatusCode, reason string) {
	c.wsOnce.Do(func() {
		if err := c.ws.Close(code, reason); err != nil {
			slog.Debug("close failed", "conn", c.serial, "error", err)
		}
	})
}

// writeLoop drains the outbound queue onto the socket. Frames are written
// in queue order, which keeps per-recipient ordering.
func (c *Conn) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				slog.Debug("write failed", "conn", c.serial, "user_id", c.identity, "reason", err)
				c.closeSocket(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it closes the socket, which ends the read loop.
func (c *Conn) keepAlive(interval, pongTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(c.ctx, pongTimeout)
			err := c.ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "conn", c.serial, "error", err)
				c.closeSocket(websocket.StatusGoingAway, "keepalive timeout")
				return
			}
		}
	}
}

// watch closes the socket when the server drains or a newer session for
// the same identity evicts this one.
func (c *Conn) watch(drain <-chan struct{}) {
	select {
	case <-drain:
		c.closeSocket(websocket.StatusGoingAway, "server shutting down")
	case <-c.evictCh:
		c.closeSocket(websocket.StatusPolicyViolation, "session replaced")
	case <-c.ctx.Done():
	}
}
