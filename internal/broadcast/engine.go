// Package broadcast fans a payload out to every live member of a room.
package broadcast

import (
	"log/slog"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/presence"
	"github.com/cortexuvula/roomrelay/internal/session"
)

// Sessions resolves identities to live connections.
type Sessions interface {
	Lookup(id chat.Identity) session.Conn
}

// Presence snapshots a room's presence set.
type Presence interface {
	Entries(room chat.RoomID) []presence.Entry
}

// Result counts the outcome of one Deliver call.
type Result struct {
	Delivered int // queued on the recipient's connection
	Dropped   int // recipient queue full or connection closing
	Stale     int // presence entry with no matching live connection
}

// NoExclude is passed to Deliver when every member should receive the payload.
const NoExclude chat.Identity = 0

// Engine delivers room payloads.
type Engine struct {
	sessions Sessions
	presence Presence
}

// New creates an Engine.
func New(sessions Sessions, p Presence) *Engine {
	return &Engine{sessions: sessions, presence: p}
}

// Deliver queues payload on the connection of every identity present in
// room except exclude. Sends never block: each connection has its own
// bounded queue and writer goroutine, so a slow or dead recipient only
// loses its own copy. The presence snapshot is taken without holding any
// lock during delivery.
func (e *Engine) Deliver(room chat.RoomID, payload []byte, exclude chat.Identity) Result {
	var res Result
	for _, entry := range e.presence.Entries(room) {
		if entry.Identity == exclude {
			continue
		}
		conn := e.sessions.Lookup(entry.Identity)
		if conn == nil || conn.Serial() != entry.Conn {
			res.Stale++
			continue
		}
		if conn.Send(payload) {
			res.Delivered++
		} else {
			res.Dropped++
			slog.Debug("broadcast: dropped frame", "room_id", room, "user_id", entry.Identity)
		}
	}
	return res
}
