// Package session maps each authenticated identity to its single live
// connection.
package session

import (
	"log/slog"
	"sync"

	"github.com/cortexuvula/roomrelay/internal/chat"
)

// Conn is the registry's view of a live connection.
type Conn interface {
	// Serial is unique per connection for the life of the process.
	Serial() uint64
	// Send queues payload without blocking. It reports false if the frame
	// was dropped.
	Send(payload []byte) bool
	// Evict signals the owning connection goroutine to shut down. It must
	// not block.
	Evict()
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[chat.Identity]Conn
}

// Registry holds at most one Conn per identity. Identities are spread over
// independently locked shards.
type Registry struct {
	shards [shardCount]shard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[chat.Identity]Conn)
	}
	return r
}

func (r *Registry) shardFor(id chat.Identity) *shard {
	return &r.shards[uint64(id)%shardCount]
}

// Bind installs c as the connection for id. A connection already bound to
// id is evicted before c becomes visible to Lookup; it is returned so the
// caller can account for it.
func (r *Registry) Bind(id chat.Identity, c Conn) (evicted Conn) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.conns[id]; ok && prev != c {
		prev.Evict()
		evicted = prev
		slog.Debug("session registry: evicted", "user_id", id, "conn", prev.Serial())
	}
	s.conns[id] = c
	return evicted
}

// Unbind removes id only while it still points at c, so a late cleanup from
// an evicted connection cannot remove the session that replaced it. It
// reports whether anything was removed.
func (r *Registry) Unbind(id chat.Identity, c Conn) bool {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.conns[id]; ok && cur == c {
		delete(s.conns, id)
		return true
	}
	return false
}

// Lookup returns the live connection for id, or nil.
func (r *Registry) Lookup(id chat.Identity) Conn {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// Len returns the number of bound identities.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

// Identities returns a snapshot of every bound identity, in no particular order.
func (r *Registry) Identities() []chat.Identity {
	var ids []chat.Identity
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.conns {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	return ids
}
