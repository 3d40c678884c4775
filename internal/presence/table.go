// Package presence tracks which identities are live-joined to which rooms.
// It is a per-process cache for delivery; durable membership lives in the
// store.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cortexuvula/roomrelay/internal/chat"
)

// ErrNotMember is returned by Join when the store has no durable membership
// for the identity.
var ErrNotMember = errors.New("not a member of this room")

// Authorizer answers durable membership questions.
type Authorizer interface {
	VerifyMembership(ctx context.Context, id chat.Identity, room chat.RoomID) (bool, error)
}

// Entry is one identity present in a room, tagged with the serial of the
// connection that joined.
type Entry struct {
	Identity chat.Identity `json:"user_id"`
	Conn     uint64        `json:"conn"`
}

const shardCount = 32

type roomShard struct {
	mu    sync.RWMutex
	rooms map[chat.RoomID]map[chat.Identity]uint64
}

type userShard struct {
	mu    sync.Mutex
	users map[chat.Identity]map[chat.RoomID]uint64
}

// Table is the room presence table. Rooms and identities are sharded
// separately so unrelated rooms never contend on a lock.
type Table struct {
	auth  Authorizer
	rooms [shardCount]roomShard
	users [shardCount]userShard
}

// NewTable creates an empty table that authorizes joins through auth.
func NewTable(auth Authorizer) *Table {
	t := &Table{auth: auth}
	for i := range t.rooms {
		t.rooms[i].rooms = make(map[chat.RoomID]map[chat.Identity]uint64)
		t.users[i].users = make(map[chat.Identity]map[chat.RoomID]uint64)
	}
	return t
}

func (t *Table) roomShard(room chat.RoomID) *roomShard {
	return &t.rooms[uint64(room)%shardCount]
}

func (t *Table) userShard(id chat.Identity) *userShard {
	return &t.users[uint64(id)%shardCount]
}

// Join adds id (on connection conn) to room after checking durable
// membership. Joining again is a no-op. Connection serials only grow, so a
// late join from an older connection never replaces a newer one's entry.
func (t *Table) Join(ctx context.Context, room chat.RoomID, id chat.Identity, conn uint64) error {
	ok, err := t.auth.VerifyMembership(ctx, id, room)
	if err != nil {
		return fmt.Errorf("verifying membership: %w", err)
	}
	if !ok {
		return ErrNotMember
	}

	rs := t.roomShard(room)
	rs.mu.Lock()
	members := rs.rooms[room]
	if members == nil {
		members = make(map[chat.Identity]uint64)
		rs.rooms[room] = members
	}
	if prev, ok := members[id]; !ok || conn >= prev {
		members[id] = conn
	}
	rs.mu.Unlock()

	us := t.userShard(id)
	us.mu.Lock()
	joined := us.users[id]
	if joined == nil {
		joined = make(map[chat.RoomID]uint64)
		us.users[id] = joined
	}
	if prev, ok := joined[room]; !ok || conn >= prev {
		joined[room] = conn
	}
	us.mu.Unlock()
	return nil
}

// Leave removes id from room if connection conn is the one that joined.
// Leaving a room that was never joined is a no-op.
func (t *Table) Leave(room chat.RoomID, id chat.Identity, conn uint64) {
	t.removeFromRoom(room, id, conn)

	us := t.userShard(id)
	us.mu.Lock()
	if joined := us.users[id]; joined != nil && joined[room] == conn {
		delete(joined, room)
		if len(joined) == 0 {
			delete(us.users, id)
		}
	}
	us.mu.Unlock()
}

// LeaveAll removes every room entry that connection conn created for id and
// returns the rooms it left. Entries made by a newer connection for the same
// identity are left alone.
func (t *Table) LeaveAll(id chat.Identity, conn uint64) []chat.RoomID {
	us := t.userShard(id)
	us.mu.Lock()
	var left []chat.RoomID
	if joined := us.users[id]; joined != nil {
		for room, c := range joined {
			if c == conn {
				left = append(left, room)
				delete(joined, room)
			}
		}
		if len(joined) == 0 {
			delete(us.users, id)
		}
	}
	us.mu.Unlock()

	for _, room := range left {
		t.removeFromRoom(room, id, conn)
	}
	return left
}

func (t *Table) removeFromRoom(room chat.RoomID, id chat.Identity, conn uint64) {
	rs := t.roomShard(room)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	members := rs.rooms[room]
	if members == nil || members[id] != conn {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(rs.rooms, room)
	}
}

// Contains reports whether id is present in room through connection conn.
func (t *Table) Contains(room chat.RoomID, id chat.Identity, conn uint64) bool {
	rs := t.roomShard(room)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	c, ok := rs.rooms[room][id]
	return ok && c == conn
}

// Entries returns a snapshot of room's presence set.
func (t *Table) Entries(room chat.RoomID) []Entry {
	rs := t.roomShard(room)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	members := rs.rooms[room]
	out := make([]Entry, 0, len(members))
	for id, c := range members {
		out = append(out, Entry{Identity: id, Conn: c})
	}
	return out
}

// Members returns a snapshot of the identities present in room.
func (t *Table) Members(room chat.RoomID) []chat.Identity {
	rs := t.roomShard(room)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	members := rs.rooms[room]
	out := make([]chat.Identity, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// RoomsOf returns the rooms id is present in.
func (t *Table) RoomsOf(id chat.Identity) []chat.RoomID {
	us := t.userShard(id)
	us.mu.Lock()
	defer us.mu.Unlock()
	joined := us.users[id]
	out := make([]chat.RoomID, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	return out
}

// Occupancy returns the number of present identities per non-empty room.
func (t *Table) Occupancy() map[chat.RoomID]int {
	out := make(map[chat.RoomID]int)
	for i := range t.rooms {
		rs := &t.rooms[i]
		rs.mu.RLock()
		for room, members := range rs.rooms {
			out[room] = len(members)
		}
		rs.mu.RUnlock()
	}
	return out
}

// RoomCount returns the number of rooms with at least one present identity.
func (t *Table) RoomCount() int {
	n := 0
	for i := range t.rooms {
		rs := &t.rooms[i]
		rs.mu.RLock()
		n += len(rs.rooms)
		rs.mu.RUnlock()
	}
	return n
}
