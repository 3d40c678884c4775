package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cortexuvula/roomrelay/internal/chat"
)

type memberKey struct {
	room chat.RoomID
	id   chat.Identity
}

// Memory is an in-process Store. Chat history is a per-room ring buffer of
// historySize messages; older messages fall off.
type Memory struct {
	mu          sync.RWMutex
	users       map[chat.Identity]chat.User
	emails      map[string]chat.Identity
	rooms       map[chat.RoomID]chat.Room
	slugs       map[string]chat.RoomID
	members     map[memberKey]struct{}
	history     map[chat.RoomID][]chat.Message
	historySize int

	nextUser    int64
	nextRoom    int64
	nextMessage int64
}

// NewMemory creates an empty in-memory store.
func NewMemory(historySize int) *Memory {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Memory{
		users:       make(map[chat.Identity]chat.User),
		emails:      make(map[string]chat.Identity),
		rooms:       make(map[chat.RoomID]chat.Room),
		slugs:       make(map[string]chat.RoomID),
		members:     make(map[memberKey]struct{}),
		history:     make(map[chat.RoomID][]chat.Message),
		historySize: historySize,
	}
}

func (m *Memory) CreateUser(_ context.Context, u chat.User) (chat.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(u.Email)
	if _, taken := m.emails[email]; taken {
		return chat.User{}, ErrConflict
	}
	m.nextUser++
	u.ID = chat.Identity(m.nextUser)
	u.CreatedAt = time.Now().UTC()
	m.users[u.ID] = u
	m.emails[email] = u.ID
	return u, nil
}

func (m *Memory) UserByEmail(_ context.Context, email string) (chat.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return chat.User{}, ErrNotFound
	}
	return m.users[id], nil
}

// CreateRoom creates the room and makes its admin a member.
func (m *Memory) CreateRoom(_ context.Context, slug string, admin chat.Identity) (chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(slug)
	if _, taken := m.slugs[key]; taken {
		return chat.Room{}, ErrConflict
	}
	if _, ok := m.users[admin]; !ok {
		return chat.Room{}, ErrNotFound
	}
	m.nextRoom++
	room := chat.Room{
		ID:        chat.RoomID(m.nextRoom),
		Slug:      slug,
		AdminID:   admin,
		CreatedAt: time.Now().UTC(),
	}
	m.rooms[room.ID] = room
	m.slugs[key] = room.ID
	m.members[memberKey{room.ID, admin}] = struct{}{}
	return room, nil
}

func (m *Memory) RoomByID(_ context.Context, id chat.RoomID) (chat.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[id]
	if !ok {
		return chat.Room{}, ErrNotFound
	}
	return room, nil
}

func (m *Memory) AddMember(_ context.Context, room chat.RoomID, id chat.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room]; !ok {
		return ErrNotFound
	}
	m.members[memberKey{room, id}] = struct{}{}
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, room chat.RoomID, id chat.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memberKey{room, id}
	if _, ok := m.members[k]; !ok {
		return ErrNotFound
	}
	delete(m.members, k)
	return nil
}

func (m *Memory) VerifyMembership(_ context.Context, id chat.Identity, room chat.RoomID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[memberKey{room, id}]
	return ok, nil
}

func (m *Memory) AppendChatMessage(_ context.Context, room chat.RoomID, id chat.Identity, body string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[room]; !ok {
		return 0, ErrNotFound
	}
	m.nextMessage++
	msg := chat.Message{
		ID:        m.nextMessage,
		RoomID:    room,
		UserID:    id,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	msgs := append(m.history[room], msg)
	if len(msgs) > m.historySize {
		msgs = msgs[len(msgs)-m.historySize:]
	}
	m.history[room] = msgs
	return msg.ID, nil
}

func (m *Memory) ListRecentMessages(_ context.Context, room chat.RoomID, id chat.Identity, limit int) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.history[room]
	var out []chat.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].UserID != id {
			continue
		}
		out = append(out, msgs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
