// Package store is the persistence gateway: durable users, rooms, room
// membership and chat history.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/config"
)

var (
	// ErrNotFound is returned when a user, room or membership does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique email or slug is already taken.
	ErrConflict = errors.New("already exists")
)

// Gateway is what the real-time relay needs from durable storage.
type Gateway interface {
	VerifyMembership(ctx context.Context, id chat.Identity, room chat.RoomID) (bool, error)
	AppendChatMessage(ctx context.Context, room chat.RoomID, id chat.Identity, body string) (int64, error)
	// ListRecentMessages returns id's messages in room, newest first.
	ListRecentMessages(ctx context.Context, room chat.RoomID, id chat.Identity, limit int) ([]chat.Message, error)
}

// Directory holds accounts, rooms and durable membership for the REST API.
type Directory interface {
	CreateUser(ctx context.Context, u chat.User) (chat.User, error)
	UserByEmail(ctx context.Context, email string) (chat.User, error)
	CreateRoom(ctx context.Context, slug string, admin chat.Identity) (chat.Room, error)
	RoomByID(ctx context.Context, id chat.RoomID) (chat.Room, error)
	// AddMember is an upsert; adding an existing member succeeds.
	AddMember(ctx context.Context, room chat.RoomID, id chat.Identity) error
	// RemoveMember returns ErrNotFound if id was not a member.
	RemoveMember(ctx context.Context, room chat.RoomID, id chat.Identity) error
}

// Store is a complete backend.
type Store interface {
	Gateway
	Directory
	Ping(ctx context.Context) error
	Close()
}

// Open builds the backend named by cfg.Driver and, when enabled, wraps it
// with the Redis membership cache.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "memory":
		s = NewMemory(cfg.HistorySize)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if cfg.MembershipCache.Enabled {
		cached, err := NewMembershipCache(ctx, s, cfg.MembershipCache)
		if err != nil {
			s.Close()
			return nil, err
		}
		s = cached
	}

	slog.Info("storage ready", "driver", cfg.Driver, "membership_cache", cfg.MembershipCache.Enabled)
	return s, nil
}
