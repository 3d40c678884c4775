package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/config"
)

// MembershipCache fronts a Store's VerifyMembership with Redis. Only
// positive answers are cached, for ttl, so a join made right after a
// refused check is never hidden by a stale miss. AddMember and
// RemoveMember invalidate the entry. Redis failures fall through to the
// underlying store.
type MembershipCache struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewMembershipCache connects to Redis and wraps next.
func NewMembershipCache(ctx context.Context, next Store, cfg config.CacheConfig) (*MembershipCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", cfg.RedisAddr, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MembershipCache{Store: next, rdb: rdb, ttl: ttl}, nil
}

func memberCacheKey(room chat.RoomID, id chat.Identity) string {
	return "roomrelay:member:" + room.String() + ":" + id.String()
}

func (c *MembershipCache) VerifyMembership(ctx context.Context, id chat.Identity, room chat.RoomID) (bool, error) {
	key := memberCacheKey(room, id)
	val, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil && val == "1":
		return true, nil
	case err != nil && !errors.Is(err, redis.Nil):
		slog.Debug("membership cache read failed", "error", err)
	}

	ok, err := c.Store.VerifyMembership(ctx, id, room)
	if err != nil || !ok {
		return ok, err
	}
	if err := c.rdb.Set(ctx, key, "1", c.ttl).Err(); err != nil {
		slog.Debug("membership cache write failed", "error", err)
	}
	return true, nil
}

func (c *MembershipCache) AddMember(ctx context.Context, room chat.RoomID, id chat.Identity) error {
	if err := c.Store.AddMember(ctx, room, id); err != nil {
		return err
	}
	c.invalidate(ctx, room, id)
	return nil
}

func (c *MembershipCache) RemoveMember(ctx context.Context, room chat.RoomID, id chat.Identity) error {
	err := c.Store.RemoveMember(ctx, room, id)
	c.invalidate(ctx, room, id)
	return err
}

func (c *MembershipCache) CreateRoom(ctx context.Context, slug string, admin chat.Identity) (chat.Room, error) {
	room, err := c.Store.CreateRoom(ctx, slug, admin)
	if err != nil {
		return room, err
	}
	c.invalidate(ctx, room.ID, admin)
	return room, nil
}

func (c *MembershipCache) invalidate(ctx context.Context, room chat.RoomID, id chat.Identity) {
	if err := c.rdb.Del(ctx, memberCacheKey(room, id)).Err(); err != nil {
		slog.Warn("membership cache invalidation failed", "room", room, "user", id, "error", err)
	}
}

// Ping checks both Redis and the underlying store.
func (c *MembershipCache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return c.Store.Ping(ctx)
}

func (c *MembershipCache) Close() {
	c.rdb.Close()
	c.Store.Close()
}
