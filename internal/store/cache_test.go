package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/config"
)

func newTestCache(t *testing.T) (*MembershipCache, *Memory) {
	t.Helper()
	addr := os.Getenv("ROOMRELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ROOMRELAY_TEST_REDIS_ADDR not set")
	}
	mem := NewMemory(100)
	c, err := NewMembershipCache(context.Background(), mem, config.CacheConfig{
		Enabled:   true,
		RedisAddr: addr,
		TTL:       time.Minute,
	})
	if err != nil {
		t.Fatalf("NewMembershipCache: %v", err)
	}
	t.Cleanup(c.Close)
	return c, mem
}

func TestMembershipCacheContract(t *testing.T) {
	c, _ := newTestCache(t)
	runStoreContract(t, c)
}

func TestMembershipCacheServesCachedAnswer(t *testing.T) {
	c, mem := newTestCache(t)
	ctx := context.Background()

	u, _ := mem.CreateUser(ctx, chat.User{Email: "cache@example.com", Name: "c"})
	room, _ := c.CreateRoom(ctx, "cached-"+time.Now().Format("150405.000000000"), u.ID)

	if ok, _ := c.VerifyMembership(ctx, u.ID, room.ID); !ok {
		t.Fatal("admin should be a member")
	}
	// Bypass the cache; the stale positive answer must still be served.
	if err := mem.RemoveMember(ctx, room.ID, u.ID); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if ok, _ := c.VerifyMembership(ctx, u.ID, room.ID); !ok {
		t.Error("expected cached positive answer")
	}

	// Going through the cache invalidates.
	_ = c.AddMember(ctx, room.ID, u.ID)
	_ = c.RemoveMember(ctx, room.ID, u.ID)
	if ok, _ := c.VerifyMembership(ctx, u.ID, room.ID); ok {
		t.Error("expected invalidated entry to reflect removal")
	}
}

func TestMembershipCacheDoesNotCacheRefusals(t *testing.T) {
	c, mem := newTestCache(t)
	ctx := context.Background()

	admin, _ := mem.CreateUser(ctx, chat.User{Email: "owner@example.com", Name: "o"})
	guest, _ := mem.CreateUser(ctx, chat.User{Email: "guest@example.com", Name: "g"})
	room, _ := c.CreateRoom(ctx, "refused-"+time.Now().Format("150405.000000000"), admin.ID)
	// Ids restart with every Memory; clear anything an earlier run left behind.
	c.invalidate(ctx, room.ID, guest.ID)

	if ok, _ := c.VerifyMembership(ctx, guest.ID, room.ID); ok {
		t.Fatal("guest should not be a member yet")
	}
	// A join that lands after the refused lookup, without an invalidation,
	// must be visible immediately.
	if err := mem.AddMember(ctx, room.ID, guest.ID); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if ok, _ := c.VerifyMembership(ctx, guest.ID, room.ID); !ok {
		t.Error("refusal was served from cache after the guest joined")
	}
}
