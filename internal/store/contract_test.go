package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cortexuvula/roomrelay/internal/chat"
)

// runStoreContract exercises behaviour every Store must share. Emails and
// slugs carry a per-run suffix so persistent backends can be reused.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	alice, err := s.CreateUser(ctx, chat.User{Email: "Alice" + suffix + "@example.com", Name: "alice", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if alice.ID <= 0 {
		t.Fatalf("user id = %d, want > 0", alice.ID)
	}
	bob, err := s.CreateUser(ctx, chat.User{Email: "bob" + suffix + "@example.com", Name: "bob", PasswordHash: "h"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	t.Run("duplicate email conflicts", func(t *testing.T) {
		_, err := s.CreateUser(ctx, chat.User{Email: "alice" + suffix + "@example.com", Name: "x", PasswordHash: "h"})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	})

	t.Run("email lookup is case insensitive", func(t *testing.T) {
		u, err := s.UserByEmail(ctx, "ALICE"+suffix+"@example.com")
		if err != nil {
			t.Fatalf("UserByEmail: %v", err)
		}
		if u.ID != alice.ID || u.PasswordHash != "h" {
			t.Errorf("got %+v", u)
		}
		if _, err := s.UserByEmail(ctx, "nobody"+suffix+"@example.com"); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing user err = %v, want ErrNotFound", err)
		}
	})

	room, err := s.CreateRoom(ctx, "general-"+suffix, alice.ID)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	t.Run("duplicate slug conflicts", func(t *testing.T) {
		if _, err := s.CreateRoom(ctx, "general-"+suffix, bob.ID); !errors.Is(err, ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	})

	t.Run("room lookup", func(t *testing.T) {
		got, err := s.RoomByID(ctx, room.ID)
		if err != nil {
			t.Fatalf("RoomByID: %v", err)
		}
		if got.AdminID != alice.ID || got.Slug != room.Slug {
			t.Errorf("got %+v", got)
		}
		if _, err := s.RoomByID(ctx, room.ID+100000); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing room err = %v, want ErrNotFound", err)
		}
	})

	t.Run("membership", func(t *testing.T) {
		ok, err := s.VerifyMembership(ctx, alice.ID, room.ID)
		if err != nil || !ok {
			t.Fatalf("admin membership = %v, %v; want true", ok, err)
		}
		ok, _ = s.VerifyMembership(ctx, bob.ID, room.ID)
		if ok {
			t.Fatal("bob should not be a member yet")
		}

		if err := s.AddMember(ctx, room.ID, bob.ID); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
		if err := s.AddMember(ctx, room.ID, bob.ID); err != nil {
			t.Fatalf("second AddMember should be an upsert: %v", err)
		}
		ok, _ = s.VerifyMembership(ctx, bob.ID, room.ID)
		if !ok {
			t.Fatal("bob should be a member")
		}

		if err := s.RemoveMember(ctx, room.ID, bob.ID); err != nil {
			t.Fatalf("RemoveMember: %v", err)
		}
		ok, _ = s.VerifyMembership(ctx, bob.ID, room.ID)
		if ok {
			t.Fatal("bob should no longer be a member")
		}
		if err := s.RemoveMember(ctx, room.ID, bob.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("removing non-member err = %v, want ErrNotFound", err)
		}
	})

	t.Run("chat history newest first per user", func(t *testing.T) {
		var ids []int64
		for i := 0; i < 3; i++ {
			id, err := s.AppendChatMessage(ctx, room.ID, alice.ID, fmt.Sprintf("m%d", i))
			if err != nil {
				t.Fatalf("AppendChatMessage: %v", err)
			}
			ids = append(ids, id)
		}
		if _, err := s.AppendChatMessage(ctx, room.ID, bob.ID, "from bob"); err != nil {
			t.Fatalf("AppendChatMessage: %v", err)
		}

		msgs, err := s.ListRecentMessages(ctx, room.ID, alice.ID, 2)
		if err != nil {
			t.Fatalf("ListRecentMessages: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("got %d messages, want 2", len(msgs))
		}
		if msgs[0].ID != ids[2] || msgs[0].Body != "m2" || msgs[1].Body != "m1" {
			t.Errorf("got %+v", msgs)
		}
		for _, m := range msgs {
			if m.UserID != alice.ID || m.RoomID != room.ID {
				t.Errorf("foreign message in result: %+v", m)
			}
		}
	})

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
