package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/cortexuvula/roomrelay/internal/chat"
)

type fakeAuth struct {
	mu      sync.Mutex
	members map[chat.RoomID]map[chat.Identity]bool
	err     error
	calls   int
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{members: make(map[chat.RoomID]map[chat.Identity]bool)}
}

func (f *fakeAuth) allow(room chat.RoomID, ids ...chat.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[room] == nil {
		f.members[room] = make(map[chat.Identity]bool)
	}
	for _, id := range ids {
		f.members[room][id] = true
	}
}

func (f *fakeAuth) VerifyMembership(_ context.Context, id chat.Identity, room chat.RoomID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.members[room][id], nil
}

func sorted(ids []chat.Identity) []chat.Identity {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestJoinRequiresDurableMembership(t *testing.T) {
	auth := newFakeAuth()
	auth.allow(7, 42)
	tbl := NewTable(auth)
	ctx := context.Background()

	if err := tbl.Join(ctx, 7, 42, 1); err != nil {
		t.Fatalf("member join: %v", err)
	}
	if err := tbl.Join(ctx, 7, 43, 2); !errors.Is(err, ErrNotMember) {
		t.Errorf("non-member join error = %v, want ErrNotMember", err)
	}
	if got := tbl.Members(7); len(got) != 1 || got[0] != 42 {
		t.Errorf("Members(7) = %v, want [42]", got)
	}
}

func TestJoinStoreError(t *testing.T) {
	auth := newFakeAuth()
	auth.err = errors.New("db down")
	tbl := NewTable(auth)

	err := tbl.Join(context.Background(), 7, 42, 1)
	if err == nil || errors.Is(err, ErrNotMember) {
		t.Fatalf("Join error = %v, want wrapped store error", err)
	}
	if len(tbl.Members(7)) != 0 {
		t.Error("failed join left presence behind")
	}
}

func TestJoinIdempotent(t *testing.T) {
	auth := newFakeAuth()
	auth.allow(7, 42)
	tbl := NewTable(auth)
	ctx := context.Background()

	tbl.Join(ctx, 7, 42, 1)
	tbl.Join(ctx, 7, 42, 1)

	if got := tbl.Members(7); len(got) != 1 {
		t.Errorf("Members(7) = %v after double join, want one entry", got)
	}
	if got := tbl.RoomsOf(42); len(got) != 1 {
		t.Errorf("RoomsOf(42) = %v, want one room", got)
	}
}

func TestJoinThenLeave(t *testing.T) {
	auth := newFakeAuth()
	auth.allow(7, 42)
	tbl := NewTable(auth)

	tbl.Join(context.Background(), 7, 42, 1)
	tbl.Leave(7, 42, 1)

	if tbl.Contains(7, 42, 1) {
		t.Error("identity still present after Leave")
	}
	if len(tbl.Members(7)) != 0 {
		t.Errorf("Members(7) = %v, want empty", tbl.Members(7))
	}
	if len(tbl.Occupancy()) != 0 {
		t.Error("empty room not cleaned up")
	}
}

func TestLeaveWithoutJoinIsNoop(t *testing.T) {
	tbl := NewTable(newFakeAuth())
	tbl.Leave(9, 42, 1)
	if len(tbl.Members(9)) != 0 {
		t.Error("Leave created presence")
	}
}

func TestLeaveAll(t *testing.T) {
	auth := newFakeAuth()
	auth.allow(1, 42, 43)
	auth.allow(2, 42)
	auth.allow(3, 42)
	tbl := NewTable(auth)
	ctx := context.Background()

	for _, room := range []chat.RoomID{1, 2, 3} {
		if err := tbl.Join(ctx, room, 42, 5); err != nil {
			t.Fatal(err)
		}
	}
	tbl.Join(ctx, 1, 43, 6)

	left := tbl.LeaveAll(42, 5)
	if len(left) != 3 {
		t.Errorf("LeaveAll left %v, want 3 rooms", left)
	}
	for _, room := range []chat.RoomID{1, 2, 3} {
		for _, id := range tbl.Members(room) {
			if id == 42 {
				t.Errorf("42 still present in room %d", room)
			}
		}
	}
	if got := tbl.Members(1); len(got) != 1 || got[0] != 43 {
		t.Errorf("Members(1) = %v, want [43]", got)
	}
	if len(tbl.RoomsOf(42)) != 0 {
		t.Error("reverse index not cleared")
	}
}

func TestLeaveAllKeepsNewerConnection(t *testing.T) {
	auth := newFakeAuth()
	auth.allow(7, 42)
	auth.allow(8, 42)
	tbl := NewTable(auth)
	ctx := context.Background()

	tbl.Join(ctx, 7, 42, 1) // old connection
	tbl.Join(ctx, 8, 42, 1)
	tbl.Join(ctx, 7, 42, 2) // reconnect re-joins room 7

	tbl.LeaveAll(42, 1)

	if !tbl.Contains(7, 42, 2) {
		t.Error("stale cleanup removed the newer connection's presence")
	}
	if tbl.Contains(8, 42, 1) {
		t.Error("old connection's other room not cleaned up")
	}
}

func TestContainsChecksConnection(t *testing.T) {
	auth := newFakeAuth()
	auth.allow(7, 42)
	tbl := NewTable(auth)
	tbl.Join(context.Background(), 7, 42, 1)

	if !tbl.Contains(7, 42, 1) {
		t.Error("Contains should be true for the joining connection")
	}
	if tbl.Contains(7, 42, 2) {
		t.Error("Contains should be false for a different connection")
	}
	if tbl.Contains(8, 42, 1) {
		t.Error("Contains should be false for another room")
	}
}

func TestEntries(t *testing.T) {
	auth := newFakeAuth()
	auth.allow(7, 1, 2, 3)
	tbl := NewTable(auth)
	ctx := context.Background()
	for i := chat.Identity(1); i <= 3; i++ {
		tbl.Join(ctx, 7, i, uint64(i*10))
	}

	entries := tbl.Entries(7)
	if len(entries) != 3 {
		t.Fatalf("Entries = %v", entries)
	}
	for _, e := range entries {
		if e.Conn != uint64(e.Identity*10) {
			t.Errorf("entry %+v has wrong connection serial", e)
		}
	}
	if got := sorted(tbl.Members(7)); len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("Members(7) = %v", got)
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	auth := newFakeAuth()
	for room := chat.RoomID(1); room <= 8; room++ {
		for id := chat.Identity(1); id <= 50; id++ {
			auth.allow(room, id)
		}
	}
	tbl := NewTable(auth)
	ctx := context.Background()

	var wg sync.WaitGroup
	for id := chat.Identity(1); id <= 50; id++ {
		wg.Add(1)
		go func(id chat.Identity) {
			defer wg.Done()
			for room := chat.RoomID(1); room <= 8; room++ {
				tbl.Join(ctx, room, id, uint64(id))
				tbl.Members(room)
			}
			for room := chat.RoomID(1); room <= 8; room += 2 {
				tbl.Leave(room, id, uint64(id))
			}
			tbl.LeaveAll(id, uint64(id))
		}(id)
	}
	wg.Wait()

	if occ := tbl.Occupancy(); len(occ) != 0 {
		t.Errorf("rooms still occupied after everyone left: %v", occ)
	}
}

func TestLateJoinFromOlderConnectionIgnored(t *testing.T) {
	auth := newFakeAuth()
	auth.allow(7, 42)
	tbl := NewTable(auth)
	ctx := context.Background()

	tbl.Join(ctx, 7, 42, 5)
	// An evicted connection's in-flight join lands after the reconnect.
	tbl.Join(ctx, 7, 42, 4)

	if !tbl.Contains(7, 42, 5) {
		t.Error("newer connection's presence was replaced by an older join")
	}
	if got := tbl.RoomsOf(42); len(got) != 1 {
		t.Errorf("RoomsOf(42) = %v", got)
	}
	tbl.LeaveAll(42, 4)
	if !tbl.Contains(7, 42, 5) {
		t.Error("older connection's cleanup removed the newer entry")
	}
}

func TestRoomCount(t *testing.T) {
	auth := newFakeAuth()
	auth.allow(1, 10)
	auth.allow(2, 10)
	tbl := NewTable(auth)
	ctx := context.Background()

	tbl.Join(ctx, 1, 10, 1)
	tbl.Join(ctx, 2, 10, 1)
	if n := tbl.RoomCount(); n != 2 {
		t.Errorf("RoomCount = %d, want 2", n)
	}
	tbl.Leave(1, 10, 1)
	if n := tbl.RoomCount(); n != 1 {
		t.Errorf("RoomCount after leave = %d, want 1", n)
	}
}
