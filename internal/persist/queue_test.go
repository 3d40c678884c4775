package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/metrics"
)

type fakeStore struct {
	mu      sync.Mutex
	bodies  []string
	err     error
	release chan struct{} // when non-nil, each append waits for a receive
}

func (f *fakeStore) AppendChatMessage(ctx context.Context, _ chat.RoomID, _ chat.Identity, body string) (int64, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.bodies = append(f.bodies, body)
	return int64(len(f.bodies)), nil
}

func (f *fakeStore) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...)
}

func newTestMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	return metrics.New()
}

func TestQueueWritesInOrderWithOneWorker(t *testing.T) {
	fs := &fakeStore{}
	m := newTestMetrics()
	q := NewQueue(fs, Options{Size: 10, Workers: 1}, m)

	for _, b := range []string{"a", "b", "c"} {
		if !q.Enqueue(7, 42, b) {
			t.Fatalf("Enqueue(%q) rejected", b)
		}
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := fs.snapshot()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("persisted %v, want [a b c]", got)
	}
	if v := testutil.ToFloat64(m.PersistTotal.WithLabelValues("ok")); v != 3 {
		t.Errorf("persist ok = %v, want 3", v)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	fs := &fakeStore{release: make(chan struct{})}
	m := newTestMetrics()
	q := NewQueue(fs, Options{Size: 1, Workers: 1, Timeout: time.Second}, m)

	// The worker takes the first job and blocks; the second fills the buffer.
	q.Enqueue(7, 42, "first")
	deadline := time.Now().Add(time.Second)
	for q.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !q.Enqueue(7, 42, "second") {
		t.Fatal("second enqueue should fit in the buffer")
	}
	if q.Enqueue(7, 42, "third") {
		t.Error("third enqueue should be dropped")
	}
	if v := testutil.ToFloat64(m.PersistTotal.WithLabelValues("dropped")); v != 1 {
		t.Errorf("persist dropped = %v, want 1", v)
	}

	close(fs.release)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := fs.snapshot(); len(got) != 2 {
		t.Errorf("persisted %v, want first and second", got)
	}
}

func TestQueueStoreErrorIsContained(t *testing.T) {
	fs := &fakeStore{err: errors.New("db down")}
	m := newTestMetrics()
	q := NewQueue(fs, Options{Workers: 2}, m)

	q.Enqueue(1, 1, "x")
	q.Close(context.Background())

	if v := testutil.ToFloat64(m.PersistTotal.WithLabelValues("error")); v != 1 {
		t.Errorf("persist error = %v, want 1", v)
	}
}

func TestQueueTimeout(t *testing.T) {
	fs := &fakeStore{release: make(chan struct{})}
	m := newTestMetrics()
	q := NewQueue(fs, Options{Workers: 1, Timeout: 20 * time.Millisecond}, m)

	q.Enqueue(1, 1, "slow")
	q.Close(context.Background())

	if v := testutil.ToFloat64(m.PersistTotal.WithLabelValues("timeout")); v != 1 {
		t.Errorf("persist timeout = %v, want 1", v)
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := NewQueue(&fakeStore{}, Options{}, nil)
	q.Close(context.Background())
	q.Close(context.Background())

	if q.Enqueue(1, 1, "late") {
		t.Error("Enqueue after Close should be rejected")
	}
}

func TestQueueCloseHonoursContext(t *testing.T) {
	fs := &fakeStore{release: make(chan struct{})}
	q := NewQueue(fs, Options{Workers: 1, Timeout: time.Minute}, nil)
	q.Enqueue(1, 1, "stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want deadline exceeded", err)
	}
	close(fs.release)
}
