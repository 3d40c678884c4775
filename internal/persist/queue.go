// Package persist moves chat persistence off the connection read loop.
// Appends are queued and written by a fixed pool of workers; a caller never
// waits on the store and a store failure never reaches a client.
package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/metrics"
)

// Appender is the subset of the persistence gateway the queue writes to.
type Appender interface {
	AppendChatMessage(ctx context.Context, room chat.RoomID, id chat.Identity, body string) (int64, error)
}

// Options configures a Queue. Zero values select defaults.
type Options struct {
	Size    int
	Workers int
	Timeout time.Duration
}

type job struct {
	room chat.RoomID
	from chat.Identity
	body string
}

// Queue is a bounded asynchronous append queue.
type Queue struct {
	store   Appender
	metrics *metrics.Metrics // optional
	timeout time.Duration

	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts the worker pool. Call Close to drain and stop it.
func NewQueue(store Appender, opts Options, m *metrics.Metrics) *Queue {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	q := &Queue{
		store:   store,
		metrics: m,
		timeout: opts.Timeout,
		jobs:    make(chan job, opts.Size),
	}
	q.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go q.worker()
	}
	return q
}

// Enqueue schedules an append and returns immediately. It reports false if
// the queue is full or closed; the message is then not persisted.
func (q *Queue) Enqueue(room chat.RoomID, from chat.Identity, body string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}

	select {
	case q.jobs <- job{room: room, from: from, body: body}:
		return true
	default:
		slog.Warn("persist queue full, dropping chat", "room_id", room, "user_id", from)
		q.count("dropped")
		return false
	}
}

// Len returns the number of queued appends.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Close stops accepting appends and waits for queued ones to finish or for
// ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.write(j)
	}
}

func (q *Queue) write(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if _, err := q.store.AppendChatMessage(ctx, j.room, j.from, j.body); err != nil {
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		slog.Warn("chat persistence failed", "room_id", j.room, "user_id", j.from, "error", err)
		q.count(result)
		return
	}
	q.count("ok")
}

func (q *Queue) count(result string) {
	if q.metrics != nil {
		q.metrics.PersistTotal.WithLabelValues(result).Inc()
	}
}
