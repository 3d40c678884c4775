package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/cortexuvula/roomrelay/internal/metrics"
	"github.com/cortexuvula/roomrelay/internal/relay"
)

// Pinger reports whether durable storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	StoreReachable    bool     `json:"store_reachable"`
	Version           string   `json:"version,omitempty"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	TotalFrames      int64   `json:"total_frames"`
	OccupiedRooms    int     `json:"occupied_rooms"`
	PersistBacklog   int     `json:"persist_backlog"`
	Goroutines       int     `json:"goroutines"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	stats     *relay.Stats
	store     Pinger
	metrics   *metrics.Metrics // optional
	version   string
	detailed  bool
	timeout   time.Duration

	// Rooms and Backlog feed the detailed view. Both optional.
	Rooms   func() int
	Backlog func() int
}

// NewHandler creates a new health check handler.
func NewHandler(stats *relay.Stats, store Pinger, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		stats:     stats,
		store:     store,
		version:   version,
		detailed:  detailed,
		timeout:   3 * time.Second,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP reports 200 while storage answers and 503 otherwise. The
// relay itself keeps serving joined rooms when storage is down, so the
// status is "degraded" rather than "down".
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storeOK := h.checkStore(r.Context())

	if h.metrics != nil {
		if storeOK {
			h.metrics.StoreReachable.Set(1)
		} else {
			h.metrics.StoreReachable.Set(0)
		}
	}

	status := "ok"
	httpCode := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.stats.ConnectionCount(),
		StoreReachable:    storeOK,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.stats.TotalConnections(),
			TotalFrames:      h.stats.TotalFrames(),
			Goroutines:       runtime.NumGoroutine(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
		if h.Rooms != nil {
			resp.Details.OccupiedRooms = h.Rooms()
		}
		if h.Backlog != nil {
			resp.Details.PersistBacklog = h.Backlog()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) checkStore(parent context.Context) bool {
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		slog.Debug("store unreachable", "error", err)
		return false
	}
	return true
}
