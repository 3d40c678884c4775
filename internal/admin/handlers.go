package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/logging"
	"github.com/cortexuvula/roomrelay/internal/presence"
)

const redacted = "[redacted]"

type statusResponse struct {
	Uptime            string  `json:"uptime"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	ActiveConnections int     `json:"active_connections"`
	TotalConnections  int64   `json:"total_connections"`
	TotalFrames       int64   `json:"total_frames"`
	Sessions          int     `json:"sessions"`
	OccupiedRooms     int     `json:"occupied_rooms"`
	PersistBacklog    int     `json:"persist_backlog"`
	StoreReachable    bool    `json:"store_reachable"`
	MemoryMB          float64 `json:"memory_mb"`
	Goroutines        int     `json:"goroutines"`
	Version           string  `json:"version"`
	BuildTime         string  `json:"build_time"`
	GitCommit         string  `json:"git_commit"`
}

func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	rh := a.deps.Relay
	uptime := time.Since(a.deps.StartTime)
	resp := statusResponse{
		Uptime:            uptime.Round(time.Second).String(),
		UptimeSeconds:     uptime.Seconds(),
		ActiveConnections: rh.Stats.ConnectionCount(),
		TotalConnections:  rh.Stats.TotalConnections(),
		TotalFrames:       rh.Stats.TotalFrames(),
		Sessions:          rh.Sessions.Len(),
		OccupiedRooms:     rh.Presence.RoomCount(),
		StoreReachable:    a.storeReachable(r.Context()),
		MemoryMB:          float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:        runtime.NumGoroutine(),
		Version:           a.deps.Version,
		BuildTime:         a.deps.BuildTime,
		GitCommit:         a.deps.GitCommit,
	}
	if a.deps.Backlog != nil {
		resp.PersistBacklog = a.deps.Backlog()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *Admin) storeReachable(parent context.Context) bool {
	if a.deps.Store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(parent, 3*time.Second)
	defer cancel()
	return a.deps.Store.Ping(ctx) == nil
}

func (a *Admin) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := a.deps.Relay.Snapshot()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UserID < sessions[j].UserID
	})
	writeJSON(w, http.StatusOK, sessions)
}

type roomEntry struct {
	RoomID  chat.RoomID `json:"room_id"`
	Members int         `json:"members"`
}

func (a *Admin) handleRooms(w http.ResponseWriter, _ *http.Request) {
	occ := a.deps.Relay.Presence.Occupancy()
	rooms := make([]roomEntry, 0, len(occ))
	for id, n := range occ {
		rooms = append(rooms, roomEntry{RoomID: id, Members: n})
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Members != rooms[j].Members {
			return rooms[i].Members > rooms[j].Members
		}
		return rooms[i].RoomID < rooms[j].RoomID
	})
	writeJSON(w, http.StatusOK, rooms)
}

type roomDetail struct {
	RoomID  chat.RoomID      `json:"room_id"`
	Members []presence.Entry `json:"members"`
}

func (a *Admin) handleRoom(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	room := chat.RoomID(n)
	if err != nil || !room.Valid() {
		writeError(w, http.StatusBadRequest, "invalid room id")
		return
	}
	entries := a.deps.Relay.Presence.Entries(room)
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "room has no live members")
		return
	}
	writeJSON(w, http.StatusOK, roomDetail{RoomID: room, Members: entries})
}

func (a *Admin) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.deps.Logs == nil {
		writeError(w, http.StatusNotFound, "log capture disabled")
		return
	}

	qs := r.URL.Query()
	q := logging.Query{Limit: 100, MinLevel: slog.LevelDebug, Contains: qs.Get("q")}
	if v := qs.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			q.Limit = n
		}
	}
	if v := qs.Get("level"); v != "" {
		q.MinLevel = logging.ParseLevel(v)
	}
	if v := qs.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			q.Since = t
		}
	}

	writeJSON(w, http.StatusOK, a.deps.Logs.Recent(q))
}

// handleConfigGet returns the live config with secrets redacted, keyed the
// same way as the YAML file.
func (a *Admin) handleConfigGet(w http.ResponseWriter, _ *http.Request) {
	cfg := *a.deps.Relay.GetConfig()
	if cfg.Auth.JWTSecret != "" {
		cfg.Auth.JWTSecret = redacted
	}
	if cfg.Storage.MembershipCache.Password != "" {
		cfg.Storage.MembershipCache.Password = redacted
	}
	cfg.Storage.DatabaseURL = redactDSN(cfg.Storage.DatabaseURL)

	raw, err := yaml.Marshal(&cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var out map[string]any
	if err := yaml.Unmarshal(raw, &out); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return redacted
	}
	return u.Redacted()
}

// configUpdateRequest is the JSON body for PUT /admin/v1/config.
type configUpdateRequest struct {
	LogLevel            *string `json:"log_level,omitempty"`
	MaxConnections      *int    `json:"max_connections,omitempty"`
	MaxConnectionsPerIP *int    `json:"max_connections_per_ip,omitempty"`
	MaxMessageSize      *int64  `json:"max_message_size,omitempty"`
	RateLimitEnabled    *bool   `json:"rate_limit_enabled,omitempty"`
	ConnectionsPerMin   *int    `json:"connections_per_minute,omitempty"`
	MessagesPerSecond   *int    `json:"messages_per_second,omitempty"`
}

func (a *Admin) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}

	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	updated := *a.deps.Relay.GetConfig()
	if req.LogLevel != nil {
		switch *req.LogLevel {
		case "debug", "info", "warn", "error":
			updated.Logging.Level = *req.LogLevel
		default:
			writeError(w, http.StatusBadRequest, "log_level must be debug, info, warn, or error")
			return
		}
	}
	if req.MaxConnections != nil {
		updated.Security.MaxConnections = *req.MaxConnections
	}
	if req.MaxConnectionsPerIP != nil {
		updated.Security.MaxConnectionsPerIP = *req.MaxConnectionsPerIP
	}
	if req.MaxMessageSize != nil {
		updated.Server.MaxMessageSize = *req.MaxMessageSize
	}
	if req.RateLimitEnabled != nil {
		updated.Security.RateLimit.Enabled = *req.RateLimitEnabled
	}
	if req.ConnectionsPerMin != nil {
		updated.Security.RateLimit.ConnectionsPerMinute = *req.ConnectionsPerMin
	}
	if req.MessagesPerSecond != nil {
		updated.Security.RateLimit.MessagesPerSecond = *req.MessagesPerSecond
	}

	if err := updated.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if a.deps.Apply != nil {
		a.deps.Apply(&updated)
	} else {
		a.deps.Relay.UpdateConfig(&updated)
	}
	slog.Info("config updated via admin api",
		"log_level", updated.Logging.Level,
		"max_connections", updated.Security.MaxConnections,
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (a *Admin) handleReload(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	if a.deps.Reload == nil {
		writeError(w, http.StatusInternalServerError, "reload not available")
		return
	}
	if err := a.deps.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
