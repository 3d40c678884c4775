// Package admin serves the operator JSON API on the loopback listener.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cortexuvula/roomrelay/internal/config"
	"github.com/cortexuvula/roomrelay/internal/logging"
	"github.com/cortexuvula/roomrelay/internal/relay"
)

// Pinger reports whether durable storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds everything the admin API reads or changes.
type Dependencies struct {
	Relay     *relay.Handler
	Logs      *logging.Ring // nil disables /logs
	Store     Pinger
	Backlog   func() int // pending persistence appends, optional
	Version   string
	BuildTime string
	GitCommit string
	StartTime time.Time

	// Reload re-reads the config file, as SIGHUP does.
	Reload func() error
	// Apply installs a runtime config change everywhere it matters
	// (relay handler, limiters, log level).
	Apply func(*config.Config)
}

// Admin provides the HTTP handlers.
type Admin struct {
	deps Dependencies
}

// New creates an Admin.
func New(deps Dependencies) *Admin {
	return &Admin{deps: deps}
}

// Handler returns the mux for /admin/v1/.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/status", a.handleStatus)
	mux.HandleFunc("GET /admin/v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /admin/v1/rooms", a.handleRooms)
	mux.HandleFunc("GET /admin/v1/rooms/{id}", a.handleRoom)
	mux.HandleFunc("GET /admin/v1/logs", a.handleLogs)
	mux.HandleFunc("GET /admin/v1/config", a.handleConfigGet)
	mux.HandleFunc("PUT /admin/v1/config", a.handleConfigPut)
	mux.HandleFunc("POST /admin/v1/reload", a.handleReload)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// requireJSON rejects mutating requests that are not application/json, which
// browsers cannot send cross-origin without a preflight.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Content-Type") != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}
