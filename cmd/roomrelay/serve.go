package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/roomrelay/internal/admin"
	"github.com/cortexuvula/roomrelay/internal/api"
	"github.com/cortexuvula/roomrelay/internal/config"
	"github.com/cortexuvula/roomrelay/internal/health"
	"github.com/cortexuvula/roomrelay/internal/logging"
	"github.com/cortexuvula/roomrelay/internal/metrics"
	"github.com/cortexuvula/roomrelay/internal/persist"
	"github.com/cortexuvula/roomrelay/internal/relay"
	"github.com/cortexuvula/roomrelay/internal/security"
	"github.com/cortexuvula/roomrelay/internal/store"
)

// reloader ties together the pieces that a config reload touches.
type reloader struct {
	configPath string
	logger     *logging.Logger
	relay      *relay.Handler
	connLimit  *security.RateLimiter // nil when rate limiting was off at start
	signin     *security.RateLimiter

	mu sync.Mutex
}

// apply installs cfg as the live config.
func (rt *reloader) apply(cfg *config.Config) {
	rt.relay.UpdateConfig(cfg)
	rt.logger.SetLevel(cfg.Logging.Level)

	rl := cfg.Security.RateLimit
	if rl.Enabled && rl.ConnectionsPerMinute > 0 {
		r := rate.Limit(float64(rl.ConnectionsPerMinute) / 60.0)
		for _, l := range []*security.RateLimiter{rt.connLimit, rt.signin} {
			if l != nil {
				l.UpdateRate(r, rl.ConnectionsPerMinute)
			}
		}
	}
}

// reload re-reads the config file and applies its reloadable fields.
func (rt *reloader) reload() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	newCfg, err := config.Load(rt.configPath)
	if err != nil {
		return fmt.Errorf("config reload failed: %w", err)
	}
	current := rt.relay.GetConfig()
	for _, w := range config.IsReloadSafe(current, newCfg) {
		slog.Warn("config reload warning", "warning", w)
	}
	rt.apply(current.ApplyReloadableFields(newCfg))
	slog.Info("config reloaded successfully")
	return nil
}

func (rt *reloader) applyLocked(cfg *config.Config) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.apply(cfg)
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger := logging.Setup(cfg.Logging)
	defer logger.Close()
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("starting roomrelay",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"storage", cfg.Storage.Driver,
		"health", cfg.Health.ListenAddress,
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := store.Open(startCtx, cfg.Storage)
	startCancel()
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	queue := persist.NewQueue(st, persist.Options{
		Size:    cfg.Storage.Persist.QueueSize,
		Workers: cfg.Storage.Persist.Workers,
		Timeout: cfg.Storage.Persist.Timeout,
	}, m)

	verifier, err := security.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Algorithm, cfg.Auth.RequireExpiry)
	if err != nil {
		st.Close()
		return fmt.Errorf("creating verifier: %w", err)
	}

	rt := &reloader{configPath: configPath, logger: logger}
	if cfg.Security.RateLimit.Enabled {
		rt.connLimit = security.PerMinute(cfg.Security.RateLimit.ConnectionsPerMinute)
		rt.signin = security.PerMinute(cfg.Security.RateLimit.ConnectionsPerMinute)
		defer rt.connLimit.Stop()
		defer rt.signin.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
			"messages_per_second", cfg.Security.RateLimit.MessagesPerSecond,
		)
	}

	handler, err := relay.NewHandler(cfg, verifier, st, queue, rt.connLimit)
	if err != nil {
		st.Close()
		return fmt.Errorf("creating relay: %w", err)
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	handler.Metrics = m
	handler.ShutdownCtx = connCtx
	rt.relay = handler

	rest := api.New(st, verifier, handler.GetConfig)
	rest.SigninLimiter = rt.signin
	handler.Fallback = rest.Router()

	mainServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthServer = &http.Server{
			Addr:              cfg.Health.ListenAddress,
			Handler:           localMux(cfg, handler, st, queue, logger, m, rt),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "address", cfg.Server.ListenAddress, "tls", cfg.Server.TLS.Enabled)
		var err error
		if cfg.Server.TLS.Enabled {
			err = mainServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = mainServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	daemon.SdNotify(false, daemon.SdNotifyReady)

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go watchdog(watchdogCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-serveErr:
			slog.Error("relay server error", "error", err)
			watchdogCancel()
			shutdown(handler, mainServer, healthServer, queue, st, 5*time.Second, connCancel)
			return err

		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, reloading config")
				if err := rt.reload(); err != nil {
					slog.Error("config reload failed", "error", err)
				}
				continue
			}

			drain := handler.GetConfig().Server.DrainTimeout
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", drain.String(),
			)
			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)
			shutdown(handler, mainServer, healthServer, queue, st, drain, connCancel)
			slog.Info("shutdown complete")
			return nil
		}
	}
}

// localMux serves health, metrics and the admin API on the loopback listener.
func localMux(cfg *config.Config, handler *relay.Handler, st store.Store, queue *persist.Queue,
	logger *logging.Logger, m *metrics.Metrics, rt *reloader) http.Handler {
	mux := http.NewServeMux()

	hh := health.NewHandler(handler.Stats, st, Version, cfg.Health.Detailed)
	hh.Rooms = handler.Presence.RoomCount
	hh.Backlog = queue.Len
	if m != nil {
		hh.SetMetrics(m)
	}
	mux.Handle(cfg.Health.Endpoint, hh)

	if cfg.Monitoring.MetricsEnabled {
		mux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
	}

	if cfg.Monitoring.AdminEnabled {
		adm := admin.New(admin.Dependencies{
			Relay:     handler,
			Logs:      logger.Ring(),
			Store:     st,
			Backlog:   queue.Len,
			Version:   Version,
			BuildTime: BuildTime,
			GitCommit: GitCommit,
			StartTime: time.Now(),
			Reload:    rt.reload,
			Apply:     rt.applyLocked,
		})
		mux.Handle("/admin/v1/", adm.Handler())
		slog.Info("admin api enabled", "address", cfg.Health.ListenAddress)
	}
	return mux
}

// shutdown drains WebSocket clients, stops both listeners, flushes pending
// chat appends and closes storage, all within budget.
func shutdown(handler *relay.Handler, mainServer, healthServer *http.Server, queue *persist.Queue,
	st store.Store, budget time.Duration, forceClose context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	handler.StartDrain()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mainServer.Shutdown(ctx)
	}()
	if healthServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthServer.Shutdown(ctx)
		}()
	}
	wg.Wait()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	if !waitForConnections(ctx, handler.Stats) {
		slog.Warn("drain timeout reached, closing remaining connections",
			"remaining", handler.Stats.ConnectionCount())
	}
	forceClose()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := queue.Close(flushCtx); err != nil {
		slog.Warn("pending chat appends abandoned", "pending", queue.Len(), "error", err)
	}
	st.Close()
}

func waitForConnections(ctx context.Context, stats *relay.Stats) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for stats.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// watchdog pings systemd every 15s for a 30s WatchdogSec.
func watchdog(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			if err != nil {
				slog.Warn("failed to notify watchdog", "error", err)
			} else if sent {
				slog.Debug("watchdog keepalive sent")
			}
		case <-ctx.Done():
			return
		}
	}
}
