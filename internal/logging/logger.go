// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cortexuvula/roomrelay/internal/config"
)

// Logger owns the output file, the live level and the in-memory ring that
// the admin API reads recent records from.
type Logger struct {
	level *slog.LevelVar
	ring  *Ring
	file  *lumberjack.Logger
}

// Setup installs a slog default built from cfg and returns its handle.
func Setup(cfg config.LoggingConfig) *Logger {
	var w io.Writer = os.Stdout
	l := &Logger{level: new(slog.LevelVar)}

	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = l.file
	}
	l.level.Set(parseLevel(cfg.Level))

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: l.level}
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	if cfg.RingSize > 0 {
		l.ring = NewRing(cfg.RingSize)
		handler = newCaptureHandler(handler, l.ring)
	}

	slog.SetDefault(slog.New(handler))
	return l
}

// SetLevel changes the minimum level without rebuilding the handler.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Ring returns the capture ring, or nil when ring_size is 0.
func (l *Logger) Ring() *Ring {
	return l.ring
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel maps a config level name to a slog level. Unknown names
// become info.
func ParseLevel(level string) slog.Level {
	return parseLevel(level)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
