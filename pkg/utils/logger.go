package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	logger   *slog.Logger
	loggerMu sync.RWMutex
)

// LogOptions controls the process-wide logger.
type LogOptions struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	Output io.Writer
}

// InitLogger configures the process-wide logger. It is safe to call more than once;
// the last call wins.
func InitLogger(opts LogOptions) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := ParseLevel(opts.Level)

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		})
	}

	l := slog.New(handler)
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	slog.SetDefault(l)
	return l
}

// GetLogger returns the process-wide logger, falling back to slog.Default
// when InitLogger has not been called (tests).
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// ParseLevel maps a level name to slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MaskSensitiveString keeps the first and last four characters of a secret.
func MaskSensitiveString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
