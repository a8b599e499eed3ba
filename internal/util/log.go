// Package util provides shared helpers for logging, retries with backoff,
// and upstream rate limiting.
package util

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger at the given level. Supported levels:
// "debug", "info", "warn", "error"; anything else falls back to "info".
// Format "json" selects the JSON handler, any other value the text handler.
func NewLogger(level, format string) *slog.Logger {
	var slevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slevel = slog.LevelDebug
	case "warn":
		slevel = slog.LevelWarn
	case "error":
		slevel = slog.LevelError
	default:
		slevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: slevel}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
