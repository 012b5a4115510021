// Package log builds the structured loggers handed to the server,
// agent, and transports at construction time.
package log

import (
	"log/slog"
	"os"
)

// New creates a [slog.Logger] writing text lines to stdout at the level
// named by the -log-level flag or KEYNEST_LOG_LEVEL ("debug", "info",
// "warn", "error"; anything else means info).
func New(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}
