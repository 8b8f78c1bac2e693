package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/abdelmounim-dev/chatsync/config"
)

// NewLogger builds the process logger from cfg: JSON or text to stdout at
// the configured level.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything
// else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithFields returns logger with additional fields.
func WithFields(logger *slog.Logger, kv ...any) *slog.Logger {
	return logger.With(kv...)
}
