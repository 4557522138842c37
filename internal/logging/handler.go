package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps a config string to a slog level. Unknown values mean info.
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

// New builds a logger for the given format (text, json or tint), wrapped in
// a CorrelationHandler.
func New(w io.Writer, format, level string) *slog.Logger {
	lvl := ParseLevel(level)
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	case "text":
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		h = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen, NoColor: !isTerminal(w)})
	}
	return slog.New(NewCorrelationHandler(h))
}

type fdWriter interface {
	Fd() uintptr
}

// isTerminal is a best-effort check; only *os.File writers get color.
func isTerminal(w io.Writer) bool {
	_, ok := w.(fdWriter)
	return ok
}
