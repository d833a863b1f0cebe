// Package logging builds the kernel's process-wide structured logger.
// Grounded on the tint+go-isatty pairing used across the corpus for
// terminal-friendly structured logs: colored output when attached to a
// TTY, plain key=value otherwise.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// New builds a *slog.Logger writing to os.Stdout at the given level
// ("debug", "info", "warn", "error"; unrecognized values default to info).
func New(level string) *slog.Logger {
	h := tint.NewHandler(os.Stdout, &tint.Options{
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		TimeFormat: time.Kitchen,
		Level:      levelFromString(level),
	})
	return slog.New(h)
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
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
