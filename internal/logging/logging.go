// Package logging provides structured logging setup with colored
// terminal output (via tint) and runtime-adjustable log levels.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LevelVerbose sits below debug; wire-level noise (ignored control
// frames, raw frame dumps) logs here.
const LevelVerbose = slog.LevelDebug - 4

// Level is the global atomic log level. It can be changed at runtime
// without restarting the process.
var Level = new(slog.LevelVar) // default: INFO

// Setup initializes the global slog logger. When stderr is a TTY it
// uses tint for colored output; otherwise it falls back to JSON for
// structured log aggregation. The LOG_LEVEL environment variable, when
// set, selects the initial level.
func Setup() {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		if l, err := ParseLevel(env); err == nil {
			Level.Set(l)
		}
	}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: Level,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return Level.Level()
}

// ParseLevel converts "error", "warn", "info", "debug" or "verbose"
// to the corresponding slog.Level. It is case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	if strings.EqualFold(s, "verbose") {
		return LevelVerbose, nil
	}
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}

// Verbose logs at the verbose level with the default logger.
func Verbose(msg string, args ...any) {
	slog.Log(context.Background(), LevelVerbose, msg, args...)
}
