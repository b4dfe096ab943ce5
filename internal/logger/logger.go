package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON logger on stdout tagged with app and env.
func New(app, env string) *slog.Logger {
	return NewWithWriter(os.Stdout, app, env, levelFor(env))
}

// NewWithWriter is New with an explicit destination and level.
func NewWithWriter(w io.Writer, app, env string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(h).With(
		slog.String("app", app),
		slog.String("env", env),
	)
}

// Discard is a logger for tests.
func Discard() *slog.Logger {
	return NewWithWriter(io.Discard, "test", "test", slog.LevelInfo)
}

func levelFor(env string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
