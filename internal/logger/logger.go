package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the service logger. Development mode writes human-readable
// console output; everything else writes JSON lines.
func New(env, level string) zerolog.Logger {
	return newWithWriter(os.Stderr, env, level)
}

func newWithWriter(w io.Writer, env, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	out := w
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: w}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).With().Timestamp().Logger().Level(lvl)
}

// Component scopes a logger to a named component.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
