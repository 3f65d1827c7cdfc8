// Package log builds the zerolog.Logger used across nimi.
package log

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// EnvVar is the environment variable controlling log verbosity.
const EnvVar = "NIMI_LOG"

// ConsoleLogger builds a human-readable console logger. Level defaults
// to debug; it can be lowered or raised via NIMI_LOG.
func ConsoleLogger(color bool) zerolog.Logger {
	level := levelFromEnv()

	writer := zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !color}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func levelFromEnv() zerolog.Level {
	raw := strings.TrimSpace(os.Getenv(EnvVar))
	if raw == "" {
		return zerolog.DebugLevel
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.DebugLevel
	}
	return lvl
}

// Target returns a child logger carrying the given logical log target,
// stable for the lifetime of a service across restarts.
func Target(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("target", name).Logger()
}
