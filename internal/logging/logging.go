// Package logging constructs the structured logger injected into the
// relay's core components. Every dispatch-level event carries sig_key,
// action, seq, and step fields so a deployment can grep one sigKey's
// lifecycle out of the stream.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a console-friendly zerolog.Logger at the given level
// ("debug", "info", "warn", "error"; unrecognized values fall back to info).
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "relay").
		Logger()
}
