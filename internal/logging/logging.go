// Package logging provides the agent's internal leveled logger.
//
// The probe never writes to the host app's own log stream directly — all
// internal diagnostics go through a dedicated zerolog logger so that a
// verbose flag flip can't accidentally flood the host's production logs,
// and so the log-capture plugin can reliably distinguish "the host logged
// this" from "the agent logged this" (records the log plugin mirrors from
// this logger are tagged with source "agent").
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the agent-wide logger. Initialize configures it; until then it
// writes at warn level to stderr so early startup problems aren't silent.
var Log zerolog.Logger = zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()

// Config controls Initialize.
type Config struct {
	// Level is one of zerolog's level names (e.g. "debug", "info", "warn").
	Level string
	// Pretty selects a human-readable console writer instead of JSON.
	Pretty bool
	// Output overrides the destination writer; defaults to os.Stderr.
	Output io.Writer
}

// Initialize (re)configures the global logger. Safe to call more than once;
// later calls fully replace the previous configuration.
func Initialize(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Log = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("agent", "debug-probe").
		Logger()
}

// For returns a child logger tagged with the given subsystem component name
// (e.g. "bridge", "kernel", "inspector", "rules", "pagetiming").
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

// silenceMarker is not referenced; Silence tags records with a field
// instead of using this type.
type silenceMarker struct{}

// Silence wraps a logger so every record it writes carries the field
// internal_nocapture=true. The log plugin's hook does not read this field;
// the hook's own re-entrancy flag is what keeps it from mirroring records
// written while it is already forwarding one.
func Silence(l zerolog.Logger) zerolog.Logger {
	return l.With().Bool("internal_nocapture", true).Logger()
}
