// Package logging configures the process-wide zerolog logger. The node
// identity is stamped on every entry at Init so interleaved cluster logs
// stay attributable; components only ever attach their own name.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Init must run before any component logs.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	// Level is a zerolog level name (trace, debug, info, warn, error,
	// fatal, panic, disabled). An empty or unrecognised value falls back
	// to info.
	Level string
	// NodeID is this node's cluster identity, seeded into every entry.
	NodeID string
	// JSONOutput emits raw JSON; false renders for a console.
	JSONOutput bool
	Output     io.Writer
}

// Init builds the root logger.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.NodeID != "" {
		ctx = ctx.Str("node_id", cfg.NodeID)
	}
	Logger = ctx.Logger()
}

// WithComponent returns a child logger tagged with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
