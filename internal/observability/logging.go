// Package observability provides the structured logger and formatted output
// utilities for verbose CLI mode.
package observability

import (
	"io"
	"log/slog"
)

// NewLogger builds the application logger. Verbose lowers the level to
// debug; JSON switches the handler for machine consumption (the server
// default).
func NewLogger(out io.Writer, verbose, json bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
