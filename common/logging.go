// Package common provides shared helpers used across the certificate
// vendor service: logger setup and build version information.
package common

import (
	"log/slog"
	"os"
)

// LoggingOpts configures the process-wide structured logger.
type LoggingOpts struct {
	// Debug enables debug-level log output.
	Debug bool

	// JSON switches the handler from text to JSON output.
	JSON bool

	// Service is added as a "service" attribute to every record when set.
	Service string

	// Version is added as a "version" attribute to every record when set.
	Version string
}

// SetupLogger creates a slog.Logger according to the provided options.
// The logger writes to stderr.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	log := slog.New(handler)
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
