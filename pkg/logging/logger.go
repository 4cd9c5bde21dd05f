// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace logs everything, including per-lease pool transitions.
	LevelTrace LogLevel = "trace"

	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File, when set, receives JSON logs in addition to Output.
	File string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the global zerolog logger. The returned closer releases
// the log file, if any.
func Setup(cfg Config) (zerolog.Logger, io.Closer, error) {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("open log file: %w", err)
		}
		output = zerolog.MultiLevelWriter(output, f)
		closer = f
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger, closer, nil
}

// ValidLevel reports whether level names a known level.
func ValidLevel(level LogLevel) bool {
	switch strings.ToLower(string(level)) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Trace: Pool lease transitions (acquire, insert, release)
//
// Debug: Detailed information for debugging
//   - Cache hit/miss per key
//   - Disposition chosen for conditional and range requests
//   - Store read-through hits and write-backs
//
// Info: Normal operation events
//   - Server startup/shutdown
//   - Tag invalidations and flushes
//   - Sweeps that evicted entries
//   - Warmup progress
//
// Warn: Warning conditions that don't prevent operation
//   - Store errors (served from the builder instead)
//   - Pool exhausted (served transiently)
//   - Filter failures
//   - Origin retry attempts
//
// Error: Error conditions requiring attention
//   - Build failures after retries
//   - Configuration errors
//
// Context Fields:
//   - key: Cache key
//   - disposition: full, partial, not_modified or error
//   - status: HTTP status code
//   - size: Body size in bytes
//   - etag: Entity tag of the entry
//   - tags: Invalidation tags
//   - duration: Operation duration
//   - attempt: Origin retry attempt
