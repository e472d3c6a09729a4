// Package logger builds the slog JSON loggers shared by every
// component. Components derive children with With("component", ...).
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Config holds the configuration for the logger.
type Config struct {
	// Output is the writer to send logs to (defaults to os.Stdout).
	Output io.Writer
	// Level is the minimum log level to emit.
	Level slog.Level
	// AddSource adds the source code position to log records.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  slog.LevelInfo,
		Output: os.Stdout,
	}
}

// New creates a JSON logger from the configuration. A nil config gets
// the defaults.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	return slog.New(slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}))
}

// NewDefault creates a JSON logger with the default configuration.
func NewDefault() *slog.Logger {
	return New(DefaultConfig())
}

// NewWithLevel creates a JSON logger at the given level.
func NewWithLevel(level slog.Level) *slog.Logger {
	cfg := DefaultConfig()
	cfg.Level = level
	return New(cfg)
}

// ParseLevel converts a level string ("debug", "info", "warn",
// "error") to a slog.Level. Unrecognized strings map to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a child logger carrying the given attributes on
// every subsequent record.
func WithContext(logger *slog.Logger, attrs ...slog.Attr) *slog.Logger {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return logger.With(args...)
}
