// Package logger builds the hclog loggers used across syncstream and offers
// package-level helpers for code that has no injected logger.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Options configures the root logger
type Options struct {
	Name   string
	Level  string // trace, debug, info, warn, error
	Format string // json or text
	Output io.Writer
	Color  bool
}

var (
	defaultLogger hclog.Logger = hclog.New(&hclog.LoggerOptions{
		Name:  "syncstream",
		Level: hclog.Info,
	})
	defaultMu sync.RWMutex
)

// New creates a root logger from options. LOG_LEVEL and LOG_FORMAT
// environment variables override empty option fields.
func New(opts Options) hclog.Logger {
	if opts.Level == "" {
		opts.Level = os.Getenv("LOG_LEVEL")
	}
	if opts.Format == "" {
		opts.Format = os.Getenv("LOG_FORMAT")
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.Name == "" {
		opts.Name = "syncstream"
	}

	color := hclog.ColorOff
	if opts.Color && !strings.EqualFold(opts.Format, "json") {
		color = hclog.AutoColor
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      ParseLevel(opts.Level),
		Output:     opts.Output,
		JSONFormat: strings.EqualFold(opts.Format, "json"),
		Color:      color,
	})
}

// ParseLevel converts a level name to an hclog level, defaulting to info
func ParseLevel(level string) hclog.Level {
	l := hclog.LevelFromString(level)
	if l == hclog.NoLevel {
		return hclog.Info
	}
	return l
}

// SetDefault replaces the logger used by the package-level helpers
func SetDefault(l hclog.Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the logger used by the package-level helpers
func Default() hclog.Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Named returns a sub-logger of the default logger
func Named(name string) hclog.Logger {
	return Default().Named(name)
}

// OrNull returns l, or a null logger when l is nil
func OrNull(l hclog.Logger) hclog.Logger {
	if l == nil {
		return hclog.NewNullLogger()
	}
	return l
}

// Info logs informational messages with key/value pairs
func Info(msg string, args ...interface{}) {
	Default().Info(msg, args...)
}

// Warn logs warning messages
func Warn(msg string, args ...interface{}) {
	Default().Warn(msg, args...)
}

// Error logs error messages
func Error(msg string, args ...interface{}) {
	Default().Error(msg, args...)
}

// Debug logs debug messages
func Debug(msg string, args ...interface{}) {
	Default().Debug(msg, args...)
}
