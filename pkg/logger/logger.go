// Package logger owns the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	Log = New(os.Getenv("APP_ENV") == "production", os.Stdout)
}

// New builds a logger writing to out. Production loggers emit JSON; all
// others use the human-readable console writer.
func New(production bool, out io.Writer) zerolog.Logger {
	if !production {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Setup reconfigures the global logger from the configured level and format
// ("json" or "console") and returns it.
func Setup(level, format string) zerolog.Logger {
	production := strings.EqualFold(format, "json")
	l := New(production, os.Stderr).Level(ParseLevel(level))
	Log = l
	return l
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}
