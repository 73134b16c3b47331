// Package logging builds the process slog.Logger and carries request scoped
// loggers and identifiers through contexts.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level, output format and destination of the logger.
type Config struct {
	Level  string
	Format string
	Writer io.Writer
}

// LogFormat names a handler encoding.
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// New builds a logger from cfg. Output defaults to stdout in JSON.
func New(cfg Config) *slog.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// Init is New followed by slog.SetDefault.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// parseLevel accepts slog level names in any case plus "warning". Unknown
// values fall back to info.
func parseLevel(raw string) slog.Leveler {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "warning" {
		name = "warn"
	}
	var level slog.Level
	if name == "" || level.UnmarshalText([]byte(name)) != nil {
		level = slog.LevelInfo
	}
	return level
}

// WithComponent tags logger with a component attribute. A nil logger stays nil.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// OrDefault returns logger, or the process default when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
