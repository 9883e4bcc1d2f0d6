package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Environment variables overriding the log settings of a configuration.
const (
	EnvLogLevel  = "QUARRY_LOG_LEVEL"
	EnvLogFormat = "QUARRY_LOG_FMT"
)

// Available log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// LogConfig selects the level and format of the default logger.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// WithEnv returns c with the settings found in the environment applied.
func (c LogConfig) WithEnv() LogConfig {
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.Level = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv(EnvLogFormat); ok && v != "" {
		c.Format = strings.ToLower(v)
	}
	return c
}

// ParseLevel maps a level name to its slog level. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level: %q", s)
}

// Handler returns a handler writing to w. verbose forces debug level.
func (c LogConfig) Handler(w io.Writer, verbose bool) (slog.Handler, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "", FormatText:
		return slog.NewTextHandler(w, opts), nil
	case FormatJSON:
		return slog.NewJSONHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unknown log format: %q", c.Format)
}

// Configure makes a logger writing to w the default.
func (c LogConfig) Configure(w io.Writer, verbose bool) error {
	h, err := c.Handler(w, verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(h))
	return nil
}
