package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses text or json. An empty string selects text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Config is the logging section of the configuration file.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ValidateAndSetDefaults normalizes Level and Format.
func (c *Config) ValidateAndSetDefaults() error {
	lvl, err := ParseLevel(c.Level)
	if err != nil {
		return err
	}
	f, err := ParseFormat(c.Format)
	if err != nil {
		return err
	}
	c.Level, c.Format = lvl.String(), string(f)
	return nil
}

// New creates a logger writing to w (os.Stderr if nil).
func New(w io.Writer, conf Config) (*slog.Logger, error) {
	lvl, err := ParseLevel(conf.Level)
	if err != nil {
		return nil, err
	}
	format, err := ParseFormat(conf.Format)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       lvl.ToSlog(),
		ReplaceAttr: ReplaceLevelName,
	}
	var h slog.Handler
	switch format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
