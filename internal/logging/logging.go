// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects how log records are rendered.
type Format string

const (
	// FormatConsole renders human-readable lines with zerolog.ConsoleWriter.
	FormatConsole Format = "console"
	// FormatJSON writes one JSON object per record.
	FormatJSON Format = "json"
)

type Config struct {
	Level  string
	Format Format
	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// New constructs a logger from cfg. An empty level means info and an empty
// format means console.
func New(cfg Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("unsupported log level %q", cfg.Level)
		}
		level = l
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	switch Format(strings.ToLower(string(cfg.Format))) {
	case FormatConsole, "":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}
