// Package logging builds the zerolog loggers used by the daemon and the
// worker binary.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel  = "GENOMED_LOG_LEVEL"
	EnvLogFormat = "GENOMED_LOG_FORMAT"
)

// Options controls logger construction. Zero values mean info level, JSON
// output to stderr.
type Options struct {
	Level   string
	Format  string // "json" or "console"
	NoColor bool
	Output  io.Writer
}

// New returns a logger configured from opts, with GENOMED_LOG_LEVEL and
// GENOMED_LOG_FORMAT taking precedence when set.
func New(opts Options) zerolog.Logger {
	applyEnvOverrides(&opts)
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, NoColor: opts.NoColor, TimeFormat: time.RFC3339}
	}
	lvl, _ := ParseLevel(opts.Level)
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level. Unknown or empty names
// yield info and ok=false.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "disabled", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func applyEnvOverrides(opts *Options) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		if _, ok := ParseLevel(v); ok {
			opts.Level = v
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		opts.Format = v
	}
}
