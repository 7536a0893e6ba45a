package logging

import (
	"io"
	"os"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/rs/zerolog"
)

// New returns a structured logger. DEV gets a human readable console writer on
// stderr, every other environment gets JSON.
func New(c config.EnvConfig) zerolog.Logger {
	return NewWithWriter(c, os.Stderr)
}

func NewWithWriter(c config.EnvConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if c.GetEnv() == "DEV" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("app", c.GetAppName()).Logger()
}
