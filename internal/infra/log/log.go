package log

import (
	"io"
	"os"

	"bookfeed/internal/config"

	"github.com/rs/zerolog"
)

type Logger = zerolog.Logger

func NewLogger(cfg config.Config) Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.Config, out io.Writer) Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.Logging.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "bookfeed").Logger()
}

// Component tags a logger with the emitting component.
func Component(l Logger, name string) Logger {
	return l.With().Str("component", name).Logger()
}

// Nop discards everything; for tests.
func Nop() Logger { return zerolog.Nop() }
