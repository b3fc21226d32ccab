package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// #region config
// Config selects level, format and buffering for the controller logger.
type Config struct {
	Level  string    // trace, debug, info, warn, error
	Format string    // json or console
	Async  bool      // buffer through a diode so a slow writer drops lines instead of stalling a tick
	Output io.Writer // defaults to os.Stderr
}

// DefaultConfig logs JSON at info through a diode.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Async: true}
}

// #endregion config

// #region new
// New builds a logger from cfg. The returned closer flushes the diode and
// must be closed on shutdown.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level = l
	}

	var out io.Writer = os.Stderr
	if cfg.Output != nil {
		out = cfg.Output
	}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	if cfg.Async {
		dw := diode.NewWriter(out, 1024, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
		out = dw
		closer = dw
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// #endregion new
