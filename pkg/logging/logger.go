// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
)

// Init replaces the base logger. pretty selects the human console writer.
func Init(app, level string, pretty bool) zerolog.Logger {
	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	return InitWithWriter(app, level, out)
}

// InitWithWriter is Init with an explicit sink
func InitWithWriter(app, level string, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).
		Level(ParseLevel(level)).
		With().Timestamp().Str("app", app).Logger()

	mu.Lock()
	base = logger
	mu.Unlock()

	log.Logger = logger
	return logger
}

// Logger returns a child of the base logger tagged with a component name
func Logger(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Logger()
}

// ParseLevel maps a config string to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
