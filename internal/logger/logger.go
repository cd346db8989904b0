// Package logger provides module-tagged leveled logging on top of zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	once sync.Once
)

// Init configures the process-wide logger. Only the first call has an effect.
func Init(level zerolog.Level, output io.Writer, useColor bool) {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		root = New(level, output, useColor)
	})
}

// New builds a logger writing human-readable lines to output.
func New(level zerolog.Level, output io.Writer, useColor bool) zerolog.Logger {
	if output == nil {
		output = os.Stderr
	}

	console := zerolog.ConsoleWriter{
		Out:        output,
		NoColor:    !useColor,
		TimeFormat: "2006/01/02 15:04:05.000000",
	}

	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

// For returns a logger tagged with the given module name.
func For(module string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("module", module).Logger()
}

// SetLevel changes the level of the process-wide logger.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	root = root.Level(level)
}

// ParseLevel parses a log level string. "silent" and "none" disable logging.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "silent", "none":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", s)
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
}
