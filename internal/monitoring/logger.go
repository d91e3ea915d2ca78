// Package monitoring owns the process-wide diagnostic logger.
package monitoring

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EnvLogLevel overrides the configured log level when set.
const EnvLogLevel = "SERIALBRIDGE_LOG_LEVEL"

// Options selects how Configure builds the logger.
type Options struct {
	App    string
	Level  string    // trace, debug, info, warn, error, disabled
	Format string    // console or json
	Out    io.Writer // defaults to os.Stderr
}

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Logger returns the current package logger. The returned value is a copy and
// is safe to extend with With().
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the package logger. Passing nil installs a no-op logger,
// which tests use to keep output quiet.
func SetLogger(l *zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		logger = zerolog.Nop()
		return
	}
	logger = *l
}

// Configure builds the logger from opts, applies the EnvLogLevel override and
// installs it as the package logger.
func Configure(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	levelName := opts.Level
	if env := strings.TrimSpace(os.Getenv(EnvLogLevel)); env != "" {
		levelName = env
	}
	level, err := ParseLevel(levelName)
	if err != nil {
		return zerolog.Logger{}, err
	}

	var w io.Writer
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
		w = out
	default:
		return zerolog.Logger{}, fmt.Errorf("unsupported log format %q: expected console or json", opts.Format)
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	l := ctx.Logger()
	SetLogger(&l)
	return l, nil
}

// ParseLevel accepts the usual level names plus a few aliases. An empty string
// means info.
func ParseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	case "off", "none", "disable":
		return zerolog.Disabled, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return level, nil
}
