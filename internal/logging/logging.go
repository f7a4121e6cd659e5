package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where records go and how much is kept
type Options struct {
	Level string // none, error, warn, info, debug
	File  string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ParseLevel maps a level name onto slog. "none" reports ok=false.
func ParseLevel(level string) (lvl slog.Level, ok bool, err error) {
	switch strings.ToLower(level) {
	case "none":
		return 0, false, nil
	case "error":
		return slog.LevelError, true, nil
	case "warn":
		return slog.LevelWarn, true, nil
	case "", "info":
		return slog.LevelInfo, true, nil
	case "debug":
		return slog.LevelDebug, true, nil
	default:
		return 0, false, fmt.Errorf("unexpected log level: %s", level)
	}
}

// LevelForVerbosity maps the -v count onto a level name. Zero keeps
// fallback, the configured level.
func LevelForVerbosity(verbose int, fallback string) string {
	if verbose >= 1 {
		return "debug"
	}
	return fallback
}

// Setup installs the default slog logger: text on stderr, or JSON into a
// rotating file when opts.File is set. The returned closer flushes the file
// and is never nil.
func Setup(opts Options) (io.Closer, error) {
	logger, closer, err := New(opts, os.Stderr)
	if err != nil {
		return nopCloser{}, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

// New builds a logger without installing it. Text records go to console.
func New(opts Options, console io.Writer) (*slog.Logger, io.Closer, error) {
	level, enabled, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nopCloser{}, err
	}
	if !enabled {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nopCloser{}, nil
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.File == "" {
		return slog.New(slog.NewTextHandler(console, handlerOpts)), nopCloser{}, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	return slog.New(slog.NewJSONHandler(rotator, handlerOpts)), rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
