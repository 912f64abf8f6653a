// Package logging builds the gateway's structured JSON logger on top of
// log/slog, writing to stdout, stderr, or a size-rotated file depending
// on the logging config block.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dskow/llm-gateway/internal/config"
)

// New builds a JSON logger for the configured output and level. The
// returned LevelVar adjusts the level at runtime (config reload); the
// returned closer is non-nil only for file outputs, callers close it on
// shutdown.
func New(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, nil, err
	}

	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rf, err := NewRotatingFile(cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening log output: %w", err)
		}
		out = rf
		closer = rf
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(level)
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: levelVar})
	return slog.New(handler), levelVar, closer, nil
}

// ParseLevel maps a config level string onto a slog.Level. The empty
// string means info.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
