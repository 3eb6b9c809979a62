// Package logging builds the service's slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wolfeidau/pwa-cache/config"
)

// ParseLevel maps a configured level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unsupported level %q", s)
	}
}

// New returns a logger writing to stdout, or to a rotated file when
// cfg.File is set. The returned closer releases the file.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	out, closer, err := output(cfg)
	if err != nil {
		return nil, nil, err
	}
	handler, err := NewHandler(out, cfg.Format, level, cfg.File == "")
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return slog.New(handler), closer, nil
}

// NewHandler builds a handler for format ("text" or "json"). Colour is only
// used for text output to a terminal.
func NewHandler(w io.Writer, format string, level slog.Level, color bool) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "text", "":
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			NoColor:    !color || !isTerminal(w),
		}), nil
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", format)
	}
}

func output(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	if cfg.File == "" {
		return os.Stdout, nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	return rotator, rotator, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
