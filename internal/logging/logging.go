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
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/warlog-ledger/internal/config"
)

// New creates the process logger. Output goes to stdout and, when cfg.File is set, to a
// rotated log file as well.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(cfg.Level)

	var writer io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	file := strings.TrimSpace(cfg.File)
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log dir: %w", err)
		}
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writer = io.MultiWriter(os.Stdout, rotated)
		closer = rotated
	}

	logger := slog.New(NewHandler(writer, cfg.Format, level, file != ""))
	return logger, closer, nil
}

// NewHandler builds a tint text handler or a JSON handler.
func NewHandler(w io.Writer, format string, level slog.Level, noColor bool) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  true,
		NoColor:    noColor,
	})
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
