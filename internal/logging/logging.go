// Package logging sets up the process-wide slog JSON logger, optionally
// tee'd into a rotated log file on the device.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/fieldnotesync/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a config level name to a slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// New builds a JSON logger writing to stdout and, when cfg.File is set, to a
// lumberjack-rotated file. The returned close function releases the file.
func New(cfg config.LogConfig, stdout io.Writer) (*slog.Logger, func() error, error) {
	out := stdout
	closeFunc := func() error { return nil }

	if cfg.File != "" {
		// lumberjack doesn't create directories
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
			}
		}
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = io.MultiWriter(stdout, fileWriter)
		closeFunc = fileWriter.Close
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: ParseLevel(cfg.Level)})
	return slog.New(handler).With("service", "fieldnotesync"), closeFunc, nil
}

// Setup builds the logger with New and installs it as the slog default.
func Setup(cfg config.LogConfig) (func() error, error) {
	logger, closeFunc, err := New(cfg, os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closeFunc, nil
}
