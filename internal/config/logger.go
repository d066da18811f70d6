package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the process logger. Text goes to stderr; when cfg.File is set the same
// records are also written as JSON to that file. The returned func closes the file.
func SetupLogger(cfg LogConfig) (*slog.Logger, func() error) {
	level := ParseLogLevel(cfg.Level)
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if cfg.File == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stderrHandler)
		logger.Error("open log file failed, using stderr only", "file", cfg.File, "error", err)
		return logger, func() error { return nil }
	}

	return NewFanoutLogger(os.Stderr, file, level), file.Close
}

// NewFanoutLogger writes text records to human and JSON records to machine.
func NewFanoutLogger(human, machine io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(human, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(machine, &slog.HandlerOptions{Level: level}),
	))
}

func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
