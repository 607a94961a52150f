// Package logging builds the zap loggers used across rtvoice.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger for the given level ("debug", "info", "warn", "error").
// An empty level falls back to LOG_LEVEL, then to "info".
// Debug builds a human-readable development logger; everything else is JSON.
func New(level string) (*zap.Logger, error) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// Must is New for command entry points; it falls back to a production logger
// when the level cannot be parsed.
func Must(level string) *zap.Logger {
	logger, err := New(level)
	if err != nil {
		logger, _ = zap.NewProduction()
		logger.Warn("falling back to info logging", zap.Error(err))
	}
	// Route stray standard library log output through zap.
	_ = zap.RedirectStdLog(logger)
	return logger
}
