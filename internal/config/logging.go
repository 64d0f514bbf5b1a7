package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ae-signal-engine/internal/domain"
)

// ParseLevel resolves a configured log level name.
func ParseLevel(level string) (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// NewLogger builds the process logger. The returned closer releases the log
// file when output is "file"; it is a no-op otherwise.
func NewLogger(cfg domain.LoggingConfig) (*logrus.Logger, func() error, error) {
	logger := logrus.New()
	noop := func() error { return nil }

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, noop, err
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, noop, fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	var out io.Writer
	closer := noop
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	case "file":
		if cfg.Filename == "" {
			return nil, noop, fmt.Errorf("logging.filename is required for file output")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
			return nil, noop, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f.Close
	default:
		return nil, noop, fmt.Errorf("invalid log output: %s", cfg.Output)
	}
	logger.SetOutput(out)

	return logger, closer, nil
}
