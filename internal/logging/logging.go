// Package logging builds the process-wide slog handler: human-readable
// text on stderr, fanned out to a JSON log file when one is configured.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// New returns a logger and a close function for the underlying log file.
// The close function is non-nil even when no file is configured.
func New(level slog.Level, logFile string) (*slog.Logger, func(), error) {
	console := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(console), func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("log dir: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
	logger := slog.New(slogmulti.Fanout(console, file))
	return logger, func() { _ = f.Close() }, nil
}

// Discard is a logger for tests and callers that want no output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
