// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// NewLogger creates the standard service logger: a JSON handler
// writing to stderr at the given level ("debug", "info", "warn",
// "error"; empty means info). It also sets the default slog logger so
// that third-party code using slog.Info etc. gets the same handler.
func NewLogger(level string) (*slog.Logger, error) {
	return newLogger(os.Stderr, level)
}

func newLogger(output io.Writer, level string) (*slog.Logger, error) {
	var parsed slog.Level
	if level != "" {
		if err := parsed.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: parsed,
	}))
	slog.SetDefault(logger)
	return logger, nil
}
