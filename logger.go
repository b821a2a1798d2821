// SPDX-FileCopyrightText: 2025 2025 Lukas Heindl
//
// SPDX-License-Identifier: MIT

package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// setup the logging options
func setupLogger(format string, level string) *slog.Logger {
	return newLogger(os.Stderr, format, level)
}

func newLogger(w io.Writer, format string, level string) *slog.Logger {
	var handler slog.Handler
	slevel := parseLevel(level)

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slevel,
		})
	case "text":
		fallthrough
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      slevel,
			TimeFormat: time.RFC3339,
			NoColor:    w != os.Stderr,
		})
	}

	return slog.New(handler)
}
