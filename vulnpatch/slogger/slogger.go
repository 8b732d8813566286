// Package slogger configures the process-wide slog logger from LOG_LEVEL and
// LOG_FORMAT.
//
// Valid LOG_LEVEL values: "debug", "info", "warn", "error" (default "info").
// Valid LOG_FORMAT values: "text", "json" (default "text").
package slogger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var level *slog.LevelVar

// Init installs a handler on stdout built from the environment.
func Init() {
	InitWith(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// InitWith installs a handler writing to w with the given level and format.
func InitWith(w io.Writer, lvl, format string) {
	level = &slog.LevelVar{}
	level.Set(parseLevel(lvl))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Level returns the current level.
func Level() slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

// SetLevel changes the level of the installed handler at runtime.
func SetLevel(s string) {
	if level == nil {
		return
	}
	level.Set(parseLevel(s))
}

func IsDebug() bool {
	return Level() <= slog.LevelDebug
}

func parseLevel(s string) slog.Level {
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
