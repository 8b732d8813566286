package slogger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "input %q", in)
	}
}

func TestInitWithJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitWith(&buf, "warn", "json")
	slog.Info("hidden")
	slog.Warn("shown", "job_id", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, float64(7), rec["job_id"])
	assert.False(t, IsDebug())

	SetLevel("debug")
	assert.True(t, IsDebug())
}

func TestInitWithText(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitWith(&buf, "", "")
	slog.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Equal(t, slog.LevelInfo, Level())
}
