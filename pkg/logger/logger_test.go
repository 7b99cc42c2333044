package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/tracelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestDevLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New("debug", envDev, Output(&buf)).With(slog.String("component", "test"))
	l.Warn("cache.Load", Err(errors.New("corrupt")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "cache.Load", rec["msg"])
	assert.Equal(t, "corrupt", rec["error"])
	assert.Equal(t, "test", rec["component"])
}

func TestFileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "app.log")
	l := New("info", envProd, Output(&buf), File(path, 1, 1))
	l.Info("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.FileExists(t, path)
}

func TestTracerLogsQueries(t *testing.T) {
	var buf bytes.Buffer
	l := New("debug", envDev, Output(&buf))
	l.Log(context.Background(), tracelog.LogLevelInfo, "Query", map[string]any{"sql": "SELECT\n\t1"})
	l.Log(context.Background(), tracelog.LogLevelInfo, "Connect", map[string]any{})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "pgx.Query", rec["msg"])
	assert.Equal(t, "SELECT 1", rec["sql"])
}
