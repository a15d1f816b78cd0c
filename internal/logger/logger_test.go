package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestColorTextHandlerKeepsColourOnDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil)).With("component", "watcher")
	log.Warn("printer went silent")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[33mWARN\033[0m  "), "got %q", out)
	assert.Contains(t, out, "msg=\"printer went silent\"")
	assert.NotContains(t, out, `\x1b`)
	assert.Contains(t, out, "component=watcher")
}

func TestColorTextHandlerOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	log.Debug("dialing")
	log.Error("dial failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "\033[36mDEBUG\033[0m  "))
	assert.True(t, strings.HasPrefix(lines[1], "\033[31mERROR\033[0m  "))
}

func TestNewStdoutOnly(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(Config{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Info("dropped")
	log.Error("kept", "endpoint", "opc.tcp://10.0.0.5:4840/")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "opc.tcp://10.0.0.5:4840/", rec["endpoint"])
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "printerstatus.log")
	var buf bytes.Buffer
	log, closer, err := New(Config{File: path}, &buf)
	require.NoError(t, err)

	log.With("component", "api").Info("listening")
	require.NoError(t, closer.Close())

	assert.Contains(t, buf.String(), "listening")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(b), &rec))
	assert.Equal(t, "api", rec["component"])
}

func TestFileWriterDefaults(t *testing.T) {
	w, err := Config{}.FileWriter()
	require.NoError(t, err)
	assert.Nil(t, w)

	w, err = Config{File: filepath.Join(t.TempDir(), "x.log")}.FileWriter()
	require.NoError(t, err)
	l, ok := w.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, err := New(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
