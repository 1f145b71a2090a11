package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/exprun/internal/model"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
		ok   bool
	}{
		{"", zerolog.InfoLevel, true},
		{"debug", zerolog.DebugLevel, true},
		{" WARNING ", zerolog.WarnLevel, true},
		{"error", zerolog.ErrorLevel, true},
		{"verbose", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, err == nil, tt.in)
	}
}

func TestNew_ConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "scheduler.log")
	var console bytes.Buffer

	l, err := New(Options{Level: "info", FilePath: path, Console: &console, NoColor: true})
	require.NoError(t, err)

	l.Debug().Msg("hidden")
	l.Info().Str("task", "task_1").Int("attempt", 2).Msg("task_launched")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.Contains(t, console.String(), "task_launched")
	assert.NotContains(t, console.String(), "hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "task_launched", entry["message"])
	assert.Equal(t, "task_1", entry["task"])
	assert.Equal(t, float64(2), entry["attempt"])
}

func TestNew_UnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
}

func TestFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/s", "logs", "scheduler.log"), FilePath("/s", model.LoggingConfig{}))
	assert.Equal(t, "", FilePath("/s", model.LoggingConfig{File: "-"}))
	assert.Equal(t, "/var/log/x.log", FilePath("/s", model.LoggingConfig{File: "/var/log/x.log"}))
}
