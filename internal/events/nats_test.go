package events

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "exprun.events.task_failed", Subject("exprun.events", EventTaskFailed))
	assert.Equal(t, "command_applied", Subject("", EventCommandApplied))
}

func TestEventJSONShape(t *testing.T) {
	data, err := json.Marshal(Event{
		Type:      EventCommandApplied,
		Timestamp: "2026-02-23T10:00:00.000Z",
		TaskID:    "task_1771722000_000001",
		Data:      map[string]any{"action": "retry_error"},
	})
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "command_applied", flat["type"])
	assert.Equal(t, "task_1771722000_000001", flat["task_id"])
	assert.Equal(t, "2026-02-23T10:00:00.000Z", flat["timestamp"])
	assert.NotContains(t, flat, "record")
}

func TestConnectNATS_Unreachable(t *testing.T) {
	_, err := ConnectNATS("nats://127.0.0.1:1", zerolog.Nop())
	assert.Error(t, err)
}
