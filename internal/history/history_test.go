package history

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/exprun/internal/events"
	"github.com/msageha/exprun/internal/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id string, status model.Status, code *int) model.TaskRecord {
	workDir := "/runs/" + id
	return model.NewTaskRecord(&model.TaskInstance{
		ID:         id,
		Definition: model.TaskDefinition{Name: "train", Command: "python train.py", Tags: []string{"ml"}},
		Attempt:    1,
		Status:     status,
		ReturnCode: code,
		WorkDir:    workDir,
	})
}

func intPtr(v int) *int { return &v }

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(" ", zerolog.Nop())
	assert.Error(t, err)
}

func TestOpen_UnusablePathLogsPragmaFailure(t *testing.T) {
	var logs bytes.Buffer
	_, err := Open(t.TempDir(), zerolog.New(&logs))
	require.Error(t, err)
	assert.Contains(t, logs.String(), `"message":"history_pragma_failed"`)
}

func TestRecordAndList_NewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, record("t1", model.StatusSuccess, intPtr(0))))
	require.NoError(t, s.Record(ctx, record("t2", model.StatusFailed, intPtr(2))))
	require.NoError(t, s.Record(ctx, record("t3", model.StatusFailed, nil)))

	runs, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "t3", runs[0].TaskID)
	assert.Nil(t, runs[0].ReturnCode)
	assert.Equal(t, "t2", runs[1].TaskID)
	require.NotNil(t, runs[1].ReturnCode)
	assert.Equal(t, 2, *runs[1].ReturnCode)
	assert.Equal(t, []string{"ml"}, runs[2].Tags)
	assert.Equal(t, "/runs/t1", runs[2].WorkDir)
	assert.NotEmpty(t, runs[2].RecordedAt)

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecord_SameTaskOverwrites(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, record("t1", model.StatusFailed, intPtr(1))))
	require.NoError(t, s.Record(ctx, record("t1", model.StatusTerminated, intPtr(-1))))

	runs, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "terminated", runs[0].Status)
}

func TestStats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(ctx, record(fmt.Sprintf("ok%d", i), model.StatusSuccess, intPtr(0))))
	}
	require.NoError(t, s.Record(ctx, record("bad", model.StatusFailed, intPtr(1))))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"success": 3, "failed": 1}, stats)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), record("t1", model.StatusSuccess, intPtr(0))))
	require.NoError(t, s.Close())

	s, err = Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSubscriber_RecordsFinalEvents(t *testing.T) {
	s := openStore(t)
	bus := events.NewBus(10, zerolog.Nop())
	bus.SubscribeAll(s.Subscriber())

	done := record("t1", model.StatusSuccess, intPtr(0))
	bus.Publish(events.Event{Type: events.EventTaskLaunched, TaskID: "t1"})
	bus.Publish(events.Event{Type: events.EventTaskSucceeded, TaskID: "t1", Record: &done})
	bus.Publish(events.Event{Type: events.EventTaskFailed, TaskID: "t2"})
	bus.Close()

	runs, err := s.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "t1", runs[0].TaskID)
}
