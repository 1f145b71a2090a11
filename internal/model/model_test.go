package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshalAndDefaults(t *testing.T) {
	src := `
scheduler:
  max_concurrent_experiments: 3
  check_interval: 2.5
  base_experiment_dir: ./runs
  auto_restart_on_error: true
  linger_when_idle: false
logging:
  level: debug
`
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))
	cfg.ApplyDefaults()

	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 2500*time.Millisecond, cfg.Scheduler.CheckInterval())
	assert.Equal(t, "./runs", cfg.Scheduler.BaseExperimentDir)
	assert.True(t, cfg.Scheduler.AutoRestart)
	assert.False(t, cfg.Scheduler.Linger(), "explicit false must survive defaults")
	assert.True(t, cfg.Scheduler.Watch())
	assert.Equal(t, DefaultIdleGracePeriod, cfg.Scheduler.IdleGracePeriod())
	assert.Equal(t, DefaultTerminateTimeout, cfg.Scheduler.TerminateTimeout())
	assert.Equal(t, DefaultKillTimeout, cfg.Scheduler.KillTimeout())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.History.IsEnabled())
	assert.Equal(t, DefaultObserverAddr, cfg.Observer.Addr)
}

func TestConfigDefaults_Empty(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, 1, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, DefaultCheckInterval, cfg.Scheduler.CheckInterval())
	assert.True(t, cfg.Scheduler.Linger())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, DefaultSubjectPrefix, cfg.Events.SubjectPrefix)
}

func TestGraceCycles(t *testing.T) {
	tests := []struct {
		name     string
		grace    float64
		interval float64
		want     int
	}{
		{"thirty seconds at one second", 30, 1, 30},
		{"fractional interval", 10, 0.5, 20},
		{"interval below floor", 1, 0.01, 10},
		{"minimum two cycles", 1, 10, 2},
		{"grace equals interval", 5, 5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SchedulerConfig{IdleGracePeriodSec: tt.grace, CheckIntervalSec: tt.interval}
			assert.Equal(t, tt.want, s.GraceCycles())
		})
	}
}

func TestCommandTaskID(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]any
		want    string
		ok      bool
	}{
		{"present", map[string]any{"task_id": "task_1771722000_000001"}, "task_1771722000_000001", true},
		{"trimmed", map[string]any{"task_id": "  abc "}, "abc", true},
		{"missing", map[string]any{}, "", false},
		{"blank", map[string]any{"task_id": " "}, "", false},
		{"wrong type", map[string]any{"task_id": 12}, "", false},
		{"nil payload", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Command{Payload: tt.payload}.TaskID()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewCommand(t *testing.T) {
	now := time.Date(2026, 2, 23, 10, 0, 0, 123456789, time.UTC)
	cmd := NewCommand(ActionRetryError, nil, now)

	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, ActionRetryError, cmd.Action)
	assert.NotNil(t, cmd.Payload)
	assert.Equal(t, "2026-02-23T10:00:00.123Z", cmd.CreatedAt)
	assert.True(t, IsKnownAction(cmd.Action))
	assert.False(t, IsKnownAction("reboot"))
}

func TestFormatTimestamp_UTCMillis(t *testing.T) {
	loc := time.FixedZone("JST", 9*3600)
	ts := time.Date(2026, 2, 23, 19, 0, 0, 987654321, loc)
	assert.Equal(t, "2026-02-23T10:00:00.987Z", FormatTimestamp(ts))

	parsed, err := ParseTimestamp("2026-02-23T10:00:00.987Z")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts.Truncate(time.Millisecond)))
}

func TestNewTaskRecord(t *testing.T) {
	created := time.Date(2026, 2, 23, 10, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	code := 3
	inst := &TaskInstance{
		ID: "task_1771722000_000001",
		Definition: TaskDefinition{
			Name:    "train",
			Command: "python train.py",
			Tags:    []string{"ml"},
			Cwd:     "/work",
			Repeats: 1,
		},
		Attempt:    2,
		Status:     StatusFailed,
		RawStatus:  "error",
		CreatedAt:  created,
		StartedAt:  &started,
		ReturnCode: &code,
		WorkDir:    "/runs/train_x",
		RunID:      "run_0002",
	}

	rec := NewTaskRecord(inst)
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))

	assert.Equal(t, "task_1771722000_000001", flat["id"])
	assert.Equal(t, "failed", flat["status"])
	assert.Equal(t, "error", flat["raw_status"])
	assert.Equal(t, "2026-02-23T10:00:00.000Z", flat["created_at"])
	assert.Equal(t, "2026-02-23T10:00:01.000Z", flat["started_at"])
	assert.Nil(t, flat["completed_at"])
	assert.Equal(t, float64(3), flat["return_code"])
	assert.Equal(t, "/work", flat["cwd"])
	assert.Nil(t, flat["base_dir"])
	assert.Equal(t, []any{}, flat["gpu_ids"])
	assert.Equal(t, map[string]any{}, flat["environment"])
	for _, key := range []string{"name", "command", "priority", "tags", "attempt", "work_dir", "run_id", "repeats", "max_retries", "delay_seconds"} {
		assert.Contains(t, flat, key)
	}
}

func TestTaskDefinitionClone_Independent(t *testing.T) {
	orig := TaskDefinition{
		Name:        "a",
		Tags:        []string{"x"},
		GPUIDs:      []int{0},
		Environment: map[string]string{"K": "v"},
	}
	c := orig.Clone()
	c.Tags[0] = "y"
	c.GPUIDs[0] = 7
	c.Environment["K"] = "changed"

	assert.Equal(t, "x", orig.Tags[0])
	assert.Equal(t, 0, orig.GPUIDs[0])
	assert.Equal(t, "v", orig.Environment["K"])
}

func TestRequeue_CarriesAttempt(t *testing.T) {
	now := time.Now()
	failed := &TaskInstance{ID: "old", Attempt: 2, Order: 4, Status: StatusFailed, Definition: TaskDefinition{Name: "a"}}
	fresh := failed.Requeue("new", now)

	assert.Equal(t, "new", fresh.ID)
	assert.Equal(t, 2, fresh.Attempt)
	assert.Equal(t, 4, fresh.Order)
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Equal(t, now, fresh.CreatedAt)
	assert.Nil(t, fresh.StartedAt)
}
