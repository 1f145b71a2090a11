package model

import "time"

// TimestampLayout is the ISO-8601 UTC layout used for every timestamp crossing a file boundary.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(TimestampLayout, s)
}

// Snapshot is the JSON document written to scheduler_state.json.
type Snapshot struct {
	UpdatedAt string       `json:"updated_at"`
	Pending   []TaskRecord `json:"pending"`
	Running   []TaskRecord `json:"running"`
	Finished  []TaskRecord `json:"finished"`
	Errors    []TaskRecord `json:"errors"`
	Summary   Summary      `json:"summary"`
}

type Summary struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Errors   int `json:"errors"`
}

// TaskRecord is the flat, plain-value projection of a TaskInstance.
type TaskRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Command      string            `json:"command"`
	Priority     int               `json:"priority"`
	Tags         []string          `json:"tags"`
	GPUIDs       []int             `json:"gpu_ids"`
	Cwd          *string           `json:"cwd"`
	BaseDir      *string           `json:"base_dir"`
	Environment  map[string]string `json:"environment"`
	Resume       *string           `json:"resume"`
	Description  *string           `json:"description"`
	Repeats      int               `json:"repeats"`
	MaxRetries   int               `json:"max_retries"`
	DelaySeconds float64           `json:"delay_seconds"`
	Order        int               `json:"order"`
	Status       Status            `json:"status"`
	RawStatus    string            `json:"raw_status"`
	Attempt      int               `json:"attempt"`
	CreatedAt    *string           `json:"created_at"`
	StartedAt    *string           `json:"started_at"`
	CompletedAt  *string           `json:"completed_at"`
	ReturnCode   *int              `json:"return_code"`
	WorkDir      *string           `json:"work_dir"`
	RunID        *string           `json:"run_id"`
	Error        *string           `json:"error,omitempty"`
}

func EmptySnapshot(now time.Time) Snapshot {
	return Snapshot{
		UpdatedAt: FormatTimestamp(now),
		Pending:   []TaskRecord{},
		Running:   []TaskRecord{},
		Finished:  []TaskRecord{},
		Errors:    []TaskRecord{},
	}
}

func NewTaskRecord(t *TaskInstance) TaskRecord {
	d := t.Definition
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	gpus := d.GPUIDs
	if gpus == nil {
		gpus = []int{}
	}
	env := d.Environment
	if env == nil {
		env = map[string]string{}
	}
	rec := TaskRecord{
		ID:           t.ID,
		Name:         d.Name,
		Command:      d.Command,
		Priority:     d.Priority,
		Tags:         tags,
		GPUIDs:       gpus,
		Cwd:          optString(d.Cwd),
		BaseDir:      optString(d.BaseDir),
		Environment:  env,
		Resume:       optString(d.Resume),
		Description:  optString(d.Description),
		Repeats:      d.Repeats,
		MaxRetries:   d.MaxRetries,
		DelaySeconds: d.DelaySeconds,
		Order:        t.Order,
		Status:       t.Status,
		RawStatus:    t.RawStatus,
		Attempt:      t.Attempt,
		StartedAt:    optTime(t.StartedAt),
		CompletedAt:  optTime(t.CompletedAt),
		ReturnCode:   t.ReturnCode,
		WorkDir:      optString(t.WorkDir),
		RunID:        optString(t.RunID),
		Error:        optString(t.Error),
	}
	if !t.CreatedAt.IsZero() {
		rec.CreatedAt = optTime(&t.CreatedAt)
	}
	return rec
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := FormatTimestamp(*t)
	return &s
}
