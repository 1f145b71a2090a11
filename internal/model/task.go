package model

import (
	"slices"
	"time"
)

// TaskDefinition is the declarative template of one unit of work.
type TaskDefinition struct {
	Name         string
	Command      string
	Priority     int
	Tags         []string
	GPUIDs       []int
	Cwd          string
	BaseDir      string
	Environment  map[string]string
	Resume       string
	Description  string
	Repeats      int
	MaxRetries   int
	DelaySeconds float64
}

// Clone returns a deep copy so expanded instances never share slices or maps.
func (d TaskDefinition) Clone() TaskDefinition {
	c := d
	c.Tags = slices.Clone(d.Tags)
	c.GPUIDs = slices.Clone(d.GPUIDs)
	if d.Environment != nil {
		c.Environment = make(map[string]string, len(d.Environment))
		for k, v := range d.Environment {
			c.Environment[k] = v
		}
	}
	return c
}

func (d TaskDefinition) Delay() time.Duration {
	return seconds(d.DelaySeconds)
}

// TaskInstance is one schedulable expansion of a TaskDefinition. The same struct
// is carried through every queue; once an attempt ends it doubles as the RunRecord.
type TaskInstance struct {
	ID         string
	Definition TaskDefinition
	Order      int
	Attempt    int
	Status     Status

	// RawStatus is the task-level status reported by the execution wrapper.
	RawStatus   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ReturnCode  *int
	WorkDir     string
	RunID       string
	Error       string

	// NotBefore holds the armed startup delay of the pending head.
	NotBefore *time.Time
}

// RunRecord is the outcome of one attempt, stored in the finished queues.
type RunRecord = TaskInstance

// Requeue builds a fresh pending instance for another attempt of the same work.
func (t *TaskInstance) Requeue(id string, now time.Time) *TaskInstance {
	return &TaskInstance{
		ID:         id,
		Definition: t.Definition.Clone(),
		Order:      t.Order,
		Attempt:    t.Attempt,
		Status:     StatusPending,
		RawStatus:  string(StatusPending),
		CreatedAt:  now,
	}
}
