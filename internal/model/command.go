package model

import (
	"fmt"
	"strings"
	"time"
)

// Action is the tag of an observer command.
type Action string

const (
	ActionRemovePending    Action = "remove_pending"
	ActionTerminateRunning Action = "terminate_running"
	ActionRetryError       Action = "retry_error"
	ActionRemoveFinished   Action = "remove_finished"
	ActionRemoveError      Action = "remove_error"
)

var knownActions = map[Action]bool{
	ActionRemovePending:    true,
	ActionTerminateRunning: true,
	ActionRetryError:       true,
	ActionRemoveFinished:   true,
	ActionRemoveError:      true,
}

func IsKnownAction(a Action) bool {
	return knownActions[a]
}

// PayloadTaskID is the payload key carrying the target task instance id.
const PayloadTaskID = "task_id"

// Command is one entry of the command file.
type Command struct {
	ID        string         `json:"id"`
	Action    Action         `json:"action"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

func NewCommand(action Action, payload map[string]any, now time.Time) Command {
	if payload == nil {
		payload = map[string]any{}
	}
	return Command{
		ID:        NewCommandID(),
		Action:    action,
		Payload:   payload,
		CreatedAt: FormatTimestamp(now),
	}
}

// TaskID extracts the target id from the payload. Non-string or blank values
// are reported as missing.
func (c Command) TaskID() (string, bool) {
	raw, ok := c.Payload[PayloadTaskID]
	if !ok {
		return "", false
	}
	id, ok := raw.(string)
	if !ok {
		return "", false
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

func (c Command) String() string {
	id, _ := c.TaskID()
	return fmt.Sprintf("%s(%s)#%s", c.Action, id, c.ID)
}
