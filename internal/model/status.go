package model

import "fmt"

// Status is the normalized queue status exposed in snapshots.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

var terminalStatuses = map[Status]bool{
	StatusSuccess:    true,
	StatusFailed:     true,
	StatusTerminated: true,
}

// pending → running → {success, failed, terminated}; failed|terminated → pending (retry)
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true, // launch failure
	},
	StatusRunning: {
		StatusSuccess:    true,
		StatusFailed:     true,
		StatusTerminated: true,
	},
	StatusFailed: {
		StatusPending: true,
	},
	StatusTerminated: {
		StatusPending: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

// IsError reports whether the status belongs in the Finished-error queue.
func IsError(s Status) bool {
	return s == StatusFailed || s == StatusTerminated
}

func ValidateTransition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		if IsTerminal(from) {
			return fmt.Errorf("cannot transition from terminal status %q", from)
		}
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}
