package scheduler

import "github.com/msageha/exprun/internal/model"

// ShouldRetry reports whether a failed attempt earns another one: auto
// restart must be on, the definition must allow retries and the attempt
// count must stay within max_retries+1.
func ShouldRetry(autoRestart bool, def model.TaskDefinition, attempt int) bool {
	if !autoRestart {
		return false
	}
	if def.MaxRetries <= 0 {
		return false
	}
	return attempt < def.MaxRetries+1
}
