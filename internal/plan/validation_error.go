package plan

import (
	"fmt"
	"strings"
)

// ValidationError is a single field problem inside one experiment definition
// or the scheduler section.
type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) Addf(fieldPath, format string, args ...any) {
	ve.Add(fieldPath, fmt.Sprintf(format, args...))
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// FormatStderr renders one "error:" line per problem for CLI output.
func (ve *ValidationErrors) FormatStderr() string {
	var sb strings.Builder
	for _, e := range ve.Errors {
		fmt.Fprintf(&sb, "error: %s: %s\n", e.FieldPath, e.Message)
	}
	return sb.String()
}

// DefinitionError ties validation problems to the 1-based position of the
// experiment definition in the config file.
type DefinitionError struct {
	Index int
	Name  string
	Err   *ValidationErrors
}

func (e *DefinitionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("load experiment #%d (%s): %s", e.Index, e.Name, e.Err.Error())
	}
	return fmt.Sprintf("load experiment #%d: %s", e.Index, e.Err.Error())
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

func (e *DefinitionError) FormatStderr() string {
	var sb strings.Builder
	for _, v := range e.Err.Errors {
		fmt.Fprintf(&sb, "error: experiment #%d: %s: %s\n", e.Index, v.FieldPath, v.Message)
	}
	return sb.String()
}

// ConfigError gathers every problem found in one config file.
type ConfigError struct {
	Path        string
	Scheduler   ValidationErrors
	Definitions []*DefinitionError
}

func (e *ConfigError) HasErrors() bool {
	return e.Scheduler.HasErrors() || len(e.Definitions) > 0
}

func (e *ConfigError) Error() string {
	var parts []string
	if e.Scheduler.HasErrors() {
		parts = append(parts, e.Scheduler.Error())
	}
	for _, de := range e.Definitions {
		parts = append(parts, de.Error())
	}
	return fmt.Sprintf("invalid config %s: %s", e.Path, strings.Join(parts, "; "))
}

func (e *ConfigError) Unwrap() []error {
	var errs []error
	if e.Scheduler.HasErrors() {
		errs = append(errs, &e.Scheduler)
	}
	for _, de := range e.Definitions {
		errs = append(errs, de)
	}
	return errs
}

func (e *ConfigError) FormatStderr() string {
	var sb strings.Builder
	sb.WriteString(e.Scheduler.FormatStderr())
	for _, de := range e.Definitions {
		sb.WriteString(de.FormatStderr())
	}
	return sb.String()
}
