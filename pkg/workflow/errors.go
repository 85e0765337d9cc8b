package workflow

import (
	"errors"
	"fmt"
)

// ErrIntegrity marks an audit hash mismatch. Non-recoverable: the workflow
// is failed and an operator alert is required.
var ErrIntegrity = errors.New("workflow: audit integrity violation")

// ValidationError reports bad input at workflow creation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: field %s: %s", e.Field, e.Msg)
}

// StateError reports an illegal workflow-state operation: missing workflow,
// illegal phase transition, or mutation of a terminal workflow.
type StateError struct {
	WorkflowID string
	Msg        string
}

func (e *StateError) Error() string {
	if e.WorkflowID == "" {
		return "workflow state: " + e.Msg
	}
	return fmt.Sprintf("workflow state: %s: %s", e.WorkflowID, e.Msg)
}

// NewStateError builds a StateError with a formatted message.
func NewStateError(workflowID, format string, args ...any) *StateError {
	return &StateError{WorkflowID: workflowID, Msg: fmt.Sprintf(format, args...)}
}
