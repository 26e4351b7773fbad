package engine

import (
	"errors"
	"fmt"

	"goa.design/weave/definition"
	"goa.design/weave/store"
)

// ValidationError reports a command payload that did not match the action's
// declared schema. It carries a field path to message mapping suitable for
// form-field display.
type ValidationError = definition.ValidationError

// FieldError locates one payload validation failure.
type FieldError = definition.FieldError

// ErrConflict indicates a transactional conflict. Commands retry
// automatically up to the configured attempt budget before surfacing it.
var ErrConflict = store.ErrConflict

type (
	// IllegalStateTransitionError reports a command requesting a transition
	// the element's current state does not allow.
	IllegalStateTransitionError struct {
		// Resource is the element kind ("workflow", "task", "workItem").
		Resource string
		// ID identifies the element.
		ID string
		// From is the element's current state.
		From string
		// Action is the requested transition.
		Action string
	}

	// NotEnabledError reports a task-start or work-item command issued
	// against a task that is not currently enabled.
	NotEnabledError struct {
		WorkflowID string
		Task       string
	}

	// InvariantViolationError reports a mutation that would violate a model
	// invariant, such as a negative marking.
	InvariantViolationError struct {
		Message string
	}

	// ActivityFailureError wraps an error returned by a user-defined
	// activity hook. The failing command's transaction is aborted.
	ActivityFailureError struct {
		// Hook names the failing activity (e.g. "task.onEnabled").
		Hook string
		// Resource and ID identify the element the activity fired on.
		Resource string
		ID       string
		// Err is the activity's error.
		Err error
	}
)

func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from state %q", e.Resource, e.ID, e.Action, e.From)
}

func (e *NotEnabledError) Error() string {
	return fmt.Sprintf("task %q of workflow %s is not enabled", e.Task, e.WorkflowID)
}

func (e *InvariantViolationError) Error() string {
	return "invariant violation: " + e.Message
}

func (e *ActivityFailureError) Error() string {
	return fmt.Sprintf("activity %s on %s %s: %v", e.Hook, e.Resource, e.ID, e.Err)
}

// Unwrap exposes the activity's original error to errors.Is/As.
func (e *ActivityFailureError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIllegalStateTransition reports whether err is a disallowed transition.
func IsIllegalStateTransition(err error) bool {
	var te *IllegalStateTransitionError
	return errors.As(err, &te)
}

// IsNotEnabled reports whether err indicates a not-enabled task.
func IsNotEnabled(err error) bool {
	var ne *NotEnabledError
	return errors.As(err, &ne)
}

// IsInvariantViolation reports whether err is a model invariant violation.
func IsInvariantViolation(err error) bool {
	var ie *InvariantViolationError
	return errors.As(err, &ie)
}

// IsActivityFailure reports whether err wraps a failing activity hook.
func IsActivityFailure(err error) bool {
	var ae *ActivityFailureError
	return errors.As(err, &ae)
}

// IsConflict reports whether err is a retryable transaction conflict.
func IsConflict(err error) bool {
	return store.IsConflict(err)
}
