// Package wferrors holds the execution-engine error taxonomy (§7):
// typed errors task runners, the gateway evaluator, and the boundary
// supervisor raise, matched by Code after extraction with errors.As.
package wferrors

import "fmt"

// Code classifies an engine error for error-boundary matching and
// fail/advisory routing.
type Code string

const (
	// CodeNoMatchingFlow: an exclusive gateway found no true condition
	// and no default flow. Fatal unless caught by an error boundary.
	CodeNoMatchingFlow Code = "NoMatchingFlow"
	// CodeConditionEvaluationError: a gateway flow's condition
	// expression was malformed or did not evaluate to a boolean. Fatal.
	CodeConditionEvaluationError Code = "ConditionEvaluationError"
	// CodeCorrelationTimeout: a receive task's wait timed out.
	// Catchable by an error or timer boundary.
	CodeCorrelationTimeout Code = "CorrelationTimeout"
	// CodeTaskExecutionError: a task runner raised. Subject to error
	// boundary matching by errorCode.
	CodeTaskExecutionError Code = "TaskExecutionError"
	// CodeCancellation: the task was cancelled cooperatively.
	CodeCancellation Code = "Cancellation"
	// CodePersistenceError: the event store failed. Fatal — the engine
	// cannot proceed without a functioning event store.
	CodePersistenceError Code = "PersistenceError"
)

// Error is the engine's error-boundary-matchable error type. ElementID
// identifies the raising element; Message is the human-readable
// detail boundary matching substring-searches against.
type Error struct {
	Code      Code
	ElementID string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.ElementID != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.ElementID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error.
func New(code Code, elementID, message string) *Error {
	return &Error{Code: code, ElementID: elementID, Message: message}
}

// Wrap constructs an *Error carrying cause as its wrapped error, using
// cause's message as the detail text.
func Wrap(code Code, elementID string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: code, ElementID: elementID, Message: msg, Cause: cause}
}
