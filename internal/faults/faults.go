package faults

import (
	"errors"
	"fmt"
)

// Action is what the executor does with a classified fault.
type Action int32

const (
	// ActionLogAndContinue skips the current tick and keeps running.
	ActionLogAndContinue Action = iota
	// ActionRetry re-attempts the same tick once inline.
	ActionRetry
	// ActionReject aborts and surfaces the error to the caller.
	ActionReject
	// ActionFailTask aborts and marks the execution FAILED.
	ActionFailTask
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "RETRY"
	case ActionReject:
		return "REJECT"
	case ActionFailTask:
		return "FAIL_TASK"
	default:
		return "LOG_AND_CONTINUE"
	}
}

// ValidationError is bad input or configuration. Action: REJECT.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
	}
	return "validation: " + e.Msg
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// TransientError is a network or broker timeout. Action: RETRY.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps an operation error as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// CriticalError is memory exhaustion or data corruption. Action: FAIL_TASK.
type CriticalError struct {
	Msg string
	Err error
}

func (e *CriticalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("critical: %s: %v", e.Msg, e.Err)
	}
	return "critical: " + e.Msg
}

func (e *CriticalError) Unwrap() error { return e.Err }

// Critical wraps an error as fatal to the execution.
func Critical(msg string, err error) error {
	return &CriticalError{Msg: msg, Err: err}
}

// BusinessLogicError is a strategy-level invalid signal.
// Action: LOG_AND_CONTINUE.
type BusinessLogicError struct {
	Msg string
}

func (e *BusinessLogicError) Error() string { return "business: " + e.Msg }

// Businessf builds a BusinessLogicError.
func Businessf(format string, args ...interface{}) error {
	return &BusinessLogicError{Msg: fmt.Sprintf(format, args...)}
}

// Classify maps an error to its executor action. Unclassified errors
// default to LOG_AND_CONTINUE at the per-tick boundary; the executor's
// outer boundary escalates them to FAIL_TASK itself.
func Classify(err error) Action {
	var (
		ve *ValidationError
		te *TransientError
		ce *CriticalError
		be *BusinessLogicError
	)
	switch {
	case errors.As(err, &ve):
		return ActionReject
	case errors.As(err, &te):
		return ActionRetry
	case errors.As(err, &ce):
		return ActionFailTask
	case errors.As(err, &be):
		return ActionLogAndContinue
	default:
		return ActionLogAndContinue
	}
}
