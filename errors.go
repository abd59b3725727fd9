package loom

import (
	"errors"
	"fmt"
)

// Kind classifies runtime errors with a stable string identifier. Kinds are
// part of the public contract: they survive serialization, appear in event
// payloads, and are matched by callers deciding how to react. New kinds may
// be added; existing values never change.
type Kind string

const (
	// KindValidation reports malformed input: bad roles, duplicate tool
	// names, invalid virtual paths, unparseable snapshots.
	KindValidation Kind = "validation"
	// KindExceededMaxRuns reports that an execution mode hit its run budget.
	KindExceededMaxRuns Kind = "exceeded_max_runs"
	// KindExceededFailureCount reports that the retry budget was exhausted.
	KindExceededFailureCount Kind = "exceeded_failure_count"
	// KindInvalidToolName reports a run option referencing a tool that is not
	// in the agent's assembled tool map. Surfaced before any model turn.
	KindInvalidToolName Kind = "invalid_tool_name"
	// KindProviderError reports a chat model failure. Retried up to the
	// chain's retry budget before surfacing.
	KindProviderError Kind = "provider_error"
	// KindToolError reports a tool execution failure. Tool errors are
	// attached to the conversation as is_error tool results so the model can
	// observe and correct them; they surface as errors only when wrapped by
	// infrastructure.
	KindToolError Kind = "tool_error"
	// KindReadonlyViolation reports a mutation attempt on a path owned by a
	// read-only persistence config.
	KindReadonlyViolation Kind = "readonly_violation"
	// KindNotFound reports a missing file, agent, or snapshot. Filesystem
	// deletes treat it as success.
	KindNotFound Kind = "not_found"
	// KindDecisionMismatch reports resume decisions that do not line up with
	// the pending interrupt's action requests.
	KindDecisionMismatch Kind = "decision_mismatch"
)

// Error is the runtime error type. It pairs a stable Kind with a free-form
// message and an optional cause. Use KindOf to classify errors that may be
// wrapped arbitrarily deep.
type Error struct {
	// Kind is the stable classification of the failure.
	Kind Kind
	// Message describes the failure for humans and, for tool errors, for the
	// model.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error of the given kind wrapping a cause.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// ValidationError reports malformed input.
func ValidationError(format string, args ...any) *Error {
	return NewError(KindValidation, format, args...)
}

// ExceededMaxRunsError reports an exhausted run budget.
func ExceededMaxRunsError(runs, max int) *Error {
	return NewError(KindExceededMaxRuns, "run count %d reached max_runs %d", runs, max)
}

// ExceededFailureCountError reports an exhausted retry budget.
func ExceededFailureCountError(failures, max int) *Error {
	return NewError(KindExceededFailureCount, "failure count %d exceeded max_retry_count %d", failures, max)
}

// InvalidToolNameError reports an unknown tool name in run options.
func InvalidToolNameError(name string) *Error {
	return NewError(KindInvalidToolName, "unknown tool %q", name)
}

// ProviderError wraps a chat model failure.
func ProviderError(err error) *Error {
	return WrapError(KindProviderError, err, "model invocation failed")
}

// ToolFailedError wraps a tool execution failure.
func ToolFailedError(name string, err error) *Error {
	return WrapError(KindToolError, err, "tool %q failed", name)
}

// ReadonlyViolationError reports a write to a read-only mount.
func ReadonlyViolationError(path, baseDir string) *Error {
	return NewError(KindReadonlyViolation, "path %q is owned by read-only config %q", path, baseDir)
}

// NotFoundError reports a missing resource.
func NotFoundError(format string, args ...any) *Error {
	return NewError(KindNotFound, format, args...)
}

// DecisionMismatchError reports resume decisions that do not match the
// pending action requests.
func DecisionMismatchError(format string, args ...any) *Error {
	return NewError(KindDecisionMismatch, format, args...)
}

// KindOf returns the Kind of err, unwrapping as needed. Errors that do not
// carry a Kind report the empty string.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
