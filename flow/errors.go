// Package flow provides the core execution engine for ProcFlow-Go:
// the procedure intermediate representation, per-node executors, the
// graph runner, and the in-process coordination primitives (rate
// limiting, cancellation) that drive durable workflow runs.
package flow

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that retry policies, error handlers, and
// the API boundary can react without inspecting error strings.
//
// Kinds are stable identifiers, not Go types. They travel in event
// payloads and in the `error_handlers` configuration of a node.
type Kind string

const (
	// KindValidation indicates a malformed procedure definition or bad
	// input variables. Never retryable.
	KindValidation Kind = "validation"

	// KindNoExecutor indicates no registered agent matched the step's
	// (channel, action) pair and no fallback tool server was configured.
	// Never retryable.
	KindNoExecutor Kind = "no-executor"

	// KindDispatch indicates an HTTP transport failure, a non-2xx
	// response, or an undecodable response envelope. Retryable.
	KindDispatch Kind = "dispatch"

	// KindAgentError indicates the agent answered with status="error".
	// Retryable.
	KindAgentError Kind = "agent-error"

	// KindRateLimit indicates the per-procedure token bucket could not
	// supply a token before the deadline.
	KindRateLimit Kind = "rate-limit"

	// KindLeaseTimeout indicates a resource lease could not be acquired
	// within the configured budget.
	KindLeaseTimeout Kind = "lease-timeout"

	// KindCancelled indicates the run was cooperatively cancelled at a
	// step boundary.
	KindCancelled Kind = "cancelled"

	// KindApprovalTimeout indicates a human approval expired before a
	// decision arrived.
	KindApprovalTimeout Kind = "approval-timeout"

	// KindInternal indicates a bug or an unexpected condition.
	KindInternal Kind = "internal"
)

// Error is the structured error produced by the engine. It carries the
// failure kind plus the node/step coordinates where it occurred.
type Error struct {
	Kind   Kind
	Msg    string
	NodeID string
	StepID string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := string(e.Kind) + ": " + e.Msg
	if e.NodeID != "" {
		s += " (node=" + e.NodeID
		if e.StepID != "" {
			s += " step=" + e.StepID
		}
		s += ")"
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Cause }

// Errorf constructs a *Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report KindInternal; context cancellation reports KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrRunCancelled) {
		return KindCancelled
	}
	return KindInternal
}

// Retryable reports whether the per-step retry loop may retry this
// error. Only transport-level and agent-reported failures are
// retryable; validation, resolution, and cancellation are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindDispatch, KindAgentError, KindRateLimit, KindLeaseTimeout:
		return true
	default:
		return false
	}
}

// ErrRunCancelled is the sentinel raised at a step boundary when the
// run's cancellation flag has been observed. The sequence executor
// unwinds, the worker marks the run canceled and the job done.
var ErrRunCancelled = errors.New("run cancelled")

// ErrMaxStepsExceeded indicates the runner reached its node-visit limit
// without the run terminating. Guards against graphs that loop forever.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")
