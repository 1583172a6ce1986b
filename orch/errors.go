package orch

import (
	"errors"
	"fmt"
)

// Graph build error codes. A GraphError is always raised before any step is
// dispatched; it never surfaces mid-run.
const (
	// CodeUnknownRequisite means a step's require entry names a step that
	// does not exist in the same workflow.
	CodeUnknownRequisite = "UNKNOWN_REQUISITE"

	// CodeCyclicDependency means requisite edges form a cycle.
	CodeCyclicDependency = "CYCLIC_DEPENDENCY"
)

// GraphError is a build-time workflow validation failure.
type GraphError struct {
	Code    string
	Step    string
	Message string
}

func (e *GraphError) Error() string {
	if e.Step != "" {
		return e.Code + ": step " + e.Step + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

// IsGraphError reports whether err is a GraphError with the given code.
func IsGraphError(err error, code string) bool {
	var ge *GraphError
	return errors.As(err, &ge) && ge.Code == code
}

// TransportError is a transport-level dispatch fault: the target group was
// unreachable with no partial data. It is retryable up to the dispatcher's
// bounded budget, after which it is downgraded to a failed step result.
// Backend logical failures (callable returned false, nonzero retcode, empty
// target match) are never errors; they are encoded in the StepResult.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ErrFailHard signals that a fail-hard step has failed and the enclosing run
// must stop dispatching new steps. In-flight steps are allowed to drain.
var ErrFailHard = errors.New("fail-hard step failed, aborting run")

// ErrUnknownWorkflow is returned by a WorkflowSource when the named workflow
// cannot be resolved.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// ErrInvalidRetryPolicy indicates a RetryPolicy with invalid configuration.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")
