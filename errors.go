package capbox

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the capbox package.
var (
	// ErrSandboxDisposed indicates the sandbox has already been disposed.
	ErrSandboxDisposed = errors.New("capbox: sandbox already disposed")

	// ErrConfigInvalid indicates the provided configuration failed validation.
	ErrConfigInvalid = errors.New("capbox: invalid configuration")

	// ErrNilCode indicates a nil Code was passed to Run.
	ErrNilCode = errors.New("capbox: code must not be nil")

	// ErrCapabilityDenied indicates a capability call was rejected by policy.
	ErrCapabilityDenied = errors.New("capbox: capability denied by policy")

	// ErrFileNotFound indicates the requested path has no virtual content.
	// A not-found read inside an allowed prefix is a plain failure, not a
	// policy violation.
	ErrFileNotFound = errors.New("capbox: virtual file not found")

	// ErrRunTerminated indicates the supervisor terminated the run before
	// the submitted code completed.
	ErrRunTerminated = errors.New("capbox: run terminated by supervisor")
)

// CapabilityError is returned to submitted code when a capability call is
// denied. It wraps ErrCapabilityDenied so that errors.Is(err,
// ErrCapabilityDenied) still works. Catching it inside submitted code does
// not erase the recorded violation.
type CapabilityError struct {
	// Code identifies the violation that the denial recorded.
	Code ViolationCode
	// Op is the capability operation that was denied (e.g., "readFile").
	Op string
	// Target is the path, host, or size the operation was invoked with.
	Target string
	// Reason explains why the operation was denied.
	Reason string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %s %q: %s", ErrCapabilityDenied.Error(), e.Op, e.Target, e.Reason)
}

func (e *CapabilityError) Unwrap() error {
	return ErrCapabilityDenied
}

// TerminatedError populates RunResult.Err when the supervisor ends a run
// on its own authority (timeout, violation threshold, serialization
// failure, or high-severity escalation). It wraps ErrRunTerminated so that
// errors.Is(err, ErrRunTerminated) still works.
type TerminatedError struct {
	// Code identifies the synthetic or escalated violation that ended the run.
	Code ViolationCode
	// Reason explains why the run was terminated.
	Reason string
}

func (e *TerminatedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRunTerminated.Error(), e.Reason)
}

func (e *TerminatedError) Unwrap() error {
	return ErrRunTerminated
}
