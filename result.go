package capbox

import "time"

// RunState is the terminal state of a run's lifecycle state machine.
type RunState string

// Terminal run states. Each run ends in exactly one of these.
const (
	// StateCompleted means the submitted code returned and its value
	// crossed the boundary. A completed run can still be unsuccessful when
	// a high-severity violation was recorded along the way.
	StateCompleted RunState = "completed"

	// StateTimeout means the wall-clock budget expired.
	StateTimeout RunState = "failed_timeout"

	// StateThreshold means the violation count reached the configured cap.
	StateThreshold RunState = "failed_threshold"

	// StateRuntimeError means the submitted code returned an error,
	// panicked, or the caller's context was cancelled.
	StateRuntimeError RunState = "failed_runtime"

	// StateSerializeError means the return value could not safely cross
	// the isolation boundary.
	StateSerializeError RunState = "failed_serialize"
)

// RunResult holds the immutable outcome of one sandboxed run. It is
// assembled exclusively by the supervisor after the violation list is
// fully populated, and never mutated afterwards.
type RunResult struct {
	// RunID uniquely identifies the run.
	RunID string

	// Success reports whether the run completed, its return value was
	// transferable, and no high-severity violation was recorded.
	Success bool

	// Err describes why the run failed. Nil when Success is true.
	Err error

	// Violations is the ordered, immutable snapshot of every violation
	// recorded during the run, real and synthetic.
	Violations []Violation

	// Duration is the wall-clock time the run took.
	Duration time.Duration

	// ReturnValue is the submitted code's return value. Present only when
	// Success is true.
	ReturnValue any

	// State is the terminal state of the run's state machine.
	State RunState

	// AllocatedBytes is the final relayed value of the run's cumulative
	// allocation counter. For terminated runs it reflects the last count
	// the execution context reported before termination.
	AllocatedBytes int64
}

// HasViolation reports whether any recorded violation carries the given
// code.
func (r *RunResult) HasViolation(code ViolationCode) bool {
	for _, v := range r.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// ViolationCount returns the number of recorded violations with the given
// code.
func (r *RunResult) ViolationCount(code ViolationCode) int {
	n := 0
	for _, v := range r.Violations {
		if v.Code == code {
			n++
		}
	}
	return n
}

// MaxSeverity returns the highest severity among recorded violations, or
// SeverityLow when there are none.
func (r *RunResult) MaxSeverity() Severity {
	max := SeverityLow
	for _, v := range r.Violations {
		if v.Severity > max {
			max = v.Severity
		}
	}
	return max
}
