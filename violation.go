package capbox

import (
	"time"

	"github.com/google/uuid"
)

// unknownStr is the string representation for unknown enum values.
const unknownStr = "unknown"

// Severity indicates how serious a policy violation is.
type Severity int

const (
	// SeverityLow marks informational violations.
	SeverityLow Severity = iota

	// SeverityMedium marks violations that deny an operation but do not by
	// themselves fail the run.
	SeverityMedium

	// SeverityHigh marks violations that force the run to fail, even when
	// the submitted code catches the capability error.
	SeverityHigh
)

// String returns the string representation of a Severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return unknownStr
	}
}

// ViolationCode is a machine-readable identifier for a violation category,
// intended for programmatic branching. The human-readable description lives
// in Violation.Message.
type ViolationCode string

// Violation codes emitted by the sandbox.
const (
	// CodeDynamicCode is emitted when submitted code attempts runtime code
	// evaluation.
	CodeDynamicCode ViolationCode = "DYNAMIC_CODE"

	// CodeFSDenied is emitted when a read targets a path outside every
	// allowed prefix.
	CodeFSDenied ViolationCode = "FS_DENIED"

	// CodeFSTraversal is emitted when a read uses a traversal sequence that
	// escapes the allowed prefixes even after normalization.
	CodeFSTraversal ViolationCode = "FS_TRAVERSAL"

	// CodeNetDenied is emitted when a fetch targets a host that is not
	// allowlisted.
	CodeNetDenied ViolationCode = "NET_DENIED"

	// CodeMemorySoftLimit is emitted when cumulative allocation exceeds the
	// configured soft limit.
	CodeMemorySoftLimit ViolationCode = "MEMORY_SOFT_LIMIT"

	// CodeTimeout is synthesized by the supervisor when the wall-clock
	// budget is exceeded.
	CodeTimeout ViolationCode = "TIMEOUT"

	// CodeSerializeError is emitted when a return value cannot safely cross
	// the isolation boundary.
	CodeSerializeError ViolationCode = "SERIALIZE_ERROR"

	// CodeViolationThreshold is synthesized by the supervisor when the
	// violation count reaches the configured cap. It is emitted at most
	// once per run.
	CodeViolationThreshold ViolationCode = "VIOLATION_THRESHOLD"
)

// Namespaced type strings for each violation code. Consumers filter on
// these for category-level routing (e.g., everything under "sandbox.fs.").
const (
	typeDynamicCode        = "sandbox.exec.dynamic_code"
	typeFSDenied           = "sandbox.fs.denied"
	typeFSTraversal        = "sandbox.fs.traversal"
	typeNetDenied          = "sandbox.net.denied"
	typeMemorySoftLimit    = "sandbox.mem.soft_limit"
	typeTimeout            = "sandbox.exec.timeout"
	typeSerializeError     = "sandbox.exec.serialize_error"
	typeViolationThreshold = "sandbox.exec.violation_threshold"
)

// Violation is a single recorded instance of policy non-compliance, either
// raised by a capability check or synthesized by the supervisor. Violations
// are append-only; their order reflects causal emission order.
type Violation struct {
	// ID uniquely identifies this event across runs.
	ID string

	// Type is the namespaced category string, e.g. "sandbox.fs.denied".
	Type string

	// Severity is the severity assigned at emission.
	Severity Severity

	// Message is a human-readable description of the violation.
	Message string

	// Metadata carries optional structured context (requested path, host,
	// byte counts, ...).
	Metadata map[string]any

	// Code is the machine-readable violation code.
	Code ViolationCode

	// Time is when the violation was emitted.
	Time time.Time
}

// violationType maps a code to its namespaced type string.
func violationType(code ViolationCode) string {
	switch code {
	case CodeDynamicCode:
		return typeDynamicCode
	case CodeFSDenied:
		return typeFSDenied
	case CodeFSTraversal:
		return typeFSTraversal
	case CodeNetDenied:
		return typeNetDenied
	case CodeMemorySoftLimit:
		return typeMemorySoftLimit
	case CodeTimeout:
		return typeTimeout
	case CodeSerializeError:
		return typeSerializeError
	case CodeViolationThreshold:
		return typeViolationThreshold
	default:
		return "sandbox." + unknownStr
	}
}

// defaultSeverity maps a code to the severity it is emitted with.
// DYNAMIC_CODE and TIMEOUT are the two high-severity categories; a run
// containing either always fails.
func defaultSeverity(code ViolationCode) Severity {
	switch code {
	case CodeDynamicCode, CodeTimeout:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// newViolation constructs a Violation for the given code with the default
// severity and namespaced type.
func newViolation(code ViolationCode, message string, metadata map[string]any) Violation {
	return Violation{
		ID:       uuid.NewString(),
		Type:     violationType(code),
		Severity: defaultSeverity(code),
		Message:  message,
		Metadata: metadata,
		Code:     code,
		Time:     time.Now(),
	}
}

// AuditCallback receives every violation, real or synthetic, exactly once
// and in strict emission order. It is invoked synchronously from the
// supervisor; a slow callback slows the run.
type AuditCallback func(Violation)
