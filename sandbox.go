package capbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhangyunhao116/capbox/internal/transfer"
)

// Code is one unit of submitted code: a callable that receives the
// Capability API and returns a value. It runs inside an isolated execution
// context; the ctx it receives is cancelled the moment the supervisor
// terminates the run.
type Code func(ctx context.Context, caps Capabilities) (any, error)

// Sandbox executes submitted code under an enforced policy. Construct it
// with New, run code sequentially with Run, and end its life with Dispose.
// A Sandbox does not support concurrent overlapping runs; Run serializes
// callers.
type Sandbox struct {
	mu       sync.Mutex // serializes runs and guards disposed
	disposed bool
	cfg      Config
	logger   *slog.Logger
}

// New creates a Sandbox with the given policy. The configuration is
// validated and deep-copied; the sandbox never observes later mutations of
// cfg.
func New(cfg *Config) (*Sandbox, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfgCopy := deepCopyConfig(cfg)
	if cfgCopy.MaxExecutionDuration == 0 {
		cfgCopy.MaxExecutionDuration = defaultMaxExecutionDuration
	}

	logger := cfgCopy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sandbox{cfg: cfgCopy, logger: logger}, nil
}

// Run executes one unit of submitted code and returns its RunResult. The
// returned error is non-nil only for usage errors — a disposed sandbox,
// nil code, or an invalid per-run option — in which case no execution
// context is spawned. Every run-level failure mode (timeout, threshold,
// runtime error, serialization failure, high-severity violation) is
// reported inside the RunResult, never as a returned error.
func (s *Sandbox) Run(ctx context.Context, code Code, opts ...Option) (*RunResult, error) {
	if code == nil {
		return nil, ErrNilCode
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrSandboxDisposed
	}

	policy, err := resolvePolicy(&s.cfg, mergeRunOptions(opts...))
	if err != nil {
		return nil, err
	}

	return s.supervise(ctx, policy, code), nil
}

// Dispose terminates the sandbox. It is idempotent; after it returns,
// every Run call fails immediately with ErrSandboxDisposed and no
// execution context is spawned. An in-progress run completes before
// disposal takes effect.
func (s *Sandbox) Dispose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil
	}
	s.disposed = true
	s.logger.Debug("sandbox disposed")
	return nil
}

// Policy returns a defensive copy of the sandbox's active configuration.
func (s *Sandbox) Policy() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopyConfig(&s.cfg)
}

// supervise owns the per-run control loop. It spawns the execution
// context, then races three conditions — message arrival, the deadline
// timer, and the violation threshold — and assembles the immutable
// RunResult once the run reaches a terminal state.
func (s *Sandbox) supervise(ctx context.Context, policy *runPolicy, code Code) *RunResult {
	start := time.Now()
	res := &RunResult{RunID: uuid.NewString()}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Debug("run started", "run_id", res.RunID, "timeout", policy.timeout)

	ch := startExecutor(execCtx, policy, code)
	timer := time.NewTimer(policy.timeout)
	defer timer.Stop()

	var violations []Violation
	record := func(v Violation) {
		violations = append(violations, v)
		if policy.audit != nil {
			policy.audit(v)
		}
	}

	// thresholdFired guards against emitting VIOLATION_THRESHOLD twice:
	// once from the per-violation check here and once defensively from any
	// later pass over the list. At most one synthetic threshold event
	// exists per run.
	thresholdFired := false

loop:
	for {
		select {
		case m := <-ch:
			res.AllocatedBytes = m.allocated

			if m.violation != nil {
				record(*m.violation)
				if policy.maxViolations > 0 && len(violations) >= policy.maxViolations && !thresholdFired {
					thresholdFired = true
					record(newViolation(CodeViolationThreshold,
						fmt.Sprintf("violation count reached configured cap of %d", policy.maxViolations),
						map[string]any{"count": len(violations), "max": policy.maxViolations}))
					cancel()
					res.State = StateThreshold
					res.Err = &TerminatedError{Code: CodeViolationThreshold, Reason: "violation threshold reached"}
					s.logger.Warn("run terminated: violation threshold reached", "run_id", res.RunID, "count", len(violations))
					break loop
				}
				continue
			}

			// Terminal message: the submitted code finished on its own.
			if m.err != nil {
				res.State = StateRuntimeError
				res.Err = m.err
				break loop
			}
			if err := transfer.Check(m.value); err != nil {
				record(newViolation(CodeSerializeError,
					"return value cannot safely cross the isolation boundary",
					map[string]any{"reason": err.Error()}))
				res.State = StateSerializeError
				res.Err = &TerminatedError{Code: CodeSerializeError, Reason: "return value is not transferable"}
				break loop
			}
			res.State = StateCompleted
			res.ReturnValue = m.value
			break loop

		case <-timer.C:
			record(newViolation(CodeTimeout,
				fmt.Sprintf("execution exceeded wall-clock budget of %v", policy.timeout),
				map[string]any{"budget_ms": policy.timeout.Milliseconds()}))
			cancel()
			res.State = StateTimeout
			res.Err = &TerminatedError{Code: CodeTimeout, Reason: fmt.Sprintf("execution exceeded %v budget", policy.timeout)}
			s.logger.Warn("run terminated: deadline exceeded", "run_id", res.RunID, "budget", policy.timeout)
			break loop

		case <-ctx.Done():
			cancel()
			res.State = StateRuntimeError
			res.Err = ctx.Err()
			break loop
		}
	}

	// High-severity violations are never silently tolerated: they force
	// failure even when the code completed and returned a clean value.
	success := res.State == StateCompleted && res.Err == nil
	if success {
		for i := range violations {
			if violations[i].Severity == SeverityHigh {
				success = false
				res.Err = &TerminatedError{
					Code:   violations[i].Code,
					Reason: fmt.Sprintf("high-severity violation recorded: %s", violations[i].Code),
				}
				break
			}
		}
	}
	if !success {
		res.ReturnValue = nil
	}

	res.Success = success
	res.Violations = append([]Violation(nil), violations...)
	res.Duration = time.Since(start)

	s.logger.Debug("run finished",
		"run_id", res.RunID,
		"state", res.State,
		"success", res.Success,
		"violations", len(res.Violations),
		"duration", res.Duration)
	return res
}

// Run is a convenience function that executes code in a throwaway sandbox
// using DefaultConfig and disposes it afterwards.
func Run(ctx context.Context, code Code, opts ...Option) (*RunResult, error) {
	sb, err := New(DefaultConfig())
	if err != nil {
		return nil, err
	}
	defer func() { logDisposeErr(sb.Dispose(context.WithoutCancel(ctx))) }()
	return sb.Run(ctx, code, opts...)
}

// logDisposeErr logs disposal errors from the convenience function as a
// best-effort via the default logger.
func logDisposeErr(err error) {
	if err != nil {
		slog.Debug("capbox: dispose error", "err", err)
	}
}
