package capbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestSandbox(t *testing.T, cfg *Config) *Sandbox {
	t.Helper()
	sb, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = sb.Dispose(context.Background()) })
	return sb
}

func TestRunAllowedRead(t *testing.T) {
	sb := newTestSandbox(t, &Config{
		AllowedReadPaths:     []string{"/allowed"},
		MaxExecutionDuration: 100 * time.Millisecond,
		VirtualFiles: map[string][]byte{
			"/allowed/config.json": []byte(`{"ok":true}`),
		},
	})

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		b, err := caps.ReadFile("/allowed/config.json")
		if err != nil {
			return nil, err
		}
		return string(b), nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if !res.Success {
		t.Errorf("Success = false, want true (err: %v)", res.Err)
	}
	if res.State != StateCompleted {
		t.Errorf("State = %q, want %q", res.State, StateCompleted)
	}
	if len(res.Violations) != 0 {
		t.Errorf("Violations = %v, want none", res.Violations)
	}
	if res.ReturnValue != `{"ok":true}` {
		t.Errorf("ReturnValue = %v", res.ReturnValue)
	}
	if res.RunID == "" {
		t.Error("RunID must be set")
	}
	if res.Duration <= 0 {
		t.Error("Duration must be positive")
	}
}

func TestRunDeniedReadRecordsViolation(t *testing.T) {
	sb := newTestSandbox(t, &Config{
		AllowedReadPaths:     []string{"/allowed"},
		MaxExecutionDuration: 100 * time.Millisecond,
	})

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		if _, err := caps.ReadFile("/blocked/secret.env"); err == nil {
			t.Error("read outside allowed prefixes must fail")
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if !res.Success {
		t.Errorf("medium-severity violation must not fail the run: %v", res.Err)
	}
	if got := res.ViolationCount(CodeFSDenied); got != 1 {
		t.Errorf("FS_DENIED count = %d, want 1", got)
	}
	if res.Violations[0].Type != "sandbox.fs.denied" {
		t.Errorf("Type = %q, want sandbox.fs.denied", res.Violations[0].Type)
	}
}

func TestRunViolationThreshold(t *testing.T) {
	sb := newTestSandbox(t, &Config{
		AllowedReadPaths:     []string{"/allowed"},
		MaxExecutionDuration: time.Second,
		MaxViolations:        1,
	})

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		_, _ = caps.ReadFile("/blocked/a")
		_, _ = caps.Eval("1+1")
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.State != StateThreshold {
		t.Errorf("State = %q, want %q", res.State, StateThreshold)
	}
	if !res.HasViolation(CodeFSDenied) {
		t.Error("the triggering FS_DENIED violation must be recorded")
	}
	if got := res.ViolationCount(CodeViolationThreshold); got != 1 {
		t.Errorf("VIOLATION_THRESHOLD count = %d, want exactly 1", got)
	}
	if !errors.Is(res.Err, ErrRunTerminated) {
		t.Errorf("Err = %v, want ErrRunTerminated", res.Err)
	}
}

func TestRunThresholdFiresOnce(t *testing.T) {
	sb := newTestSandbox(t, &Config{
		MaxExecutionDuration: time.Second,
		MaxViolations:        2,
	})

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		for i := 0; i < 10; i++ {
			_, _ = caps.ReadFile("/blocked/x")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := res.ViolationCount(CodeViolationThreshold); got != 1 {
		t.Errorf("VIOLATION_THRESHOLD count = %d, want exactly 1", got)
	}
	if res.State != StateThreshold {
		t.Errorf("State = %q, want %q", res.State, StateThreshold)
	}
}

func TestRunTimeout(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "never", nil
		}
	}, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.State != StateTimeout {
		t.Errorf("State = %q, want %q", res.State, StateTimeout)
	}
	if !res.HasViolation(CodeTimeout) {
		t.Error("TIMEOUT violation must be recorded")
	}
	if res.MaxSeverity() != SeverityHigh {
		t.Errorf("MaxSeverity = %v, want high", res.MaxSeverity())
	}
	if res.ReturnValue != nil {
		t.Errorf("ReturnValue = %v, want nil on failure", res.ReturnValue)
	}
}

func TestRunHighSeverityForcesFailure(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())

	// The code swallows the eval denial and returns a clean value; the
	// recorded high-severity violation still fails the run.
	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		_, _ = caps.Eval("require('fs')")
		return "clean", nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Success {
		t.Error("Success = true, want false after high-severity violation")
	}
	if res.State != StateCompleted {
		t.Errorf("State = %q, want %q", res.State, StateCompleted)
	}
	if !res.HasViolation(CodeDynamicCode) {
		t.Error("DYNAMIC_CODE violation must be recorded")
	}
	if res.ReturnValue != nil {
		t.Error("ReturnValue must be withheld on failure")
	}
	if !errors.Is(res.Err, ErrRunTerminated) {
		t.Errorf("Err = %v, want ErrRunTerminated", res.Err)
	}
}

func TestRunRuntimeError(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())

	wantErr := errors.New("boom")
	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		return nil, wantErr
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.State != StateRuntimeError {
		t.Errorf("State = %q, want %q", res.State, StateRuntimeError)
	}
	if !errors.Is(res.Err, wantErr) {
		t.Errorf("Err = %v, want %v", res.Err, wantErr)
	}
}

func TestRunPanicRecovered(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		panic("deliberate")
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.State != StateRuntimeError {
		t.Errorf("State = %q, want %q", res.State, StateRuntimeError)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "panicked") {
		t.Errorf("Err = %v, want panic description", res.Err)
	}
}

func TestRunSerializeError(t *testing.T) {
	type node struct {
		Next *node
	}

	sb := newTestSandbox(t, DefaultConfig())

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		n := &node{}
		n.Next = n
		return n, nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.State != StateSerializeError {
		t.Errorf("State = %q, want %q", res.State, StateSerializeError)
	}
	if !res.HasViolation(CodeSerializeError) {
		t.Error("SERIALIZE_ERROR violation must be recorded")
	}
	if res.ReturnValue != nil {
		t.Error("an untransferable value must not cross the boundary")
	}
}

func TestRunCallerContextCancel(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := sb.Run(ctx, func(ctx context.Context, caps Capabilities) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.Success {
		t.Error("Success = true, want false")
	}
	if res.State != StateRuntimeError {
		t.Errorf("State = %q, want %q", res.State, StateRuntimeError)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", res.Err)
	}
}

func TestRunAllocatedBytes(t *testing.T) {
	sb := newTestSandbox(t, &Config{
		MaxExecutionDuration: time.Second,
		MemorySoftLimit:      1 << 20,
	})

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		if err := caps.Alloc(1000); err != nil {
			return nil, err
		}
		if err := caps.Alloc(500); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if res.AllocatedBytes != 1500 {
		t.Errorf("AllocatedBytes = %d, want 1500", res.AllocatedBytes)
	}
}

func TestRunMemorySoftLimit(t *testing.T) {
	sb := newTestSandbox(t, &Config{
		MaxExecutionDuration: time.Second,
		MemorySoftLimit:      1024,
	})

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		if err := caps.Alloc(512); err != nil {
			return nil, err
		}
		err := caps.Alloc(1024)
		if err == nil {
			t.Error("allocation over the soft limit must fail")
		}
		var capErr *CapabilityError
		if !errors.As(err, &capErr) || capErr.Code != CodeMemorySoftLimit {
			t.Errorf("error = %v, want *CapabilityError with MEMORY_SOFT_LIMIT", err)
		}
		return "survived", nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	// The soft limit is cooperative: exceeding it denies the call and
	// records a violation, but does not by itself fail the run.
	if !res.Success {
		t.Errorf("Success = false: %v", res.Err)
	}
	if !res.HasViolation(CodeMemorySoftLimit) {
		t.Error("MEMORY_SOFT_LIMIT violation must be recorded")
	}
	if res.AllocatedBytes != 1536 {
		t.Errorf("AllocatedBytes = %d, want 1536", res.AllocatedBytes)
	}
}

func TestRunAuditCallbackOrder(t *testing.T) {
	var seen []Violation
	cfg := DefaultConfig()
	cfg.AuditCallback = func(v Violation) { seen = append(seen, v) }
	sb := newTestSandbox(t, cfg)

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		_, _ = caps.ReadFile("/blocked/one")
		_, _ = caps.Fetch("https://evil.example.net/")
		_, _ = caps.ReadFile("/blocked/two")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(seen) != len(res.Violations) {
		t.Fatalf("callback saw %d violations, result has %d", len(seen), len(res.Violations))
	}
	for i := range seen {
		if seen[i].ID != res.Violations[i].ID {
			t.Errorf("callback order diverges at %d: %q vs %q", i, seen[i].ID, res.Violations[i].ID)
		}
	}
	wantCodes := []ViolationCode{CodeFSDenied, CodeNetDenied, CodeFSDenied}
	for i, want := range wantCodes {
		if seen[i].Code != want {
			t.Errorf("violation %d code = %q, want %q", i, seen[i].Code, want)
		}
	}
}

func TestRunPerRunOptions(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		b, err := caps.ReadFile("/scratch/input.txt")
		if err != nil {
			return nil, err
		}
		return string(b), nil
	},
		WithReadPaths("/scratch"),
		WithVirtualFile("/scratch/input.txt", []byte("per-run")),
	)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Success {
		t.Fatalf("run failed: %v", res.Err)
	}
	if res.ReturnValue != "per-run" {
		t.Errorf("ReturnValue = %v, want per-run", res.ReturnValue)
	}

	// Options do not leak into later runs.
	res, err = sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		_, err := caps.ReadFile("/scratch/input.txt")
		return nil, err
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Success {
		t.Error("per-run grant must not persist across runs")
	}
}

func TestRunInvalidOption(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())

	tests := []struct {
		name string
		opt  Option
	}{
		{"relative read path", WithReadPaths("relative/path")},
		{"zero timeout", WithTimeout(0)},
		{"negative timeout", WithTimeout(-time.Second)},
		{"negative max violations", WithMaxViolations(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
				return nil, nil
			}, tt.opt)
			if !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("Run() error = %v, want ErrConfigInvalid", err)
			}
		})
	}
}

func TestRunNilCode(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())

	if _, err := sb.Run(context.Background(), nil); !errors.Is(err, ErrNilCode) {
		t.Errorf("Run(nil) error = %v, want ErrNilCode", err)
	}
}

func TestDispose(t *testing.T) {
	sb := newTestSandbox(t, DefaultConfig())
	ctx := context.Background()

	if err := sb.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() error: %v", err)
	}
	if err := sb.Dispose(ctx); err != nil {
		t.Errorf("second Dispose() error: %v, want nil", err)
	}

	if _, err := sb.Run(ctx, func(ctx context.Context, caps Capabilities) (any, error) {
		return nil, nil
	}); !errors.Is(err, ErrSandboxDisposed) {
		t.Errorf("Run() after Dispose error = %v, want ErrSandboxDisposed", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("New(nil) error = %v, want ErrConfigInvalid", err)
	}

	if _, err := New(&Config{AllowedReadPaths: []string{"relative"}}); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("New() with relative path error = %v, want ErrConfigInvalid", err)
	}
}

func TestPolicyReturnsCopy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedReadPaths = []string{"/allowed"}
	sb := newTestSandbox(t, cfg)

	pol := sb.Policy()
	pol.AllowedReadPaths[0] = "/mutated"

	if got := sb.Policy().AllowedReadPaths[0]; got != "/allowed" {
		t.Errorf("Policy() must return a copy; got %q after mutation", got)
	}
}

func TestPackageLevelRun(t *testing.T) {
	res, err := Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !res.Success || res.ReturnValue != 42 {
		t.Errorf("result = %+v, want success with 42", res)
	}
}

func TestRunFetch(t *testing.T) {
	sb := newTestSandbox(t, &Config{
		NetworkAllowlist:     []string{"api.example.com", "*.internal.example.org"},
		MaxExecutionDuration: time.Second,
	})

	res, err := sb.Run(context.Background(), func(ctx context.Context, caps Capabilities) (any, error) {
		resp, err := caps.Fetch("https://api.example.com/v1/data")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != 200 {
			t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
		}
		if resp.Host != "api.example.com" {
			t.Errorf("Host = %q", resp.Host)
		}

		if _, err := caps.Fetch("https://other.example.com/"); err == nil {
			t.Error("fetch of non-allowlisted host must fail")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if got := res.ViolationCount(CodeNetDenied); got != 1 {
		t.Errorf("NET_DENIED count = %d, want 1", got)
	}
}
