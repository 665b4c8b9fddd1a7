package capbox

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zhangyunhao116/capbox/internal/hostpat"
	"github.com/zhangyunhao116/capbox/internal/pathsec"
)

const (
	// defaultMaxExecutionDuration is the wall-clock budget applied when the
	// config leaves MaxExecutionDuration at zero.
	defaultMaxExecutionDuration = 5 * time.Second

	// defaultMemorySoftLimit is the cooperative allocation cap used by
	// DefaultConfig (64 MiB).
	defaultMemorySoftLimit = 64 << 20

	// defaultMaxViolations is the violation threshold used by DefaultConfig.
	defaultMaxViolations = 32
)

// Config holds the complete policy for a sandbox. It is validated by New,
// deep-copied, and never mutated afterwards; a Sandbox applies the same
// policy to every run.
type Config struct {
	// AllowedReadPaths lists virtual path prefixes the submitted code may
	// read under. Paths are slash-separated and absolute. An empty list
	// denies every read.
	AllowedReadPaths []string

	// NetworkAllowlist lists hostname patterns the fetch capability may
	// target. Exact hostnames and leading wildcards ("*.example.com") are
	// supported. An empty list denies every fetch.
	NetworkAllowlist []string

	// VirtualFiles maps absolute virtual paths to their content. The
	// virtual file table is the only filesystem submitted code can see.
	VirtualFiles map[string][]byte

	// MaxExecutionDuration is the wall-clock budget for one run. Zero
	// selects the package default (5s); the budget is always enforced.
	MaxExecutionDuration time.Duration

	// MemorySoftLimit caps cumulative bytes requested through the alloc
	// capability. Zero disables the cap.
	MemorySoftLimit int64

	// MaxViolations terminates a run once this many violations have been
	// recorded. Zero disables the threshold.
	MaxViolations int

	// AuditCallback, if set, receives every violation synchronously in
	// emission order.
	AuditCallback AuditCallback

	// Logger is the structured logger for operational messages. If nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with secure defaults: nothing readable,
// nothing fetchable, a 5s budget, a 64 MiB allocation cap, and a violation
// threshold of 32.
func DefaultConfig() *Config {
	return &Config{
		MaxExecutionDuration: defaultMaxExecutionDuration,
		MemorySoftLimit:      defaultMemorySoftLimit,
		MaxViolations:        defaultMaxViolations,
	}
}

// PermissiveConfig returns a Config suitable for trusted development use:
// the whole virtual tree is readable, the budget is generous, and the
// memory cap and violation threshold are disabled. The network allowlist
// stays empty; hosts must always be granted explicitly.
func PermissiveConfig() *Config {
	return &Config{
		AllowedReadPaths:     []string{"/"},
		MaxExecutionDuration: 30 * time.Second,
	}
}

// StrictConfig returns a Config for hostile inputs: a 1s budget, a 16 MiB
// allocation cap, and a violation threshold of 8.
func StrictConfig() *Config {
	return &Config{
		MaxExecutionDuration: time.Second,
		MemorySoftLimit:      16 << 20,
		MaxViolations:        8,
	}
}

// Validate checks the configuration and returns a descriptive error if any
// field is invalid. The returned error wraps ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []string

	errs = c.validateReadPaths(errs)
	errs = c.validateNetwork(errs)
	errs = c.validateVirtualFiles(errs)

	if c.MaxExecutionDuration < 0 {
		errs = append(errs, "MaxExecutionDuration: must be >= 0")
	}
	if c.MemorySoftLimit < 0 {
		errs = append(errs, "MemorySoftLimit: must be >= 0")
	}
	if c.MaxViolations < 0 {
		errs = append(errs, "MaxViolations: must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// validateReadPaths checks allowed read prefixes and appends any validation
// errors to errs.
func (c *Config) validateReadPaths(errs []string) []string {
	for i, p := range c.AllowedReadPaths {
		switch {
		case p == "":
			errs = append(errs, fmt.Sprintf("AllowedReadPaths[%d]: must not be empty", i))
		case pathsec.ContainsNullByte(p):
			errs = append(errs, fmt.Sprintf("AllowedReadPaths[%d]: must not contain null bytes", i))
		case !strings.HasPrefix(p, "/"):
			errs = append(errs, fmt.Sprintf("AllowedReadPaths[%d]: %q must be absolute", i, p))
		}
	}
	return errs
}

// validateNetwork checks allowlist patterns and appends any validation
// errors to errs.
func (c *Config) validateNetwork(errs []string) []string {
	for i, h := range c.NetworkAllowlist {
		if err := hostpat.Validate(h); err != nil {
			errs = append(errs, fmt.Sprintf("NetworkAllowlist[%d]: %v", i, err))
		}
	}
	return errs
}

// validateVirtualFiles checks virtual file paths and appends any validation
// errors to errs.
func (c *Config) validateVirtualFiles(errs []string) []string {
	for p := range c.VirtualFiles {
		switch {
		case p == "":
			errs = append(errs, "VirtualFiles: path must not be empty")
		case pathsec.ContainsNullByte(p):
			errs = append(errs, fmt.Sprintf("VirtualFiles[%q]: must not contain null bytes", p))
		case !strings.HasPrefix(p, "/"):
			errs = append(errs, fmt.Sprintf("VirtualFiles[%q]: must be absolute", p))
		}
	}
	return errs
}

// deepCopyConfig returns a copy of cfg with all slice and map fields
// deep-copied to prevent aliasing. AuditCallback and Logger are shared by
// reference intentionally.
func deepCopyConfig(cfg *Config) Config {
	cfgCopy := *cfg
	cfgCopy.AllowedReadPaths = append([]string(nil), cfg.AllowedReadPaths...)
	cfgCopy.NetworkAllowlist = append([]string(nil), cfg.NetworkAllowlist...)
	if cfg.VirtualFiles != nil {
		vfs := make(map[string][]byte, len(cfg.VirtualFiles))
		for p, content := range cfg.VirtualFiles {
			vfs[p] = append([]byte(nil), content...)
		}
		cfgCopy.VirtualFiles = vfs
	}
	return cfgCopy
}

// runPolicy is the fully resolved, normalized policy one run executes
// under: the sandbox config merged with per-run options, paths normalized,
// and host patterns compiled.
type runPolicy struct {
	readPaths       []string
	hosts           []hostpat.Pattern
	vfs             map[string][]byte
	timeout         time.Duration
	memorySoftLimit int64
	maxViolations   int
	audit           AuditCallback
	logger          *slog.Logger
}

// resolvePolicy merges the sandbox config with per-run options into a
// runPolicy. Per-run additions are validated the same way the base config
// was; a bad option fails the run before an execution context is spawned.
func resolvePolicy(cfg *Config, ro *runOptions) (*runPolicy, error) {
	readPaths := make([]string, 0, len(cfg.AllowedReadPaths)+len(ro.readPaths))
	for _, p := range append(append([]string(nil), cfg.AllowedReadPaths...), ro.readPaths...) {
		n := pathsec.Normalize(p)
		if !strings.HasPrefix(n, "/") {
			return nil, fmt.Errorf("%w: read path %q must be absolute", ErrConfigInvalid, p)
		}
		readPaths = append(readPaths, n)
	}

	hosts, err := hostpat.CompileAll(append(append([]string(nil), cfg.NetworkAllowlist...), ro.hosts...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	vfs := make(map[string][]byte, len(cfg.VirtualFiles)+len(ro.virtualFiles))
	for p, content := range cfg.VirtualFiles {
		vfs[pathsec.Normalize(p)] = append([]byte(nil), content...)
	}
	for p, content := range ro.virtualFiles {
		n := pathsec.Normalize(p)
		if !strings.HasPrefix(n, "/") {
			return nil, fmt.Errorf("%w: virtual file path %q must be absolute", ErrConfigInvalid, p)
		}
		vfs[n] = append([]byte(nil), content...)
	}

	pol := &runPolicy{
		readPaths:       readPaths,
		hosts:           hosts,
		vfs:             vfs,
		timeout:         cfg.MaxExecutionDuration,
		memorySoftLimit: cfg.MemorySoftLimit,
		maxViolations:   cfg.MaxViolations,
		audit:           cfg.AuditCallback,
		logger:          cfg.Logger,
	}
	if pol.timeout <= 0 {
		pol.timeout = defaultMaxExecutionDuration
	}
	if ro.timeoutSet {
		if ro.timeout <= 0 {
			return nil, fmt.Errorf("%w: WithTimeout: must be > 0", ErrConfigInvalid)
		}
		pol.timeout = ro.timeout
	}
	if ro.maxViolationsSet {
		if ro.maxViolations < 0 {
			return nil, fmt.Errorf("%w: WithMaxViolations: must be >= 0", ErrConfigInvalid)
		}
		pol.maxViolations = ro.maxViolations
	}
	if ro.audit != nil {
		pol.audit = ro.audit
	}
	if pol.logger == nil {
		pol.logger = slog.Default()
	}
	return pol, nil
}
