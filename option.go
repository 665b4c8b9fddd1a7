package capbox

import "time"

// Option configures a single Run call. Options layer on top of the
// sandbox's immutable base policy; they never loosen or tighten other
// runs.
type Option func(*runOptions)

// runOptions holds per-run configuration applied via Option functions.
type runOptions struct {
	timeout          time.Duration
	timeoutSet       bool
	maxViolations    int
	maxViolationsSet bool
	readPaths        []string
	hosts            []string
	virtualFiles     map[string][]byte
	audit            AuditCallback
}

// mergeRunOptions applies per-run Option functions and returns the result.
func mergeRunOptions(opts ...Option) *runOptions {
	ro := &runOptions{}
	for _, opt := range opts {
		opt(ro)
	}
	return ro
}

// WithTimeout overrides the execution budget for a single run. The
// duration must be positive; the budget cannot be disabled.
func WithTimeout(d time.Duration) Option {
	return func(o *runOptions) {
		o.timeout = d
		o.timeoutSet = true
	}
}

// WithMaxViolations overrides the violation threshold for a single run.
// Zero disables the threshold for that run.
func WithMaxViolations(n int) Option {
	return func(o *runOptions) {
		o.maxViolations = n
		o.maxViolationsSet = true
	}
}

// WithReadPaths grants additional allowed read prefixes for a single run.
func WithReadPaths(paths ...string) Option {
	cpy := append([]string(nil), paths...)
	return func(o *runOptions) {
		o.readPaths = append(o.readPaths, cpy...)
	}
}

// WithAllowedHosts grants additional network allowlist patterns for a
// single run.
func WithAllowedHosts(hosts ...string) Option {
	cpy := append([]string(nil), hosts...)
	return func(o *runOptions) {
		o.hosts = append(o.hosts, cpy...)
	}
}

// WithVirtualFile adds or overrides one virtual file for a single run. The
// content is copied to prevent aliasing.
func WithVirtualFile(path string, content []byte) Option {
	cpy := append([]byte(nil), content...)
	return func(o *runOptions) {
		if o.virtualFiles == nil {
			o.virtualFiles = make(map[string][]byte)
		}
		o.virtualFiles[path] = cpy
	}
}

// WithAuditCallback overrides the audit callback for a single run.
func WithAuditCallback(cb AuditCallback) Option {
	return func(o *runOptions) {
		o.audit = cb
	}
}
