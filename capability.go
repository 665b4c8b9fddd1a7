package capbox

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/zhangyunhao116/capbox/internal/hostpat"
	"github.com/zhangyunhao116/capbox/internal/pathsec"
)

// Capabilities is the fixed operation set exposed to sandboxed code. Every
// operation is independently checked against the run's policy; a denial
// both fails the call with a *CapabilityError and records a violation that
// the submitted code cannot suppress by catching the error.
type Capabilities interface {
	// ReadFile returns the content of a virtual file. The path is
	// normalized before any policy comparison, so traversal sequences and
	// encoding tricks cannot bypass the prefix check.
	ReadFile(path string) ([]byte, error)

	// ListFiles enumerates virtual paths under the given prefix, sorted.
	// Only paths inside the allowed read prefixes are visible; names of
	// unreadable files do not leak. Listing is read-only metadata access
	// and never records a violation.
	ListFiles(prefix string) ([]string, error)

	// Fetch checks the URL's host against the network allowlist. Allowed
	// fetches return a policy-compliant stub response; this layer enforces
	// policy, not transport.
	Fetch(rawURL string) (*FetchResponse, error)

	// Alloc adds n bytes to the run's cumulative allocation counter and
	// fails once the counter exceeds the configured soft limit.
	Alloc(n int64) error

	// Eval is the dynamic code evaluation guard: it unconditionally records
	// a high-severity violation and fails. It exists so submissions that
	// reach for runtime evaluation are audited rather than silently lacking
	// the facility.
	Eval(src string) (any, error)
}

// FetchResponse is the stub result of an allowed fetch.
type FetchResponse struct {
	// URL is the URL the fetch was invoked with.
	URL string

	// Host is the normalized hostname that matched the allowlist.
	Host string

	// StatusCode is http.StatusOK for every allowed fetch.
	StatusCode int

	// Body is empty; real transport belongs to the host process.
	Body []byte
}

// capSet implements Capabilities for one run. It lives entirely on the
// execution-context side of the boundary: it owns the allocation counter
// and relays violations (with the current counter) to the supervisor over
// the run's message channel.
type capSet struct {
	policy    *runPolicy
	allocated int64
	send      func(runMessage) bool
}

func newCapSet(policy *runPolicy, send func(runMessage) bool) *capSet {
	return &capSet{policy: policy, send: send}
}

// emit relays a violation to the supervisor. If the run has already been
// terminated the send is abandoned; the capability call still fails at the
// call site.
func (c *capSet) emit(code ViolationCode, message string, metadata map[string]any) {
	v := newViolation(code, message, metadata)
	c.send(runMessage{violation: &v, allocated: c.allocated})
}

func (c *capSet) ReadFile(path string) ([]byte, error) {
	if pathsec.ContainsNullByte(path) {
		c.emit(CodeFSDenied, "read of path with null byte denied", map[string]any{"path": pathsec.Normalize(path)})
		return nil, &CapabilityError{Code: CodeFSDenied, Op: "readFile", Target: path, Reason: "path contains null byte"}
	}

	norm := pathsec.Normalize(path)
	if pathsec.UnderAnyPrefix(norm, c.policy.readPaths) {
		content, ok := c.policy.vfs[norm]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, norm)
		}
		return append([]byte(nil), content...), nil
	}

	if pathsec.HasParentRef(norm) {
		c.emit(CodeFSTraversal, fmt.Sprintf("read of %q denied: traversal escapes allowed prefixes", path), map[string]any{"path": path, "normalized": norm})
		return nil, &CapabilityError{Code: CodeFSTraversal, Op: "readFile", Target: path, Reason: "traversal sequence escapes allowed prefixes"}
	}

	c.emit(CodeFSDenied, fmt.Sprintf("read of %q denied: outside allowed prefixes", norm), map[string]any{"path": norm})
	return nil, &CapabilityError{Code: CodeFSDenied, Op: "readFile", Target: path, Reason: "path outside allowed prefixes"}
}

func (c *capSet) ListFiles(prefix string) ([]string, error) {
	norm := pathsec.Normalize(prefix)
	var out []string
	for p := range c.policy.vfs {
		if pathsec.UnderPrefix(p, norm) && pathsec.UnderAnyPrefix(p, c.policy.readPaths) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *capSet) Fetch(rawURL string) (*FetchResponse, error) {
	u, err := url.Parse(rawURL)
	var host string
	if err == nil {
		host = u.Hostname()
	}
	if host == "" {
		c.emit(CodeNetDenied, fmt.Sprintf("fetch of %q denied: no resolvable host", rawURL), map[string]any{"url": rawURL})
		return nil, &CapabilityError{Code: CodeNetDenied, Op: "fetch", Target: rawURL, Reason: "URL has no resolvable host"}
	}

	norm, err := hostpat.Normalize(host)
	if err != nil {
		c.emit(CodeNetDenied, fmt.Sprintf("fetch of %q denied: %v", rawURL, err), map[string]any{"url": rawURL, "host": host})
		return nil, &CapabilityError{Code: CodeNetDenied, Op: "fetch", Target: rawURL, Reason: err.Error()}
	}

	if !hostpat.MatchAny(norm, c.policy.hosts) {
		c.emit(CodeNetDenied, fmt.Sprintf("fetch of host %q denied: not allowlisted", norm), map[string]any{"url": rawURL, "host": norm})
		return nil, &CapabilityError{Code: CodeNetDenied, Op: "fetch", Target: norm, Reason: "host not in network allowlist"}
	}

	return &FetchResponse{URL: rawURL, Host: norm, StatusCode: http.StatusOK}, nil
}

func (c *capSet) Alloc(n int64) error {
	if n < 0 {
		return fmt.Errorf("capbox: alloc size must be >= 0, got %d", n)
	}

	c.allocated += n
	if c.policy.memorySoftLimit > 0 && c.allocated > c.policy.memorySoftLimit {
		c.emit(CodeMemorySoftLimit,
			fmt.Sprintf("allocation of %d bytes exceeds soft limit (%d/%d)", n, c.allocated, c.policy.memorySoftLimit),
			map[string]any{"requested": n, "total": c.allocated, "limit": c.policy.memorySoftLimit})
		return &CapabilityError{
			Code:   CodeMemorySoftLimit,
			Op:     "alloc",
			Target: fmt.Sprintf("%d bytes", n),
			Reason: "cumulative allocation exceeds memory soft limit",
		}
	}
	return nil
}

func (c *capSet) Eval(src string) (any, error) {
	c.emit(CodeDynamicCode, "dynamic code evaluation blocked", map[string]any{"source_bytes": len(src)})
	return nil, &CapabilityError{Code: CodeDynamicCode, Op: "eval", Target: truncateForError(src), Reason: "dynamic code evaluation is prohibited"}
}

// truncateForError shortens source text for inclusion in an error message.
func truncateForError(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
