// Package capbox provides cooperative, capability-based sandboxing for
// agent-authored code running inside a trusted host process.
//
// Submitted code executes in an isolated execution context against a
// narrow Capability API (file read, file list, network fetch, memory
// allocation). Every capability call is checked against an immutable
// per-sandbox policy; every denial both fails the call and records a
// policy violation that submitted code cannot suppress. A supervisor
// races the run against a wall-clock budget and an optional violation
// threshold, and folds everything into a single RunResult.
//
// Key features:
//   - Virtual filesystem with path normalization and traversal detection
//   - Network host allowlisting with wildcard patterns
//   - Cooperative memory budget and violation-count threshold
//   - Ordered, tamper-evident violation audit pipeline
//   - Interception of dynamic code evaluation
//
// Basic usage:
//
//	cfg := capbox.DefaultConfig()
//	cfg.AllowedReadPaths = []string{"/allowed"}
//	cfg.VirtualFiles = map[string][]byte{"/allowed/config.json": []byte(`{"ok":true}`)}
//
//	sb, err := capbox.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sb.Dispose(context.Background())
//
//	res, err := sb.Run(ctx, func(ctx context.Context, caps capbox.Capabilities) (any, error) {
//	    return caps.ReadFile("/allowed/config.json")
//	})
//
// capbox is not an OS-level sandbox: there is no syscall interception and
// no process boundary. It provides cooperative isolation suitable for
// embedding in a host agent runtime that owns policy distribution and
// result consumption.
package capbox
