// Package pathsec provides path security utilities for the virtual
// filesystem: normalization, traversal detection, and allowlist prefix
// matching. Virtual paths always use forward slashes, independent of the
// host OS.
package pathsec

import (
	"path"
	"strings"
)

// Normalize cleans a virtual path: collapses repeated separators, resolves
// "." and ".." segments lexically, and strips a trailing slash. Relative
// input stays relative; normalization never invents a leading slash, so an
// escaping "../x" survives as a visible ".." segment.
func Normalize(p string) string {
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// HasParentRef reports whether the path contains a ".." segment. Run on a
// normalized path this detects traversal sequences that survived cleaning,
// i.e. relative paths that escape upward.
func HasParentRef(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// UnderPrefix reports whether a normalized path is the prefix itself or a
// descendant of it. The root prefix "/" contains every absolute path.
func UnderPrefix(p, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(p, "/")
	}
	if p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}

// UnderAnyPrefix reports whether a normalized path falls under at least one
// of the given normalized prefixes. An empty prefix list allows nothing.
func UnderAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if UnderPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// ContainsNullByte returns true if the string contains a null byte.
func ContainsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00')
}
