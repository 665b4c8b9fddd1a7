// Package hostpat implements hostname normalization and allowlist pattern
// matching for the network capability. Patterns are exact hostnames
// ("api.example.com", "localhost") or wildcards ("*.example.com"). A
// wildcard matches subdomains only, never the apex.
package hostpat

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// Pattern is a compiled allowlist entry.
type Pattern struct {
	// exact is the normalized hostname for an exact-match pattern.
	exact string

	// suffix is the normalized ".domain.tld" suffix for a wildcard pattern.
	// Empty for exact patterns.
	suffix string
}

// Validate checks that an allowlist pattern is well-formed.
// Valid: "example.com", "localhost", "*.example.com".
// Invalid: empty, protocol prefix, embedded wildcards, "*.com".
func Validate(pattern string) error {
	if pattern == "" {
		return errors.New("host pattern must not be empty")
	}
	if strings.Contains(pattern, "://") {
		return fmt.Errorf("host pattern %q must not contain protocol prefix", pattern)
	}
	if strings.ContainsAny(pattern, " \t/") {
		return fmt.Errorf("host pattern %q must not contain spaces or slashes", pattern)
	}
	if strings.Contains(pattern, "*") {
		if !strings.HasPrefix(pattern, "*.") {
			return fmt.Errorf("host pattern %q: wildcard must be in *.domain.tld format", pattern)
		}
		rest := pattern[2:]
		if strings.Contains(rest, "*") {
			return fmt.Errorf("host pattern %q: only one leading wildcard is allowed", pattern)
		}
		// *.com would match every .com subdomain; require two labels.
		if !strings.Contains(rest, ".") {
			return fmt.Errorf("host pattern %q: wildcard host must have at least two labels (e.g., *.example.com)", pattern)
		}
	}
	return nil
}

// Compile validates and normalizes a pattern.
func Compile(pattern string) (Pattern, error) {
	if err := Validate(pattern); err != nil {
		return Pattern{}, err
	}
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		norm, err := Normalize(rest)
		if err != nil {
			return Pattern{}, fmt.Errorf("host pattern %q: %w", pattern, err)
		}
		return Pattern{suffix: "." + norm}, nil
	}
	norm, err := Normalize(pattern)
	if err != nil {
		return Pattern{}, fmt.Errorf("host pattern %q: %w", pattern, err)
	}
	return Pattern{exact: norm}, nil
}

// CompileAll compiles a full allowlist. It fails on the first invalid
// pattern.
func CompileAll(patterns []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		cp, err := Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Normalize lowercases a hostname, strips a trailing dot, and converts
// internationalized names to their ASCII (punycode) form so that
// "BÜCHER.example" and "xn--bcher-kva.example" compare equal. IPv6
// literals are only lowercased; IDNA does not apply to them.
func Normalize(host string) (string, error) {
	if host == "" {
		return "", errors.New("hostname must not be empty")
	}
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if strings.Contains(h, ":") {
		return h, nil
	}
	ascii, err := idna.Lookup.ToASCII(h)
	if err != nil {
		return "", fmt.Errorf("hostname %q is not valid: %w", host, err)
	}
	return ascii, nil
}

// Match reports whether a normalized hostname satisfies the pattern.
func (p Pattern) Match(host string) bool {
	if p.suffix != "" {
		return strings.HasSuffix(host, p.suffix) && len(host) > len(p.suffix)
	}
	return host == p.exact
}

// String returns the pattern in its source form.
func (p Pattern) String() string {
	if p.suffix != "" {
		return "*" + p.suffix
	}
	return p.exact
}

// MatchAny reports whether a normalized hostname satisfies at least one
// pattern. An empty pattern list matches nothing.
func MatchAny(host string, patterns []Pattern) bool {
	for _, p := range patterns {
		if p.Match(host) {
			return true
		}
	}
	return false
}
