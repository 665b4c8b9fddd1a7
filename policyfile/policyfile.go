// Package policyfile parses externally supplied policy documents into
// sandbox configurations. The sandbox core never reads storage on its own;
// a host-side policy layer loads or receives a YAML document and hands the
// resulting Config to capbox.New.
package policyfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhangyunhao116/capbox"
)

// ErrDocumentInvalid indicates the policy document could not be parsed
// into a valid configuration.
var ErrDocumentInvalid = errors.New("policyfile: invalid policy document")

// Document is the YAML shape of a policy document.
//
//	allowed_read_paths:
//	  - /allowed
//	network_allowlist:
//	  - api.example.com
//	  - "*.internal.example.org"
//	virtual_files:
//	  /allowed/config.json: '{"ok":true}'
//	max_execution_duration: 100ms
//	memory_soft_limit: 67108864
//	max_violations: 32
type Document struct {
	AllowedReadPaths     []string          `yaml:"allowed_read_paths"`
	NetworkAllowlist     []string          `yaml:"network_allowlist"`
	VirtualFiles         map[string]string `yaml:"virtual_files"`
	MaxExecutionDuration string            `yaml:"max_execution_duration"`
	MemorySoftLimit      int64             `yaml:"memory_soft_limit"`
	MaxViolations        int               `yaml:"max_violations"`
}

// Parse decodes a YAML policy document and returns a validated Config.
// Unknown fields are rejected so typos in a policy document fail loudly
// instead of silently loosening the policy.
func Parse(data []byte) (*capbox.Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentInvalid, err)
	}
	return doc.Config()
}

// Load reads and parses a policy document from a file.
func Load(path string) (*capbox.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentInvalid, err)
	}
	return Parse(data)
}

// Config converts the document into a validated capbox.Config.
func (d *Document) Config() (*capbox.Config, error) {
	cfg := &capbox.Config{
		AllowedReadPaths: append([]string(nil), d.AllowedReadPaths...),
		NetworkAllowlist: append([]string(nil), d.NetworkAllowlist...),
		MemorySoftLimit:  d.MemorySoftLimit,
		MaxViolations:    d.MaxViolations,
	}

	if d.MaxExecutionDuration != "" {
		dur, err := time.ParseDuration(d.MaxExecutionDuration)
		if err != nil {
			return nil, fmt.Errorf("%w: max_execution_duration: %v", ErrDocumentInvalid, err)
		}
		if dur <= 0 {
			return nil, fmt.Errorf("%w: max_execution_duration must be positive", ErrDocumentInvalid)
		}
		cfg.MaxExecutionDuration = dur
	}

	if len(d.VirtualFiles) > 0 {
		cfg.VirtualFiles = make(map[string][]byte, len(d.VirtualFiles))
		for p, content := range d.VirtualFiles {
			cfg.VirtualFiles[p] = []byte(content)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentInvalid, err)
	}
	return cfg, nil
}
