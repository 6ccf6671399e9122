// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of a runtime: memory budgets, control-flow limits and kernel
// parallelism. It can be read from YAML, where byte sizes accept either a number of bytes or a humanized
// string like "64KiB" or "1MB".
package config

import (
	"bytes"
	"io"
	"math/bits"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/micrort/backends/memory"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ByteSize is a number of bytes. It is read from YAML as an integer or as a humanized string.
type ByteSize int

// String implements fmt.Stringer.
func (b ByteSize) String() string {
	if b < 0 {
		return "invalid"
	}
	return humanize.IBytes(uint64(b))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var n int
	if err := node.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.Errorf("line %d: byte size must be a number or a string, got %q", node.Line, node.Value)
	}
	parsed, err := humanize.ParseBytes(s)
	if err != nil {
		return errors.Wrapf(err, "line %d: invalid byte size %q", node.Line, s)
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler. Sizes are written as exact numbers of bytes.
func (b ByteSize) MarshalYAML() (any, error) {
	return int(b), nil
}

// Config of a runtime Module.
type Config struct {
	// ArenaBudget is the maximum size of the arena holding the statically planned tensors. 0 means unlimited.
	ArenaBudget ByteSize `yaml:"arena_budget"`

	// DynamicBudget is the maximum total size of the dynamically allocated tensors. 0 means unlimited.
	DynamicBudget ByteSize `yaml:"dynamic_budget"`

	// MaxWhileIterations caps the number of iterations of While loops. 0 means unbounded.
	MaxWhileIterations int `yaml:"max_while_iterations"`

	// KernelParallelism is the number of workers used within kernels: 0 uses one per CPU, -1 is unlimited
	// and 1 runs everything inline.
	KernelParallelism int `yaml:"kernel_parallelism"`

	// Alignment of the tensors in the arena, in bytes. It must be a power of 2.
	Alignment int `yaml:"alignment"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ArenaBudget:   64 << 20,
		DynamicBudget: 64 << 20,
		Alignment:     memory.DefaultAlignment,
	}
}

// Validate checks the values of the configuration.
func (c *Config) Validate() error {
	if c.ArenaBudget < 0 || c.DynamicBudget < 0 {
		return errors.Errorf("config: budgets must be non-negative, got arena_budget=%d and dynamic_budget=%d",
			c.ArenaBudget, c.DynamicBudget)
	}
	if c.MaxWhileIterations < 0 {
		return errors.Errorf("config: max_while_iterations must be non-negative, got %d", c.MaxWhileIterations)
	}
	if c.KernelParallelism < -1 {
		return errors.Errorf("config: kernel_parallelism must be >= -1, got %d", c.KernelParallelism)
	}
	if c.Alignment <= 0 || bits.OnesCount(uint(c.Alignment)) != 1 {
		return errors.Errorf("config: alignment must be a positive power of 2, got %d", c.Alignment)
	}
	return nil
}

// Parse reads a YAML configuration. Fields not given keep their default values, and unknown fields are
// an error.
func Parse(content []byte) (*Config, error) {
	c := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "config: failed to parse YAML")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads the YAML configuration file at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: failed to read %q", path)
	}
	c, err := Parse(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "config file %q", path)
	}
	return c, nil
}

// String renders the configuration as YAML.
func (c *Config) String() string {
	content, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(content)
}
