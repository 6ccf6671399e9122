// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/gomlx/micrort/backends/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, memory.DefaultAlignment, c.Alignment)
	assert.Equal(t, 0, c.MaxWhileIterations)
	assert.Equal(t, "64 MiB", c.ArenaBudget.String())
}

func TestLoad(t *testing.T) {
	c, err := Load("testdata/device.yaml")
	require.NoError(t, err)
	assert.Equal(t, ByteSize(256*1024), c.ArenaBudget)
	assert.Equal(t, ByteSize(65536), c.DynamicBudget)
	assert.Equal(t, 100, c.MaxWhileIterations)
	assert.Equal(t, 1, c.KernelParallelism)
	assert.Equal(t, memory.DefaultAlignment, c.Alignment, "unset fields keep their default")

	_, err = Load("testdata/missing.yaml")
	require.Error(t, err)
}

func TestParse(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	c, err = Parse([]byte("arena_budget: 1MB\nalignment: 64\n"))
	require.NoError(t, err)
	assert.Equal(t, ByteSize(1000*1000), c.ArenaBudget)
	assert.Equal(t, 64, c.Alignment)

	for _, content := range []string{
		"arena_budget: lots",
		"alignment: 12",
		"max_while_iterations: -1",
		"kernel_parallelism: -2",
		"dynamic_budget: -5",
		"unknown_field: 1",
	} {
		_, err = Parse([]byte(content))
		assert.Errorf(t, err, "content %q should fail", content)
	}

	// Round trip through String.
	c2, err := Parse([]byte(c.String()))
	require.NoError(t, err)
	assert.Equal(t, c, c2)
}
