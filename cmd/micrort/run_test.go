// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/model"
	"github.com/gomlx/micrort/runtime"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResize(t *testing.T) {
	resize, err := parseResize("")
	require.NoError(t, err)
	assert.Empty(t, resize)

	resize, err = parseResize("0=4x3, 2=8,1=")
	require.NoError(t, err)
	assert.Equal(t, map[int][]int{0: {4, 3}, 2: {8}, 1: {}}, resize)

	for _, entries := range []string{"0", "a=3", "0=3xb"} {
		_, err = parseResize(entries)
		assert.Error(t, err, "entries %q", entries)
	}
}

func TestFill(t *testing.T) {
	data := make([]byte, 12)
	require.NoError(t, fill(dtypes.Int32, data, 7))
	assert.Equal(t, []int32{7, 7, 7}, tensors.CastBytes[int32](data))
	require.NoError(t, fill(dtypes.Float32, data, 0.5))
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, tensors.CastBytes[float32](data))
	assert.Error(t, fill(dtypes.Complex64, data, 1))
}

func TestFormatValues(t *testing.T) {
	x := must.M1(tensors.FromFlat([]int32{1, 2, 3, 4, 5}, 5))
	assert.Equal(t, "[1 2 3 4 5]", formatValues(x, 16))
	assert.Equal(t, "[1 2 ... (3 more)]", formatValues(x, 2))
	b := must.M1(tensors.FromFlat([]bool{true, false}, 2))
	assert.Equal(t, "[true false]", formatValues(b, 16))
}

func TestTables(t *testing.T) {
	m := must.M1(runtime.Load(must.M1(model.Load("../../runtime/testdata/while_count.yaml")), nil))
	defer m.Close()
	graphs := graphsTable(m).Render()
	for _, name := range []string{"main", "cond", "body"} {
		assert.Contains(t, graphs, name)
	}
	assert.Contains(t, planTable(m).Render(), `"next"`)
}
