// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAndBuild(t *testing.T) {
	m, err := Load("testdata/if_mul_add.yaml")
	require.NoError(t, err)
	require.Len(t, m.Subgraphs, 3)

	module, err := m.Build()
	require.NoError(t, err)
	require.Equal(t, 3, module.NumGraphs())
	main := module.Main()
	require.Equal(t, 1, main.NumNodes())
	node := main.Node(0)
	assert.Equal(t, ir.OpIf, node.Kind)
	assert.Equal(t, []int{1, 2}, node.Subgraphs())
	assert.Equal(t, dtypes.Bool, main.Operand(0).DType())
	assert.Equal(t, ir.OpMul, module.Graphs[1].Node(0).Kind)
	assert.Equal(t, ir.OpAdd, module.Graphs[2].Node(0).Kind)

	_, err = Load("testdata/missing.yaml")
	require.Error(t, err)
}

const reshapeModel = `
name: reshape
subgraphs:
  - operands:
      - {name: x, dtype: uint8, shape: [2, 3], quantization: {scales: [0.5], zero_points: [128]}}
      - {name: new_shape, dtype: int32, shape: [2], values: [3, -1]}
      - {name: y, dtype: uint8, shape: [-1, -1]}
    operators:
      - {kind: Reshape, inputs: [0, 1], outputs: [2]}
    inputs: [0]
    outputs: [2]
`

func TestBuildOperands(t *testing.T) {
	m := must.M1(Parse([]byte(reshapeModel)))
	module, err := m.Build()
	require.NoError(t, err)
	g := module.Main()
	assert.Equal(t, "main", g.Name)

	x := g.Operand(0)
	require.NotNil(t, x.Quant)
	assert.Equal(t, float32(0.5), x.Quant.Scale())
	assert.Equal(t, int32(128), x.Quant.ZeroPoint())

	newShape := g.Operand(1)
	require.True(t, newShape.IsConstant())
	assert.Equal(t, []int32{3, -1}, tensors.CastBytes[int32](newShape.Data))

	_, static := g.Operand(2).Shape.Get()
	assert.False(t, static)
}

func TestBuildErrors(t *testing.T) {
	for name, testCase := range map[string]struct {
		yaml string
		kind *errs.Kind
	}{
		"unknown kind": {`
subgraphs:
  - operands: [{name: x, dtype: float32, shape: [2]}, {name: y, dtype: float32, shape: [2]}]
    operators: [{kind: Conv2D, inputs: [0], outputs: [1]}]
    inputs: [0]
    outputs: [1]`, errs.ErrUnsupportedOperator},
		"bad dtype": {`
subgraphs:
  - operands: [{name: x, dtype: complex64, shape: [2]}]
    inputs: [0]
    outputs: [0]`, errs.ErrStructural},
		"constant size": {`
subgraphs:
  - operands: [{name: c, dtype: int32, shape: [3], values: [1, 2]}]
    outputs: [0]`, errs.ErrShapeMismatch},
		"per-channel size": {`
subgraphs:
  - operands: [{name: w, dtype: int8, shape: [2, 2], values: [1, 2, 3, 4],
                quantization: {scales: [0.1, 0.2, 0.3], zero_points: [0, 0, 0]}}]
    outputs: [0]`, errs.ErrStructural},
		"arity": {`
subgraphs:
  - operands: [{name: x, dtype: float32, shape: [2]}, {name: y, dtype: float32, shape: [2]}]
    operators: [{kind: Add, inputs: [0], outputs: [1]}]
    inputs: [0]
    outputs: [1]`, errs.ErrArity},
		"invalid options": {`
subgraphs:
  - operands: [{name: x, dtype: float32, shape: [1, 2, 2, 1]}, {name: y, dtype: float32, shape: [1, 1, 1, 4]}]
    operators: [{kind: SpaceToDepth, options: {block_size: 0}, inputs: [0], outputs: [1]}]
    inputs: [0]
    outputs: [1]`, errs.ErrInvalidOptions},
	} {
		t.Run(name, func(t *testing.T) {
			m, err := Parse([]byte(testCase.yaml))
			require.NoError(t, err)
			_, err = m.Build()
			require.ErrorIs(t, err, testCase.kind)
		})
	}

	_, err := Parse([]byte("name: empty\n"))
	require.ErrorIs(t, err, errs.ErrStructural)
}

func TestEncodeValues(t *testing.T) {
	data, err := EncodeValues(dtypes.Bool, []any{true, false, 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 1}, data)

	data, err = EncodeValues(dtypes.Float32, []any{0.5, 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 2}, tensors.CastBytes[float32](data))

	_, err = EncodeValues(dtypes.Int8, []any{"x"})
	require.ErrorIs(t, err, errs.ErrStructural)
}
