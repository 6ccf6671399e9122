// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/types/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	params, err := ParseParams(OpAdd, Options{"fused_activation_function": "RELU6"})
	require.NoError(t, err)
	assert.Equal(t, &BinaryParams{Activation: ActRelu6}, params)

	params, err = ParseParams(OpFullyConnected, Options{"keep_num_dims": true})
	require.NoError(t, err)
	assert.Equal(t, &FullyConnectedParams{KeepNumDims: true}, params)

	params, err = ParseParams(OpSpaceToDepth, Options{"block_size": 2})
	require.NoError(t, err)
	assert.Equal(t, &BlockParams{BlockSize: 2}, params)

	params, err = ParseParams(OpReshape, Options{"new_shape": []any{2, -1}})
	require.NoError(t, err)
	assert.Equal(t, &ReshapeParams{NewShape: []int{2, -1}}, params)

	params, err = ParseParams(OpShape, nil)
	require.NoError(t, err)
	assert.Equal(t, &ShapeParams{OutType: dtypes.Int32}, params)

	params, err = ParseParams(OpSoftmax, nil)
	require.NoError(t, err)
	assert.Equal(t, &SoftmaxParams{Beta: 1}, params)

	params, err = ParseParams(OpWhile, Options{"cond_subgraph_index": 1, "body_subgraph_index": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, &WhileParams{Cond: 1, Body: 2}, params)

	params, err = ParseParams(OpLess, Options{"ignored": 1})
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestParseParamsInvalid(t *testing.T) {
	for name, testCase := range map[string]struct {
		kind    OpKind
		options Options
	}{
		"unknown activation":   {OpAdd, Options{"fused_activation_function": "GELU"}},
		"activation not str":   {OpMul, Options{"fused_activation_function": 3}},
		"block size zero":      {OpDepthToSpace, Options{"block_size": 0}},
		"block size missing":   {OpSpaceToDepth, nil},
		"block size float":     {OpSpaceToDepth, Options{"block_size": 1.5}},
		"keep dims not bool":   {OpMean, Options{"keep_dims": "yes"}},
		"new shape not list":   {OpReshape, Options{"new_shape": "2x3"}},
		"ellipsis mask":        {OpStridedSlice, Options{"ellipsis_mask": 1}},
		"missing subgraph":     {OpIf, Options{"then_subgraph_index": 1}},
		"negative beta":        {OpSoftmax, Options{"beta": -1.0}},
		"unsupported out type": {OpShape, Options{"out_type": "Float32"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseParams(testCase.kind, testCase.options)
			require.ErrorIs(t, err, errs.ErrInvalidOptions)
			require.ErrorIs(t, err, errs.ErrStructural)
		})
	}

	_, err := ParseParams(OpInvalid, nil)
	require.ErrorIs(t, err, errs.ErrUnsupportedOperator)
}

func TestActivationRange(t *testing.T) {
	lo, hi := ActRelu6.Range()
	assert.Equal(t, []float64{0, 6}, []float64{lo, hi})
	lo, hi = ActReluN1To1.Range()
	assert.Equal(t, []float64{-1, 1}, []float64{lo, hi})
	assert.Equal(t, "Relu", ActRelu.String())
}
