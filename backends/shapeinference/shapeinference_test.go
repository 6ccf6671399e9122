// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	F32  = dtypes.Float32
	I32  = dtypes.Int32
	I64  = dtypes.Int64
	Bool = dtypes.Bool
	U8   = dtypes.Uint8
)

func TestBroadcastShapes(t *testing.T) {
	for _, tc := range []struct {
		lhs, rhs []int
		want     []int
	}{
		{[]int{2, 3}, []int{2, 3}, []int{2, 3}},
		{[]int{2, 3}, []int{3}, []int{2, 3}},
		{[]int{}, []int{4, 5}, []int{4, 5}},
		{[]int{4, 1, 3}, []int{5, 1}, []int{4, 5, 3}},
		{[]int{1, 3}, []int{3, 3}, []int{3, 3}},
		{[]int{0, 3}, []int{1, 3}, []int{0, 3}},
	} {
		dims, err := BroadcastShapes(shapes.Make(F32, tc.lhs...), shapes.Make(F32, tc.rhs...))
		require.NoError(t, err, "broadcast(%v, %v)", tc.lhs, tc.rhs)
		assert.Equal(t, tc.want, dims, "broadcast(%v, %v)", tc.lhs, tc.rhs)
	}

	_, err := BroadcastShapes(shapes.Make(F32, 2, 2), shapes.Make(F32, 3))
	require.ErrorIs(t, err, errs.ErrUnsupportedBroadcast)
	require.ErrorIs(t, err, errs.ErrShape)
	_, err = BroadcastShapes(shapes.Make(F32, 3, 3), shapes.Make(F32, 2, 3))
	require.ErrorIs(t, err, errs.ErrUnsupportedBroadcast)
}

func TestBinaryOp(t *testing.T) {
	output, err := BinaryOp(ir.OpAdd, shapes.Make(F32, 2, 1), shapes.Make(F32, 3))
	require.NoError(t, err)
	assert.True(t, output.Equal(shapes.Make(F32, 2, 3)))

	_, err = BinaryOp(ir.OpMul, shapes.Make(F32, 2), shapes.Make(I32, 2))
	require.ErrorIs(t, err, errs.ErrTypeMismatch)
	_, err = BinaryOp(ir.OpAdd, shapes.Make(Bool, 2), shapes.Make(Bool, 2))
	require.ErrorIs(t, err, errs.ErrTypeMismatch)

	output, err = ComparisonOp(ir.OpLess, shapes.Make(U8, 1, 2), shapes.Make(U8, 3, 1))
	require.NoError(t, err)
	assert.True(t, output.Equal(shapes.Make(Bool, 3, 2)))

	_, err = LogicalOp(ir.OpLogicalAnd, shapes.Make(F32, 2), shapes.Make(F32, 2))
	require.ErrorIs(t, err, errs.ErrTypeMismatch)
}

func TestResolveDims(t *testing.T) {
	dims, err := ResolveDims(12, []int{3, -1})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, dims)

	_, err = ResolveDims(12, []int{-1, -1})
	require.ErrorIs(t, err, errs.ErrShapeMismatch)
	_, err = ResolveDims(12, []int{5, -1})
	require.ErrorIs(t, err, errs.ErrShapeMismatch)
	_, err = ResolveDims(12, []int{5, 2})
	require.ErrorIs(t, err, errs.ErrShapeMismatch)
}

func TestLayoutOps(t *testing.T) {
	output, err := TransposeOp(shapes.Make(F32, 2, 3, 4), []int{2, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 3}, output.Dimensions)
	_, err = TransposeOp(shapes.Make(F32, 2, 3), []int{0, 0})
	require.ErrorIs(t, err, errs.ErrShapeMismatch)

	output, err = ReduceOp(shapes.Make(F32, 2, 3, 4), []int{-1, 0, 0}, false)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, output.Dimensions)
	output, err = ReduceOp(shapes.Make(F32, 2, 3, 4), []int{1}, true)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 4}, output.Dimensions)

	output, err = ConcatenateOp([]shapes.Shape{shapes.Make(F32, 2, 3), shapes.Make(F32, 2, 5)}, -1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8}, output.Dimensions)
	_, err = ConcatenateOp([]shapes.Shape{shapes.Make(F32, 2, 3), shapes.Make(F32, 3, 5)}, 1)
	require.ErrorIs(t, err, errs.ErrShapeMismatch)

	output, err = SliceOp(shapes.Make(F32, 4, 5), []int{1, 2}, []int{2, -1})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, output.Dimensions)
	_, err = SliceOp(shapes.Make(F32, 4, 5), []int{3, 0}, []int{2, 1})
	require.ErrorIs(t, err, errs.ErrShapeMismatch)

	output, err = SpaceToDepthOp(shapes.Make(F32, 1, 4, 6, 3), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 12}, output.Dimensions)
	_, err = SpaceToDepthOp(shapes.Make(F32, 1, 3, 6, 3), 2)
	require.ErrorIs(t, err, errs.ErrShapeMismatch)
	output, err = DepthToSpaceOp(shapes.Make(F32, 1, 2, 3, 12), 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 6, 3}, output.Dimensions)

	output, err = BatchToSpaceNDOp(shapes.Make(F32, 4, 2, 2, 1), []int{2, 2}, [][2]int{{0, 0}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 3, 1}, output.Dimensions)
	_, err = BatchToSpaceNDOp(shapes.Make(F32, 3, 2, 2, 1), []int{2, 2}, [][2]int{{0, 0}, {0, 0}})
	require.ErrorIs(t, err, errs.ErrShapeMismatch)

	bias := shapes.Make(F32, 5)
	output, err = FullyConnectedOp(shapes.Make(F32, 2, 3, 4), shapes.Make(F32, 5, 4), &bias, false, F32)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 5}, output.Dimensions)
	output, err = FullyConnectedOp(shapes.Make(F32, 2, 3, 4), shapes.Make(F32, 5, 4), nil, true, F32)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 5}, output.Dimensions)
}

func TestStridedSlice(t *testing.T) {
	operand := shapes.Make(F32, 5, 6)
	axes, err := ResolveStridedSlice(operand, []int{1, 0}, []int{4, 6}, []int{2, 1}, &ir.StridedSliceParams{})
	require.NoError(t, err)
	assert.Equal(t, []StridedSliceAxis{{Start: 1, Stride: 2, Count: 2}, {Start: 0, Stride: 1, Count: 6}}, axes)
	assert.Equal(t, []int{2, 6}, StridedSliceOp(operand, axes).Dimensions)

	// Negative stride with masks: reverse the first axis, shrink the second.
	axes, err = ResolveStridedSlice(operand, []int{0, -1}, []int{0, 0}, []int{-1, 1},
		&ir.StridedSliceParams{BeginMask: 1, EndMask: 1, ShrinkAxisMask: 2})
	require.NoError(t, err)
	assert.Equal(t, StridedSliceAxis{Start: 4, Stride: -1, Count: 5}, axes[0])
	assert.Equal(t, StridedSliceAxis{Start: 5, Stride: 1, Count: 1, Shrink: true}, axes[1])
	assert.Equal(t, []int{5}, StridedSliceOp(operand, axes).Dimensions)

	// Clamping out-of-range indices.
	axes, err = ResolveStridedSlice(operand, []int{-100}, []int{100}, []int{1}, &ir.StridedSliceParams{})
	require.NoError(t, err)
	assert.Equal(t, 5, axes[0].Count)

	_, err = ResolveStridedSlice(operand, []int{0}, []int{1}, []int{0}, &ir.StridedSliceParams{})
	require.ErrorIs(t, err, errs.ErrShapeMismatch)
}
