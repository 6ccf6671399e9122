// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/shapes"
)

// PODNumericConstraints are the Go plain-old-data numeric types backing the tensor dtypes.
// Float16 is not included: kernels handle it by converting to float32.
type PODNumericConstraints interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// PODFloatConstraints are the Go float types.
type PODFloatConstraints interface {
	float32 | float64
}

// broadcastIterator allows one to iterate over the flat indices of tensor that is being broadcast
// (some dimensions will grow).
type broadcastIterator struct {
	flatIdx     int
	perAxesIdx  []int
	targetDims  []int
	isBroadcast []bool
	strides     []int
}

// newBroadcastIterator returns an iterator over the flat indices of fromShape, broadcast to toShape.
// If fromShape has a lower rank, it is aligned to the trailing axes of toShape.
func newBroadcastIterator(fromShape, toShape shapes.Shape) *broadcastIterator {
	rank := toShape.Rank()
	if fromShape.Rank() > rank {
		exceptions.Panicf("broadcastIterator: rank mismatch fromShape=%s, toShape=%s", fromShape, toShape)
	}
	fromDims := make([]int, rank)
	offset := rank - fromShape.Rank()
	for axis := range rank {
		fromDims[axis] = 1
		if axis >= offset {
			fromDims[axis] = fromShape.Dimensions[axis-offset]
		}
	}
	bi := &broadcastIterator{
		perAxesIdx:  make([]int, rank),
		targetDims:  toShape.Dimensions,
		isBroadcast: make([]bool, rank),
		strides:     make([]int, rank),
	}
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		bi.strides[axis] = stride
		stride *= fromDims[axis]
		bi.isBroadcast[axis] = fromDims[axis] != toShape.Dimensions[axis]
	}
	return bi
}

func (bi *broadcastIterator) Next() (flatIdx int) {
	flatIdx = bi.flatIdx
	bi.flatIdx++
	rank := len(bi.perAxesIdx)
	for axis := rank - 1; axis >= 0; axis-- {
		bi.perAxesIdx[axis]++
		if bi.perAxesIdx[axis] < bi.targetDims[axis] {
			if bi.isBroadcast[axis] {
				// If we are broadcasting on this axis, we need to go back and repeat the same slice of the tensor.
				bi.flatIdx -= bi.strides[axis]
			}
			break
		}
		bi.perAxesIdx[axis] = 0
	}
	return
}

// broadcastIndices returns, for each flat index of the output, the flat indices of lhs and rhs.
// It returns nil for a side that doesn't need broadcasting (same shape as the output).
func broadcastIndices(lhsShape, rhsShape, outputShape shapes.Shape) (lhsIndices, rhsIndices []int) {
	size := outputShape.Size()
	if !lhsShape.EqualDimensions(outputShape) {
		lhsIndices = make([]int, size)
		it := newBroadcastIterator(lhsShape, outputShape)
		for ii := range lhsIndices {
			lhsIndices[ii] = it.Next()
		}
	}
	if !rhsShape.EqualDimensions(outputShape) {
		rhsIndices = make([]int, size)
		it := newBroadcastIterator(rhsShape, outputShape)
		for ii := range rhsIndices {
			rhsIndices[ii] = it.Next()
		}
	}
	return
}

// clampActivation applies a fused activation to a float value.
func clampActivation[T PODFloatConstraints](value T, lo, hi float64) T {
	return T(min(max(float64(value), lo), hi))
}

// clampActivationInPlace applies a fused activation to values, comparing in T. Bounds outside the range of T
// (a negative lower bound for unsigned types) don't apply.
func clampActivationInPlace[T PODNumericConstraints](values []T, activation ir.Activation) {
	lo, hi := activation.Range()
	var zero T
	unsigned := zero-1 > zero
	applyLo := !math.IsInf(lo, -1) && !(unsigned && lo <= 0)
	applyHi := !math.IsInf(hi, 1)
	var loT, hiT T
	if applyLo {
		loT = T(lo)
	}
	if applyHi {
		hiT = T(hi)
	}
	for ii, value := range values {
		if applyLo {
			value = max(value, loT)
		}
		if applyHi {
			value = min(value, hiT)
		}
		values[ii] = value
	}
}

// quantizedActivationRange returns the range of quantized values allowed by the fused activation, for the
// output quantization parameters and dtype range.
func quantizedActivationRange(activation ir.Activation, params *quant.Params, qMin, qMax int32) (lo, hi int32) {
	lo, hi = qMin, qMax
	realLo, realHi := activation.Range()
	scale, zeroPoint := params.Scale(), params.ZeroPoint()
	if !math.IsInf(realLo, -1) {
		lo = max(lo, quant.Quantize(float32(realLo), scale, zeroPoint, qMin, qMax))
	}
	if !math.IsInf(realHi, 1) {
		hi = min(hi, quant.Quantize(float32(realHi), scale, zeroPoint, qMin, qMax))
	}
	return
}
