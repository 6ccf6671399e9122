// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the shape resulting from operations and validates its inputs.
//
// The same rules serve two passes:
//
//   - The static pass (StaticPass) runs once after load over a whole graph, with the declared input
//     shapes and the values of constants. Outputs whose shape depends on data not known before
//     execution come out as ir.Dynamic.
//   - The dynamic pass (InferNode) runs right before a node with dynamic outputs (or with inputs whose
//     shape changed) executes, with all input values available.
//
// With the same (full) information both passes yield the same result.
//
// It defines a BinaryOp function for shape inference for the element-wise binary operations, using the
// NumPy broadcasting rules. For the remainder ops, it defines one function per operation kind.
package shapeinference

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
)

var (
	// ArithmeticOperations are element-wise binary operations over numbers, with broadcasting.
	ArithmeticOperations = types.SetWith(
		ir.OpAdd,
		ir.OpSub,
		ir.OpMul,
		ir.OpDiv,
		ir.OpMaximum,
		ir.OpMinimum,
	)

	// ComparisonOperations compare numbers element-wise, with broadcasting, and output booleans.
	ComparisonOperations = types.SetWith(
		ir.OpLess,
		ir.OpLessEqual,
		ir.OpGreater,
		ir.OpGreaterEqual,
		ir.OpEqual,
		ir.OpNotEqual,
	)

	// LogicalOperations take booleans as input.
	LogicalOperations = types.SetWith(
		ir.OpLogicalAnd,
		ir.OpLogicalOr,
		ir.OpLogicalNot,
	)

	// UnaryOperations are element-wise and don't change the shape.
	UnaryOperations = types.SetWith(
		ir.OpAbs,
		ir.OpNeg,
		ir.OpExp,
		ir.OpLog,
		ir.OpSqrt,
		ir.OpRsqrt,
		ir.OpTanh,
		ir.OpLogistic,
		ir.OpRelu,
		ir.OpRelu6,
	)

	// FloatOperations only accept float inputs.
	FloatOperations = types.SetWith(
		ir.OpExp,
		ir.OpLog,
		ir.OpSqrt,
		ir.OpRsqrt,
		ir.OpTanh,
		ir.OpLogistic,
	)

	// ReduceOperations reduce the input over the axes given by their second input.
	ReduceOperations = types.SetWith(
		ir.OpMean,
		ir.OpSum,
		ir.OpReduceMax,
	)
)

// BroadcastShapes returns the dimensions of the NumPy broadcast of the two shapes: dimensions are aligned
// from the trailing axis, and each pair must be equal or one of them must be 1.
func BroadcastShapes(lhs, rhs shapes.Shape) (dims []int, err error) {
	rank := max(lhs.Rank(), rhs.Rank())
	dims = make([]int, rank)
	for axis := range rank {
		lhsDim, rhsDim := 1, 1
		if lhsAxis := axis - (rank - lhs.Rank()); lhsAxis >= 0 {
			lhsDim = lhs.Dimensions[lhsAxis]
		}
		if rhsAxis := axis - (rank - rhs.Rank()); rhsAxis >= 0 {
			rhsDim = rhs.Dimensions[rhsAxis]
		}
		switch {
		case lhsDim == rhsDim:
			dims[axis] = lhsDim
		case lhsDim == 1:
			dims[axis] = rhsDim
		case rhsDim == 1:
			dims[axis] = lhsDim
		default:
			err = errs.Errorf(errs.ErrUnsupportedBroadcast, "shapes %s and %s can't be broadcast together (axis %d: %d vs %d)",
				lhs, rhs, axis, lhsDim, rhsDim)
			return nil, err
		}
	}
	return dims, nil
}

// BinaryOp returns the shape of an element-wise arithmetic operation.
func BinaryOp(kind ir.OpKind, lhs, rhs shapes.Shape) (output shapes.Shape, err error) {
	if !ArithmeticOperations.Has(kind) {
		err = errs.Errorf(errs.ErrStructural, "operation %s is not an arithmetic operation, cannot process it with BinaryOp", kind)
		return
	}
	if lhs.DType != rhs.DType {
		err = errs.Errorf(errs.ErrTypeMismatch, "data types for %s must match, got %s and %s", kind, lhs, rhs)
		return
	}
	if lhs.DType == dtypes.Bool {
		err = errs.Errorf(errs.ErrTypeMismatch, "%s requires numbers, got %s", kind, lhs)
		return
	}
	dims, err := BroadcastShapes(lhs, rhs)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(lhs.DType, dims...), nil
}

// ComparisonOp returns the shape of an element-wise comparison: the broadcast shape, with Bool dtype.
func ComparisonOp(kind ir.OpKind, lhs, rhs shapes.Shape) (output shapes.Shape, err error) {
	if lhs.DType != rhs.DType {
		err = errs.Errorf(errs.ErrTypeMismatch, "data types for %s must match, got %s and %s", kind, lhs, rhs)
		return
	}
	dims, err := BroadcastShapes(lhs, rhs)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(dtypes.Bool, dims...), nil
}

// LogicalOp returns the shape of LogicalAnd/LogicalOr: both inputs must be Bool.
func LogicalOp(kind ir.OpKind, lhs, rhs shapes.Shape) (output shapes.Shape, err error) {
	if lhs.DType != dtypes.Bool || rhs.DType != dtypes.Bool {
		err = errs.Errorf(errs.ErrTypeMismatch, "%s requires Bool inputs, got %s and %s", kind, lhs, rhs)
		return
	}
	dims, err := BroadcastShapes(lhs, rhs)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(dtypes.Bool, dims...), nil
}

// ResolveDims replaces the (at most one) -1 dimension so that the number of elements is size.
func ResolveDims(size int, dims []int) (resolved []int, err error) {
	resolved = slices.Clone(dims)
	inferredAxis := -1
	known := 1
	for axis, dim := range dims {
		switch {
		case dim == -1:
			if inferredAxis != -1 {
				return nil, errs.Errorf(errs.ErrShapeMismatch, "only one dimension can be -1, got %v", dims)
			}
			inferredAxis = axis
		case dim < 0:
			return nil, errs.Errorf(errs.ErrShapeMismatch, "invalid dimension %d in %v", dim, dims)
		default:
			known *= dim
		}
	}
	if inferredAxis >= 0 {
		if known == 0 || size%known != 0 {
			return nil, errs.Errorf(errs.ErrShapeMismatch, "can't infer the -1 dimension of %v for %d elements", dims, size)
		}
		resolved[inferredAxis] = size / known
		known = size
	}
	if known != size {
		return nil, errs.Errorf(errs.ErrShapeMismatch, "dimensions %v hold %d elements, but %d are given", dims, known, size)
	}
	return resolved, nil
}

// ReshapeOp returns the shape of reshaping operand to dims, where one dimension can be -1.
func ReshapeOp(operand shapes.Shape, dims []int) (output shapes.Shape, err error) {
	resolved, err := ResolveDims(operand.Size(), dims)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Make(operand.DType, resolved...), nil
}

// TransposeOp returns the shape of permuting the axes of operand: output axis i is input axis permutations[i].
func TransposeOp(operand shapes.Shape, permutations []int) (output shapes.Shape, err error) {
	rank := operand.Rank()
	if len(permutations) != rank {
		err = errs.Errorf(errs.ErrShapeMismatch, "Transpose requires all axes permutations to be defined, operand has shape %s, but %d permutations were given",
			operand, len(permutations))
		return
	}
	axesSet := slices.Clone(permutations)
	slices.Sort(axesSet)
	for ii, srcAxis := range axesSet {
		if srcAxis != ii {
			err = errs.Errorf(errs.ErrShapeMismatch, "invalid permutations %v given to Transpose(%s), each axis must appear exactly once",
				permutations, operand)
			return
		}
	}
	output = operand.Clone()
	for axis := range output.Dimensions {
		output.Dimensions[axis] = operand.Dimensions[permutations[axis]]
	}
	return
}

// NormalizeAxes converts negative axes, checks ranges and removes duplicates, returning the sorted axes.
func NormalizeAxes(operand shapes.Shape, axes []int) ([]int, error) {
	normalized := make([]int, 0, len(axes))
	for _, axis := range axes {
		adjusted, err := operand.AdjustAxis(axis)
		if err != nil {
			return nil, errs.Errorf(errs.ErrShapeMismatch, "%v", err)
		}
		normalized = append(normalized, adjusted)
	}
	slices.Sort(normalized)
	return slices.Compact(normalized), nil
}

// ReduceOp returns the shape of reducing operand over axes. With keepDims the reduced axes are kept with dimension 1.
func ReduceOp(operand shapes.Shape, axes []int, keepDims bool) (output shapes.Shape, err error) {
	normalized, err := NormalizeAxes(operand, axes)
	if err != nil {
		return shapes.Invalid(), err
	}
	axesSet := types.SetWith(normalized...)
	output = shapes.Make(operand.DType)
	for axis, dim := range operand.Dimensions {
		switch {
		case !axesSet.Has(axis):
			output.Dimensions = append(output.Dimensions, dim)
		case keepDims:
			output.Dimensions = append(output.Dimensions, 1)
		}
	}
	return output, nil
}

// ConcatenateOp returns the shape of concatenating the inputs along axis (which can be negative).
func ConcatenateOp(inputs []shapes.Shape, axis int) (output shapes.Shape, err error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errs.Errorf(errs.ErrArity, "Concatenation requires at least one input")
	}
	first := inputs[0]
	adjustedAxis, err := first.AdjustAxis(axis)
	if err != nil {
		return shapes.Invalid(), errs.Errorf(errs.ErrShapeMismatch, "Concatenation: %v", err)
	}
	output = first.Clone()
	for ii, current := range inputs[1:] {
		if current.DType != first.DType {
			return shapes.Invalid(), errs.Errorf(errs.ErrTypeMismatch, "Concatenation: input #0 has %s, input #%d has %s",
				first.DType, ii+1, current.DType)
		}
		if current.Rank() != first.Rank() {
			return shapes.Invalid(), errs.Errorf(errs.ErrShapeMismatch, "Concatenation: input #0 has rank %d, input #%d has rank %d",
				first.Rank(), ii+1, current.Rank())
		}
		for d := range first.Rank() {
			if d == adjustedAxis {
				output.Dimensions[d] += current.Dimensions[d]
			} else if current.Dimensions[d] != first.Dimensions[d] {
				return shapes.Invalid(), errs.Errorf(errs.ErrShapeMismatch, "Concatenation: mismatched dimensions at axis %d: input #0 has %d, input #%d has %d",
					d, first.Dimensions[d], ii+1, current.Dimensions[d])
			}
		}
	}
	return output, nil
}

// SliceOp returns the shape of slicing operand from begin with the given sizes. A size of -1 takes all the
// remaining elements of the axis. It returns the sizes resolved.
func SliceOp(operand shapes.Shape, begin, size []int) (output shapes.Shape, err error) {
	rank := operand.Rank()
	if len(begin) != rank || len(size) != rank {
		err = errs.Errorf(errs.ErrShapeMismatch, "Slice of %s requires %d begin and size values, got %v and %v", operand, rank, begin, size)
		return
	}
	output = operand.Clone()
	for axis, dim := range operand.Dimensions {
		b, s := begin[axis], size[axis]
		if s == -1 {
			s = dim - b
		}
		if b < 0 || s < 0 || b+s > dim {
			err = errs.Errorf(errs.ErrShapeMismatch, "Slice of %s: begin %d and size %d out of bounds for axis %d", operand, begin[axis], size[axis], axis)
			return shapes.Invalid(), err
		}
		output.Dimensions[axis] = s
	}
	return output, nil
}

// StridedSliceAxis describes the elements taken from one axis by StridedSlice.
type StridedSliceAxis struct {
	Start, Stride, Count int

	// Shrink is set if the axis is removed from the output.
	Shrink bool
}

// ResolveStridedSlice resolves begin, end and strides (with masks) into the elements taken on each axis.
// Out-of-range begin and end are clamped, as in NumPy.
func ResolveStridedSlice(operand shapes.Shape, begin, end, strides []int, params *ir.StridedSliceParams) ([]StridedSliceAxis, error) {
	rank := operand.Rank()
	if len(begin) != len(end) || len(begin) != len(strides) || len(begin) > rank {
		return nil, errs.Errorf(errs.ErrShapeMismatch, "StridedSlice of %s: begin %v, end %v and strides %v must have the same length <= rank",
			operand, begin, end, strides)
	}
	axes := make([]StridedSliceAxis, rank)
	for axis, dim := range operand.Dimensions {
		if axis >= len(begin) {
			axes[axis] = StridedSliceAxis{Start: 0, Stride: 1, Count: dim}
			continue
		}
		stride := strides[axis]
		if stride == 0 {
			return nil, errs.Errorf(errs.ErrShapeMismatch, "StridedSlice of %s: stride of axis %d is 0", operand, axis)
		}
		bit := 1 << axis
		if params.ShrinkAxisMask&bit != 0 {
			start := begin[axis]
			if start < 0 {
				start += dim
			}
			if start < 0 || start >= dim {
				return nil, errs.Errorf(errs.ErrShapeMismatch, "StridedSlice of %s: index %d out of bounds for shrunk axis %d",
					operand, begin[axis], axis)
			}
			axes[axis] = StridedSliceAxis{Start: start, Stride: 1, Count: 1, Shrink: true}
			continue
		}
		lo, hi := 0, dim
		if stride < 0 {
			lo, hi = -1, dim-1
		}
		clamp := func(index int) int {
			if index < 0 {
				index += dim
			}
			return min(max(index, lo), hi)
		}
		var start, stop int
		if params.BeginMask&bit != 0 {
			start = max(lo, 0)
			if stride < 0 {
				start = hi
			}
		} else {
			start = clamp(begin[axis])
		}
		if params.EndMask&bit != 0 {
			stop = hi
			if stride < 0 {
				stop = lo
			}
		} else {
			stop = clamp(end[axis])
		}
		count := 0
		if stride > 0 && stop > start {
			count = (stop - start + stride - 1) / stride
		} else if stride < 0 && start > stop {
			count = (start - stop - stride - 1) / -stride
		}
		axes[axis] = StridedSliceAxis{Start: start, Stride: stride, Count: count}
	}
	return axes, nil
}

// StridedSliceOp returns the output shape for the resolved axes.
func StridedSliceOp(operand shapes.Shape, axes []StridedSliceAxis) shapes.Shape {
	output := shapes.Make(operand.DType)
	for _, axis := range axes {
		if !axis.Shrink {
			output.Dimensions = append(output.Dimensions, axis.Count)
		}
	}
	return output
}

// SpaceToDepthOp returns the shape of moving blocks of (blockSize x blockSize) spatial elements of a NHWC
// operand to the depth (channels) axis.
func SpaceToDepthOp(operand shapes.Shape, blockSize int) (output shapes.Shape, err error) {
	if operand.Rank() != 4 {
		err = errs.Errorf(errs.ErrShapeMismatch, "SpaceToDepth requires a rank-4 (NHWC) input, got %s", operand)
		return
	}
	n, h, w, c := operand.Dimensions[0], operand.Dimensions[1], operand.Dimensions[2], operand.Dimensions[3]
	if h%blockSize != 0 || w%blockSize != 0 {
		err = errs.Errorf(errs.ErrShapeMismatch, "SpaceToDepth: spatial dimensions of %s must be divisible by block size %d", operand, blockSize)
		return
	}
	return shapes.Make(operand.DType, n, h/blockSize, w/blockSize, c*blockSize*blockSize), nil
}

// DepthToSpaceOp is the inverse of SpaceToDepthOp.
func DepthToSpaceOp(operand shapes.Shape, blockSize int) (output shapes.Shape, err error) {
	if operand.Rank() != 4 {
		err = errs.Errorf(errs.ErrShapeMismatch, "DepthToSpace requires a rank-4 (NHWC) input, got %s", operand)
		return
	}
	n, h, w, c := operand.Dimensions[0], operand.Dimensions[1], operand.Dimensions[2], operand.Dimensions[3]
	if c%(blockSize*blockSize) != 0 {
		err = errs.Errorf(errs.ErrShapeMismatch, "DepthToSpace: depth of %s must be divisible by block size squared (%d)", operand, blockSize*blockSize)
		return
	}
	return shapes.Make(operand.DType, n, h*blockSize, w*blockSize, c/(blockSize*blockSize)), nil
}

// BatchToSpaceNDOp returns the shape of moving blocks of the batch axis to the spatial axes, then cropping.
// blockShape has one entry per spatial axis, and crops one (start, end) pair per spatial axis.
func BatchToSpaceNDOp(operand shapes.Shape, blockShape []int, crops [][2]int) (output shapes.Shape, err error) {
	numSpatial := len(blockShape)
	if operand.Rank() < numSpatial+1 || len(crops) != numSpatial {
		err = errs.Errorf(errs.ErrShapeMismatch, "BatchToSpaceND of %s: block shape %v and crops %v don't match", operand, blockShape, crops)
		return
	}
	blockSize := 1
	for _, block := range blockShape {
		if block < 1 {
			err = errs.Errorf(errs.ErrShapeMismatch, "BatchToSpaceND: invalid block shape %v", blockShape)
			return
		}
		blockSize *= block
	}
	if operand.Dimensions[0]%blockSize != 0 {
		err = errs.Errorf(errs.ErrShapeMismatch, "BatchToSpaceND: batch of %s must be divisible by the block size %d", operand, blockSize)
		return
	}
	output = operand.Clone()
	output.Dimensions[0] /= blockSize
	for ii, block := range blockShape {
		dim := operand.Dimensions[ii+1]*block - crops[ii][0] - crops[ii][1]
		if crops[ii][0] < 0 || crops[ii][1] < 0 || dim < 0 {
			err = errs.Errorf(errs.ErrShapeMismatch, "BatchToSpaceND: invalid crops %v for %s", crops, operand)
			return shapes.Invalid(), err
		}
		output.Dimensions[ii+1] = dim
	}
	return output, nil
}

// FullyConnectedOp returns the shape of a fully connected layer: input [..., K] times weights [N, K] (plus
// bias [N]) gives [batch, N], or input dimensions with the last replaced by N if keepNumDims.
func FullyConnectedOp(input, weights shapes.Shape, bias *shapes.Shape, keepNumDims bool, dtype dtypes.DType) (output shapes.Shape, err error) {
	if weights.Rank() != 2 {
		err = errs.Errorf(errs.ErrShapeMismatch, "FullyConnected requires rank-2 weights, got %s", weights)
		return
	}
	units, depth := weights.Dimensions[0], weights.Dimensions[1]
	if input.Rank() == 0 || depth == 0 || input.Size()%depth != 0 {
		err = errs.Errorf(errs.ErrShapeMismatch, "FullyConnected input %s can't be multiplied by weights %s", input, weights)
		return
	}
	if keepNumDims && input.Dim(-1) != depth {
		err = errs.Errorf(errs.ErrShapeMismatch, "FullyConnected with keep_num_dims requires the last axis of %s to match weights %s", input, weights)
		return
	}
	if bias != nil && bias.Size() != units {
		err = errs.Errorf(errs.ErrShapeMismatch, "FullyConnected bias %s doesn't match %d units", *bias, units)
		return
	}
	if keepNumDims {
		output = input.WithDType(dtype)
		output.Dimensions[output.Rank()-1] = units
		return output, nil
	}
	return shapes.Make(dtype, input.Size()/depth, units), nil
}
