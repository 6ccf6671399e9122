// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/backends"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/x448/float16"
)

// This file implements the element-wise binary operations: arithmetic, comparisons and logical.
// All of them support NumPy broadcasting: the indices of the broadcast operands are computed at Configure.

// binaryKernel implements Add, Sub, Mul, Div, Maximum and Minimum.
type binaryKernel struct {
	kernel
	activation ir.Activation

	lhsIndices, rhsIndices []int

	quantized bool
	q         quantizedBinary
}

// quantizedBinary holds the fixed-point parameters of quantized arithmetic.
type quantizedBinary struct {
	lhsOffset, rhsOffset, outputOffset int32
	leftShift                          int
	lhsMultiplier, rhsMultiplier       quant.Multiplier
	outputMultiplier                   quant.Multiplier
	activationMin, activationMax       int32
}

func buildBinary(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &binaryKernel{kernel: k, activation: params[ir.BinaryParams](node).Activation}, nil
}

func (k *binaryKernel) Configure() error {
	outputShapes, err := k.configureOutputs()
	if err != nil {
		return err
	}
	lhs, rhs, output := k.inputs[0], k.inputs[1], k.outputs[0]
	k.lhsIndices, k.rhsIndices = broadcastIndices(lhs.Shape(), rhs.Shape(), outputShapes[0])
	k.quantized = isQuantized(lhs) || isQuantized(rhs) || isQuantized(output)
	if k.quantized {
		return k.configureQuantized()
	}
	return nil
}

func (k *binaryKernel) configureQuantized() error {
	lhs, rhs, output := k.inputs[0], k.inputs[1], k.outputs[0]
	for _, t := range []*tensors.Tensor{lhs, rhs, output} {
		if !isQuantized(t) || t.Quant().IsPerChannel() {
			return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized operation requires per-tensor quantized inputs and output, got %s",
				k.node, t)
		}
	}
	qMin, qMax, err := quant.Range(output.DType())
	if err != nil || output.DType() == dtypes.Int32 {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: unsupported quantized dtype %s", k.node, output.DType())
	}
	lhsScale, rhsScale, outputScale := float64(lhs.Quant().Scale()), float64(rhs.Quant().Scale()), float64(output.Quant().Scale())
	k.q = quantizedBinary{
		lhsOffset:    -lhs.Quant().ZeroPoint(),
		rhsOffset:    -rhs.Quant().ZeroPoint(),
		outputOffset: output.Quant().ZeroPoint(),
	}
	k.q.activationMin, k.q.activationMax = quantizedActivationRange(k.activation, output.Quant(), qMin, qMax)
	switch k.node.Kind {
	case ir.OpAdd, ir.OpSub:
		k.q.leftShift = 20
		if output.DType() == dtypes.Int16 {
			// Int16 values are symmetric: the smaller shift leaves no room for zero point offsets.
			for _, t := range []*tensors.Tensor{lhs, rhs, output} {
				if t.Quant().ZeroPoint() != 0 {
					return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized Int16 requires zero points of 0, got %d for %s",
						k.node, t.Quant().ZeroPoint(), t.Name())
				}
			}
			k.q.leftShift = 15
		}
		twiceMaxInputScale := 2 * max(lhsScale, rhsScale)
		k.q.lhsMultiplier = quant.QuantizeMultiplier(lhsScale / twiceMaxInputScale)
		k.q.rhsMultiplier = quant.QuantizeMultiplier(rhsScale / twiceMaxInputScale)
		k.q.outputMultiplier = quant.QuantizeMultiplier(twiceMaxInputScale / (float64(int64(1)<<k.q.leftShift) * outputScale))
	case ir.OpMul:
		k.q.outputMultiplier = quant.QuantizeMultiplier(lhsScale * rhsScale / outputScale)
	case ir.OpMaximum, ir.OpMinimum:
		if !lhs.Quant().Equal(output.Quant()) || !rhs.Quant().Equal(output.Quant()) {
			return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized inputs and output must share quantization parameters", k.node)
		}
	default:
		return errs.Errorf(errs.ErrTypeMismatch, "%s: not supported for quantized values", k.node)
	}
	return nil
}

func (k *binaryKernel) Execute() error {
	if k.quantized {
		switch k.outputs[0].DType() {
		case dtypes.Uint8:
			execQuantizedBinary[uint8](k)
		case dtypes.Int8:
			execQuantizedBinary[int8](k)
		case dtypes.Int16:
			execQuantizedBinary[int16](k)
		}
		return nil
	}
	switch k.inputs[0].DType() {
	case dtypes.Int8:
		return execBinaryTyped[int8](k)
	case dtypes.Int16:
		return execBinaryTyped[int16](k)
	case dtypes.Int32:
		return execBinaryTyped[int32](k)
	case dtypes.Int64:
		return execBinaryTyped[int64](k)
	case dtypes.Uint8:
		return execBinaryTyped[uint8](k)
	case dtypes.Uint16:
		return execBinaryTyped[uint16](k)
	case dtypes.Uint32:
		return execBinaryTyped[uint32](k)
	case dtypes.Uint64:
		return execBinaryTyped[uint64](k)
	case dtypes.Float32:
		return execBinaryTyped[float32](k)
	case dtypes.Float64:
		return execBinaryTyped[float64](k)
	case dtypes.Float16:
		execBinaryFloat16(k)
		return nil
	}
	return errs.Errorf(errs.ErrTypeMismatch, "%s: unsupported dtype %s", k.node, k.inputs[0].DType())
}

// at returns the flat index of an operand for the output flat index ii, given its broadcast indices.
func at(indices []int, ii int) int {
	if indices == nil {
		return ii
	}
	return indices[ii]
}

func binaryOpFn[T PODNumericConstraints](kind ir.OpKind) func(a, b T) T {
	switch kind {
	case ir.OpAdd:
		return func(a, b T) T { return a + b }
	case ir.OpSub:
		return func(a, b T) T { return a - b }
	case ir.OpMul:
		return func(a, b T) T { return a * b }
	case ir.OpDiv:
		return func(a, b T) T { return a / b }
	case ir.OpMaximum:
		return func(a, b T) T { return max(a, b) }
	case ir.OpMinimum:
		return func(a, b T) T { return min(a, b) }
	}
	return nil
}

func execBinaryTyped[T PODNumericConstraints](k *binaryKernel) error {
	lhs, rhs, output := tensors.Flat[T](k.inputs[0]), tensors.Flat[T](k.inputs[1]), tensors.Flat[T](k.outputs[0])
	if k.node.Kind == ir.OpDiv && !k.inputs[0].DType().IsFloat() {
		var zero T
		for _, b := range rhs {
			if b == zero {
				return errs.Errorf(errs.ErrDivisionByZero, "%s", k.node)
			}
		}
	}
	opFn := binaryOpFn[T](k.node.Kind)
	for ii := range output {
		output[ii] = opFn(lhs[at(k.lhsIndices, ii)], rhs[at(k.rhsIndices, ii)])
	}
	if k.activation != ir.ActNone {
		clampActivationInPlace(output, k.activation)
	}
	return nil
}

func execBinaryFloat16(k *binaryKernel) {
	lhs := tensors.Flat[float16.Float16](k.inputs[0])
	rhs := tensors.Flat[float16.Float16](k.inputs[1])
	output := tensors.Flat[float16.Float16](k.outputs[0])
	opFn := binaryOpFn[float32](k.node.Kind)
	lo, hi := k.activation.Range()
	for ii := range output {
		value := opFn(lhs[at(k.lhsIndices, ii)].Float32(), rhs[at(k.rhsIndices, ii)].Float32())
		output[ii] = float16.Fromfloat32(clampActivation(value, lo, hi))
	}
}

func execQuantizedBinary[T int8 | uint8 | int16](k *binaryKernel) {
	lhs, rhs, output := tensors.Flat[T](k.inputs[0]), tensors.Flat[T](k.inputs[1]), tensors.Flat[T](k.outputs[0])
	q := &k.q
	for ii := range output {
		x, y := int32(lhs[at(k.lhsIndices, ii)]), int32(rhs[at(k.rhsIndices, ii)])
		var result int32
		switch k.node.Kind {
		case ir.OpAdd, ir.OpSub:
			scaledX := q.lhsMultiplier.Apply((x + q.lhsOffset) * (1 << q.leftShift))
			scaledY := q.rhsMultiplier.Apply((y + q.rhsOffset) * (1 << q.leftShift))
			sum := scaledX + scaledY
			if k.node.Kind == ir.OpSub {
				sum = scaledX - scaledY
			}
			result = q.outputMultiplier.Apply(sum) + q.outputOffset
		case ir.OpMul:
			product := int64(x+q.lhsOffset) * int64(y+q.rhsOffset)
			product = min(max(product, math.MinInt32), math.MaxInt32)
			result = q.outputMultiplier.Apply(int32(product)) + q.outputOffset
		case ir.OpMaximum:
			result = max(x, y)
		case ir.OpMinimum:
			result = min(x, y)
		}
		output[ii] = T(min(max(result, q.activationMin), q.activationMax))
	}
}

// comparisonKernel implements Less, LessEqual, Greater, GreaterEqual, Equal and NotEqual.
// Float comparisons follow IEEE-754: ordering comparisons with a NaN are false.
type comparisonKernel struct {
	kernel
	lhsIndices, rhsIndices []int

	quantized                    bool
	lhsOffset, rhsOffset         int32
	lhsMultiplier, rhsMultiplier quant.Multiplier
}

// comparisonLeftShift scales quantized values before rescaling them to a common scale.
const comparisonLeftShift = 8

func buildComparison(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &comparisonKernel{kernel: k}, nil
}

func (k *comparisonKernel) Configure() error {
	outputShapes, err := k.configureOutputs()
	if err != nil {
		return err
	}
	lhs, rhs := k.inputs[0], k.inputs[1]
	k.lhsIndices, k.rhsIndices = broadcastIndices(lhs.Shape(), rhs.Shape(), outputShapes[0])
	if lhs.DType() == dtypes.Bool && k.node.Kind != ir.OpEqual && k.node.Kind != ir.OpNotEqual {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: booleans can only be compared for equality", k.node)
	}
	k.quantized = isQuantized(lhs) || isQuantized(rhs)
	if !k.quantized {
		return nil
	}
	if !isQuantized(lhs) || !isQuantized(rhs) || lhs.Quant().IsPerChannel() || rhs.Quant().IsPerChannel() {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized comparison requires both inputs per-tensor quantized", k.node)
	}
	lhsScale, rhsScale := float64(lhs.Quant().Scale()), float64(rhs.Quant().Scale())
	twiceMaxInputScale := 2 * max(lhsScale, rhsScale)
	k.lhsOffset, k.rhsOffset = -lhs.Quant().ZeroPoint(), -rhs.Quant().ZeroPoint()
	k.lhsMultiplier = quant.QuantizeMultiplier(lhsScale / twiceMaxInputScale)
	k.rhsMultiplier = quant.QuantizeMultiplier(rhsScale / twiceMaxInputScale)
	return nil
}

func compareOpFn[T PODNumericConstraints](kind ir.OpKind) func(a, b T) bool {
	switch kind {
	case ir.OpLess:
		return func(a, b T) bool { return a < b }
	case ir.OpLessEqual:
		return func(a, b T) bool { return a <= b }
	case ir.OpGreater:
		return func(a, b T) bool { return a > b }
	case ir.OpGreaterEqual:
		return func(a, b T) bool { return a >= b }
	case ir.OpEqual:
		return func(a, b T) bool { return a == b }
	case ir.OpNotEqual:
		return func(a, b T) bool { return a != b }
	}
	return nil
}

func (k *comparisonKernel) Execute() error {
	if k.quantized {
		switch k.inputs[0].DType() {
		case dtypes.Uint8:
			execQuantizedComparison[uint8](k)
		case dtypes.Int8:
			execQuantizedComparison[int8](k)
		case dtypes.Int16:
			execQuantizedComparison[int16](k)
		default:
			return errs.Errorf(errs.ErrTypeMismatch, "%s: unsupported quantized dtype %s", k.node, k.inputs[0].DType())
		}
		return nil
	}
	switch k.inputs[0].DType() {
	case dtypes.Bool:
		execCompareBool(k)
	case dtypes.Int8:
		execCompareTyped[int8](k)
	case dtypes.Int16:
		execCompareTyped[int16](k)
	case dtypes.Int32:
		execCompareTyped[int32](k)
	case dtypes.Int64:
		execCompareTyped[int64](k)
	case dtypes.Uint8:
		execCompareTyped[uint8](k)
	case dtypes.Uint16:
		execCompareTyped[uint16](k)
	case dtypes.Uint32:
		execCompareTyped[uint32](k)
	case dtypes.Uint64:
		execCompareTyped[uint64](k)
	case dtypes.Float32:
		execCompareTyped[float32](k)
	case dtypes.Float64:
		execCompareTyped[float64](k)
	case dtypes.Float16:
		execCompareFloat16(k)
	default:
		return errs.Errorf(errs.ErrTypeMismatch, "%s: unsupported dtype %s", k.node, k.inputs[0].DType())
	}
	return nil
}

func execCompareTyped[T PODNumericConstraints](k *comparisonKernel) {
	lhs, rhs, output := tensors.Flat[T](k.inputs[0]), tensors.Flat[T](k.inputs[1]), tensors.Flat[bool](k.outputs[0])
	opFn := compareOpFn[T](k.node.Kind)
	for ii := range output {
		output[ii] = opFn(lhs[at(k.lhsIndices, ii)], rhs[at(k.rhsIndices, ii)])
	}
}

func execCompareFloat16(k *comparisonKernel) {
	lhs := tensors.Flat[float16.Float16](k.inputs[0])
	rhs := tensors.Flat[float16.Float16](k.inputs[1])
	output := tensors.Flat[bool](k.outputs[0])
	opFn := compareOpFn[float32](k.node.Kind)
	for ii := range output {
		output[ii] = opFn(lhs[at(k.lhsIndices, ii)].Float32(), rhs[at(k.rhsIndices, ii)].Float32())
	}
}

func execCompareBool(k *comparisonKernel) {
	lhs, rhs, output := tensors.Flat[bool](k.inputs[0]), tensors.Flat[bool](k.inputs[1]), tensors.Flat[bool](k.outputs[0])
	equal := k.node.Kind == ir.OpEqual
	for ii := range output {
		output[ii] = (lhs[at(k.lhsIndices, ii)] == rhs[at(k.rhsIndices, ii)]) == equal
	}
}

func execQuantizedComparison[T int8 | uint8 | int16](k *comparisonKernel) {
	lhs, rhs, output := tensors.Flat[T](k.inputs[0]), tensors.Flat[T](k.inputs[1]), tensors.Flat[bool](k.outputs[0])
	opFn := compareOpFn[int32](k.node.Kind)
	for ii := range output {
		x := k.lhsMultiplier.Apply((int32(lhs[at(k.lhsIndices, ii)]) + k.lhsOffset) * (1 << comparisonLeftShift))
		y := k.rhsMultiplier.Apply((int32(rhs[at(k.rhsIndices, ii)]) + k.rhsOffset) * (1 << comparisonLeftShift))
		output[ii] = opFn(x, y)
	}
}

// logicalKernel implements LogicalAnd, LogicalOr and LogicalNot.
type logicalKernel struct {
	kernel
	lhsIndices, rhsIndices []int
}

func buildLogical(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &logicalKernel{kernel: k}, nil
}

func (k *logicalKernel) Configure() error {
	outputShapes, err := k.configureOutputs()
	if err != nil {
		return err
	}
	if k.node.Kind != ir.OpLogicalNot {
		k.lhsIndices, k.rhsIndices = broadcastIndices(k.inputs[0].Shape(), k.inputs[1].Shape(), outputShapes[0])
	}
	return nil
}

func (k *logicalKernel) Execute() error {
	lhs, output := tensors.Flat[bool](k.inputs[0]), tensors.Flat[bool](k.outputs[0])
	if k.node.Kind == ir.OpLogicalNot {
		for ii, value := range lhs {
			output[ii] = !value
		}
		return nil
	}
	rhs := tensors.Flat[bool](k.inputs[1])
	and := k.node.Kind == ir.OpLogicalAnd
	for ii := range output {
		a, b := lhs[at(k.lhsIndices, ii)], rhs[at(k.rhsIndices, ii)]
		if and {
			output[ii] = a && b
		} else {
			output[ii] = a || b
		}
	}
	return nil
}
