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
	"golang.org/x/exp/constraints"
)

// unaryKernel implements the element-wise unary operations.
//
// Quantized 8-bit inputs use a lookup table of the 256 possible values, built at Configure, so Execute is a
// table lookup.
type unaryKernel struct {
	kernel
	quantized bool
	table     [256]int32
}

func buildUnary(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &unaryKernel{kernel: k}, nil
}

// unaryFloatFn returns the real function of the operation.
func unaryFloatFn(kind ir.OpKind) func(x float64) float64 {
	switch kind {
	case ir.OpAbs:
		return math.Abs
	case ir.OpNeg:
		return func(x float64) float64 { return -x }
	case ir.OpExp:
		return math.Exp
	case ir.OpLog:
		return math.Log
	case ir.OpSqrt:
		return math.Sqrt
	case ir.OpRsqrt:
		return func(x float64) float64 { return 1 / math.Sqrt(x) }
	case ir.OpTanh:
		return math.Tanh
	case ir.OpLogistic:
		return func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
	case ir.OpRelu:
		return func(x float64) float64 { return max(x, 0) }
	case ir.OpRelu6:
		return func(x float64) float64 { return min(max(x, 0), 6) }
	}
	return nil
}

func (k *unaryKernel) Configure() error {
	if _, err := k.configureOutputs(); err != nil {
		return err
	}
	input, output := k.inputs[0], k.outputs[0]
	k.quantized = isQuantized(input) || isQuantized(output)
	if !k.quantized {
		switch input.DType() {
		case dtypes.Float16, dtypes.Float32, dtypes.Float64:
			return nil
		case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64:
			if unaryIntFn[int64](k.node.Kind) == nil {
				return errs.Errorf(errs.ErrTypeMismatch, "%s requires a float or quantized input, got %s", k.node, input.Shape())
			}
			return nil
		}
		return errs.Errorf(errs.ErrTypeMismatch, "%s: unsupported dtype %s", k.node, input.DType())
	}
	if !isQuantized(input) || !isQuantized(output) || input.Quant().IsPerChannel() || output.Quant().IsPerChannel() {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized operation requires per-tensor quantized input and output", k.node)
	}
	dtype := input.DType()
	if dtype != dtypes.Int8 && dtype != dtypes.Uint8 {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized %s not supported, only Int8 and Uint8", k.node, dtype)
	}
	qMin, qMax, _ := quant.Range(dtype)
	fn := unaryFloatFn(k.node.Kind)
	inParams, outParams := input.Quant(), output.Quant()
	for q := qMin; q <= qMax; q++ {
		value := fn(float64(quant.Dequantize(q, inParams.Scale(), inParams.ZeroPoint())))
		k.table[uint8(q)] = quant.Quantize(float32(value), outParams.Scale(), outParams.ZeroPoint(), qMin, qMax)
	}
	return nil
}

func (k *unaryKernel) Execute() error {
	input, output := k.inputs[0], k.outputs[0]
	if k.quantized {
		switch input.DType() {
		case dtypes.Int8:
			execUnaryTable[int8](k.table[:], tensors.Flat[int8](input), tensors.Flat[int8](output))
		case dtypes.Uint8:
			execUnaryTable[uint8](k.table[:], tensors.Flat[uint8](input), tensors.Flat[uint8](output))
		}
		return nil
	}
	switch input.DType() {
	case dtypes.Float32:
		execUnaryFloat[float32](k.node.Kind, tensors.Flat[float32](input), tensors.Flat[float32](output))
	case dtypes.Float64:
		execUnaryFloat[float64](k.node.Kind, tensors.Flat[float64](input), tensors.Flat[float64](output))
	case dtypes.Float16:
		fn := unaryFloatFn(k.node.Kind)
		outputFlat := tensors.Flat[float16.Float16](output)
		for ii, x := range tensors.Flat[float16.Float16](input) {
			outputFlat[ii] = float16.Fromfloat32(float32(fn(float64(x.Float32()))))
		}
	case dtypes.Int8:
		execUnaryInt[int8](k.node.Kind, tensors.Flat[int8](input), tensors.Flat[int8](output))
	case dtypes.Int16:
		execUnaryInt[int16](k.node.Kind, tensors.Flat[int16](input), tensors.Flat[int16](output))
	case dtypes.Int32:
		execUnaryInt[int32](k.node.Kind, tensors.Flat[int32](input), tensors.Flat[int32](output))
	case dtypes.Int64:
		execUnaryInt[int64](k.node.Kind, tensors.Flat[int64](input), tensors.Flat[int64](output))
	default:
		return errs.Errorf(errs.ErrTypeMismatch, "%s: unsupported dtype %s", k.node, input.DType())
	}
	return nil
}

func execUnaryTable[T int8 | uint8](table []int32, input, output []T) {
	for ii, q := range input {
		output[ii] = T(table[uint8(q)])
	}
}

func execUnaryFloat[T PODFloatConstraints](kind ir.OpKind, input, output []T) {
	fn := unaryFloatFn(kind)
	for ii, x := range input {
		output[ii] = T(fn(float64(x)))
	}
}

// unaryIntFn returns the integer version of the operation, or nil if it only applies to floats.
func unaryIntFn[T constraints.Signed](kind ir.OpKind) func(x T) T {
	switch kind {
	case ir.OpAbs:
		return func(x T) T {
			if x < 0 {
				return -x
			}
			return x
		}
	case ir.OpNeg:
		return func(x T) T { return -x }
	case ir.OpRelu:
		return func(x T) T { return max(x, 0) }
	case ir.OpRelu6:
		return func(x T) T { return min(max(x, 0), 6) }
	}
	return nil
}

func execUnaryInt[T constraints.Signed](kind ir.OpKind, input, output []T) {
	fn := unaryIntFn[T](kind)
	for ii, x := range input {
		output[ii] = fn(x)
	}
}
