// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/backends"
	"github.com/gomlx/micrort/backends/memory"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/x448/float16"
)

// This file implements the conversions between dtypes: Cast, Quantize (including requantization) and
// Dequantize.

// castKernel converts values between dtypes, as Go conversions do: floats are truncated towards zero when
// converted to integers, and any non-zero value is true when converted to Bool.
type castKernel struct {
	kernel
}

func buildCast(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &castKernel{kernel: k}, nil
}

func (k *castKernel) Configure() error {
	_, err := k.configureOutputs()
	return err
}

func (k *castKernel) Execute() error {
	input, output := k.inputs[0], k.outputs[0]
	if input.DType().IsFloat() || output.DType().IsFloat() {
		values, err := flatToFloat64(input)
		if err != nil {
			return err
		}
		return storeFloat64(output, values)
	}
	values, err := flatToInt64(input)
	if err != nil {
		return err
	}
	return storeInt64(output, values)
}

func castSlice[From, To PODNumericConstraints](from []From, to []To) {
	for ii, value := range from {
		to[ii] = To(value)
	}
}

func flatToFloat64(t *tensors.Tensor) ([]float64, error) {
	values := make([]float64, t.Shape().Size())
	return values, float64sInto(t, values)
}

// float64sInto converts the values of t into dst, which must have t's size.
func float64sInto(t *tensors.Tensor, dst []float64) error {
	switch t.DType() {
	case dtypes.Bool:
		for ii, b := range tensors.Flat[bool](t) {
			dst[ii] = 0
			if b {
				dst[ii] = 1
			}
		}
	case dtypes.Float16:
		for ii, f := range tensors.Flat[float16.Float16](t) {
			dst[ii] = float64(f.Float32())
		}
	case dtypes.Float32:
		castSlice(tensors.Flat[float32](t), dst)
	case dtypes.Float64:
		copy(dst, tensors.Flat[float64](t))
	case dtypes.Int8:
		castSlice(tensors.Flat[int8](t), dst)
	case dtypes.Int16:
		castSlice(tensors.Flat[int16](t), dst)
	case dtypes.Int32:
		castSlice(tensors.Flat[int32](t), dst)
	case dtypes.Int64:
		castSlice(tensors.Flat[int64](t), dst)
	case dtypes.Uint8:
		castSlice(tensors.Flat[uint8](t), dst)
	case dtypes.Uint16:
		castSlice(tensors.Flat[uint16](t), dst)
	case dtypes.Uint32:
		castSlice(tensors.Flat[uint32](t), dst)
	case dtypes.Uint64:
		castSlice(tensors.Flat[uint64](t), dst)
	default:
		return errs.Errorf(errs.ErrTypeMismatch, "can't convert %s to float", t.DType())
	}
	return nil
}

func flatToInt64(t *tensors.Tensor) ([]int64, error) {
	values := make([]int64, t.Shape().Size())
	return values, int64sInto(t, values)
}

// int64sInto converts the integer (or Bool) values of t into dst, which must have t's size.
func int64sInto(t *tensors.Tensor, dst []int64) error {
	switch t.DType() {
	case dtypes.Bool:
		for ii, b := range tensors.Flat[bool](t) {
			dst[ii] = 0
			if b {
				dst[ii] = 1
			}
		}
	case dtypes.Int8:
		castSlice(tensors.Flat[int8](t), dst)
	case dtypes.Int16:
		castSlice(tensors.Flat[int16](t), dst)
	case dtypes.Int32:
		castSlice(tensors.Flat[int32](t), dst)
	case dtypes.Int64:
		copy(dst, tensors.Flat[int64](t))
	case dtypes.Uint8:
		castSlice(tensors.Flat[uint8](t), dst)
	case dtypes.Uint16:
		castSlice(tensors.Flat[uint16](t), dst)
	case dtypes.Uint32:
		castSlice(tensors.Flat[uint32](t), dst)
	case dtypes.Uint64:
		castSlice(tensors.Flat[uint64](t), dst)
	default:
		return errs.Errorf(errs.ErrTypeMismatch, "can't convert %s to integers", t.DType())
	}
	return nil
}

// int32sInto converts the values of t, of a dtype of at most 32 bits, into dst, which must have t's size.
// It is used for quantized values.
func int32sInto(t *tensors.Tensor, dst []int32) error {
	switch t.DType() {
	case dtypes.Bool:
		for ii, b := range tensors.Flat[bool](t) {
			dst[ii] = 0
			if b {
				dst[ii] = 1
			}
		}
	case dtypes.Int8:
		castSlice(tensors.Flat[int8](t), dst)
	case dtypes.Int16:
		castSlice(tensors.Flat[int16](t), dst)
	case dtypes.Int32:
		copy(dst, tensors.Flat[int32](t))
	case dtypes.Uint8:
		castSlice(tensors.Flat[uint8](t), dst)
	case dtypes.Uint16:
		castSlice(tensors.Flat[uint16](t), dst)
	default:
		return errs.Errorf(errs.ErrTypeMismatch, "can't convert %s to 32 bits integers", t.DType())
	}
	return nil
}

// storeInt32 writes quantized values into t, of a dtype of at most 32 bits. Values must already be within
// the range of the dtype.
func storeInt32(t *tensors.Tensor, values []int32) error {
	switch t.DType() {
	case dtypes.Int8:
		castSlice(values, tensors.Flat[int8](t))
	case dtypes.Int16:
		castSlice(values, tensors.Flat[int16](t))
	case dtypes.Int32:
		copy(tensors.Flat[int32](t), values)
	case dtypes.Uint8:
		castSlice(values, tensors.Flat[uint8](t))
	case dtypes.Uint16:
		castSlice(values, tensors.Flat[uint16](t))
	default:
		return errs.Errorf(errs.ErrTypeMismatch, "can't store quantized values as %s", t.DType())
	}
	return nil
}

func storeFloat64(t *tensors.Tensor, values []float64) error {
	switch t.DType() {
	case dtypes.Bool:
		flat := tensors.Flat[bool](t)
		for ii, v := range values {
			flat[ii] = v != 0
		}
	case dtypes.Float16:
		flat := tensors.Flat[float16.Float16](t)
		for ii, v := range values {
			flat[ii] = float16.Fromfloat32(float32(v))
		}
	case dtypes.Float32:
		castSlice(values, tensors.Flat[float32](t))
	case dtypes.Float64:
		copy(tensors.Flat[float64](t), values)
	default:
		ints := make([]int64, len(values))
		castSlice(values, ints)
		return storeInt64(t, ints)
	}
	return nil
}

func storeInt64(t *tensors.Tensor, values []int64) error {
	switch t.DType() {
	case dtypes.Bool:
		flat := tensors.Flat[bool](t)
		for ii, v := range values {
			flat[ii] = v != 0
		}
	case dtypes.Int8:
		castSlice(values, tensors.Flat[int8](t))
	case dtypes.Int16:
		castSlice(values, tensors.Flat[int16](t))
	case dtypes.Int32:
		castSlice(values, tensors.Flat[int32](t))
	case dtypes.Int64:
		copy(tensors.Flat[int64](t), values)
	case dtypes.Uint8:
		castSlice(values, tensors.Flat[uint8](t))
	case dtypes.Uint16:
		castSlice(values, tensors.Flat[uint16](t))
	case dtypes.Uint32:
		castSlice(values, tensors.Flat[uint32](t))
	case dtypes.Uint64:
		castSlice(values, tensors.Flat[uint64](t))
	default:
		return errs.Errorf(errs.ErrTypeMismatch, "can't convert integers to %s", t.DType())
	}
	return nil
}

// channelOf returns a function mapping a flat index to its channel along the quantized dimension.
// It returns nil for per-tensor quantization.
func channelOf(params *quant.Params, shape shapes.Shape) func(flatIdx int) int {
	if !params.IsPerChannel() {
		return nil
	}
	axis := params.QuantizedDimension
	stride := shape.Strides()[axis]
	dim := shape.Dimensions[axis]
	return func(flatIdx int) int {
		return (flatIdx / stride) % dim
	}
}

// quantizeKernel quantizes float values, or requantizes quantized values to different parameters.
type quantizeKernel struct {
	kernel
	scope      *memory.LayerScope
	requantize bool
	multiplier quant.Multiplier
	qMin, qMax int32
}

func buildQuantize(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &quantizeKernel{kernel: k, scope: memory.NewLayerScope()}, nil
}

func (k *quantizeKernel) Configure() error {
	if _, err := k.configureOutputs(); err != nil {
		return err
	}
	input, output := k.inputs[0], k.outputs[0]
	if !isQuantized(output) {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: output %s has no quantization parameters", k.node, output)
	}
	var err error
	k.qMin, k.qMax, err = quant.Range(output.DType())
	if err != nil {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: %v", k.node, err)
	}
	if err := output.Quant().Validate(output.Shape().Dimensions); err != nil {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: %v", k.node, err)
	}
	k.requantize = !input.DType().IsFloat()
	if !k.requantize {
		return nil
	}
	if !isQuantized(input) || input.Quant().IsPerChannel() || output.Quant().IsPerChannel() {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: requantization requires per-tensor quantized input and output", k.node)
	}
	k.multiplier = quant.QuantizeMultiplier(float64(input.Quant().Scale()) / float64(output.Quant().Scale()))
	return nil
}

func (k *quantizeKernel) Execute() error {
	input, output := k.inputs[0], k.outputs[0]
	outParams := output.Quant()
	size := output.Shape().Size()
	if k.requantize {
		return requantizeInto(input, output, k.multiplier, outParams.ZeroPoint(), memory.ScratchOf[int32](k.scope, "values", size))
	}
	values := memory.ScratchOf[float64](k.scope, "input", size)
	if err := float64sInto(input, values); err != nil {
		return err
	}
	quantized := memory.ScratchOf[int32](k.scope, "values", size)
	channel := channelOf(outParams, output.Shape())
	for ii, value := range values {
		ch := 0
		if channel != nil {
			ch = channel(ii)
		}
		quantized[ii] = quant.Quantize(float32(value), outParams.Scales[ch], outParams.ChannelZeroPoint(ch), k.qMin, k.qMax)
	}
	return storeInt32(output, quantized)
}

// dequantizeKernel converts quantized values (or Float16) to float.
type dequantizeKernel struct {
	kernel
}

func buildDequantize(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &dequantizeKernel{kernel: k}, nil
}

func (k *dequantizeKernel) Configure() error {
	if _, err := k.configureOutputs(); err != nil {
		return err
	}
	input, output := k.inputs[0], k.outputs[0]
	if !output.DType().IsFloat() {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: output must be float, got %s", k.node, output.DType())
	}
	if input.DType().IsFloat() {
		return nil
	}
	if !isQuantized(input) {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: input %s has no quantization parameters", k.node, input)
	}
	if err := input.Quant().Validate(input.Shape().Dimensions); err != nil {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: %v", k.node, err)
	}
	return nil
}

func (k *dequantizeKernel) Execute() error {
	input, output := k.inputs[0], k.outputs[0]
	if input.DType().IsFloat() {
		values, err := flatToFloat64(input)
		if err != nil {
			return err
		}
		return storeFloat64(output, values)
	}
	ints, err := flatToInt64(input)
	if err != nil {
		return err
	}
	params := input.Quant()
	channel := channelOf(params, input.Shape())
	values := make([]float64, len(ints))
	for ii, q := range ints {
		ch := 0
		if channel != nil {
			ch = channel(ii)
		}
		values[ii] = float64(quant.Dequantize(int32(q), params.Scales[ch], params.ChannelZeroPoint(ch)))
	}
	return storeFloat64(output, values)
}
