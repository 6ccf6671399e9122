// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/micrort/backends"
	"github.com/gomlx/micrort/backends/shapeinference"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/quant"
)

// reduceKernel implements Mean, Sum and ReduceMax over the axes given by its second input.
//
// Floats are accumulated in float64 and integers in int64. The Mean of integers is truncated towards zero.
// Quantized Sum and Mean accumulate the integer values (minus the zero point) and rescale the result with
// a fixed-point multiplier, which for Mean includes the division by the number of reduced elements.
type reduceKernel struct {
	kernel

	// outputIndices maps each input flat index to the output flat index it is reduced into.
	outputIndices []int
	count         int

	quantized    bool
	multiplier   quant.Multiplier
	inZeroPoint  int32
	outZeroPoint int32
	qMin, qMax   int32
}

func buildReduce(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &reduceKernel{kernel: k}, nil
}

func (k *reduceKernel) Configure() error {
	outputShapes, err := k.configureOutputs()
	if err != nil {
		return err
	}
	input, output := k.inputs[0], k.outputs[0]
	inputShape := input.Shape()
	axes, err := shapeinference.NormalizeAxes(inputShape, k.intsInput(1))
	if err != nil {
		return err
	}
	reduced := types.SetWith(axes...)
	k.count = 1
	for _, axis := range axes {
		k.count *= inputShape.Dimensions[axis]
	}

	// Strides of the output, over the input axes: reduced axes have stride 0.
	outputStrides := make([]int, inputShape.Rank())
	stride := 1
	for axis := inputShape.Rank() - 1; axis >= 0; axis-- {
		if reduced.Has(axis) {
			continue
		}
		outputStrides[axis] = stride
		stride *= inputShape.Dimensions[axis]
	}
	if stride != outputShapes[0].Size() {
		return errs.Errorf(errs.ErrShapeMismatch, "%s: reducing %s over %v doesn't give %s", k.node, inputShape, axes, outputShapes[0])
	}
	k.outputIndices = make([]int, 0, inputShape.Size())
	for indices := range inputShape.Iter() {
		flat := 0
		for axis, idx := range indices {
			flat += idx * outputStrides[axis]
		}
		k.outputIndices = append(k.outputIndices, flat)
	}

	k.quantized = isQuantized(input) || isQuantized(output)
	if !k.quantized {
		return nil
	}
	if !isQuantized(input) || !isQuantized(output) || input.Quant().IsPerChannel() || output.Quant().IsPerChannel() {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized reduction requires per-tensor quantized input and output", k.node)
	}
	k.qMin, k.qMax, err = quant.Range(output.DType())
	if err != nil {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: %v", k.node, err)
	}
	k.inZeroPoint, k.outZeroPoint = input.Quant().ZeroPoint(), output.Quant().ZeroPoint()
	realMultiplier := float64(input.Quant().Scale()) / float64(output.Quant().Scale())
	switch k.node.Kind {
	case ir.OpMean:
		realMultiplier /= float64(max(k.count, 1))
	case ir.OpReduceMax:
		if !input.Quant().Equal(output.Quant()) {
			return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized input and output must share quantization parameters", k.node)
		}
	}
	k.multiplier = quant.QuantizeMultiplier(realMultiplier)
	return nil
}

func (k *reduceKernel) Execute() error {
	input, output := k.inputs[0], k.outputs[0]
	size := output.Shape().Size()
	if input.DType().IsFloat() {
		values, err := flatToFloat64(input)
		if err != nil {
			return err
		}
		results := make([]float64, size)
		if k.node.Kind == ir.OpReduceMax {
			for ii := range results {
				results[ii] = math.Inf(-1)
			}
		}
		for ii, value := range values {
			out := k.outputIndices[ii]
			if k.node.Kind == ir.OpReduceMax {
				results[out] = max(results[out], value)
			} else {
				results[out] += value
			}
		}
		if k.node.Kind == ir.OpMean && k.count > 0 {
			for ii := range results {
				results[ii] /= float64(k.count)
			}
		}
		return storeFloat64(output, results)
	}

	values, err := flatToInt64(input)
	if err != nil {
		return err
	}
	results := make([]int64, size)
	if k.node.Kind == ir.OpReduceMax {
		for ii := range results {
			results[ii] = math.MinInt64
		}
	}
	offset := int64(0)
	if k.quantized {
		offset = int64(k.inZeroPoint)
	}
	for ii, value := range values {
		out := k.outputIndices[ii]
		if k.node.Kind == ir.OpReduceMax {
			results[out] = max(results[out], value)
		} else {
			results[out] += value - offset
		}
	}
	switch {
	case k.quantized && k.node.Kind != ir.OpReduceMax:
		for ii, acc := range results {
			acc = min(max(acc, math.MinInt32), math.MaxInt32)
			result := k.multiplier.Apply(int32(acc)) + k.outZeroPoint
			results[ii] = int64(min(max(result, k.qMin), k.qMax))
		}
	case k.node.Kind == ir.OpMean && k.count > 0:
		for ii := range results {
			results[ii] /= int64(k.count)
		}
	}
	return storeInt64(output, results)
}

// softmaxKernel implements Softmax over the last axis, for float inputs:
// `softmax(x)_i = exp(beta * (x_i - max(x))) / sum_j exp(beta * (x_j - max(x)))`.
type softmaxKernel struct {
	kernel
	beta float64
}

func buildSoftmax(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	beta := float64(params[ir.SoftmaxParams](node).Beta)
	if beta == 0 {
		beta = 1
	}
	return &softmaxKernel{kernel: k, beta: beta}, nil
}

func (k *softmaxKernel) Configure() error {
	if _, err := k.configureOutputs(); err != nil {
		return err
	}
	if !k.inputs[0].DType().IsFloat() {
		return errs.Errorf(errs.ErrTypeMismatch, "%s requires a float input, got %s", k.node, k.inputs[0].DType())
	}
	if k.inputs[0].Shape().Rank() == 0 {
		return errs.Errorf(errs.ErrShapeMismatch, "%s requires at least rank 1", k.node)
	}
	return nil
}

func (k *softmaxKernel) Execute() error {
	values, err := flatToFloat64(k.inputs[0])
	if err != nil {
		return err
	}
	depth := k.inputs[0].Shape().Dim(-1)
	for start := 0; start+depth <= len(values) && depth > 0; start += depth {
		row := values[start : start+depth]
		maxValue := math.Inf(-1)
		for _, value := range row {
			maxValue = max(maxValue, value)
		}
		sum := 0.0
		for ii, value := range row {
			row[ii] = math.Exp(k.beta * (value - maxValue))
			sum += row[ii]
		}
		for ii := range row {
			row[ii] /= sum
		}
	}
	return storeFloat64(k.outputs[0], values)
}
