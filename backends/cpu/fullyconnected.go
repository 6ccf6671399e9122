// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/backends"
	"github.com/gomlx/micrort/backends/memory"
	"github.com/gomlx/micrort/internal/workerspool"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/tensors"
)

// minRowsPerTask is the minimum number of output rows handed to a worker.
const minRowsPerTask = 4

// fullyConnectedKernel computes `output[b, n] = activation(sum_k input[b, k] * weights[n, k] + bias[n])`.
//
// Quantized inputs accumulate `(input - zp_input) * (weights - zp_weights)` in int32, add the int32 bias and
// rescale with `scale_input * scale_weights[n] / scale_output`, where the weights scale may be per-channel
// (per output unit).
//
// The int32 accumulators, the zero-point adjusted operands and the Float16 conversions live in the kernel's
// LayerScope.
type fullyConnectedKernel struct {
	kernel
	pool       *workerspool.Pool
	scope      *memory.LayerScope
	activation ir.Activation

	batch, units, depth int

	quantized      bool
	weights        []int32 // Quantized weights minus their zero point.
	multipliers    []quant.Multiplier
	inZeroPoint    int32
	outZeroPoint   int32
	actMin, actMax int32
}

func buildFullyConnected(ctx *backends.BuildContext, node *ir.Node, pool *workerspool.Pool) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &fullyConnectedKernel{
		kernel:     k,
		pool:       pool,
		scope:      memory.NewLayerScope(),
		activation: params[ir.FullyConnectedParams](node).Activation,
	}, nil
}

func (k *fullyConnectedKernel) bias() *tensors.Tensor {
	if len(k.inputs) < 3 {
		return nil
	}
	return k.inputs[2]
}

func (k *fullyConnectedKernel) Configure() error {
	if _, err := k.configureOutputs(); err != nil {
		return err
	}
	input, weights, output := k.inputs[0], k.inputs[1], k.outputs[0]
	k.units, k.depth = weights.Shape().Dimensions[0], weights.Shape().Dimensions[1]
	k.batch = input.Shape().Size() / k.depth
	k.quantized = isQuantized(input) || isQuantized(weights) || isQuantized(output)
	if !k.quantized {
		if input.DType() != weights.DType() || input.DType() != output.DType() || !input.DType().IsFloat() {
			return errs.Errorf(errs.ErrTypeMismatch, "%s: float FullyConnected requires matching float dtypes, got %s, %s and %s",
				k.node, input.DType(), weights.DType(), output.DType())
		}
		if bias := k.bias(); bias != nil && bias.DType() != input.DType() {
			return errs.Errorf(errs.ErrTypeMismatch, "%s: bias %s doesn't match input %s", k.node, bias.DType(), input.DType())
		}
		return nil
	}
	return k.configureQuantized()
}

func (k *fullyConnectedKernel) configureQuantized() error {
	input, weights, output := k.inputs[0], k.inputs[1], k.outputs[0]
	if !isQuantized(input) || !isQuantized(weights) || !isQuantized(output) {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized FullyConnected requires quantized input, weights and output", k.node)
	}
	if input.Quant().IsPerChannel() || output.Quant().IsPerChannel() {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: input and output must be quantized per-tensor", k.node)
	}
	weightsQuant := weights.Quant()
	if weightsQuant.IsPerChannel() && (weightsQuant.QuantizedDimension != 0 || len(weightsQuant.Scales) != k.units) {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: weights must be quantized per output unit (axis 0), got %d scales on axis %d",
			k.node, len(weightsQuant.Scales), weightsQuant.QuantizedDimension)
	}
	qMin, qMax, err := quant.Range(output.DType())
	if err != nil {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: %v", k.node, err)
	}
	k.actMin, k.actMax = quantizedActivationRange(k.activation, output.Quant(), qMin, qMax)
	k.inZeroPoint, k.outZeroPoint = input.Quant().ZeroPoint(), output.Quant().ZeroPoint()

	k.multipliers = make([]quant.Multiplier, k.units)
	for unit := range k.units {
		channel := 0
		if weightsQuant.IsPerChannel() {
			channel = unit
		}
		realMultiplier := float64(input.Quant().Scale()) * float64(weightsQuant.Scales[channel]) / float64(output.Quant().Scale())
		k.multipliers[unit] = quant.QuantizeMultiplier(realMultiplier)
	}

	if bias := k.bias(); bias != nil && bias.DType() != dtypes.Int32 && bias.DType() != dtypes.Int64 {
		return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized bias must be Int32 or Int64, got %s", k.node, bias.DType())
	}
	k.weights = nil
	if weights.IsConstant() {
		return k.loadWeights()
	}
	return nil
}

// loadWeights converts the quantized weights to int32 minus their zero points. Constant weights are loaded
// once, at Configure, the others at every Execute.
func (k *fullyConnectedKernel) loadWeights() error {
	weights := k.inputs[1]
	weightsQuant := weights.Quant()
	k.weights = memory.ScratchOf[int32](k.scope, "weights", weights.Shape().Size())
	if err := int32sInto(weights, k.weights); err != nil {
		return err
	}
	for unit := range k.units {
		channel := 0
		if weightsQuant.IsPerChannel() {
			channel = unit
		}
		zeroPoint := weightsQuant.ChannelZeroPoint(channel)
		for ii := unit * k.depth; ii < (unit+1)*k.depth; ii++ {
			k.weights[ii] -= zeroPoint
		}
	}
	return nil
}

func (k *fullyConnectedKernel) Execute() error {
	if k.quantized {
		return k.executeQuantized()
	}
	input, weights, output := k.inputs[0], k.inputs[1], k.outputs[0]
	lo, hi := k.activation.Range()
	switch output.DType() {
	case dtypes.Float32:
		var bias []float32
		if t := k.bias(); t != nil {
			bias = tensors.Flat[float32](t)
		}
		execFullyConnectedFloat(k, tensors.Flat[float32](input), tensors.Flat[float32](weights), bias,
			tensors.Flat[float32](output), lo, hi)
		return nil
	case dtypes.Float64:
		var bias []float64
		if t := k.bias(); t != nil {
			bias = tensors.Flat[float64](t)
		}
		execFullyConnectedFloat(k, tensors.Flat[float64](input), tensors.Flat[float64](weights), bias,
			tensors.Flat[float64](output), lo, hi)
		return nil
	}

	// Float16 is computed in float64.
	inputValues := memory.ScratchOf[float64](k.scope, "input", input.Shape().Size())
	if err := float64sInto(input, inputValues); err != nil {
		return err
	}
	weightValues := memory.ScratchOf[float64](k.scope, "weights", weights.Shape().Size())
	if err := float64sInto(weights, weightValues); err != nil {
		return err
	}
	var bias []float64
	if t := k.bias(); t != nil {
		bias = memory.ScratchOf[float64](k.scope, "bias", t.Shape().Size())
		if err := float64sInto(t, bias); err != nil {
			return err
		}
	}
	results := memory.ScratchOf[float64](k.scope, "accumulators", output.Shape().Size())
	execFullyConnectedFloat(k, inputValues, weightValues, bias, results, lo, hi)
	return storeFloat64(output, results)
}

func execFullyConnectedFloat[T float32 | float64](k *fullyConnectedKernel, input, weights, bias, output []T, lo, hi float64) {
	units, depth := k.units, k.depth
	k.pool.ParallelFor(k.batch, minRowsPerTask, func(start, end int) {
		for row := start; row < end; row++ {
			x := input[row*depth : (row+1)*depth]
			for unit := range units {
				w := weights[unit*depth : (unit+1)*depth]
				var acc T
				for ii, value := range x {
					acc += value * w[ii]
				}
				if bias != nil {
					acc += bias[unit]
				}
				output[row*units+unit] = clampActivation(acc, lo, hi)
			}
		}
	})
}

func (k *fullyConnectedKernel) executeQuantized() error {
	if !k.inputs[1].IsConstant() {
		if err := k.loadWeights(); err != nil {
			return err
		}
	}
	input, output := k.inputs[0], k.outputs[0]
	inputValues := memory.ScratchOf[int32](k.scope, "input", input.Shape().Size())
	if err := int32sInto(input, inputValues); err != nil {
		return err
	}
	for ii := range inputValues {
		inputValues[ii] -= k.inZeroPoint
	}
	var bias []int64
	if t := k.bias(); t != nil {
		bias = memory.ScratchOf[int64](k.scope, "bias", t.Shape().Size())
		if err := int64sInto(t, bias); err != nil {
			return err
		}
	}
	results := memory.ScratchOf[int32](k.scope, "accumulators", output.Shape().Size())
	units, depth := k.units, k.depth
	k.pool.ParallelFor(k.batch, minRowsPerTask, func(start, end int) {
		for row := start; row < end; row++ {
			x := inputValues[row*depth : (row+1)*depth]
			for unit := range units {
				w := k.weights[unit*depth : (unit+1)*depth]
				var acc int64
				for ii, value := range x {
					acc += int64(value) * int64(w[ii])
				}
				if bias != nil {
					acc += bias[unit]
				}
				acc = min(max(acc, math.MinInt32), math.MaxInt32)
				result := k.multipliers[unit].Apply(int32(acc)) + k.outZeroPoint
				results[row*units+unit] = min(max(result, k.actMin), k.actMax)
			}
		}
	})
	return storeInt32(output, results)
}
