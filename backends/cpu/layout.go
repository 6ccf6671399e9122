// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/backends"
	"github.com/gomlx/micrort/backends/memory"
	"github.com/gomlx/micrort/backends/shapeinference"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
)

// This file implements the operations that move elements around without changing their values. They work on
// the bytes of the elements, regardless of the dtype.

// reshapeKernel copies the input as is: the row-major order of the elements doesn't change.
type reshapeKernel struct {
	kernel
}

func buildReshape(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &reshapeKernel{kernel: k}, nil
}

func (k *reshapeKernel) Configure() error {
	_, err := k.configureOutputs()
	return err
}

func (k *reshapeKernel) Execute() error {
	copy(k.outputs[0].Bytes(), k.inputs[0].Bytes())
	return nil
}

// shapeKernel writes the dimensions of its input.
type shapeKernel struct {
	kernel
}

func buildShape(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &shapeKernel{kernel: k}, nil
}

func (k *shapeKernel) Configure() error {
	_, err := k.configureOutputs()
	return err
}

func (k *shapeKernel) Execute() error {
	value := shapeinference.ShapeValue(k.inputs[0].Shape(), k.outputs[0].DType())
	copy(k.outputs[0].Bytes(), value.Bytes())
	return nil
}

// gatherKernel implements the layout operations where each output element is copied from one input element:
// the index mapping is computed at Configure, once the concrete shapes are known.
type gatherKernel struct {
	kernel

	// configureIndex is called after the output shape is configured, and returns the function mapping output
	// indices to the flat index of the input element.
	configureIndex func(k *gatherKernel, outputShape shapes.Shape) (func(outputIndices []int) int, error)

	sourceIndex func(outputIndices []int) int
}

func newGatherKernel(ctx *backends.BuildContext, node *ir.Node,
	configureIndex func(k *gatherKernel, outputShape shapes.Shape) (func(outputIndices []int) int, error)) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &gatherKernel{kernel: k, configureIndex: configureIndex}, nil
}

func (k *gatherKernel) Configure() error {
	outputShapes, err := k.configureOutputs()
	if err != nil {
		return err
	}
	k.sourceIndex, err = k.configureIndex(k, outputShapes[0])
	return err
}

func (k *gatherKernel) Execute() error {
	input, output := k.inputs[0], k.outputs[0]
	elementSize := int(input.DType().Size())
	src, dst := input.Bytes(), output.Bytes()
	outputIdx := 0
	for indices := range output.Shape().Iter() {
		srcIdx := k.sourceIndex(indices) * elementSize
		copy(dst[outputIdx:outputIdx+elementSize], src[srcIdx:srcIdx+elementSize])
		outputIdx += elementSize
	}
	return nil
}

// intsInput reads input ii of the kernel as integers.
func (k *kernel) intsInput(ii int) []int {
	return shapeinference.IntValues(k.inputs[ii])
}

func buildTranspose(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	return newGatherKernel(ctx, node, func(k *gatherKernel, _ shapes.Shape) (func([]int) int, error) {
		permutations := k.intsInput(1)
		inputStrides := k.inputs[0].Shape().Strides()
		strides := make([]int, len(permutations))
		for axis, srcAxis := range permutations {
			strides[axis] = inputStrides[srcAxis]
		}
		return func(indices []int) int {
			flat := 0
			for axis, idx := range indices {
				flat += idx * strides[axis]
			}
			return flat
		}, nil
	})
}

func buildSlice(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	return newGatherKernel(ctx, node, func(k *gatherKernel, _ shapes.Shape) (func([]int) int, error) {
		begin := k.intsInput(1)
		strides := k.inputs[0].Shape().Strides()
		return func(indices []int) int {
			flat := 0
			for axis, idx := range indices {
				flat += (idx + begin[axis]) * strides[axis]
			}
			return flat
		}, nil
	})
}

func buildStridedSlice(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	sliceParams := params[ir.StridedSliceParams](node)
	return newGatherKernel(ctx, node, func(k *gatherKernel, _ shapes.Shape) (func([]int) int, error) {
		inputShape := k.inputs[0].Shape()
		axes, err := shapeinference.ResolveStridedSlice(inputShape, k.intsInput(1), k.intsInput(2), k.intsInput(3), &sliceParams)
		if err != nil {
			return nil, err
		}
		strides := inputShape.Strides()
		return func(indices []int) int {
			flat, outputAxis := 0, 0
			for axis, sliceAxis := range axes {
				idx := sliceAxis.Start
				if !sliceAxis.Shrink {
					idx += indices[outputAxis] * sliceAxis.Stride
					outputAxis++
				}
				flat += idx * strides[axis]
			}
			return flat
		}, nil
	})
}

func buildSpaceToDepth(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	blockSize := params[ir.BlockParams](node).BlockSize
	return newGatherKernel(ctx, node, func(k *gatherKernel, _ shapes.Shape) (func([]int) int, error) {
		inputShape := k.inputs[0].Shape()
		depth := inputShape.Dimensions[3]
		strides := inputShape.Strides()
		return func(indices []int) int {
			n, h, w, c := indices[0], indices[1], indices[2], indices[3]
			block, inputC := c/depth, c%depth
			inputH, inputW := h*blockSize+block/blockSize, w*blockSize+block%blockSize
			return n*strides[0] + inputH*strides[1] + inputW*strides[2] + inputC
		}, nil
	})
}

func buildDepthToSpace(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	blockSize := params[ir.BlockParams](node).BlockSize
	return newGatherKernel(ctx, node, func(k *gatherKernel, outputShape shapes.Shape) (func([]int) int, error) {
		strides := k.inputs[0].Shape().Strides()
		outputDepth := outputShape.Dimensions[3]
		return func(indices []int) int {
			n, h, w, c := indices[0], indices[1], indices[2], indices[3]
			block := (h%blockSize)*blockSize + w%blockSize
			return n*strides[0] + (h/blockSize)*strides[1] + (w/blockSize)*strides[2] + block*outputDepth + c
		}, nil
	})
}

func buildBatchToSpaceND(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	return newGatherKernel(ctx, node, func(k *gatherKernel, outputShape shapes.Shape) (func([]int) int, error) {
		blockShape := k.intsInput(1)
		crops := k.intsInput(2)
		strides := k.inputs[0].Shape().Strides()
		outputBatch := outputShape.Dimensions[0]
		numSpatial := len(blockShape)
		return func(indices []int) int {
			blockIdx := 0
			flat := 0
			for ii := range numSpatial {
				padded := indices[ii+1] + crops[2*ii]
				blockIdx = blockIdx*blockShape[ii] + padded%blockShape[ii]
				flat += (padded / blockShape[ii]) * strides[ii+1]
			}
			flat += (blockIdx*outputBatch + indices[0]) * strides[0]
			for axis := numSpatial + 1; axis < len(indices); axis++ {
				flat += indices[axis] * strides[axis]
			}
			return flat
		}, nil
	})
}

// concatenationKernel concatenates its inputs along an axis. Quantized inputs whose parameters differ from
// the output's are requantized first, into the kernel's scratch space.
type concatenationKernel struct {
	kernel
	axis       int
	activation ir.Activation
	scope      *memory.LayerScope

	// sources are the inputs, or their requantized copies.
	sources     []*tensors.Tensor
	multipliers []quant.Multiplier
}

func buildConcatenation(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	p := params[ir.ConcatenationParams](node)
	return &concatenationKernel{kernel: k, axis: p.Axis, activation: p.Activation, scope: memory.NewLayerScope()}, nil
}

func (k *concatenationKernel) Configure() error {
	outputShapes, err := k.configureOutputs()
	if err != nil {
		return err
	}
	k.axis, err = outputShapes[0].AdjustAxis(k.axis)
	if err != nil {
		return errs.Errorf(errs.ErrShapeMismatch, "%s: %v", k.node, err)
	}
	output := k.outputs[0]
	k.sources = make([]*tensors.Tensor, len(k.inputs))
	k.multipliers = make([]quant.Multiplier, len(k.inputs))
	copy(k.sources, k.inputs)
	if !isQuantized(output) {
		return nil
	}
	for ii, input := range k.inputs {
		if !isQuantized(input) || input.Quant().IsPerChannel() || output.Quant().IsPerChannel() {
			return errs.Errorf(errs.ErrTypeMismatch, "%s: quantized concatenation requires per-tensor quantized inputs, got %s", k.node, input)
		}
		if input.Quant().Equal(output.Quant()) {
			continue
		}
		scratch := k.scope.Scratch(fmt.Sprintf("input#%d", ii), input.Shape().ByteSize())
		k.sources[ii] = tensors.New(input.Name(), input.Shape(), scratch)
		k.multipliers[ii] = quant.QuantizeMultiplier(float64(input.Quant().Scale()) / float64(output.Quant().Scale()))
	}
	return nil
}

func (k *concatenationKernel) Execute() error {
	output := k.outputs[0]
	for ii, source := range k.sources {
		if source != k.inputs[ii] {
			values := memory.ScratchOf[int32](k.scope, "values", source.Shape().Size())
			if err := requantizeInto(k.inputs[ii], source, k.multipliers[ii], output.Quant().ZeroPoint(), values); err != nil {
				return err
			}
		}
	}
	elementSize := int(output.DType().Size())
	outputShape := output.Shape()
	outer := 1
	for _, dim := range outputShape.Dimensions[:k.axis] {
		outer *= dim
	}
	outputRow := outputShape.Size() / max(outer, 1) * elementSize
	dst := output.Bytes()
	offset := 0
	for _, source := range k.sources {
		src := source.Bytes()
		row := len(src) / max(outer, 1)
		for o := range outer {
			copy(dst[o*outputRow+offset:o*outputRow+offset+row], src[o*row:(o+1)*row])
		}
		offset += row
	}
	if k.activation != ir.ActNone && output.DType() == dtypes.Float32 {
		lo, hi := k.activation.Range()
		flat := tensors.Flat[float32](output)
		for ii, value := range flat {
			flat[ii] = clampActivation(value, lo, hi)
		}
	}
	return nil
}

// requantizeInto writes the values of src, rescaled by multiplier and shifted to zeroPoint, into dst.
// The values are converted in scratch, with the size of src.
func requantizeInto(src, dst *tensors.Tensor, multiplier quant.Multiplier, zeroPoint int32, scratch []int32) error {
	qMin, qMax, err := quant.Range(dst.DType())
	if err != nil {
		return errs.Errorf(errs.ErrTypeMismatch, "%v", err)
	}
	if err := int32sInto(src, scratch); err != nil {
		return err
	}
	srcZeroPoint := src.Quant().ZeroPoint()
	for ii, q := range scratch {
		result := multiplier.Apply(q-srcZeroPoint) + zeroPoint
		scratch[ii] = min(max(result, qMin), qMax)
	}
	return storeInt32(dst, scratch)
}
