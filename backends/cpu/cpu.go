// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the reference CPU kernels for every operation kind of the runtime.
//
// Kernels are built by the Registry returned by NewRegistry, once per node at load time. Float kernels
// compute in the element type (Float16 is computed in float32). Quantized kernels (integer tensors with
// quantization parameters) rescale with fixed-point multipliers computed at Configure, so that Execute only
// uses integer arithmetic.
package cpu

import (
	"github.com/gomlx/micrort/backends"
	"github.com/gomlx/micrort/backends/shapeinference"
	"github.com/gomlx/micrort/internal/workerspool"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/pkg/errors"
)

// BackendName of the CPU registry.
const BackendName = "cpu"

// NewRegistry returns the registry of the CPU kernels. Kernels that parallelize their work (FullyConnected)
// use pool; a nil pool runs everything inline.
func NewRegistry(pool *workerspool.Pool) *backends.Registry {
	r := backends.NewRegistry(BackendName)
	for kind := range shapeinference.ArithmeticOperations {
		r.Register(kind, buildBinary)
	}
	for kind := range shapeinference.ComparisonOperations {
		r.Register(kind, buildComparison)
	}
	r.Register(ir.OpLogicalAnd, buildLogical)
	r.Register(ir.OpLogicalOr, buildLogical)
	r.Register(ir.OpLogicalNot, buildLogical)
	for kind := range shapeinference.UnaryOperations {
		r.Register(kind, buildUnary)
	}
	r.Register(ir.OpCast, buildCast)
	r.Register(ir.OpQuantize, buildQuantize)
	r.Register(ir.OpDequantize, buildDequantize)
	r.Register(ir.OpReshape, buildReshape)
	r.Register(ir.OpShape, buildShape)
	r.Register(ir.OpTranspose, buildTranspose)
	r.Register(ir.OpSlice, buildSlice)
	r.Register(ir.OpStridedSlice, buildStridedSlice)
	r.Register(ir.OpConcatenation, buildConcatenation)
	r.Register(ir.OpSpaceToDepth, buildSpaceToDepth)
	r.Register(ir.OpDepthToSpace, buildDepthToSpace)
	r.Register(ir.OpBatchToSpaceND, buildBatchToSpaceND)
	for kind := range shapeinference.ReduceOperations {
		r.Register(kind, buildReduce)
	}
	r.Register(ir.OpSoftmax, buildSoftmax)
	r.Register(ir.OpFullyConnected, func(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
		return buildFullyConnected(ctx, node, pool)
	})
	r.Register(ir.OpWhere, buildWhere)
	r.Register(ir.OpNonMaxSuppressionV4, buildNonMaxSuppression)
	r.Register(ir.OpIf, buildIf)
	r.Register(ir.OpWhile, buildWhile)
	return r
}

// kernel holds what is common to all kernels: the node and its bound tensors.
type kernel struct {
	graph   *ir.Graph
	node    *ir.Node
	inputs  []*tensors.Tensor
	outputs []*tensors.Tensor
	alloc   backends.Allocator
}

func newKernel(ctx *backends.BuildContext, node *ir.Node) (kernel, error) {
	inputs, err := ctx.Inputs(node)
	if err != nil {
		return kernel{}, err
	}
	outputs, err := ctx.Outputs(node)
	if err != nil {
		return kernel{}, err
	}
	return kernel{graph: ctx.Graph, node: node, inputs: inputs, outputs: outputs, alloc: ctx.Allocator}, nil
}

// configureOutputs computes the output shapes with the shape inference rule of the node, from the concrete
// inputs, and sets them on the outputs.
func (k *kernel) configureOutputs() ([]shapes.Shape, error) {
	outputShapes, err := shapeinference.InferNode(k.graph, k.node, k.inputs)
	if err != nil {
		return nil, err
	}
	for ii, shape := range outputShapes {
		if err := k.setOutputShape(ii, shape); err != nil {
			return nil, err
		}
	}
	return outputShapes, nil
}

// setOutputShape checks the shape of a static output, or (re)allocates a dynamic one.
func (k *kernel) setOutputShape(ii int, shape shapes.Shape) error {
	output := k.outputs[ii]
	if output.IsDynamic() {
		if k.alloc == nil {
			return errs.Errorf(errs.ErrStructural, "%s: dynamic output #%d without an allocator", k.node, ii)
		}
		return errors.WithMessagef(k.alloc.Resize(output, shape), "%s output #%d", k.node, ii)
	}
	if !output.Shape().Equal(shape) {
		return errs.Errorf(errs.ErrShapeMismatch, "%s output #%d is %s, but its inputs give %s", k.node, ii, output.Shape(), shape)
	}
	return nil
}

// isQuantized returns whether t holds quantized integer values.
func isQuantized(t *tensors.Tensor) bool {
	return t != nil && t.Quant() != nil && !t.DType().IsFloat()
}

// params returns the typed parameters of the node, or the zero value if absent.
func params[P any](node *ir.Node) P {
	if p, ok := node.Params.(*P); ok && p != nil {
		return *p
	}
	var zero P
	return zero
}
