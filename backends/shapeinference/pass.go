// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Result of the static pass over a graph.
type Result struct {
	// Shapes of every operand of the graph, indexed by OperandID.
	Shapes []ir.ShapeInfo

	// Values known before execution, indexed by OperandID: constants and values folded from them
	// (the output of Shape on a static operand). Nil for the others.
	Values []*tensors.Tensor
}

// NumDynamic returns the number of operands whose shape is only known at execution time.
func (r *Result) NumDynamic() int {
	count := 0
	for _, shape := range r.Shapes {
		if !shape.IsStatic() {
			count++
		}
	}
	return count
}

// StaticPass infers the shape of every operand of the frozen graph, before execution.
//
// Operands whose shape depends on data not known yet (or on the execution of a subgraph) are marked
// dynamic, and so are the operands computed from them, unless the operation re-establishes a static
// shape (e.g.: Reshape to a constant shape).
//
// A declared shape that conflicts with the inferred one is an error. An inferred dynamic shape takes
// precedence over a declared static one, and an inferred static shape refines a declared dynamic one.
func StaticPass(g *ir.Graph) (*Result, error) {
	numOperands := g.NumOperands()
	result := &Result{
		Shapes: make([]ir.ShapeInfo, numOperands),
		Values: make([]*tensors.Tensor, numOperands),
	}
	for id := range numOperands {
		operand := g.Operand(ir.OperandID(id))
		result.Shapes[id] = operand.Shape
		if operand.IsConstant() {
			shape, _ := operand.Shape.Get()
			value := tensors.NewConstant(operand.Name, shape, operand.Data)
			value.SetQuant(operand.Quant)
			result.Values[id] = value
		}
	}
	for _, nodeID := range g.Order() {
		node := g.Node(nodeID)
		ctx := newContext(g, node, result.Shapes, result.Values)
		outputs, err := Infer(ctx)
		if err != nil {
			return nil, errors.WithMessagef(err, "static shape inference of graph %q", g.Name)
		}
		for ii, outputID := range node.Outputs {
			shape, err := reconcile(g.Operand(outputID), outputs[ii])
			if err != nil {
				return nil, errors.WithMessagef(err, "static shape inference of graph %q, %s output #%d", g.Name, node, ii)
			}
			result.Shapes[outputID] = shape
		}
		if node.Kind == ir.OpShape {
			if operand, ok := ctx.Shape(0); ok {
				result.Values[node.Outputs[0]] = ShapeValue(operand, result.Shapes[node.Outputs[0]].DType())
			}
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("graph %q: static shape inference done, %d of %d operands are dynamic", g.Name, result.NumDynamic(), numOperands)
	}
	return result, nil
}

func newContext(g *ir.Graph, node *ir.Node, shapeInfos []ir.ShapeInfo, values []*tensors.Tensor) *Context {
	ctx := &Context{
		Node:     node,
		Inputs:   make([]ir.ShapeInfo, len(node.Inputs)),
		Values:   make([]*tensors.Tensor, len(node.Inputs)),
		Quant:    make([]*quant.Params, len(node.Inputs)),
		Declared: make([]ir.ShapeInfo, len(node.Outputs)),
	}
	for ii, id := range node.Inputs {
		if id == ir.NoOperand {
			continue
		}
		ctx.Inputs[ii] = shapeInfos[id]
		ctx.Values[ii] = values[id]
		ctx.Quant[ii] = g.Operand(id).Quant
	}
	for ii, id := range node.Outputs {
		ctx.Declared[ii] = g.Operand(id).Shape
	}
	return ctx
}

// reconcile the inferred shape of an operand with its declared one.
func reconcile(operand *ir.Operand, inferred ir.ShapeInfo) (ir.ShapeInfo, error) {
	declared := operand.Shape
	if declared.DType() != dtypes.InvalidDType && inferred.DType() != declared.DType() {
		return ir.ShapeInfo{}, errs.Errorf(errs.ErrTypeMismatch, "operand %s declared as %s, but inferred %s", operand, declared, inferred)
	}
	inferredShape, inferredOk := inferred.Get()
	declaredShape, declaredOk := declared.Get()
	if inferredOk && declaredOk && !inferredShape.Equal(declaredShape) {
		return ir.ShapeInfo{}, errs.Errorf(errs.ErrShapeMismatch, "operand %s declared as %s, but inferred %s", operand, declared, inferred)
	}
	return inferred, nil
}

// ShapeValue returns the dimensions of the shape as a tensor of the given integer dtype, the value of
// the Shape operation.
func ShapeValue(shape shapes.Shape, dtype dtypes.DType) *tensors.Tensor {
	var t *tensors.Tensor
	if dtype == dtypes.Int64 {
		dims := make([]int64, shape.Rank())
		for ii, dim := range shape.Dimensions {
			dims[ii] = int64(dim)
		}
		t, _ = tensors.FromFlat(dims, len(dims))
	} else {
		dims := make([]int32, shape.Rank())
		for ii, dim := range shape.Dimensions {
			dims[ii] = int32(dim)
		}
		t, _ = tensors.FromFlat(dims, len(dims))
	}
	return t
}

// InferNode infers the concrete output shapes of a node at execution time, when the concrete shapes
// and values of all its inputs are known. Absent optional inputs are nil.
//
// Control-flow nodes can't be inferred this way: their output shapes come from the execution of their
// subgraphs.
func InferNode(g *ir.Graph, node *ir.Node, inputs []*tensors.Tensor) ([]shapes.Shape, error) {
	if node.Kind.IsControlFlow() {
		return nil, errs.Errorf(errs.ErrStructural, "%s output shapes are only known after its subgraphs execute", node)
	}
	ctx := &Context{
		Node:     node,
		Inputs:   make([]ir.ShapeInfo, len(node.Inputs)),
		Values:   inputs,
		Quant:    make([]*quant.Params, len(node.Inputs)),
		Declared: make([]ir.ShapeInfo, len(node.Outputs)),
	}
	for ii, input := range inputs {
		if input == nil {
			continue
		}
		ctx.Inputs[ii] = ir.Static(input.Shape())
		ctx.Quant[ii] = input.Quant()
	}
	for ii, id := range node.Outputs {
		ctx.Declared[ii] = g.Operand(id).Shape
	}
	outputs, err := Infer(ctx)
	if err != nil {
		return nil, err
	}
	concrete := make([]shapes.Shape, len(outputs))
	for ii, output := range outputs {
		shape, ok := output.Get()
		if !ok {
			return nil, errs.Errorf(errs.ErrShapeMismatch, "%s output #%d can't be resolved with concrete inputs", node, ii)
		}
		concrete[ii] = shape
	}
	return concrete, nil
}
