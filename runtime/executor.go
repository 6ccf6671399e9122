// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"slices"

	"github.com/gomlx/micrort/backends"
	"github.com/gomlx/micrort/backends/memory"
	"github.com/gomlx/micrort/backends/shapeinference"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// graphExecutor executes one graph of a Module: it owns the tensors of the graph, bound either to the
// arena (static shapes) or to the dynamic allocator, and the kernels of its nodes in execution order.
//
// It implements backends.Allocator for the dynamic outputs of its kernels.
type graphExecutor struct {
	module *Module
	idx    int
	graph  *ir.Graph

	// plan of the static tensors, with offsets in the arena.
	plan *memory.Plan

	// tensors and numUses indexed by OperandID.
	tensors []*tensors.Tensor
	numUses []int
	index   map[*tensors.Tensor]ir.OperandID
	isInput []bool

	// Per step of the execution order: the kernel, and the input shapes it was last configured with.
	kernels     []backends.Kernel
	configured  []bool
	inputShapes [][]shapes.Shape

	// running is set while the graph executes, to reject re-entrant executions.
	running bool
}

var _ backends.Allocator = (*graphExecutor)(nil)

// newGraphExecutor runs the static pass over the graph g and creates its tensors. Its static tensors are
// planned starting at arenaOffset.
func newGraphExecutor(module *Module, idx int, g *ir.Graph, arenaOffset int) (*graphExecutor, error) {
	result, err := shapeinference.StaticPass(g)
	if err != nil {
		return nil, errors.WithMessagef(err, "static shape pass of graph #%d %q", idx, g.Name)
	}
	e := &graphExecutor{
		module:  module,
		idx:     idx,
		graph:   g,
		plan:    memory.PlanGraph(g, result.Shapes, module.config.Alignment).Shift(arenaOffset),
		tensors: make([]*tensors.Tensor, g.NumOperands()),
		index:   make(map[*tensors.Tensor]ir.OperandID, g.NumOperands()),
		isInput: make([]bool, g.NumOperands()),
	}
	_, e.numUses = memory.Lifetimes(g)
	for _, id := range g.Inputs() {
		e.isInput[id] = true
	}
	for id := range g.NumOperands() {
		operand := g.Operand(ir.OperandID(id))
		var t *tensors.Tensor
		switch {
		case operand.IsConstant():
			shape, _ := operand.Shape.Get()
			t = tensors.NewConstant(operand.Name, shape, operand.Data)
		case result.Shapes[id].IsStatic():
			shape, _ := result.Shapes[id].Get()
			t = tensors.New(operand.Name, shape, nil)
		default:
			t = tensors.New(operand.Name, shapes.Scalar(result.Shapes[id].DType()), nil)
			t.SetDynamic(true)
		}
		t.SetQuant(operand.Quant)
		e.tensors[id] = t
		e.index[t] = ir.OperandID(id)
	}
	klog.V(1).Infof("runtime: graph #%d %q: %d nodes, %d dynamic operands, %s", idx, g.Name,
		g.NumNodes(), result.NumDynamic(), e.plan)
	return e, nil
}

// buildKernels builds the kernel of every node, in execution order.
func (e *graphExecutor) buildKernels(registry *backends.Registry) error {
	ctx := &backends.BuildContext{
		Graph:              e.graph,
		Tensors:            e.tensors,
		Allocator:          e,
		Subgraphs:          e.module,
		MaxWhileIterations: e.module.config.MaxWhileIterations,
	}
	order := e.graph.Order()
	e.kernels = make([]backends.Kernel, len(order))
	e.configured = make([]bool, len(order))
	e.inputShapes = make([][]shapes.Shape, len(order))
	for step, nodeID := range order {
		kernel, err := registry.Build(ctx, e.graph.Node(nodeID))
		if err != nil {
			return err
		}
		e.kernels[step] = kernel
	}
	return nil
}

// Resize implements backends.Allocator: the allocation is reference counted with the number of uses of the
// operand.
func (e *graphExecutor) Resize(t *tensors.Tensor, shape shapes.Shape) error {
	var uses int
	if id, found := e.index[t]; found {
		uses = e.numUses[id]
	}
	return e.module.dynamic.Allocate(t, shape, uses)
}

// bindArena binds the planned tensors to their region of the arena.
func (e *graphExecutor) bindArena() {
	for _, assignment := range e.plan.Assignments {
		t := e.tensors[assignment.Operand]
		t.SetData(t.Shape(), e.module.arena.Bytes(assignment.Offset, assignment.Size))
	}
}

// inputTensors returns the tensors of the graph inputs.
func (e *graphExecutor) inputTensors() []*tensors.Tensor {
	inputs := make([]*tensors.Tensor, len(e.graph.Inputs()))
	for ii, id := range e.graph.Inputs() {
		inputs[ii] = e.tensors[id]
	}
	return inputs
}

// releaseIntermediates frees the dynamic tensors left from a previous execution. The inputs of the main
// graph are kept, since they are set by the host.
func (e *graphExecutor) releaseIntermediates() {
	for id, t := range e.tensors {
		if t.IsDynamic() && !(e.idx == ir.MainGraph && e.isInput[id]) {
			e.module.dynamic.Free(t)
		}
	}
}

// setInputs copies the values into the input tensors of the graph, sizing the dynamic ones. Values that are
// tensors of this same graph (a While body feeding itself) are copied aside first.
func (e *graphExecutor) setInputs(values []*tensors.Tensor) error {
	ids := e.graph.Inputs()
	if len(values) != len(ids) {
		return errs.Errorf(errs.ErrArity, "graph #%d %q takes %d inputs, got %d", e.idx, e.graph.Name, len(ids), len(values))
	}
	values = slices.Clone(values)
	for ii, value := range values {
		if _, own := e.index[value]; own && value != e.tensors[ids[ii]] {
			values[ii] = tensors.New(value.Name(), value.Shape(), slices.Clone(value.Bytes()))
		}
	}
	for ii, value := range values {
		input := e.tensors[ids[ii]]
		if value == input {
			continue
		}
		if value.DType() != input.DType() {
			return errs.Errorf(errs.ErrTypeMismatch, "graph #%d %q input #%d (%q) is %s, got %s",
				e.idx, e.graph.Name, ii, input.Name(), input.DType(), value.DType())
		}
		if input.IsDynamic() {
			if err := e.Resize(input, value.Shape()); err != nil {
				return errors.WithMessagef(err, "graph #%d %q input #%d", e.idx, e.graph.Name, ii)
			}
		} else if !input.Shape().Equal(value.Shape()) {
			return errs.Errorf(errs.ErrShapeMismatch, "graph #%d %q input #%d (%q) is %s, got %s",
				e.idx, e.graph.Name, ii, input.Name(), input.Shape(), value.Shape())
		}
		if err := input.CopyFrom(value); err != nil {
			return errors.WithMessagef(err, "graph #%d %q input #%d", e.idx, e.graph.Name, ii)
		}
	}
	return nil
}

// needsConfigure returns whether the kernel at step must be (re)configured: it never was, one of its
// input shapes changed since, or it has a dynamic output, whose shape may depend on the input values.
func (e *graphExecutor) needsConfigure(step int, node *ir.Node) bool {
	if !e.configured[step] {
		return true
	}
	for _, id := range node.Outputs {
		if e.tensors[id].IsDynamic() {
			return true
		}
	}
	for ii, id := range node.Inputs {
		if id != ir.NoOperand && !e.tensors[id].Shape().Equal(e.inputShapes[step][ii]) {
			return true
		}
	}
	return false
}

func (e *graphExecutor) recordConfigured(step int, node *ir.Node) {
	inputShapes := make([]shapes.Shape, len(node.Inputs))
	for ii, id := range node.Inputs {
		if id != ir.NoOperand {
			inputShapes[ii] = e.tensors[id].Shape().Clone()
		}
	}
	e.inputShapes[step] = inputShapes
	e.configured[step] = true
}

// consumeInputs records the uses of the node inputs, freeing the dynamic intermediate tensors no longer
// needed.
func (e *graphExecutor) consumeInputs(node *ir.Node) {
	for _, id := range node.Inputs {
		if id == ir.NoOperand || e.isInput[id] || e.graph.Operand(id).Producer() == ir.NoNode {
			continue
		}
		e.module.dynamic.Consume(e.tensors[id])
	}
}

// run executes the nodes of the graph in order, and returns its output tensors.
func (e *graphExecutor) run() ([]*tensors.Tensor, error) {
	if e.running {
		return nil, errs.Errorf(errs.ErrReentrant, "graph #%d %q is already executing", e.idx, e.graph.Name)
	}
	e.running = true
	defer func() { e.running = false }()

	for step, nodeID := range e.graph.Order() {
		node := e.graph.Node(nodeID)
		kernel := e.kernels[step]
		if e.needsConfigure(step, node) {
			e.configured[step] = false
			if err := kernel.Configure(); err != nil {
				return nil, errors.WithMessagef(err, "configuring %s of graph %q", node, e.graph.Name)
			}
			e.recordConfigured(step, node)
		}
		if err := kernel.Execute(); err != nil {
			return nil, errors.WithMessagef(err, "executing %s of graph %q", node, e.graph.Name)
		}
		e.module.metrics.KernelExecuted(e.module.name, node.Kind.String())
		if klog.V(2).Enabled() {
			for _, id := range node.Outputs {
				klog.Infof("runtime: graph %q %s -> %s", e.graph.Name, node, e.tensors[id])
			}
		}
		e.consumeInputs(node)
	}

	outputs := make([]*tensors.Tensor, len(e.graph.Outputs()))
	for ii, id := range e.graph.Outputs() {
		outputs[ii] = e.tensors[id]
	}
	return outputs, nil
}
