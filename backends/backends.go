// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the kernel contract and the Registry that turns the nodes of a graph into kernels
// bound to their tensors.
//
// A Registry is built explicitly, once, by a backend (see package cpu) and passed to the runtime loader.
// It is a closed table indexed by ir.OpKind, with one BuilderFn per kind. The BuilderFn unpacks the typed
// parameters of the node and binds its input and output tensors, resolved through a BuildContext.
//
// Kernels follow a two-phase contract:
//
//   - Configure validates the inputs (count, dtypes, compatibility), computes the output shapes with the
//     shape inference rule of its kind and checks (or, for dynamic outputs, sizes) the output tensors.
//     It is called before the first Execute, and again whenever the shape of an input changes. Kernels with
//     dynamic outputs are configured before every Execute, since their output shapes may depend on the
//     input values.
//   - Execute reads the inputs and writes the outputs in place. It never allocates the graph tensors.
package backends

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/pkg/errors"
)

// Kernel is an executable unit bound to the tensors of one node.
type Kernel interface {
	// Configure validates the inputs and computes (and checks or allocates) the outputs shapes.
	Configure() error

	// Execute computes the outputs from the inputs.
	Execute() error
}

// Allocator sizes the storage of dynamic tensors. It is implemented by the runtime over a
// memory.DynamicAllocator.
type Allocator interface {
	// Resize (re)allocates the storage of the dynamic tensor t for the given shape.
	// It fails with errs.ErrOutOfMemory if the budget of dynamic tensors is exhausted.
	Resize(t *tensors.Tensor, shape shapes.Shape) error
}

// SubgraphExecutor runs the subgraphs of a module. It is implemented by the runtime and used by the
// control-flow kernels.
type SubgraphExecutor interface {
	// RunSubgraph executes subgraph idx with the given inputs, copied into the subgraph input tensors.
	// It returns the subgraph output tensors, valid until the subgraph runs again.
	RunSubgraph(idx int, inputs []*tensors.Tensor) ([]*tensors.Tensor, error)
}

// BuildContext resolves the operands of a graph to the tensors that materialize them.
type BuildContext struct {
	Graph *ir.Graph

	// Tensors indexed by OperandID.
	Tensors []*tensors.Tensor

	// Allocator of dynamic outputs.
	Allocator Allocator

	// Subgraphs of the module, for control-flow kernels.
	Subgraphs SubgraphExecutor

	// MaxWhileIterations caps the iterations of While loops, 0 for no limit.
	MaxWhileIterations int
}

// Tensor returns the tensor of operand id, or nil for ir.NoOperand.
//
// It fails with errs.ErrMissingOperand if id is out of range, or if the operand is never produced (and is
// not a graph input nor a constant).
func (ctx *BuildContext) Tensor(id ir.OperandID) (*tensors.Tensor, error) {
	if id == ir.NoOperand {
		return nil, nil
	}
	operand := ctx.Graph.Operand(id)
	if operand == nil || int(id) >= len(ctx.Tensors) || ctx.Tensors[id] == nil {
		return nil, errs.Errorf(errs.ErrMissingOperand, "operand #%d out of range in graph %q (%d operands)",
			id, ctx.Graph.Name, ctx.Graph.NumOperands())
	}
	if operand.Producer() == ir.NoNode && !operand.IsConstant() && !slices.Contains(ctx.Graph.Inputs(), id) {
		return nil, errs.Errorf(errs.ErrMissingOperand, "operand %s of graph %q is never produced", operand, ctx.Graph.Name)
	}
	return ctx.Tensors[id], nil
}

// Inputs resolves the input tensors of the node. Absent optional inputs are nil.
func (ctx *BuildContext) Inputs(node *ir.Node) ([]*tensors.Tensor, error) {
	return ctx.resolve(node, node.Inputs, "input")
}

// Outputs resolves the output tensors of the node.
func (ctx *BuildContext) Outputs(node *ir.Node) ([]*tensors.Tensor, error) {
	return ctx.resolve(node, node.Outputs, "output")
}

func (ctx *BuildContext) resolve(node *ir.Node, ids []ir.OperandID, what string) ([]*tensors.Tensor, error) {
	resolved := make([]*tensors.Tensor, len(ids))
	for ii, id := range ids {
		t, err := ctx.Tensor(id)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s %s #%d", node, what, ii)
		}
		resolved[ii] = t
	}
	return resolved, nil
}

// BuilderFn builds the kernel of a node.
type BuilderFn func(ctx *BuildContext, node *ir.Node) (Kernel, error)

// Registry maps each operation kind to the builder of its kernel.
type Registry struct {
	name     string
	builders [ir.NumOpKinds]BuilderFn
}

// NewRegistry creates an empty registry.
func NewRegistry(name string) *Registry {
	return &Registry{name: name}
}

// Name of the registry, usually the name of the backend.
func (r *Registry) Name() string { return r.name }

// Register the builder for kind. It overwrites any previous builder for the same kind.
func (r *Registry) Register(kind ir.OpKind, fn BuilderFn) {
	if !kind.IsValid() {
		exceptions.Panicf("registry %q: can't register invalid kind %s", r.name, kind)
	}
	r.builders[kind] = fn
}

// IsRegistered returns whether kind has a builder.
func (r *Registry) IsRegistered(kind ir.OpKind) bool {
	return kind.IsValid() && r.builders[kind] != nil
}

// Kinds returns the kinds with a builder registered.
func (r *Registry) Kinds() []ir.OpKind {
	var kinds []ir.OpKind
	for kind, fn := range r.builders {
		if fn != nil {
			kinds = append(kinds, ir.OpKind(kind))
		}
	}
	return kinds
}

// Build the kernel for node. It fails with errs.ErrUnsupportedOperator if the kind of the node has no builder.
func (r *Registry) Build(ctx *BuildContext, node *ir.Node) (Kernel, error) {
	if !r.IsRegistered(node.Kind) {
		return nil, errs.Errorf(errs.ErrUnsupportedOperator, "registry %q has no kernel for %s", r.name, node.Kind)
	}
	kernel, err := r.builders[node.Kind](ctx, node)
	if err != nil {
		return nil, errors.WithMessagef(err, "building kernel for %s of graph %q", node, ctx.Graph.Name)
	}
	return kernel, nil
}
