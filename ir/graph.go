// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/pkg/errors"
)

// Graph is an arena of operands and nodes, with designated inputs and outputs.
//
// It is built with NewOperand, NewConstant, AddNode, SetInputs and SetOutputs, and then frozen with
// Freeze. Mutating a frozen graph panics.
type Graph struct {
	Name string

	operands []*Operand
	nodes    []*Node
	inputs   []OperandID
	outputs  []OperandID

	frozen bool
	order  []NodeID
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{Name: name}
}

func (g *Graph) assertNotFrozen(method string) {
	if g.frozen {
		exceptions.Panicf("Graph(%q).%s: graph is frozen", g.Name, method)
	}
}

// NewOperand creates a new operand in the graph. The returned operand can be further
// configured (e.g. Quant) until the graph is frozen.
func (g *Graph) NewOperand(name string, shape ShapeInfo) *Operand {
	g.assertNotFrozen("NewOperand")
	o := &Operand{
		ID:       OperandID(len(g.operands)),
		Name:     name,
		Shape:    shape,
		producer: NoNode,
	}
	g.operands = append(g.operands, o)
	return o
}

// NewConstant creates a constant operand holding data.
func (g *Graph) NewConstant(name string, shape shapes.Shape, data []byte) (*Operand, error) {
	if len(data) != shape.ByteSize() {
		return nil, errs.Errorf(errs.ErrShapeMismatch, "constant %q of shape %s requires %d bytes, got %d",
			name, shape, shape.ByteSize(), len(data))
	}
	o := g.NewOperand(name, Static(shape))
	o.Data = slices.Clip(data)
	if o.Data == nil {
		o.Data = []byte{}
	}
	return o, nil
}

// NumOperands returns the number of operands in the graph.
func (g *Graph) NumOperands() int { return len(g.operands) }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Operand returns the operand with the given id, or nil if id is out of range.
func (g *Graph) Operand(id OperandID) *Operand {
	if id < 0 || int(id) >= len(g.operands) {
		return nil
	}
	return g.operands[id]
}

// Node returns the node with the given id, or nil if id is out of range.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Nodes returns the nodes of the graph, in order of creation.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Inputs returns the graph inputs.
func (g *Graph) Inputs() []OperandID { return g.inputs }

// Outputs returns the graph outputs.
func (g *Graph) Outputs() []OperandID { return g.outputs }

// IsFrozen returns whether the graph was frozen.
func (g *Graph) IsFrozen() bool { return g.frozen }

// Order returns the nodes in topological order. Only available after Freeze.
func (g *Graph) Order() []NodeID {
	if !g.frozen {
		exceptions.Panicf("Graph(%q).Order: graph is not frozen yet", g.Name)
	}
	return g.order
}

func (g *Graph) checkOperand(id OperandID) error {
	if g.Operand(id) == nil {
		return errs.Errorf(errs.ErrMissingOperand, "graph %q: operand #%d out of range (%d operands)", g.Name, id, len(g.operands))
	}
	return nil
}

// AddNode adds a node of the given kind, connected to the inputs and producing the outputs.
//
// It validates the arity of the kind and that inputs and outputs exist. Optional inputs (those beyond
// the kind's minimum) may be NoOperand. Each output must not have been produced before, and can't be
// a constant or a graph input.
func (g *Graph) AddNode(kind OpKind, params any, inputs, outputs []OperandID) (*Node, error) {
	g.assertNotFrozen("AddNode")
	if !kind.IsValid() {
		return nil, errs.Errorf(errs.ErrUnsupportedOperator, "graph %q: invalid operator kind %d", g.Name, int(kind))
	}
	if !kind.checkArity(len(inputs), len(outputs)) {
		info := kind.Info()
		return nil, errs.Errorf(errs.ErrArity, "graph %q: %s expects %d to %d inputs and %d outputs, got %d inputs and %d outputs",
			g.Name, kind, info.MinInputs, info.MaxInputs, info.NumOutputs, len(inputs), len(outputs))
	}
	for ii, input := range inputs {
		if input == NoOperand {
			if ii < kind.Info().MinInputs {
				return nil, errs.Errorf(errs.ErrMissingOperand, "graph %q: %s required input #%d is missing", g.Name, kind, ii)
			}
			continue
		}
		if err := g.checkOperand(input); err != nil {
			return nil, errors.WithMessagef(err, "%s input #%d", kind, ii)
		}
	}
	if err := g.checkOutputs(kind, outputs); err != nil {
		return nil, err
	}
	node := g.newNode(kind, params, slices.Clone(inputs), outputs)
	for _, input := range inputs {
		if input != NoOperand {
			g.operands[input].consumers = append(g.operands[input].consumers, node.ID)
		}
	}
	return node, nil
}

func (g *Graph) checkOutputs(kind OpKind, outputs []OperandID) error {
	for ii, output := range outputs {
		if err := g.checkOperand(output); err != nil {
			return errors.WithMessagef(err, "%s output #%d", kind, ii)
		}
		o := g.operands[output]
		if o.producer != NoNode {
			return errs.Errorf(errs.ErrStructural, "graph %q: operand %s already produced by node #%d", g.Name, o, o.producer)
		}
		if o.IsConstant() || slices.Contains(g.inputs, output) {
			return errs.Errorf(errs.ErrStructural, "graph %q: operand %s is a constant or graph input, it can't be produced by %s",
				g.Name, o, kind)
		}
		if slices.Contains(outputs[:ii], output) {
			return errs.Errorf(errs.ErrStructural, "graph %q: operand %s used twice as output of %s", g.Name, o, kind)
		}
	}
	return nil
}

// newNode appends the node and sets it as the producer of its outputs. Inputs are not connected.
func (g *Graph) newNode(kind OpKind, params any, inputs, outputs []OperandID) *Node {
	node := &Node{
		ID:      NodeID(len(g.nodes)),
		Kind:    kind,
		Params:  params,
		Inputs:  inputs,
		Outputs: slices.Clone(outputs),
	}
	g.nodes = append(g.nodes, node)
	for _, output := range outputs {
		g.operands[output].producer = node.ID
	}
	return node
}

// SetInputs sets the graph inputs. They must be operands without a producer and not constants.
func (g *Graph) SetInputs(ids ...OperandID) error {
	g.assertNotFrozen("SetInputs")
	for _, id := range ids {
		if err := g.checkOperand(id); err != nil {
			return errors.WithMessage(err, "SetInputs")
		}
		if o := g.operands[id]; o.producer != NoNode || o.IsConstant() {
			return errs.Errorf(errs.ErrStructural, "graph %q: operand %s can't be a graph input", g.Name, o)
		}
	}
	g.inputs = slices.Clone(ids)
	return nil
}

// SetOutputs sets the graph outputs.
func (g *Graph) SetOutputs(ids ...OperandID) error {
	g.assertNotFrozen("SetOutputs")
	for _, id := range ids {
		if err := g.checkOperand(id); err != nil {
			return errors.WithMessage(err, "SetOutputs")
		}
	}
	g.outputs = slices.Clone(ids)
	return nil
}

// Freeze validates the graph, computes its topological order and makes it immutable.
//
// It fails if an operand is used but never produced (and it's not a graph input or constant), if a
// node has a required input unconnected, or if the graph has a cycle.
func (g *Graph) Freeze() error {
	g.assertNotFrozen("Freeze")
	isInput := make([]bool, len(g.operands))
	for _, id := range g.inputs {
		isInput[id] = true
	}
	isAvailable := func(id OperandID) bool {
		o := g.operands[id]
		return isInput[id] || o.IsConstant() || o.producer != NoNode
	}
	for _, node := range g.nodes {
		for ii, input := range node.Inputs {
			if input == NoOperand {
				if ii < node.Kind.Info().MinInputs {
					return errs.Errorf(errs.ErrMissingOperand, "graph %q: %s required input #%d not connected", g.Name, node, ii)
				}
				continue
			}
			if !isAvailable(input) {
				return errs.Errorf(errs.ErrMissingOperand, "graph %q: %s input #%d (operand %s) is never produced",
					g.Name, node, ii, g.operands[input])
			}
		}
	}
	for _, id := range g.outputs {
		if !isAvailable(id) {
			return errs.Errorf(errs.ErrMissingOperand, "graph %q: output operand %s is never produced", g.Name, g.operands[id])
		}
	}
	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}
	g.order = order
	g.frozen = true
	return nil
}

// topologicalOrder uses Kahn's algorithm, picking ready nodes by increasing id so the order is deterministic.
func (g *Graph) topologicalOrder() ([]NodeID, error) {
	numNodes := len(g.nodes)
	pending := make([]int, numNodes)
	dependents := make([][]NodeID, numNodes)
	for _, node := range g.nodes {
		for _, input := range node.Inputs {
			if input == NoOperand {
				continue
			}
			if producer := g.operands[input].producer; producer != NoNode {
				pending[node.ID]++
				dependents[producer] = append(dependents[producer], node.ID)
			}
		}
	}
	var ready []NodeID
	for id := range numNodes {
		if pending[id] == 0 {
			ready = append(ready, NodeID(id))
		}
	}
	order := make([]NodeID, 0, numNodes)
	for len(ready) > 0 {
		slices.Sort(ready)
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, dependent := range dependents[current] {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(order) != numNodes {
		return nil, errs.Errorf(errs.ErrStructural, "graph %q has a cycle: only %d of %d nodes could be ordered",
			g.Name, len(order), numNodes)
	}
	return order, nil
}
