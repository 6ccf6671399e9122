// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/micrort/types"
	"github.com/gomlx/micrort/types/errs"
	"github.com/pkg/errors"
)

// Cloner clones nodes from a source graph into a destination graph, in two steps:
//
//  1. Clone creates a structurally identical node in the destination (same kind, parameters and number of
//     input slots), with fresh output operands and no input connections.
//  2. Connect resolves each input of the original node to the clone of its producer.
//
// Operands without a producer node (graph inputs and constants) must be bound to the destination
// beforehand with MapOperand or CloneOperand. Connecting a node whose producers were not cloned is a
// programming error, and it panics with an error of kind errs.ErrConnection.
type Cloner struct {
	src, dst *Graph
	operands map[OperandID]OperandID
	nodes    map[NodeID]NodeID
}

// NewCloner creates a Cloner from src to dst.
func NewCloner(src, dst *Graph) *Cloner {
	return &Cloner{
		src:      src,
		dst:      dst,
		operands: make(map[OperandID]OperandID),
		nodes:    make(map[NodeID]NodeID),
	}
}

// MapOperand binds the source operand to an operand that already exists in the destination graph.
func (c *Cloner) MapOperand(srcID, dstID OperandID) {
	if c.src.Operand(srcID) == nil || c.dst.Operand(dstID) == nil {
		exceptions.Panicf("Cloner.MapOperand(#%d, #%d): operand out of range", srcID, dstID)
	}
	c.operands[srcID] = dstID
}

// CloneOperand creates a copy of the source operand (including constant data and quantization) in the
// destination graph, and binds it. If the operand was already bound, the bound operand is returned.
func (c *Cloner) CloneOperand(srcID OperandID) OperandID {
	if dstID, found := c.operands[srcID]; found {
		return dstID
	}
	o := c.src.Operand(srcID)
	if o == nil {
		exceptions.Panicf("Cloner.CloneOperand(#%d): operand out of range for graph %q", srcID, c.src.Name)
	}
	clone := c.dst.NewOperand(o.Name, o.Shape)
	clone.Quant = o.Quant
	clone.Data = o.Data
	c.operands[srcID] = clone.ID
	return clone.ID
}

// Operand returns the destination operand bound to the source operand.
func (c *Cloner) Operand(srcID OperandID) (OperandID, bool) {
	dstID, found := c.operands[srcID]
	return dstID, found
}

// Cloned returns the clone of the source node, if it was cloned.
func (c *Cloner) Cloned(srcID NodeID) (*Node, bool) {
	dstID, found := c.nodes[srcID]
	if !found {
		return nil, false
	}
	return c.dst.Node(dstID), true
}

// Clone creates the clone of node (a node of the source graph) in the destination graph, without input
// connections: all its input slots are NoOperand until Connect is called.
// Cloning the same node twice returns the first clone.
func (c *Cloner) Clone(node *Node) *Node {
	c.dst.assertNotFrozen("Clone")
	if clone, found := c.Cloned(node.ID); found {
		return clone
	}
	outputs := make([]OperandID, len(node.Outputs))
	for ii, srcOutput := range node.Outputs {
		if _, found := c.operands[srcOutput]; found {
			exceptions.Panicf("Cloner.Clone(%s): output operand #%d already bound in the destination", node, srcOutput)
		}
		outputs[ii] = c.CloneOperand(srcOutput)
	}
	inputs := make([]OperandID, len(node.Inputs))
	for ii := range inputs {
		inputs[ii] = NoOperand
	}
	clone := c.dst.newNode(node.Kind, node.Params, inputs, outputs)
	c.nodes[node.ID] = clone.ID
	return clone
}

// Connect wires the inputs of the clone of node to the clones of the original producers.
//
// It panics with an errs.ErrConnection error if node wasn't cloned, or if any of its (present) inputs is not
// bound in the destination graph. It panics with an errs.ErrArity error if the clone doesn't have the same
// number of input slots.
func (c *Cloner) Connect(node *Node) {
	c.dst.assertNotFrozen("Connect")
	clone, found := c.Cloned(node.ID)
	if !found {
		panic(errs.Errorf(errs.ErrConnection, "Cloner.Connect(%s): node was not cloned", node))
	}
	if len(clone.Inputs) != len(node.Inputs) {
		panic(errs.Errorf(errs.ErrArity, "Cloner.Connect(%s): clone has %d input slots, original has %d",
			node, len(clone.Inputs), len(node.Inputs)))
	}
	connected := make([]OperandID, len(node.Inputs))
	for ii, srcInput := range node.Inputs {
		if srcInput == NoOperand {
			connected[ii] = NoOperand
			continue
		}
		dstInput, found := c.operands[srcInput]
		if !found {
			panic(errs.Errorf(errs.ErrConnection, "Cloner.Connect(%s): input #%d (operand %s) has no clone in graph %q",
				node, ii, c.src.Operand(srcInput), c.dst.Name))
		}
		connected[ii] = dstInput
	}
	for ii, dstInput := range connected {
		if clone.Inputs[ii] != NoOperand {
			continue
		}
		clone.Inputs[ii] = dstInput
		if dstInput != NoOperand {
			c.dst.operands[dstInput].consumers = append(c.dst.operands[dstInput].consumers, clone.ID)
		}
	}
}

// CloneGraph returns a frozen deep clone of the frozen graph src, with the given name.
func CloneGraph(src *Graph, name string) (*Graph, error) {
	dst := NewGraph(name)
	c := NewCloner(src, dst)
	err := exceptions.TryCatch[error](func() {
		for _, input := range src.Inputs() {
			c.CloneOperand(input)
		}
		for id := range src.NumOperands() {
			if o := src.Operand(OperandID(id)); o.IsConstant() {
				c.CloneOperand(o.ID)
			}
		}
		order := src.Order()
		for _, nodeID := range order {
			c.Clone(src.Node(nodeID))
		}
		for _, nodeID := range order {
			c.Connect(src.Node(nodeID))
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "cloning graph %q", src.Name)
	}
	if err = dst.SetInputs(c.mapAll(src.Inputs())...); err != nil {
		return nil, err
	}
	if err = dst.SetOutputs(c.mapAll(src.Outputs())...); err != nil {
		return nil, err
	}
	if err = dst.Freeze(); err != nil {
		return nil, err
	}
	return dst, nil
}

func (c *Cloner) mapAll(srcIDs []OperandID) []OperandID {
	dstIDs := make([]OperandID, len(srcIDs))
	for ii, srcID := range srcIDs {
		dstIDs[ii] = c.operands[srcID]
	}
	return dstIDs
}

// ExtractSubgraph clones the selected nodes of the frozen graph src into a new frozen graph.
//
// Operands consumed by the selection but produced outside of it (or graph inputs of src) become inputs of
// the new graph, in order of first use. Constants are copied. Operands produced by the selection and used
// outside of it (or outputs of src) become outputs of the new graph, in topological order.
func ExtractSubgraph(src *Graph, name string, selected []NodeID) (*Graph, error) {
	selection := types.SetWith(selected...)
	for nodeID := range selection {
		if src.Node(nodeID) == nil {
			return nil, errs.Errorf(errs.ErrStructural, "ExtractSubgraph: node #%d out of range for graph %q", nodeID, src.Name)
		}
	}
	var order []NodeID
	for _, nodeID := range src.Order() {
		if selection.Has(nodeID) {
			order = append(order, nodeID)
		}
	}

	dst := NewGraph(name)
	c := NewCloner(src, dst)
	var inputs, outputs []OperandID
	err := exceptions.TryCatch[error](func() {
		for _, nodeID := range order {
			for _, srcInput := range src.Node(nodeID).Inputs {
				if srcInput == NoOperand {
					continue
				}
				o := src.Operand(srcInput)
				if selection.Has(o.Producer()) {
					continue
				}
				if _, found := c.Operand(srcInput); found {
					continue
				}
				dstID := c.CloneOperand(srcInput)
				if !o.IsConstant() {
					inputs = append(inputs, dstID)
				}
			}
			c.Clone(src.Node(nodeID))
		}
		for _, nodeID := range order {
			c.Connect(src.Node(nodeID))
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "extracting subgraph %q from %q", name, src.Name)
	}
	for _, nodeID := range order {
		for _, srcOutput := range src.Node(nodeID).Outputs {
			o := src.Operand(srcOutput)
			usedOutside := slices.Contains(src.Outputs(), srcOutput)
			for _, consumer := range o.Consumers() {
				if !selection.Has(consumer) {
					usedOutside = true
				}
			}
			if usedOutside {
				outputs = append(outputs, c.operands[srcOutput])
			}
		}
	}
	if err = dst.SetInputs(inputs...); err != nil {
		return nil, err
	}
	if err = dst.SetOutputs(outputs...); err != nil {
		return nil, err
	}
	if err = dst.Freeze(); err != nil {
		return nil, err
	}
	return dst, nil
}
