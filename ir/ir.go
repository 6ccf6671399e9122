// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir implements the graph intermediate representation: operands, nodes, graphs and modules.
//
// A Graph owns its operands and nodes in arenas indexed by OperandID and NodeID. Nodes refer to
// operands (and control-flow nodes refer to subgraphs) by index, never by pointer, so a graph can be
// cloned, partitioned and shared read-only across goroutines once it is frozen.
//
// Graphs are built once and then frozen with Graph.Freeze. Transformations never edit a frozen graph:
// they clone nodes into a new graph with a Cloner, in two steps: Cloner.Clone creates a node without
// connections, and Cloner.Connect wires its inputs to the clones of the original producers.
package ir

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/shapes"
)

// OperandID indexes an operand within its Graph.
type OperandID int

// NoOperand marks an absent optional input.
const NoOperand OperandID = -1

// NodeID indexes a node within its Graph.
type NodeID int

// NoNode is the producer of graph inputs and constants.
const NoNode NodeID = -1

// ShapeInfo is either a static shape, or a dynamic one for which only the dtype is known before
// execution. The dimensions of a dynamic ShapeInfo can't be read: use Get, which reports whether the
// shape is static.
type ShapeInfo struct {
	shape  shapes.Shape
	static bool
}

// Static returns a ShapeInfo for a shape known before execution.
func Static(shape shapes.Shape) ShapeInfo {
	return ShapeInfo{shape: shape.Clone(), static: true}
}

// Dynamic returns a ShapeInfo for a shape only known at execution time.
func Dynamic(dtype dtypes.DType) ShapeInfo {
	return ShapeInfo{shape: shapes.Scalar(dtype)}
}

// IsStatic returns whether the shape is known.
func (s ShapeInfo) IsStatic() bool { return s.static }

// DType returns the element type, always known.
func (s ShapeInfo) DType() dtypes.DType { return s.shape.DType }

// Get returns the shape and true if it is static, or an invalid shape and false if it is dynamic.
func (s ShapeInfo) Get() (shapes.Shape, bool) {
	if !s.static {
		return shapes.Invalid(), false
	}
	return s.shape, true
}

// Equal returns whether both ShapeInfo are the same.
func (s ShapeInfo) Equal(s2 ShapeInfo) bool {
	if s.static != s2.static {
		return false
	}
	if !s.static {
		return s.shape.DType == s2.shape.DType
	}
	return s.shape.Equal(s2.shape)
}

// String implements fmt.Stringer. Dynamic shapes are printed as "(DType)[?]".
func (s ShapeInfo) String() string {
	if !s.static {
		return fmt.Sprintf("(%s)[?]", s.shape.DType)
	}
	return s.shape.String()
}

// Operand is a value flowing in a Graph: a graph input, a constant or the output of a node.
type Operand struct {
	ID    OperandID
	Name  string
	Shape ShapeInfo

	// Quant holds the quantization parameters, or nil for non-quantized operands.
	Quant *quant.Params

	// Data holds the constant value, or nil if the operand is not a constant.
	Data []byte

	producer  NodeID
	consumers []NodeID
}

// DType returns the element type of the operand.
func (o *Operand) DType() dtypes.DType { return o.Shape.DType() }

// IsConstant returns whether the operand holds constant data.
func (o *Operand) IsConstant() bool { return o.Data != nil }

// Producer returns the node producing the operand, or NoNode for graph inputs and constants.
func (o *Operand) Producer() NodeID { return o.producer }

// Consumers returns the nodes using the operand as input, in order of connection.
// A node consuming the operand in more than one input slot is listed once per slot.
func (o *Operand) Consumers() []NodeID { return o.consumers }

// String implements fmt.Stringer.
func (o *Operand) String() string {
	return fmt.Sprintf("#%d %q %s", o.ID, o.Name, o.Shape)
}

// Node is an operator application: its kind, typed immutable parameters, and input and output operands.
type Node struct {
	ID   NodeID
	Kind OpKind

	// Params holds the typed parameters of the node: see ParseParams for the type of each kind.
	// It is nil for kinds without parameters, and it must be treated as immutable.
	Params any

	// Inputs lists the input operands in order. Absent optional inputs are NoOperand.
	Inputs []OperandID

	// Outputs lists the output operands in order.
	Outputs []OperandID
}

// Subgraphs returns the indices, in the Module, of the subgraphs executed by the node.
// For If it returns {then, else}, for While {cond, body}, and nil for other kinds.
func (n *Node) Subgraphs() []int {
	switch p := n.Params.(type) {
	case *IfParams:
		return []int{p.Then, p.Else}
	case *WhileParams:
		return []int{p.Cond, p.Body}
	}
	return nil
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("node #%d %s", n.ID, n.Kind)
}
