// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory implements the memory manager of the runtime: the static plan of the arena, computed once
// from the lifetimes of the static tensors; the Arena itself; the DynamicAllocator for tensors whose shapes
// are only known during execution; and LayerScope, the private scratch space of kernels.
package memory

import (
	"github.com/gomlx/micrort/ir"
)

// Lifetime is the live interval of an operand, in steps of the topological order of its graph:
// the step of a node is its position in the order. Graph inputs and graph outputs are live for the whole
// graph, from step 0 to step len(order): inputs are written by the caller before an execution and must keep
// their values across executions.
//
// Two operands whose lifetimes don't overlap can share the same storage.
type Lifetime struct {
	First, Last int
}

// Overlaps returns whether both lifetimes are live on a common step.
func (l Lifetime) Overlaps(l2 Lifetime) bool {
	return l.First <= l2.Last && l2.First <= l.Last
}

// Lifetimes returns the lifetime of each operand of the frozen graph, indexed by OperandID.
// It also returns the number of consumers (node inputs) of each operand, counting one extra use for
// graph outputs, which are held until read by the caller.
//
// Constants and operands that are never produced nor used have a zero Lifetime and zero uses.
func Lifetimes(g *ir.Graph) (lifetimes []Lifetime, numUses []int) {
	order := g.Order()
	numSteps := len(order)
	lifetimes = make([]Lifetime, g.NumOperands())
	numUses = make([]int, g.NumOperands())
	seen := make([]bool, g.NumOperands())
	for _, id := range g.Inputs() {
		lifetimes[id] = Lifetime{First: 0, Last: numSteps}
		seen[id] = true
	}
	for step, nodeID := range order {
		node := g.Node(nodeID)
		for _, id := range node.Inputs {
			if id == ir.NoOperand || g.Operand(id).IsConstant() {
				continue
			}
			lifetimes[id].Last = max(lifetimes[id].Last, step)
			numUses[id]++
		}
		for _, id := range node.Outputs {
			lifetimes[id] = Lifetime{First: step, Last: step}
			seen[id] = true
		}
	}
	for _, id := range g.Outputs() {
		if g.Operand(id).IsConstant() {
			continue
		}
		lifetimes[id].Last = numSteps
		numUses[id]++
	}
	for id := range lifetimes {
		if !seen[id] {
			lifetimes[id] = Lifetime{}
		}
	}
	return
}
