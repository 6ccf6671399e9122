// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/types/errs"
	"github.com/pkg/errors"
)

// MainGraph is the index of the main graph of a Module.
const MainGraph = 0

// Module holds the main graph (index 0) and the subgraphs executed by control-flow nodes.
type Module struct {
	Graphs []*Graph
}

// NewModule creates a module from its main graph followed by the subgraphs.
func NewModule(main *Graph, subgraphs ...*Graph) *Module {
	return &Module{Graphs: append([]*Graph{main}, subgraphs...)}
}

// Main returns the main graph.
func (m *Module) Main() *Graph { return m.Graphs[MainGraph] }

// NumGraphs returns the number of graphs, including the main one.
func (m *Module) NumGraphs() int { return len(m.Graphs) }

// Graph returns the graph with the given index.
func (m *Module) Graph(idx int) (*Graph, error) {
	if idx < 0 || idx >= len(m.Graphs) {
		return nil, errs.Errorf(errs.ErrStructural, "subgraph index %d out of range (%d graphs)", idx, len(m.Graphs))
	}
	return m.Graphs[idx], nil
}

// Validate checks that every graph is frozen and that control-flow nodes reference subgraphs with
// matching signatures:
//
//   - If: then and else take the node inputs except the condition, and produce the node outputs.
//   - While: cond and body take the loop-carried values, body produces them back and cond produces one value.
func (m *Module) Validate() error {
	if len(m.Graphs) == 0 {
		return errs.Errorf(errs.ErrStructural, "module without graphs")
	}
	for idx, g := range m.Graphs {
		if !g.IsFrozen() {
			return errs.Errorf(errs.ErrStructural, "graph #%d %q is not frozen", idx, g.Name)
		}
		for _, node := range g.Nodes() {
			if err := m.validateControlFlow(g, node); err != nil {
				return errors.WithMessagef(err, "graph #%d %q, %s", idx, g.Name, node)
			}
		}
	}
	return nil
}

func (m *Module) validateControlFlow(g *Graph, node *Node) error {
	if !node.Kind.IsControlFlow() {
		return nil
	}
	refs := node.Subgraphs()
	if len(refs) != 2 {
		return errs.Errorf(errs.ErrInvalidOptions, "missing subgraph references")
	}
	subgraphs := make([]*Graph, 2)
	for ii, ref := range refs {
		if ref == MainGraph {
			return errs.Errorf(errs.ErrStructural, "the main graph can't be used as a subgraph")
		}
		sub, err := m.Graph(ref)
		if err != nil {
			return err
		}
		subgraphs[ii] = sub
	}
	numIn, numOut := len(node.Inputs), len(node.Outputs)
	switch node.Kind {
	case OpIf:
		for _, branch := range subgraphs {
			if len(branch.Inputs()) != numIn-1 || len(branch.Outputs()) != numOut {
				return errs.Errorf(errs.ErrArity, "branch %q takes %d inputs and produces %d outputs, If has %d data inputs and %d outputs",
					branch.Name, len(branch.Inputs()), len(branch.Outputs()), numIn-1, numOut)
			}
		}
		if cond := g.Operand(node.Inputs[0]); cond != nil && cond.DType() != dtypes.Bool {
			return errs.Errorf(errs.ErrTypeMismatch, "If condition must be Bool, got %s", cond.Shape)
		}
	case OpWhile:
		cond, body := subgraphs[0], subgraphs[1]
		if numIn != numOut {
			return errs.Errorf(errs.ErrArity, "While has %d inputs but %d outputs", numIn, numOut)
		}
		if len(cond.Inputs()) != numIn || len(cond.Outputs()) != 1 {
			return errs.Errorf(errs.ErrArity, "While cond %q takes %d inputs and produces %d outputs, expected %d and 1",
				cond.Name, len(cond.Inputs()), len(cond.Outputs()), numIn)
		}
		if len(body.Inputs()) != numIn || len(body.Outputs()) != numIn {
			return errs.Errorf(errs.ErrArity, "While body %q takes %d inputs and produces %d outputs, expected %d",
				body.Name, len(body.Inputs()), len(body.Outputs()), numIn)
		}
	}
	return nil
}
