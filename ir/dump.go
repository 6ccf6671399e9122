// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"
)

// String returns a textual dump of the graph: inputs, constants, nodes (in topological order if the graph
// is frozen) and outputs.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "graph %q (%d operands, %d nodes)\n", g.Name, len(g.operands), len(g.nodes))
	for _, id := range g.inputs {
		_, _ = fmt.Fprintf(&sb, "  input %s\n", g.describe(id))
	}
	for _, o := range g.operands {
		if o.IsConstant() {
			_, _ = fmt.Fprintf(&sb, "  const %s\n", g.describe(o.ID))
		}
	}
	nodeIDs := g.order
	if !g.frozen {
		nodeIDs = make([]NodeID, len(g.nodes))
		for ii := range nodeIDs {
			nodeIDs[ii] = NodeID(ii)
		}
	}
	for _, id := range nodeIDs {
		node := g.nodes[id]
		_, _ = fmt.Fprintf(&sb, "  node #%d %s(%s) -> (%s)", node.ID, node.Kind, operandList(node.Inputs), operandList(node.Outputs))
		if node.Params != nil {
			_, _ = fmt.Fprintf(&sb, " %s", strings.TrimPrefix(fmt.Sprintf("%+v", node.Params), "&"))
		}
		sb.WriteString("\n")
	}
	for _, id := range g.outputs {
		_, _ = fmt.Fprintf(&sb, "  output %s\n", g.describe(id))
	}
	return sb.String()
}

func (g *Graph) describe(id OperandID) string {
	o := g.operands[id]
	if o.Quant == nil {
		return o.String()
	}
	return fmt.Sprintf("%s quant{scales=%v zero_points=%v}", o, o.Quant.Scales, o.Quant.ZeroPoints)
}

func operandList(ids []OperandID) string {
	parts := make([]string, len(ids))
	for ii, id := range ids {
		if id == NoOperand {
			parts[ii] = "-"
		} else {
			parts[ii] = fmt.Sprintf("#%d", id)
		}
	}
	return strings.Join(parts, ", ")
}
