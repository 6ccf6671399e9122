// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/micrort/runtime"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// graphsTable has one row per graph of the module, with the sizes of its memory plan.
func graphsTable(m *runtime.Module) *lgtable.Table {
	table := newPlainTable(true)
	table.Row("#", "Graph", "Nodes", "Operands", "Inputs", "Outputs", "Slots", "Plan", "Without reuse")
	for idx, g := range m.IR().Graphs {
		plan := m.Plan(idx)
		table.Row(
			fmt.Sprint(idx), g.Name,
			humanize.Comma(int64(g.NumNodes())),
			humanize.Comma(int64(g.NumOperands())),
			fmt.Sprint(len(g.Inputs())),
			fmt.Sprint(len(g.Outputs())),
			fmt.Sprint(len(plan.Slots)),
			humanize.IBytes(uint64(plan.Size)),
			humanize.IBytes(uint64(plan.SumSizes)),
		)
	}
	return table
}

// planTable lists the arena assignment of every planned operand.
func planTable(m *runtime.Module) *lgtable.Table {
	table := newPlainTable(true)
	table.Row("Graph", "Operand", "Slot", "Offset", "Size", "Lifetime")
	for idx, g := range m.IR().Graphs {
		for _, assignment := range m.Plan(idx).Assignments {
			table.Row(
				g.Name,
				g.Operand(assignment.Operand).String(),
				fmt.Sprint(assignment.Slot),
				humanize.Comma(int64(assignment.Offset)),
				humanize.IBytes(uint64(assignment.Size)),
				fmt.Sprintf("[%d, %d]", assignment.Lifetime.First, assignment.Lifetime.Last),
			)
		}
	}
	return table
}
