// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/micrort/ir"
)

// DefaultAlignment of the offsets of tensors in the arena, in bytes.
const DefaultAlignment = 16

// AlignUp rounds size up to a multiple of alignment.
func AlignUp(size, alignment int) int {
	if alignment <= 1 {
		return size
	}
	return (size + alignment - 1) / alignment * alignment
}

// Request for the storage of one static tensor.
type Request struct {
	Operand  ir.OperandID
	Size     int
	Lifetime Lifetime
}

// Assignment is the entry of the plan for one operand: the slot it shares with other operands of
// non-overlapping lifetimes, and its offset in the arena (relative to the start of the plan).
type Assignment struct {
	Operand  ir.OperandID
	Slot     int
	Offset   int
	Size     int
	Lifetime Lifetime
}

// Slot is a region of the plan, sized for the largest of its occupants.
type Slot struct {
	Offset, Size int

	// lastUse is the last step of the latest occupant.
	lastUse int
}

// Plan is the static memory plan of a graph: the operands' slots and offsets, laid out contiguously.
type Plan struct {
	Slots       []Slot
	Assignments []Assignment

	// Size in bytes of the plan, the sum of its (aligned) slot sizes.
	Size int

	// SumSizes is the sum of the sizes of all requests: the size needed without any reuse.
	SumSizes int

	byOperand map[ir.OperandID]int
}

// NewPlan assigns slots to the requests with a greedy interval colouring: requests are sorted by the step
// of their first use, and each takes the first slot whose occupants are all dead by then. A new slot is only
// created when no slot is free. Each slot is as large as its largest occupant, and slots are laid out
// contiguously with offsets aligned to alignment.
//
// The resulting Size is never larger than the sum of the (aligned) sizes of the requests.
func NewPlan(requests []Request, alignment int) *Plan {
	sorted := slices.Clone(requests)
	slices.SortStableFunc(sorted, func(a, b Request) int {
		return cmp.Or(cmp.Compare(a.Lifetime.First, b.Lifetime.First), cmp.Compare(a.Operand, b.Operand))
	})
	plan := &Plan{
		Assignments: make([]Assignment, 0, len(sorted)),
		byOperand:   make(map[ir.OperandID]int, len(sorted)),
	}
	for _, request := range sorted {
		size := AlignUp(request.Size, alignment)
		plan.SumSizes += size
		slotIdx := -1
		for ii, slot := range plan.Slots {
			if slot.lastUse < request.Lifetime.First {
				slotIdx = ii
				break
			}
		}
		if slotIdx == -1 {
			slotIdx = len(plan.Slots)
			plan.Slots = append(plan.Slots, Slot{lastUse: -1})
		}
		slot := &plan.Slots[slotIdx]
		slot.Size = max(slot.Size, size)
		slot.lastUse = request.Lifetime.Last
		plan.byOperand[request.Operand] = len(plan.Assignments)
		plan.Assignments = append(plan.Assignments, Assignment{
			Operand:  request.Operand,
			Slot:     slotIdx,
			Size:     request.Size,
			Lifetime: request.Lifetime,
		})
	}

	// Lay out the slots.
	for ii := range plan.Slots {
		plan.Slots[ii].Offset = plan.Size
		plan.Size += plan.Slots[ii].Size
	}
	for ii := range plan.Assignments {
		plan.Assignments[ii].Offset = plan.Slots[plan.Assignments[ii].Slot].Offset
	}
	return plan
}

// Assignment returns the entry of the plan for the operand, if it was planned.
func (p *Plan) Assignment(id ir.OperandID) (Assignment, bool) {
	idx, found := p.byOperand[id]
	if !found {
		return Assignment{}, false
	}
	return p.Assignments[idx], true
}

// Shift returns a copy of the plan with all offsets moved by base bytes: used to lay out several plans
// in one arena.
func (p *Plan) Shift(base int) *Plan {
	shifted := &Plan{
		Slots:       slices.Clone(p.Slots),
		Assignments: slices.Clone(p.Assignments),
		Size:        p.Size,
		SumSizes:    p.SumSizes,
		byOperand:   p.byOperand,
	}
	for ii := range shifted.Slots {
		shifted.Slots[ii].Offset += base
	}
	for ii := range shifted.Assignments {
		shifted.Assignments[ii].Offset += base
	}
	return shifted
}

// String returns a summary of the plan.
func (p *Plan) String() string {
	return fmt.Sprintf("plan: %d operands in %d slots, %s (%s without reuse)",
		len(p.Assignments), len(p.Slots), humanize.IBytes(uint64(p.Size)), humanize.IBytes(uint64(p.SumSizes)))
}

// PlanGraph plans the static tensors of the graph: every operand with a static shape that is not a constant.
// Dynamic operands are left to the DynamicAllocator.
func PlanGraph(g *ir.Graph, shapeInfos []ir.ShapeInfo, alignment int) *Plan {
	lifetimes, _ := Lifetimes(g)
	var requests []Request
	for id := range g.NumOperands() {
		operandID := ir.OperandID(id)
		if g.Operand(operandID).IsConstant() {
			continue
		}
		shape, ok := shapeInfos[id].Get()
		if !ok {
			continue
		}
		requests = append(requests, Request{Operand: operandID, Size: shape.ByteSize(), Lifetime: lifetimes[id]})
	}
	return NewPlan(requests, alignment)
}
