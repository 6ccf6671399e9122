// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildChain builds x -> Neg -> Abs -> Exp -> out, all Float32[4].
func buildChain(t *testing.T) *ir.Graph {
	g := ir.NewGraph("chain")
	shape := ir.Static(shapes.Make(dtypes.Float32, 4))
	x := g.NewOperand("x", shape)
	a := g.NewOperand("a", shape)
	b := g.NewOperand("b", shape)
	out := g.NewOperand("out", shape)
	require.NoError(t, g.SetInputs(x.ID))
	must.M1(g.AddNode(ir.OpNeg, nil, []ir.OperandID{x.ID}, []ir.OperandID{a.ID}))
	must.M1(g.AddNode(ir.OpAbs, nil, []ir.OperandID{a.ID}, []ir.OperandID{b.ID}))
	must.M1(g.AddNode(ir.OpExp, nil, []ir.OperandID{b.ID}, []ir.OperandID{out.ID}))
	require.NoError(t, g.SetOutputs(out.ID))
	require.NoError(t, g.Freeze())
	return g
}

func TestLifetimes(t *testing.T) {
	g := buildChain(t)
	lifetimes, numUses := Lifetimes(g)
	assert.Equal(t, []Lifetime{{0, 3}, {0, 1}, {1, 2}, {2, 3}}, lifetimes)
	assert.Equal(t, []int{1, 1, 1, 1}, numUses)
	assert.True(t, lifetimes[1].Overlaps(lifetimes[2]))
	assert.False(t, lifetimes[1].Overlaps(lifetimes[3]))

	// The input is live until the end, so it keeps its value across executions.
	for id := 1; id < len(lifetimes); id++ {
		assert.True(t, lifetimes[0].Overlaps(lifetimes[id]), "operand #%d", id)
	}
}

func TestPlanGraph(t *testing.T) {
	g := buildChain(t)
	shapeInfos := make([]ir.ShapeInfo, g.NumOperands())
	for id := range shapeInfos {
		shapeInfos[id] = g.Operand(ir.OperandID(id)).Shape
	}
	plan := PlanGraph(g, shapeInfos, DefaultAlignment)
	// a and out don't overlap, and x has a slot of its own: 3 slots of 16 bytes.
	assert.Len(t, plan.Slots, 3)
	assert.Equal(t, 48, plan.Size)
	assert.Equal(t, 64, plan.SumSizes)
	x, _ := plan.Assignment(0)
	a, _ := plan.Assignment(1)
	b, _ := plan.Assignment(2)
	out, _ := plan.Assignment(3)
	assert.Equal(t, a.Slot, out.Slot)
	assert.Equal(t, a.Offset, out.Offset)
	for _, other := range []Assignment{a, b, out} {
		assert.NotEqual(t, x.Slot, other.Slot, "operand #%d shares the slot of the graph input", other.Operand)
	}

	shifted := plan.Shift(100)
	out, _ = shifted.Assignment(3)
	assert.Equal(t, a.Offset+100, out.Offset)
	assert.Contains(t, plan.String(), "4 operands in 3 slots")
}

func TestPlanDisjointLifetimes(t *testing.T) {
	plan := NewPlan([]Request{
		{Operand: 0, Size: 100, Lifetime: Lifetime{0, 2}},
		{Operand: 1, Size: 40, Lifetime: Lifetime{3, 5}},
		{Operand: 2, Size: 10, Lifetime: Lifetime{1, 4}},
	}, 1)
	a, _ := plan.Assignment(0)
	b, _ := plan.Assignment(1)
	c, _ := plan.Assignment(2)
	assert.Equal(t, a.Slot, b.Slot, "disjoint lifetimes share a slot")
	assert.NotEqual(t, a.Slot, c.Slot)
	assert.Equal(t, 110, plan.Size)
	assert.Equal(t, 150, plan.SumSizes)
	_, found := plan.Assignment(7)
	assert.False(t, found)
}

// TestPlanProperties checks on random lifetime sets that tensors sharing a slot never overlap, and that the
// plan is never larger than the sum of the sizes.
func TestPlanProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for range 100 {
		numRequests := 1 + rng.IntN(30)
		requests := make([]Request, numRequests)
		for ii := range requests {
			first := rng.IntN(20)
			requests[ii] = Request{
				Operand:  ir.OperandID(ii),
				Size:     1 + rng.IntN(1000),
				Lifetime: Lifetime{First: first, Last: first + rng.IntN(10)},
			}
		}
		plan := NewPlan(requests, DefaultAlignment)
		require.LessOrEqual(t, plan.Size, plan.SumSizes)
		for ii, a := range plan.Assignments {
			require.Equal(t, 0, a.Offset%DefaultAlignment)
			require.LessOrEqual(t, a.Offset+a.Size, plan.Size)
			for _, b := range plan.Assignments[ii+1:] {
				if a.Slot == b.Slot {
					require.False(t, a.Lifetime.Overlaps(b.Lifetime), "operands #%d and #%d share slot %d", a.Operand, b.Operand, a.Slot)
				}
			}
		}
	}
}

func TestArena(t *testing.T) {
	arena := NewArena(1024)
	require.NoError(t, arena.Reserve(512))
	assert.Equal(t, 512, arena.Size())
	require.NoError(t, arena.Reserve(100))
	assert.Equal(t, 512, arena.Size())

	err := arena.Reserve(2048)
	require.ErrorIs(t, err, errs.ErrOutOfMemory)
	require.ErrorIs(t, err, errs.ErrResource)
	assert.Equal(t, 512, arena.Size())

	first, second := uuid.New(), uuid.New()
	reclaimed, err := arena.Acquire(first)
	require.NoError(t, err)
	assert.True(t, reclaimed)
	_, err = arena.Acquire(second)
	require.ErrorIs(t, err, errs.ErrArenaBusy)
	require.ErrorIs(t, arena.Reserve(1000), errs.ErrArenaBusy)
	copy(arena.Bytes(16, 4), []byte{1, 2, 3, 4})
	arena.Release()

	reclaimed, err = arena.Acquire(first)
	require.NoError(t, err)
	assert.False(t, reclaimed)
	assert.Equal(t, []byte{1, 2, 3, 4}, arena.Bytes(16, 4))
	arena.Release()

	reclaimed, err = arena.Claim(second)
	require.NoError(t, err)
	assert.True(t, reclaimed)
	assert.Equal(t, second, arena.Owner())

	// Growing loses the owner.
	require.NoError(t, arena.Reserve(1024))
	assert.Equal(t, uuid.Nil, arena.Owner())
}

func TestDynamicAllocator(t *testing.T) {
	d := NewDynamicAllocator(256, DefaultAlignment)
	x := tensors.New("x", shapes.Make(dtypes.Float32, 3), nil)
	require.NoError(t, d.Allocate(x, shapes.Make(dtypes.Float32, 3), 2))
	assert.True(t, x.HasData())
	assert.True(t, x.IsDynamic())
	assert.Len(t, x.Bytes(), 12)
	assert.Equal(t, 16, d.Used())

	// Shrinking keeps the storage.
	require.NoError(t, d.Allocate(x, shapes.Make(dtypes.Float32, 2), 2))
	assert.Len(t, x.Bytes(), 8)
	assert.Equal(t, 16, d.Used())

	// Growing reallocates.
	require.NoError(t, d.Allocate(x, shapes.Make(dtypes.Float32, 10), 2))
	assert.Equal(t, 48, d.Used())
	assert.Equal(t, 48, d.Peak())

	d.Consume(x)
	assert.True(t, x.HasData())
	assert.Equal(t, 1, d.RefCount(x))
	d.Consume(x)
	assert.False(t, x.HasData())
	assert.Equal(t, 0, d.Used())
	assert.Equal(t, 0, d.NumLive())

	// Over budget.
	y := tensors.New("y", shapes.Make(dtypes.Float32, 100), nil)
	err := d.Allocate(y, shapes.Make(dtypes.Float32, 100), 1)
	require.ErrorIs(t, err, errs.ErrOutOfMemory)
	assert.False(t, y.HasData())

	require.NoError(t, d.Allocate(x, shapes.Make(dtypes.Int8, 5), 3))
	require.NoError(t, d.Allocate(y, shapes.Make(dtypes.Int8, 5), 3))
	assert.Equal(t, 2, d.NumLive())
	d.Reset()
	assert.Equal(t, 0, d.NumLive())
	assert.Equal(t, 0, d.Used())
}

func TestLayerScope(t *testing.T) {
	scope := NewLayerScope()
	acc := ScratchOf[int32](scope, "acc", 8)
	assert.Len(t, acc, 8)
	assert.Equal(t, 32, scope.Size())
	acc = ScratchOf[int32](scope, "acc", 4)
	assert.Len(t, acc, 4)
	assert.Equal(t, 32, scope.Size())
	_ = scope.Scratch("order", 10)
	assert.Equal(t, 42, scope.Size())
	scope.Release()
	assert.Equal(t, 0, scope.Size())

	var nilScope *LayerScope
	assert.Len(t, nilScope.Scratch("x", 3), 3)
}
