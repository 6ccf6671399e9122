// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/backends/memory"
	"github.com/gomlx/micrort/backends/shapeinference"
	"github.com/gomlx/micrort/config"
	"github.com/gomlx/micrort/internal/metrics"
	"github.com/gomlx/micrort/model"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, name string, opts ...Option) *Module {
	decoded := must.M1(model.Load(filepath.Join("testdata", name)))
	m, err := Load(decoded, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func withBudgets(arena, dynamic config.ByteSize) Option {
	cfg := config.Default()
	cfg.ArenaBudget = arena
	cfg.DynamicBudget = dynamic
	return WithConfig(cfg)
}

func setInput[T tensors.Supported](t *testing.T, m *Module, i int, values ...T) {
	data, err := m.ConfigureInput(i)
	require.NoError(t, err)
	flat := tensors.CastBytes[T](data)
	require.Len(t, flat, len(values))
	copy(flat, values)
}

func output[T tensors.Supported](t *testing.T, m *Module, i int) ([]T, shapes.Shape) {
	data, shape, err := m.Output(i)
	require.NoError(t, err)
	return tensors.CastBytes[T](data), shape
}

func setIfInputs(t *testing.T, m *Module, condition bool, x, y []float32) {
	setInput(t, m, 0, condition)
	setInput(t, m, 1, x...)
	setInput(t, m, 2, y...)
}

func TestIf(t *testing.T) {
	m := load(t, "if_mul_add.yaml")
	assert.Equal(t, 3, m.NumInputs())
	assert.Equal(t, 1, m.NumOutputs())
	assert.Equal(t, "if_mul_add", m.Name())

	ones := []float32{1, 1, 1, 1, 1, 1}
	setIfInputs(t, m, true, ones, ones)
	require.NoError(t, m.Execute())
	got, shape := output[float32](t, m, 0)
	assert.Equal(t, ones, got)
	assert.Equal(t, shapes.Make(dtypes.Float32, 2, 3), shape)

	// Only the condition changes: x and y keep their values.
	setInput(t, m, 0, false)
	require.NoError(t, m.Execute())
	got, _ = output[float32](t, m, 0)
	assert.Equal(t, []float32{2, 2, 2, 2, 2, 2}, got)

	setIfInputs(t, m, true, []float32{1, 2, 3, 4, 5, 6}, []float32{2, 2, 2, 0.5, 0.5, 0.5})
	require.NoError(t, m.Execute())
	got, _ = output[float32](t, m, 0)
	assert.Equal(t, []float32{2, 4, 6, 2, 2.5, 3}, got)
}

func TestRepeatedExecute(t *testing.T) {
	m := load(t, "add_chain.yaml")
	setInput(t, m, 0, float32(1), 2, 3, 4)
	want := []float32{-4, -8, -12, -16}
	for range 3 {
		require.NoError(t, m.Execute())
		got, _ := output[float32](t, m, 0)
		assert.Equal(t, want, got)
	}

	// The input keeps an arena slot of its own.
	plan := m.Plan(0)
	x, found := plan.Assignment(m.IR().Main().Inputs()[0])
	require.True(t, found)
	for _, assignment := range plan.Assignments {
		if assignment.Operand != x.Operand {
			assert.NotEqual(t, x.Slot, assignment.Slot)
		}
	}
}

func TestStaticShapes(t *testing.T) {
	m := load(t, "static_mlp.yaml")
	static := must.M1(shapeinference.StaticPass(m.IR().Main()))
	assert.Zero(t, static.NumDynamic())

	setInput(t, m, 0, float32(0), 0, 0, 0, 0, 0, 0, 0)
	require.NoError(t, m.Execute())
	for ii, id := range m.IR().Main().Outputs() {
		want, ok := static.Shapes[id].Get()
		require.True(t, ok)
		got, err := m.OutputTensor(ii)
		require.NoError(t, err)
		assert.True(t, want.Equal(got.Shape()), "output #%d: static pass gives %s, execution gives %s", ii, want, got.Shape())
		assert.False(t, got.IsDynamic())
	}
	got, _ := output[float32](t, m, 0)
	third := float32(1) / 3
	assert.InDeltaSlice(t, []float32{third, third, third, third, third, third}, got, 1e-6)

	// x = [[1, 2, 3, 4], [0, 0, 0, 0]]: logits [[1, 2, 7], [0, 0, 0]].
	setInput(t, m, 0, float32(1), 2, 3, 4, 0, 0, 0, 0)
	require.NoError(t, m.Execute())
	got, _ = output[float32](t, m, 0)
	assert.Greater(t, got[2], got[1])
	assert.Greater(t, got[1], got[0])
	assert.InDelta(t, 1, got[0]+got[1]+got[2], 1e-6)
	assert.InDeltaSlice(t, []float32{third, third, third}, got[3:], 1e-6)
}

func TestWhile(t *testing.T) {
	m := load(t, "while_count.yaml")
	for _, start := range []int32{0, 7, 12} {
		setInput(t, m, 0, start)
		require.NoError(t, m.Execute())
		got, shape := output[int32](t, m, 0)
		assert.Equal(t, []int32{max(start, 10)}, got, "start=%d", start)
		assert.True(t, shape.IsScalar())
	}

	t.Run("IterationLimit", func(t *testing.T) {
		cfg := config.Default()
		cfg.MaxWhileIterations = 5
		m := load(t, "while_count.yaml", WithConfig(cfg))
		setInput(t, m, 0, int32(0))
		err := m.Execute()
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrIterationLimit))
		assert.True(t, errors.Is(err, errs.ErrResource))

		// The failure released the arena and the dynamic memory.
		assert.Zero(t, m.Dynamic().Used())
		_, err = m.Arena().Claim(m.ID())
		require.NoError(t, err)

		setInput(t, m, 0, int32(8))
		require.NoError(t, m.Execute())
		got, _ := output[int32](t, m, 0)
		assert.Equal(t, []int32{10}, got)
	})
}

func TestDynamicShapes(t *testing.T) {
	m := load(t, "where_cast.yaml")
	setInput(t, m, 0, float32(1), 0, 2, 0, 0, 3)
	require.NoError(t, m.Execute())
	got, shape := output[int32](t, m, 0)
	assert.Equal(t, shapes.Make(dtypes.Int32, 3, 2), shape)
	assert.Equal(t, []int32{0, 0, 0, 2, 1, 2}, got)
	out := must.M1(m.OutputTensor(0))
	assert.True(t, out.IsDynamic())
	assert.False(t, m.IR().Main().Operand(m.IR().Main().Outputs()[0]).Shape.IsStatic())

	setInput(t, m, 0, float32(0), 0, 0, 0, 0, 0)
	require.NoError(t, m.Execute())
	got, shape = output[int32](t, m, 0)
	assert.Equal(t, shapes.Make(dtypes.Int32, 0, 2), shape)
	assert.Empty(t, got)

	// Only the output is left allocated: the coordinates were freed after their last use.
	assert.Equal(t, 1, m.Dynamic().NumLive())
}

func TestResizeInput(t *testing.T) {
	m := load(t, "dynamic_input.yaml")
	_, err := m.ConfigureInput(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrShapeMismatch))
	err = m.Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrMissingOperand))

	require.NoError(t, m.ResizeInput(0, 4))
	setInput(t, m, 0, float32(-1), 2, -3, 4)
	require.NoError(t, m.Execute())
	got, shape := output[float32](t, m, 0)
	assert.Equal(t, []float32{0, 4, 0, 8}, got)
	assert.Equal(t, shapes.Make(dtypes.Float32, 4), shape)

	require.NoError(t, m.ResizeInput(0, 2))
	setInput(t, m, 0, float32(1), 1)
	require.NoError(t, m.Execute())
	got, _ = output[float32](t, m, 0)
	assert.Equal(t, []float32{2, 2}, got)

	t.Run("Static", func(t *testing.T) {
		m := load(t, "if_mul_add.yaml")
		require.NoError(t, m.ResizeInput(1, 2, 3))
		err := m.ResizeInput(1, 3)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrShapeMismatch))
		_, err = m.ConfigureInput(3)
		assert.True(t, errors.Is(err, errs.ErrStructural))
	})
}

func TestSharedArena(t *testing.T) {
	arena := memory.NewArena(0)
	a := load(t, "if_mul_add.yaml", WithArena(arena))
	b := load(t, "if_mul_add.yaml", WithArena(arena))
	ones := []float32{1, 1, 1, 1, 1, 1}

	t.Run("Reclaimed", func(t *testing.T) {
		setIfInputs(t, a, true, ones, ones)
		setIfInputs(t, b, false, ones, ones)
		require.NoError(t, b.Execute())

		err := a.Execute()
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrArenaReclaimed))
		assert.True(t, errors.Is(err, errs.ErrResource))

		setIfInputs(t, a, true, ones, ones)
		require.NoError(t, a.Execute())
		got, _ := output[float32](t, a, 0)
		assert.Equal(t, ones, got)
	})

	t.Run("Busy", func(t *testing.T) {
		_, err := arena.Acquire(uuid.New())
		require.NoError(t, err)
		_, err = a.ConfigureInput(0)
		assert.True(t, errors.Is(err, errs.ErrArenaBusy))
		err = a.Execute()
		assert.True(t, errors.Is(err, errs.ErrArenaBusy))
		arena.Release()

		setIfInputs(t, a, false, ones, ones)
		require.NoError(t, a.Execute())
		got, _ := output[float32](t, a, 0)
		assert.Equal(t, []float32{2, 2, 2, 2, 2, 2}, got)
	})
}

func TestOutOfMemory(t *testing.T) {
	t.Run("Arena", func(t *testing.T) {
		decoded := must.M1(model.Load("testdata/if_mul_add.yaml"))
		_, err := Load(decoded, nil, withBudgets(16, 0))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrOutOfMemory))
	})

	t.Run("Dynamic", func(t *testing.T) {
		m := load(t, "where_cast.yaml", withBudgets(0, 64))
		setInput(t, m, 0, float32(1), 2, 3, 4, 5, 6)
		err := m.Execute()
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrOutOfMemory))
		assert.Zero(t, m.Dynamic().Used())

		setInput(t, m, 0, float32(1), 0, 0, 0, 0, 0)
		require.NoError(t, m.Execute())
		got, _ := output[int32](t, m, 0)
		assert.Equal(t, []int32{0, 0}, got)
	})
}

func TestReentrant(t *testing.T) {
	m := load(t, "while_count.yaml")
	i := must.M1(tensors.FromFlat([]int32{1}))
	m.bindArena()
	m.graphs[2].running = true
	_, err := m.RunSubgraph(2, []*tensors.Tensor{i})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrReentrant))
	m.graphs[2].running = false

	_, err = m.RunSubgraph(0, []*tensors.Tensor{i})
	assert.True(t, errors.Is(err, errs.ErrStructural))

	outputs, err := m.RunSubgraph(2, []*tensors.Tensor{i})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, []int32{2}, tensors.Flat[int32](outputs[0]))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := load(t, "if_mul_add.yaml", WithMetrics(metrics.New(reg)))
	ones := []float32{1, 1, 1, 1, 1, 1}
	setIfInputs(t, m, true, ones, ones)
	require.NoError(t, m.Execute())
	setInput(t, m, 0, false)
	require.NoError(t, m.Execute())

	expected := `
# HELP micrort_kernel_executions_total Number of kernel executions, by operator kind
# TYPE micrort_kernel_executions_total counter
micrort_kernel_executions_total{kind="Add",model="if_mul_add"} 1
micrort_kernel_executions_total{kind="If",model="if_mul_add"} 2
micrort_kernel_executions_total{kind="Mul",model="if_mul_add"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "micrort_kernel_executions_total"))
}

func TestClose(t *testing.T) {
	m := load(t, "if_mul_add.yaml")
	m.Close()
	m.Close()
	err := m.Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrStructural))
	_, err = m.ConfigureInput(0)
	assert.True(t, errors.Is(err, errs.ErrStructural))
}
