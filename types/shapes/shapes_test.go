// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, shape0.ByteSize())

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, shape1.ByteSize())
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())
	require.Equal(t, 2, shape1.Dim(-1))
	require.Equal(t, []int{6, 2, 1}, shape1.Strides())

	empty := Make(dtypes.Int32, 0, 4)
	require.Equal(t, 0, empty.Size())
	require.Equal(t, 0, empty.ByteSize())

	err := exceptions.TryCatch[error](func() { _ = Make(dtypes.Int32, -1) })
	require.Error(t, err)
	_, err = FromDims(dtypes.Int32, []int{2, -3})
	require.Error(t, err)
}

func TestEqualAndClone(t *testing.T) {
	s := Make(dtypes.Uint8, 2, 3)
	c := s.Clone()
	c.Dimensions[0] = 7
	assert.Equal(t, 2, s.Dimensions[0])
	assert.True(t, s.Equal(Make(dtypes.Uint8, 2, 3)))
	assert.False(t, s.Equal(Make(dtypes.Int8, 2, 3)))
	assert.True(t, s.EqualDimensions(Make(dtypes.Int8, 2, 3)))
	assert.False(t, s.EqualDimensions(Make(dtypes.Uint8, 3, 2)))
	assert.True(t, s.WithDType(dtypes.Bool).Equal(Make(dtypes.Bool, 2, 3)))

	axis, err := s.AdjustAxis(-1)
	require.NoError(t, err)
	assert.Equal(t, 1, axis)
	_, err = s.AdjustAxis(2)
	require.Error(t, err)
}

func TestIter(t *testing.T) {
	var got [][]int
	for indices := range Make(dtypes.Float32, 2, 1, 2).Iter() {
		got = append(got, append([]int(nil), indices...))
	}
	assert.Equal(t, [][]int{{0, 0, 0}, {0, 0, 1}, {1, 0, 0}, {1, 0, 1}}, got)

	count := 0
	for range Make(dtypes.Float32).Iter() {
		count++
	}
	assert.Equal(t, 1, count)
	for range Make(dtypes.Float32, 3, 0).Iter() {
		t.Fatal("empty shapes should yield no indices")
	}
}
