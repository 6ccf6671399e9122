// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFlat(t *testing.T) {
	tensor := must.M1(FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	assert.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32, 2, 3)))
	assert.Len(t, tensor.Bytes(), 24)

	flat := Flat[float32](tensor)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)
	flat[0] = 11
	assert.Equal(t, float32(11), Flat[float32](tensor)[0], "Flat must not copy")

	err := exceptions.TryCatch[error](func() { _ = Flat[int32](tensor) })
	require.Error(t, err)

	_, err = FromFlat([]int8{1, 2, 3}, 2, 2)
	require.Error(t, err)
}

func TestDTypeOf(t *testing.T) {
	assert.Equal(t, dtypes.Bool, DTypeOf[bool]())
	assert.Equal(t, dtypes.Uint8, DTypeOf[uint8]())
	assert.Equal(t, dtypes.Float16, DTypeOf[float16.Float16]())
	assert.Equal(t, dtypes.Int64, DTypeOf[int64]())
}

func TestStorage(t *testing.T) {
	tensor := New("x", shapes.Make(dtypes.Int16, 2), nil)
	assert.False(t, tensor.HasData())
	storage := make([]byte, 16)
	tensor.SetData(shapes.Make(dtypes.Int16, 3), storage)
	assert.True(t, tensor.HasData())
	assert.Len(t, tensor.Bytes(), 6)
	assert.Len(t, Flat[int16](tensor), 3)

	err := exceptions.TryCatch[error](func() { tensor.SetData(shapes.Make(dtypes.Int16, 9), storage) })
	require.Error(t, err)

	tensor.SetQuant(quant.PerTensor(0.5, 1))
	assert.Equal(t, float32(0.5), tensor.Quant().Scale())

	src := must.M1(FromFlat([]int16{7, 8}, 2))
	require.NoError(t, tensor.CopyFrom(src))
	assert.Equal(t, []int16{7, 8}, Flat[int16](tensor))
	assert.Equal(t, []int{2}, tensor.Shape().Dimensions)

	tensor.Release()
	assert.False(t, tensor.HasData())

	empty := New("empty", shapes.Make(dtypes.Float32, 0, 3), nil)
	assert.True(t, empty.HasData())
	assert.Equal(t, []float32{}, Flat[float32](empty))
}
