// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, the runtime materialization of an operand: its current concrete
// shape, quantization parameters and storage.
//
// A Tensor doesn't own its storage: the bytes are a view on the arena (static tensors), on a buffer
// of the dynamic allocator (dynamic tensors) or on the model constants. Typed access is provided by
// the generic Flat function, which reinterprets the bytes without copying.
package tensors

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Supported enumerates the Go types that back the element types supported by the runtime.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float16.Float16 | float32 | float64
}

// DTypeOf returns the dtype backed by the Go type T.
func DTypeOf[T Supported]() dtypes.DType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return dtypes.Bool
	case int8:
		return dtypes.Int8
	case int16:
		return dtypes.Int16
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case uint8:
		return dtypes.Uint8
	case uint16:
		return dtypes.Uint16
	case uint32:
		return dtypes.Uint32
	case uint64:
		return dtypes.Uint64
	case float16.Float16:
		return dtypes.Float16
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	}
	return dtypes.InvalidDType
}

// Tensor holds the shape, quantization parameters and storage of an operand at runtime.
type Tensor struct {
	name     string
	shape    shapes.Shape
	quant    *quant.Params
	data     []byte
	dynamic  bool
	constant bool
}

// New creates a tensor with the given shape over data. If data is nil, the tensor is created
// without storage, to be bound later with SetData.
func New(name string, shape shapes.Shape, data []byte) *Tensor {
	t := &Tensor{name: name, shape: shape}
	if data != nil {
		t.SetData(shape, data)
	}
	return t
}

// NewConstant creates a read-only tensor over data.
func NewConstant(name string, shape shapes.Shape, data []byte) *Tensor {
	t := New(name, shape, data)
	t.constant = true
	return t
}

// Name of the tensor, as given by the operand it materializes. Only for debugging.
func (t *Tensor) Name() string { return t.name }

// Shape returns the current concrete shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the element type of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Quant returns the quantization parameters, or nil if the tensor is not quantized.
func (t *Tensor) Quant() *quant.Params { return t.quant }

// SetQuant sets the quantization parameters.
func (t *Tensor) SetQuant(q *quant.Params) { t.quant = q }

// IsDynamic returns whether the storage of the tensor is (re)allocated at runtime.
func (t *Tensor) IsDynamic() bool { return t.dynamic }

// SetDynamic marks the tensor as dynamically allocated.
func (t *Tensor) SetDynamic(dynamic bool) { t.dynamic = dynamic }

// IsConstant returns whether the tensor holds model constant data.
func (t *Tensor) IsConstant() bool { return t.constant }

// HasData returns whether the tensor has storage bound to it.
func (t *Tensor) HasData() bool { return t.data != nil || t.shape.ByteSize() == 0 && t.shape.Ok() }

// Bytes returns the storage of the tensor.
func (t *Tensor) Bytes() []byte { return t.data }

// SetData binds the tensor to storage with the given shape. The storage must be at least as large
// as the shape requires, and it is trimmed to the exact size.
func (t *Tensor) SetData(shape shapes.Shape, data []byte) {
	size := shape.ByteSize()
	if len(data) < size {
		exceptions.Panicf("tensor %q: storage of %d bytes too small for shape %s (%d bytes)", t.name, len(data), shape, size)
	}
	t.shape = shape
	t.data = data[:size:size]
}

// Release unbinds the storage of the tensor. The shape is kept.
func (t *Tensor) Release() {
	t.data = nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%q, %s)", t.name, t.shape)
}

// Flat returns the storage of the tensor as a slice of T, without copying.
// It panics if T doesn't match the dtype of the tensor.
func Flat[T Supported](t *Tensor) []T {
	if dtype := DTypeOf[T](); dtype != t.shape.DType {
		exceptions.Panicf("tensors.Flat[%s] called on tensor %q of dtype %s", dtype, t.name, t.shape.DType)
	}
	return CastBytes[T](t.data)
}

// CastBytes reinterprets the bytes as a slice of T, without copying.
func CastBytes[T any](data []byte) []T {
	var zero T
	elementSize := int(unsafe.Sizeof(zero))
	if len(data) == 0 {
		return []T{}
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/elementSize)
}

// AsBytes reinterprets the flat slice as bytes, without copying.
func AsBytes[T any](flat []T) []byte {
	if len(flat) == 0 {
		return []byte{}
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(zero)))
}

// FromFlat creates a tensor owning a copy of flat, with the given dimensions.
// It is mostly used to create constants and in tests.
func FromFlat[T Supported](flat []T, dimensions ...int) (*Tensor, error) {
	shape, err := shapes.FromDims(DTypeOf[T](), dimensions)
	if err != nil {
		return nil, err
	}
	if shape.Size() != len(flat) {
		return nil, errors.Errorf("tensors.FromFlat: %d values given for shape %s", len(flat), shape)
	}
	data := make([]byte, shape.ByteSize())
	copy(data, AsBytes(flat))
	return New("", shape, data), nil
}

// CopyFrom copies the contents (and concrete shape) of src into t's storage, which must be large enough.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if src.DType() != t.DType() {
		return errors.Errorf("cannot copy tensor %s into %s: dtypes differ", src, t)
	}
	if len(t.data) < len(src.data) && cap(t.data) < len(src.data) {
		return errors.Errorf("cannot copy tensor %s into %s: not enough storage", src, t)
	}
	t.shape = src.shape.Clone()
	t.data = t.data[:len(src.data)]
	copy(t.data, src.data)
	return nil
}
