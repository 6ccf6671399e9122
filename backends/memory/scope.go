// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"unsafe"

	"github.com/gomlx/micrort/types/tensors"
)

// LayerScope holds the private scratch buffers of one kernel instance (e.g. accumulators). They are owned by
// the kernel and invisible to the static plan. Buffers only grow: a scratch buffer is reused across
// invocations while it is large enough.
//
// A nil *LayerScope is valid and allocates a fresh buffer on every call.
type LayerScope struct {
	buffers map[string][]byte
	size    int
}

// NewLayerScope creates an empty scope.
func NewLayerScope() *LayerScope {
	return &LayerScope{buffers: make(map[string][]byte)}
}

// Scratch returns the named scratch buffer with at least size bytes. Its contents are undefined.
func (s *LayerScope) Scratch(name string, size int) []byte {
	if s == nil {
		return make([]byte, size)
	}
	buf := s.buffers[name]
	if cap(buf) < size {
		s.size += size - cap(buf)
		buf = make([]byte, size)
		s.buffers[name] = buf
	}
	return buf[:size]
}

// Size returns the total bytes held by the scope.
func (s *LayerScope) Size() int {
	if s == nil {
		return 0
	}
	return s.size
}

// Release all the buffers of the scope.
func (s *LayerScope) Release() {
	if s == nil {
		return
	}
	clear(s.buffers)
	s.size = 0
}

// ScratchOf returns the named scratch buffer as a slice of n elements of type T.
func ScratchOf[T any](s *LayerScope, name string, n int) []T {
	var zero T
	return tensors.CastBytes[T](s.Scratch(name, n*int(unsafe.Sizeof(zero))))[:n:n]
}
