// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "iter"

// Strides returns the row-major strides, in number of elements, for each axis of the shape.
func (s Shape) Strides() []int {
	rank := s.Rank()
	strides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// Iter iterates over all possible indices of the given shape.
// To avoid allocating the slice of indices, the yielded indices is owned by the Iter() method:
// don't change it inside the loop.
func (s Shape) Iter() iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		if !s.Ok() {
			return
		}
		rank := s.Rank()
		if rank == 0 {
			_ = yield(make([]int, 0))
			return
		}
		for _, dimSize := range s.Dimensions {
			if dimSize <= 0 {
				return
			}
		}

		currentIndices := make([]int, rank)
		for {
			if !yield(currentIndices) {
				return
			}
			// Row-major order: the last index changes fastest.
			axis := rank - 1
			for ; axis >= 0; axis-- {
				if s.Dimensions[axis] == 1 {
					continue
				}
				currentIndices[axis]++
				if currentIndices[axis] < s.Dimensions[axis] {
					break
				}
				currentIndices[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}
