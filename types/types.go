// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package types is the top level directory for the runtime value types: see sub-packages `shapes`, `quant`,
// `tensors` and `errs`.
//
// It also provides the generic Set used for the tables of operation kinds and for axes selections.
package types

// Set of values of the comparable type T.
type Set[T comparable] map[T]struct{}

// MakeSet returns an empty Set, with room for size elements if given.
func MakeSet[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// SetWith returns a Set holding the given elements.
func SetWith[T comparable](elements ...T) Set[T] {
	s := MakeSet[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has returns whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}
