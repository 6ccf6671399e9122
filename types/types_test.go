// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := MakeSet[int](4)
	assert.Empty(t, s)
	s.Insert(3, 7, 3)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(5))

	axes := SetWith(0, 2)
	assert.Len(t, axes, 2)
	assert.True(t, axes.Has(2))
	assert.False(t, axes.Has(1))
}
