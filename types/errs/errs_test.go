// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package errs

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	err := Errorf(ErrShapeMismatch, "Add: output %s doesn't match %s", "(Float32)[2]", "(Float32)[3]")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	assert.True(t, errors.Is(err, ErrShape))
	assert.False(t, errors.Is(err, ErrStructural))
	assert.False(t, errors.Is(err, ErrUnsupportedBroadcast))
	assert.Contains(t, err.Error(), "shape mismatch")
	assert.Equal(t, ErrShapeMismatch, KindOf(err))
	assert.Equal(t, ErrShape, KindOf(err).Category())

	// Context added along the way keeps the kind.
	wrapped := errors.WithMessagef(err, "executing node #%d", 3)
	assert.True(t, Is(wrapped, ErrShape))
	assert.Equal(t, ErrShapeMismatch, KindOf(wrapped))

	// Stack traces are attached.
	assert.Contains(t, fmt.Sprintf("%+v", err), "errs_test.go")

	assert.Nil(t, KindOf(errors.New("plain")))
	assert.Nil(t, ErrResource.Unwrap())
	assert.Equal(t, ErrResource, ErrOutOfMemory.Category())
	assert.Equal(t, ErrType, ErrDivisionByZero.Category())
}
