// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs defines the error taxonomy of the runtime.
//
// Errors are organized in categories (ErrStructural, ErrShape, ErrType, ErrResource and ErrConnection),
// and each specific Kind wraps its category. So for an error returned by a kernel configuration,
// both errors.Is(err, errs.ErrShapeMismatch) and errors.Is(err, errs.ErrShape) hold.
//
// Errors are created with Errorf, which attaches a stack trace (github.com/pkg/errors), and context
// is added along the way with errors.WithMessagef.
package errs

import (
	"github.com/pkg/errors"
)

// Kind identifies a class of errors. It implements the error interface, so it can be used as
// target for errors.Is.
type Kind struct {
	name   string
	parent *Kind
}

// NewKind creates a new Kind under the given category. parent can be nil for a new category.
func NewKind(name string, parent *Kind) *Kind {
	return &Kind{name: name, parent: parent}
}

// Error implements the error interface.
func (k *Kind) Error() string { return k.name }

// Unwrap returns the category of the Kind, or nil if it is a category itself.
func (k *Kind) Unwrap() error {
	if k.parent == nil {
		return nil
	}
	return k.parent
}

// Category returns the top-level category of the Kind.
func (k *Kind) Category() *Kind {
	for k.parent != nil {
		k = k.parent
	}
	return k
}

// Categories.
var (
	ErrStructural = NewKind("structural error", nil)
	ErrShape      = NewKind("shape error", nil)
	ErrType       = NewKind("type error", nil)
	ErrResource   = NewKind("resource error", nil)
	ErrConnection = NewKind("connection error", nil)
)

// Structural errors.
var (
	ErrMissingOperand      = NewKind("missing operand", ErrStructural)
	ErrInvalidOptions      = NewKind("invalid options", ErrStructural)
	ErrUnsupportedOperator = NewKind("unsupported operator", ErrStructural)
	ErrArity               = NewKind("arity mismatch", ErrStructural)
	ErrReentrant           = NewKind("re-entrant subgraph execution", ErrStructural)
)

// Shape errors.
var (
	ErrShapeMismatch        = NewKind("shape mismatch", ErrShape)
	ErrUnsupportedBroadcast = NewKind("unsupported broadcast", ErrShape)
)

// Type errors.
var (
	ErrTypeMismatch = NewKind("type mismatch", ErrType)

	// ErrDivisionByZero is returned by integer divisions, which have no representation for the result.
	ErrDivisionByZero = NewKind("integer division by zero", ErrType)
)

// Resource errors.
var (
	ErrOutOfMemory    = NewKind("out of memory", ErrResource)
	ErrArenaBusy      = NewKind("arena busy", ErrResource)
	ErrArenaReclaimed = NewKind("arena reclaimed by another module", ErrResource)
	ErrIterationLimit = NewKind("iteration limit exceeded", ErrResource)
)

// Errorf returns an error of the given kind, with a formatted message and a stack trace.
func Errorf(kind *Kind, format string, args ...any) error {
	return errors.Wrapf(kind, format, args...)
}

// KindOf returns the most specific Kind of the error, or nil if err was not created by this package.
func KindOf(err error) *Kind {
	var kind *Kind
	if errors.As(err, &kind) {
		return kind
	}
	return nil
}

// Is reports whether err is of the given kind (or category).
func Is(err error, kind *Kind) bool {
	return errors.Is(err, kind)
}
