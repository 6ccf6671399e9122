// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import "fmt"

// OpKind enumerates the closed set of operator kinds of the graph.
type OpKind int

const (
	OpInvalid OpKind = iota

	// Element-wise binary arithmetic, with NumPy broadcasting.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMaximum
	OpMinimum

	// Comparisons: outputs are always Bool.
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
	OpEqual
	OpNotEqual

	OpLogicalAnd
	OpLogicalOr
	OpLogicalNot

	// Element-wise unary.
	OpAbs
	OpNeg
	OpExp
	OpLog
	OpSqrt
	OpRsqrt
	OpTanh
	OpLogistic
	OpRelu
	OpRelu6

	// Type conversions.
	OpCast
	OpQuantize
	OpDequantize

	// Shape manipulation.
	OpReshape
	OpShape
	OpSpaceToDepth
	OpDepthToSpace
	OpBatchToSpaceND
	OpSlice
	OpStridedSlice
	OpTranspose
	OpConcatenation

	// Reductions.
	OpMean
	OpSum
	OpReduceMax
	OpSoftmax

	OpFullyConnected

	// Data dependent output shapes.
	OpWhere
	OpNonMaxSuppressionV4

	// Control flow.
	OpIf
	OpWhile

	// NumOpKinds is the number of operator kinds, used to size per-kind tables.
	NumOpKinds
)

// Variadic marks an unbounded maximum number of inputs or outputs.
const Variadic = -1

// KindInfo describes the contract of an operator kind.
type KindInfo struct {
	Name string

	// MinInputs and MaxInputs bound the number of input slots. Inputs beyond MinInputs are optional
	// and may be left as NoOperand. MaxInputs == Variadic means unbounded.
	MinInputs, MaxInputs int

	// NumOutputs is the exact number of outputs, or Variadic if it is defined by the node (control flow).
	NumOutputs int
}

var kindInfos = [NumOpKinds]KindInfo{
	OpInvalid: {Name: "Invalid"},

	OpAdd:     {"Add", 2, 2, 1},
	OpSub:     {"Sub", 2, 2, 1},
	OpMul:     {"Mul", 2, 2, 1},
	OpDiv:     {"Div", 2, 2, 1},
	OpMaximum: {"Maximum", 2, 2, 1},
	OpMinimum: {"Minimum", 2, 2, 1},

	OpLess:         {"Less", 2, 2, 1},
	OpLessEqual:    {"LessEqual", 2, 2, 1},
	OpGreater:      {"Greater", 2, 2, 1},
	OpGreaterEqual: {"GreaterEqual", 2, 2, 1},
	OpEqual:        {"Equal", 2, 2, 1},
	OpNotEqual:     {"NotEqual", 2, 2, 1},

	OpLogicalAnd: {"LogicalAnd", 2, 2, 1},
	OpLogicalOr:  {"LogicalOr", 2, 2, 1},
	OpLogicalNot: {"LogicalNot", 1, 1, 1},

	OpAbs:      {"Abs", 1, 1, 1},
	OpNeg:      {"Neg", 1, 1, 1},
	OpExp:      {"Exp", 1, 1, 1},
	OpLog:      {"Log", 1, 1, 1},
	OpSqrt:     {"Sqrt", 1, 1, 1},
	OpRsqrt:    {"Rsqrt", 1, 1, 1},
	OpTanh:     {"Tanh", 1, 1, 1},
	OpLogistic: {"Logistic", 1, 1, 1},
	OpRelu:     {"Relu", 1, 1, 1},
	OpRelu6:    {"Relu6", 1, 1, 1},

	OpCast:       {"Cast", 1, 1, 1},
	OpQuantize:   {"Quantize", 1, 1, 1},
	OpDequantize: {"Dequantize", 1, 1, 1},

	OpReshape:        {"Reshape", 1, 2, 1},
	OpShape:          {"Shape", 1, 1, 1},
	OpSpaceToDepth:   {"SpaceToDepth", 1, 1, 1},
	OpDepthToSpace:   {"DepthToSpace", 1, 1, 1},
	OpBatchToSpaceND: {"BatchToSpaceND", 3, 3, 1},
	OpSlice:          {"Slice", 3, 3, 1},
	OpStridedSlice:   {"StridedSlice", 4, 4, 1},
	OpTranspose:      {"Transpose", 2, 2, 1},
	OpConcatenation:  {"Concatenation", 1, Variadic, 1},

	OpMean:      {"Mean", 2, 2, 1},
	OpSum:       {"Sum", 2, 2, 1},
	OpReduceMax: {"ReduceMax", 2, 2, 1},
	OpSoftmax:   {"Softmax", 1, 1, 1},

	OpFullyConnected: {"FullyConnected", 2, 3, 1},

	OpWhere:               {"Where", 1, 1, 1},
	OpNonMaxSuppressionV4: {"NonMaxSuppressionV4", 5, 5, 2},

	OpIf:    {"If", 1, Variadic, Variadic},
	OpWhile: {"While", 0, Variadic, Variadic},
}

// Info returns the contract of the operator kind.
func (k OpKind) Info() KindInfo {
	if k < 0 || k >= NumOpKinds {
		return KindInfo{Name: fmt.Sprintf("OpKind(%d)", int(k))}
	}
	return kindInfos[k]
}

// String implements fmt.Stringer.
func (k OpKind) String() string { return k.Info().Name }

// IsValid returns whether k is one of the defined operator kinds.
func (k OpKind) IsValid() bool { return k > OpInvalid && k < NumOpKinds }

// IsControlFlow returns whether the kind executes subgraphs.
func (k OpKind) IsControlFlow() bool { return k == OpIf || k == OpWhile }

// KindFromName returns the operator kind with the given name. The match is exact.
func KindFromName(name string) (OpKind, bool) {
	for k := OpInvalid + 1; k < NumOpKinds; k++ {
		if kindInfos[k].Name == name {
			return k, true
		}
	}
	return OpInvalid, false
}

// checkArity validates the number of inputs and outputs for the kind.
func (k OpKind) checkArity(numInputs, numOutputs int) bool {
	info := k.Info()
	if numInputs < info.MinInputs || (info.MaxInputs != Variadic && numInputs > info.MaxInputs) {
		return false
	}
	return info.NumOutputs == Variadic || numOutputs == info.NumOutputs
}
