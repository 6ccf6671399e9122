// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/types/errs"
)

// Options are the opaque, string-keyed operator options of a decoded model record.
// ParseParams unpacks them into the typed parameters of a kind.
type Options map[string]any

// Activation is a fused activation function applied to the output of arithmetic and
// FullyConnected kernels.
type Activation int

const (
	ActNone Activation = iota
	ActRelu
	ActReluN1To1
	ActRelu6
)

var activationNames = []string{"None", "Relu", "ReluN1To1", "Relu6"}

// String implements fmt.Stringer.
func (a Activation) String() string {
	if a < 0 || int(a) >= len(activationNames) {
		return fmt.Sprintf("Activation(%d)", int(a))
	}
	return activationNames[a]
}

// Range returns the clamping range of the activation over float values.
func (a Activation) Range() (lo, hi float64) {
	switch a {
	case ActRelu:
		return 0, math.Inf(1)
	case ActReluN1To1:
		return -1, 1
	case ActRelu6:
		return 0, 6
	}
	return math.Inf(-1), math.Inf(1)
}

// BinaryParams holds the parameters of Add, Sub, Mul and Div.
type BinaryParams struct {
	Activation Activation
}

// ReshapeParams holds the parameters of Reshape. NewShape is only used if the shape input is absent.
type ReshapeParams struct {
	NewShape []int
}

// ShapeParams holds the parameters of Shape.
type ShapeParams struct {
	OutType dtypes.DType
}

// ReduceParams holds the parameters of Mean, Sum and ReduceMax.
type ReduceParams struct {
	KeepDims bool
}

// SoftmaxParams holds the parameters of Softmax.
type SoftmaxParams struct {
	Beta float32
}

// FullyConnectedParams holds the parameters of FullyConnected.
type FullyConnectedParams struct {
	Activation  Activation
	KeepNumDims bool
}

// BlockParams holds the parameters of SpaceToDepth and DepthToSpace.
type BlockParams struct {
	BlockSize int
}

// StridedSliceParams holds the bit masks of StridedSlice. Bit i of a mask refers to axis i.
type StridedSliceParams struct {
	BeginMask, EndMask, ShrinkAxisMask int
}

// ConcatenationParams holds the parameters of Concatenation.
type ConcatenationParams struct {
	Axis       int
	Activation Activation
}

// IfParams holds the subgraph indices of If.
type IfParams struct {
	Then, Else int
}

// WhileParams holds the subgraph indices of While.
type WhileParams struct {
	Cond, Body int
}

// ParseParams unpacks the decoded options of an operator record into the typed parameters of kind.
// Malformed options yield an error of kind errs.ErrInvalidOptions.
func ParseParams(kind OpKind, options Options) (params any, err error) {
	p := optionsParser{kind: kind, options: options}
	switch kind {
	case OpAdd, OpSub, OpMul, OpDiv:
		params = &BinaryParams{Activation: p.activation("fused_activation_function")}
	case OpReshape:
		params = &ReshapeParams{NewShape: p.ints("new_shape")}
	case OpShape:
		outType := dtypes.Int32
		if name := p.str("out_type", "Int32"); name != "Int32" {
			switch name {
			case "Int64":
				outType = dtypes.Int64
			default:
				p.fail("out_type must be Int32 or Int64, got %q", name)
			}
		}
		params = &ShapeParams{OutType: outType}
	case OpMean, OpSum, OpReduceMax:
		params = &ReduceParams{KeepDims: p.boolean("keep_dims")}
	case OpSoftmax:
		beta := p.float("beta", 1)
		if !(beta > 0) {
			p.fail("beta must be positive, got %g", beta)
		}
		params = &SoftmaxParams{Beta: float32(beta)}
	case OpFullyConnected:
		params = &FullyConnectedParams{
			Activation:  p.activation("fused_activation_function"),
			KeepNumDims: p.boolean("keep_num_dims"),
		}
	case OpSpaceToDepth, OpDepthToSpace:
		blockSize := p.integer("block_size", 0)
		if blockSize < 1 {
			p.fail("block_size must be >= 1, got %d", blockSize)
		}
		params = &BlockParams{BlockSize: blockSize}
	case OpStridedSlice:
		if p.integer("ellipsis_mask", 0) != 0 || p.integer("new_axis_mask", 0) != 0 {
			p.fail("ellipsis_mask and new_axis_mask are not supported")
		}
		params = &StridedSliceParams{
			BeginMask:      p.integer("begin_mask", 0),
			EndMask:        p.integer("end_mask", 0),
			ShrinkAxisMask: p.integer("shrink_axis_mask", 0),
		}
	case OpConcatenation:
		params = &ConcatenationParams{
			Axis:       p.integer("axis", 0),
			Activation: p.activation("fused_activation_function"),
		}
	case OpIf:
		params = &IfParams{Then: p.required("then_subgraph_index"), Else: p.required("else_subgraph_index")}
	case OpWhile:
		params = &WhileParams{Cond: p.required("cond_subgraph_index"), Body: p.required("body_subgraph_index")}
	default:
		if !kind.IsValid() {
			return nil, errs.Errorf(errs.ErrUnsupportedOperator, "operator kind %s", kind)
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return params, nil
}

// optionsParser reads options, keeping the first error.
type optionsParser struct {
	kind    OpKind
	options Options
	err     error
}

func (p *optionsParser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = errs.Errorf(errs.ErrInvalidOptions, "%s: %s", p.kind, fmt.Sprintf(format, args...))
	}
}

func (p *optionsParser) integer(key string, defaultValue int) int {
	value, found := p.options[key]
	if !found {
		return defaultValue
	}
	v, ok := toInt(value)
	if !ok {
		p.fail("option %q must be an integer, got %T(%v)", key, value, value)
		return defaultValue
	}
	return v
}

func (p *optionsParser) required(key string) int {
	if _, found := p.options[key]; !found {
		p.fail("missing required option %q", key)
		return -1
	}
	return p.integer(key, -1)
}

func (p *optionsParser) float(key string, defaultValue float64) float64 {
	value, found := p.options[key]
	if !found {
		return defaultValue
	}
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	}
	if v, ok := toInt(value); ok {
		return float64(v)
	}
	p.fail("option %q must be a number, got %T(%v)", key, value, value)
	return defaultValue
}

func (p *optionsParser) boolean(key string) bool {
	value, found := p.options[key]
	if !found {
		return false
	}
	v, ok := value.(bool)
	if !ok {
		p.fail("option %q must be a boolean, got %T(%v)", key, value, value)
	}
	return v
}

func (p *optionsParser) str(key, defaultValue string) string {
	value, found := p.options[key]
	if !found {
		return defaultValue
	}
	v, ok := value.(string)
	if !ok {
		p.fail("option %q must be a string, got %T(%v)", key, value, value)
		return defaultValue
	}
	return v
}

func (p *optionsParser) ints(key string) []int {
	value, found := p.options[key]
	if !found {
		return nil
	}
	var values []int
	switch v := value.(type) {
	case []int:
		values = append(values, v...)
	case []any:
		for _, element := range v {
			i, ok := toInt(element)
			if !ok {
				p.fail("option %q must be a list of integers, got element %T(%v)", key, element, element)
				return nil
			}
			values = append(values, i)
		}
	default:
		p.fail("option %q must be a list of integers, got %T(%v)", key, value, value)
	}
	return values
}

func (p *optionsParser) activation(key string) Activation {
	name := p.str(key, "NONE")
	switch strings.ToUpper(name) {
	case "NONE", "":
		return ActNone
	case "RELU":
		return ActRelu
	case "RELU_N1_TO_1", "RELUN1TO1":
		return ActReluN1To1
	case "RELU6":
		return ActRelu6
	}
	p.fail("unknown activation %q for option %q", name, key)
	return ActNone
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	}
	return 0, false
}
