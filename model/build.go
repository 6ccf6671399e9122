// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Build converts the decoded model to a validated ir.Module, with all graphs frozen.
func (m *Model) Build() (*ir.Module, error) {
	graphs := make([]*ir.Graph, len(m.Subgraphs))
	for idx := range m.Subgraphs {
		g, err := m.Subgraphs[idx].build(idx)
		if err != nil {
			return nil, errors.WithMessagef(err, "model %q, subgraph #%d %q", m.Name, idx, m.Subgraphs[idx].Name)
		}
		graphs[idx] = g
	}
	module := ir.NewModule(graphs[0], graphs[1:]...)
	if err := module.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "model %q", m.Name)
	}
	return module, nil
}

func (sg *Subgraph) build(idx int) (*ir.Graph, error) {
	name := sg.Name
	if name == "" {
		name = "subgraph"
		if idx == ir.MainGraph {
			name = "main"
		}
	}
	g := ir.NewGraph(name)
	for ii := range sg.Operands {
		if err := sg.Operands[ii].build(g); err != nil {
			return nil, errors.WithMessagef(err, "operand #%d %q", ii, sg.Operands[ii].Name)
		}
	}
	for ii, record := range sg.Operators {
		kind, found := ir.KindFromName(record.Kind)
		if !found {
			return nil, errs.Errorf(errs.ErrUnsupportedOperator, "operator #%d: unknown kind %q", ii, record.Kind)
		}
		params, err := ir.ParseParams(kind, record.Options)
		if err != nil {
			return nil, errors.WithMessagef(err, "operator #%d", ii)
		}
		if _, err = g.AddNode(kind, params, toOperandIDs(record.Inputs), toOperandIDs(record.Outputs)); err != nil {
			return nil, errors.WithMessagef(err, "operator #%d", ii)
		}
	}
	if err := g.SetInputs(toOperandIDs(sg.Inputs)...); err != nil {
		return nil, err
	}
	if err := g.SetOutputs(toOperandIDs(sg.Outputs)...); err != nil {
		return nil, err
	}
	if err := g.Freeze(); err != nil {
		return nil, err
	}
	return g, nil
}

func toOperandIDs(indices []int) []ir.OperandID {
	ids := make([]ir.OperandID, len(indices))
	for ii, index := range indices {
		if index < 0 {
			ids[ii] = ir.NoOperand
		} else {
			ids[ii] = ir.OperandID(index)
		}
	}
	return ids
}

func (record *Operand) build(g *ir.Graph) error {
	dtype, err := ParseDType(record.DType)
	if err != nil {
		return err
	}
	isConstant := record.Data != nil || record.Values != nil
	dynamic := record.Dynamic || slices.Contains(record.Shape, -1)
	if dynamic && isConstant {
		return errs.Errorf(errs.ErrStructural, "constant operands can't have a dynamic shape")
	}

	var o *ir.Operand
	switch {
	case dynamic:
		o = g.NewOperand(record.Name, ir.Dynamic(dtype))
	case isConstant:
		shape, err := shapes.FromDims(dtype, record.Shape)
		if err != nil {
			return errs.Errorf(errs.ErrStructural, "%v", err)
		}
		data := record.Data
		if data == nil {
			data, err = EncodeValues(dtype, record.Values)
			if err != nil {
				return err
			}
		}
		if o, err = g.NewConstant(record.Name, shape, data); err != nil {
			return err
		}
	default:
		shape, err := shapes.FromDims(dtype, record.Shape)
		if err != nil {
			return errs.Errorf(errs.ErrStructural, "%v", err)
		}
		o = g.NewOperand(record.Name, ir.Static(shape))
	}

	if q := record.Quantization.QuantParams(); q != nil {
		var dims []int
		if shape, ok := o.Shape.Get(); ok {
			dims = shape.Dimensions
		}
		if dims != nil || !q.IsPerChannel() {
			if err := q.Validate(dims); err != nil {
				return errs.Errorf(errs.ErrStructural, "%v", err)
			}
		}
		o.Quant = q
	}
	return nil
}

// EncodeValues converts numeric values (as decoded from YAML: int, float64 or bool) to the raw
// little-endian storage of the given dtype.
func EncodeValues(dtype dtypes.DType, values []any) ([]byte, error) {
	numbers := make([]float64, len(values))
	for ii, value := range values {
		switch v := value.(type) {
		case int:
			numbers[ii] = float64(v)
		case int64:
			numbers[ii] = float64(v)
		case float64:
			numbers[ii] = v
		case bool:
			if v {
				numbers[ii] = 1
			}
		default:
			return nil, errs.Errorf(errs.ErrStructural, "value #%d: %T(%v) is not a number", ii, value, value)
		}
	}
	switch dtype {
	case dtypes.Bool:
		return encode(numbers, func(v float64) bool { return v != 0 }), nil
	case dtypes.Int8:
		return encode(numbers, func(v float64) int8 { return int8(v) }), nil
	case dtypes.Int16:
		return encode(numbers, func(v float64) int16 { return int16(v) }), nil
	case dtypes.Int32:
		return encode(numbers, func(v float64) int32 { return int32(v) }), nil
	case dtypes.Int64:
		return encode(numbers, func(v float64) int64 { return int64(v) }), nil
	case dtypes.Uint8:
		return encode(numbers, func(v float64) uint8 { return uint8(v) }), nil
	case dtypes.Uint16:
		return encode(numbers, func(v float64) uint16 { return uint16(v) }), nil
	case dtypes.Uint32:
		return encode(numbers, func(v float64) uint32 { return uint32(v) }), nil
	case dtypes.Uint64:
		return encode(numbers, func(v float64) uint64 { return uint64(v) }), nil
	case dtypes.Float16:
		return encode(numbers, func(v float64) float16.Float16 { return float16.Fromfloat32(float32(v)) }), nil
	case dtypes.Float32:
		return encode(numbers, func(v float64) float32 { return float32(v) }), nil
	case dtypes.Float64:
		return encode(numbers, func(v float64) float64 { return v }), nil
	}
	return nil, errs.Errorf(errs.ErrStructural, "can't encode values for dtype %s", dtype)
}

func encode[T tensors.Supported](numbers []float64, convert func(float64) T) []byte {
	flat := make([]T, len(numbers))
	for ii, v := range numbers {
		flat[ii] = convert(v)
	}
	return append([]byte{}, tensors.AsBytes(flat)...)
}
