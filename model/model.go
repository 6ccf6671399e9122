// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the decoded model structure consumed by the runtime: subgraphs of operator
// records and operand records, as produced by a model decoder.
//
// The binary serialization of models is handled elsewhere. This package can read a YAML rendition of
// the decoded structure (see Parse and Load), which is used for fixtures and tooling, and converts it to
// the graph IR with Build.
package model

import (
	"os"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/quant"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Model is a decoded model: the first subgraph is the main graph.
type Model struct {
	Name      string     `yaml:"name"`
	Subgraphs []Subgraph `yaml:"subgraphs"`
}

// Subgraph is a decoded graph. Operands are referred to by their index in Operands.
type Subgraph struct {
	Name      string     `yaml:"name"`
	Operands  []Operand  `yaml:"operands"`
	Operators []Operator `yaml:"operators"`
	Inputs    []int      `yaml:"inputs"`
	Outputs   []int      `yaml:"outputs"`
}

// Operand is a decoded operand record.
//
// A dimension of -1 in Shape (or Dynamic set) declares the shape as dynamic. Constant operands hold
// their value either in Data (raw little-endian bytes) or Values (one number per element).
type Operand struct {
	Name         string        `yaml:"name"`
	DType        string        `yaml:"dtype"`
	Shape        []int         `yaml:"shape"`
	Dynamic      bool          `yaml:"dynamic,omitempty"`
	Quantization *Quantization `yaml:"quantization,omitempty"`
	Values       []any         `yaml:"values,omitempty"`
	Data         []byte        `yaml:"-"`
}

// Quantization is a decoded quantization record.
type Quantization struct {
	Scales             []float32 `yaml:"scales"`
	ZeroPoints         []int64   `yaml:"zero_points"`
	QuantizedDimension int       `yaml:"quantized_dimension"`
}

// Operator is a decoded operator record. An input index of -1 marks an absent optional input.
type Operator struct {
	Kind    string     `yaml:"kind"`
	Options ir.Options `yaml:"options,omitempty"`
	Inputs  []int      `yaml:"inputs"`
	Outputs []int      `yaml:"outputs"`
}

// Parse decodes a YAML model.
func Parse(content []byte) (*Model, error) {
	m := &Model{}
	if err := yaml.Unmarshal(content, m); err != nil {
		return nil, errors.Wrap(err, "failed to parse model")
	}
	if len(m.Subgraphs) == 0 {
		return nil, errs.Errorf(errs.ErrStructural, "model %q has no subgraphs", m.Name)
	}
	return m, nil
}

// Load reads and decodes a YAML model file.
func Load(path string) (*Model, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model file %q", path)
	}
	m, err := Parse(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "model file %q", path)
	}
	return m, nil
}

var supportedDTypes = []dtypes.DType{
	dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
	dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
	dtypes.Float16, dtypes.Float32, dtypes.Float64,
}

// ParseDType converts a dtype name (case-insensitive, e.g. "float32" or "Float32") to a DType.
func ParseDType(name string) (dtypes.DType, error) {
	for _, dtype := range supportedDTypes {
		if strings.EqualFold(dtype.String(), name) {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errs.Errorf(errs.ErrStructural, "unsupported dtype %q", name)
}

// QuantParams converts the record to quantization parameters.
func (q *Quantization) QuantParams() *quant.Params {
	if q == nil {
		return nil
	}
	return &quant.Params{
		Scales:             append([]float32(nil), q.Scales...),
		ZeroPoints:         append([]int64(nil), q.ZeroPoints...),
		QuantizedDimension: q.QuantizedDimension,
	}
}
