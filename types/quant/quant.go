// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quant implements affine quantization parameters and the fixed-point arithmetic used by
// quantized kernels.
//
// A quantized value q represents the real value `scale * (q - zeroPoint)`. Kernels never convert
// back to floating point during execution: rescaling between scales is done with a 32-bit
// fixed-point multiplier and a power-of-two shift, both computed once at configuration time.
package quant

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Params holds the quantization parameters of an operand.
//
// Per-tensor quantization has exactly one scale and one zero point. Per-channel quantization has one
// scale (and zero point) per index of QuantizedDimension.
type Params struct {
	Scales             []float32
	ZeroPoints         []int64
	QuantizedDimension int
}

// PerTensor returns per-tensor quantization parameters.
func PerTensor(scale float32, zeroPoint int64) *Params {
	return &Params{Scales: []float32{scale}, ZeroPoints: []int64{zeroPoint}}
}

// IsPerChannel returns whether the parameters hold more than one scale.
func (p *Params) IsPerChannel() bool { return len(p.Scales) > 1 }

// Scale returns the first (or only) scale.
func (p *Params) Scale() float32 { return p.Scales[0] }

// ZeroPoint returns the first (or only) zero point.
func (p *Params) ZeroPoint() int32 {
	if len(p.ZeroPoints) == 0 {
		return 0
	}
	return int32(p.ZeroPoints[0])
}

// ChannelZeroPoint returns the zero point of channel ch, falling back to the per-tensor zero point.
func (p *Params) ChannelZeroPoint(ch int) int32 {
	if ch < len(p.ZeroPoints) {
		return int32(p.ZeroPoints[ch])
	}
	return p.ZeroPoint()
}

// Validate checks the parameters against the dimensions of the operand they quantize.
func (p *Params) Validate(dims []int) error {
	if len(p.Scales) == 0 {
		return errors.New("quantization parameters without scales")
	}
	if len(p.ZeroPoints) != 0 && len(p.ZeroPoints) != len(p.Scales) {
		return errors.Errorf("quantization has %d scales but %d zero points", len(p.Scales), len(p.ZeroPoints))
	}
	for _, scale := range p.Scales {
		if !(scale > 0) || math.IsInf(float64(scale), 0) {
			return errors.Errorf("invalid quantization scale %g", scale)
		}
	}
	if !p.IsPerChannel() {
		return nil
	}
	if p.QuantizedDimension < 0 || p.QuantizedDimension >= len(dims) {
		return errors.Errorf("quantized dimension %d out-of-bounds for rank %d", p.QuantizedDimension, len(dims))
	}
	if channels := dims[p.QuantizedDimension]; channels != len(p.Scales) {
		return errors.Errorf("per-channel quantization has %d scales, but quantized dimension %d has %d channels",
			len(p.Scales), p.QuantizedDimension, channels)
	}
	return nil
}

// Equal returns whether both parameters are the same. Two nil parameters are equal.
func (p *Params) Equal(p2 *Params) bool {
	if p == nil || p2 == nil {
		return p == p2
	}
	if p.QuantizedDimension != p2.QuantizedDimension || len(p.Scales) != len(p2.Scales) ||
		len(p.ZeroPoints) != len(p2.ZeroPoints) {
		return false
	}
	for ii := range p.Scales {
		if p.Scales[ii] != p2.Scales[ii] {
			return false
		}
	}
	for ii := range p.ZeroPoints {
		if p.ZeroPoints[ii] != p2.ZeroPoints[ii] {
			return false
		}
	}
	return true
}

// Range returns the representable range of a quantized integer dtype.
func Range(dtype dtypes.DType) (minValue, maxValue int32, err error) {
	switch dtype {
	case dtypes.Uint8:
		return 0, math.MaxUint8, nil
	case dtypes.Int8:
		return math.MinInt8, math.MaxInt8, nil
	case dtypes.Int16:
		return math.MinInt16, math.MaxInt16, nil
	case dtypes.Int32:
		return math.MinInt32, math.MaxInt32, nil
	}
	return 0, 0, errors.Errorf("dtype %s is not a supported quantized type", dtype)
}

// IsQuantizedType returns whether dtype can hold quantized values.
func IsQuantizedType(dtype dtypes.DType) bool {
	_, _, err := Range(dtype)
	return err == nil
}

// Quantize converts a real value to its quantized representation, clamped to [minValue, maxValue].
func Quantize(value float32, scale float32, zeroPoint, minValue, maxValue int32) int32 {
	q := int64(math.Round(float64(value)/float64(scale))) + int64(zeroPoint)
	return int32(min(max(q, int64(minValue)), int64(maxValue)))
}

// Dequantize converts a quantized value to its real value.
func Dequantize(q int32, scale float32, zeroPoint int32) float32 {
	return scale * float32(q-zeroPoint)
}
