// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quant

import "math"

// Multiplier is a real multiplier represented as a Q31 fixed-point value and a power-of-two exponent:
// `real ~= Value * 2^(Shift-31)`.
type Multiplier struct {
	Value int32
	Shift int
}

// QuantizeMultiplier decomposes a real multiplier into a Q31 fixed-point value and a shift.
// A zero (or negligibly small) multiplier yields a zero Multiplier.
func QuantizeMultiplier(realMultiplier float64) Multiplier {
	if realMultiplier == 0 {
		return Multiplier{}
	}
	fraction, shift := math.Frexp(realMultiplier)
	qFixed := int64(math.Round(fraction * (1 << 31)))
	if qFixed == 1<<31 {
		qFixed /= 2
		shift++
	}
	if shift < -31 {
		return Multiplier{}
	}
	return Multiplier{Value: int32(qFixed), Shift: shift}
}

// Apply multiplies x by the multiplier with rounding, using only integer arithmetic.
func (m Multiplier) Apply(x int32) int32 {
	return MultiplyByQuantizedMultiplier(x, m.Value, m.Shift)
}

// SaturatingRoundingDoublingHighMul returns the high 32 bits of 2*a*b, rounded to nearest.
// The only overflowing case (a == b == MinInt32) saturates to MaxInt32.
func SaturatingRoundingDoublingHighMul(a, b int32) int32 {
	if a == b && a == math.MinInt32 {
		return math.MaxInt32
	}
	ab := int64(a) * int64(b)
	nudge := int64(1 << 30)
	if ab < 0 {
		nudge = 1 - (1 << 30)
	}
	return int32((ab + nudge) / (1 << 31))
}

// RoundingDivideByPOT divides x by 2^exponent, rounding half away from zero.
func RoundingDivideByPOT(x int32, exponent int) int32 {
	if exponent <= 0 {
		return x
	}
	mask := int32((int64(1) << exponent) - 1)
	remainder := x & mask
	threshold := mask >> 1
	if x < 0 {
		threshold++
	}
	result := x >> exponent
	if remainder > threshold {
		result++
	}
	return result
}

// MultiplyByQuantizedMultiplier computes x * quantizedMultiplier * 2^(shift-31) with rounding.
func MultiplyByQuantizedMultiplier(x int32, quantizedMultiplier int32, shift int) int32 {
	leftShift := max(shift, 0)
	rightShift := max(-shift, 0)
	return RoundingDivideByPOT(SaturatingRoundingDoublingHighMul(x*(1<<leftShift), quantizedMultiplier), rightShift)
}
