// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The reference functions below compute the fixed-point rescaling directly from its definition, with
// floor and half-away-from-zero divisions on int64.

func floorDiv(n, d int64) int64 {
	q := n / d
	if n%d != 0 && (n < 0) != (d < 0) {
		q--
	}
	return q
}

// refDoublingHighMul is round(2*a*b / 2^32), ties towards +Inf, saturated.
func refDoublingHighMul(a, b int32) int32 {
	if a == math.MinInt32 && b == math.MinInt32 {
		return math.MaxInt32
	}
	return int32(floorDiv(int64(a)*int64(b)+(1<<30), 1<<31))
}

// refDivideByPOT is round(x / 2^exponent), ties away from zero.
func refDivideByPOT(x int32, exponent int) int32 {
	if exponent == 0 {
		return x
	}
	d := int64(1) << exponent
	q, r := int64(x)/d, int64(x)%d
	if 2*max(r, -r) >= d {
		if x < 0 {
			q--
		} else {
			q++
		}
	}
	return int32(q)
}

func refRescale(x int32, m quant.Multiplier) int32 {
	if m.Shift > 0 {
		x *= 1 << m.Shift
	}
	return refDivideByPOT(refDoublingHighMul(x, m.Value), max(-m.Shift, 0))
}

func refClamp(x, lo, hi int64) int64 {
	return min(max(x, lo), hi)
}

func TestReferenceFixedPoint(t *testing.T) {
	for _, tc := range []struct{ a, b int32 }{
		{1 << 30, 1 << 30}, {-(1 << 30), 1 << 30}, {math.MinInt32, math.MinInt32}, {math.MaxInt32, math.MinInt32},
		{12345, -67890}, {-7, 1 << 30}, {7, 1 << 30}, {0, 99}, {-3, -(1 << 29)},
	} {
		assert.Equal(t, quant.SaturatingRoundingDoublingHighMul(tc.a, tc.b), refDoublingHighMul(tc.a, tc.b), "a=%d, b=%d", tc.a, tc.b)
	}
	for _, x := range []int32{-5, -3, -2, -1, 0, 1, 2, 3, 5, math.MaxInt32, math.MinInt32 + 1} {
		for _, exponent := range []int{0, 1, 2, 5, 30} {
			assert.Equal(t, quant.RoundingDivideByPOT(x, exponent), refDivideByPOT(x, exponent), "x=%d, exponent=%d", x, exponent)
		}
	}
}

// quantizedRange returns the range of a quantized dtype.
func quantizedRange(t *testing.T, dtype dtypes.DType) (lo, hi int64) {
	qMin, qMax, err := quant.Range(dtype)
	require.NoError(t, err)
	return int64(qMin), int64(qMax)
}

// refQuantizedBinary computes Add, Sub or Mul of one element with the fixed-point definition.
func refQuantizedBinary(kind ir.OpKind, x, y int64, lhs, rhs, out *quant.Params, lo, hi int64) int64 {
	lhsValue, rhsValue := int32(x-int64(lhs.ZeroPoint())), int32(y-int64(rhs.ZeroPoint()))
	lhsScale, rhsScale, outScale := float64(lhs.Scale()), float64(rhs.Scale()), float64(out.Scale())
	var raw int32
	if kind == ir.OpMul {
		raw = refRescale(lhsValue*rhsValue, quant.QuantizeMultiplier(lhsScale*rhsScale/outScale))
	} else {
		const leftShift = 20
		twiceMaxScale := 2 * max(lhsScale, rhsScale)
		scaledLhs := refRescale(lhsValue<<leftShift, quant.QuantizeMultiplier(lhsScale/twiceMaxScale))
		scaledRhs := refRescale(rhsValue<<leftShift, quant.QuantizeMultiplier(rhsScale/twiceMaxScale))
		sum := scaledLhs + scaledRhs
		if kind == ir.OpSub {
			sum = scaledLhs - scaledRhs
		}
		raw = refRescale(sum, quant.QuantizeMultiplier(twiceMaxScale/(float64(1<<leftShift)*outScale)))
	}
	return refClamp(int64(raw)+int64(out.ZeroPoint()), lo, hi)
}

func TestQuantizedBinaryReference(t *testing.T) {
	int8Values := [2][]int8{
		{127, -128, 0, -10, 3, 60, 127, -128, 1},
		{127, -128, 0, 5, -3, -100, -128, 127, -1},
	}
	uint8Values := [2][]uint8{
		{255, 0, 128, 200, 50, 255, 0, 129},
		{255, 0, 128, 10, 240, 0, 255, 127},
	}
	for _, tc := range []struct {
		name          string
		kind          ir.OpKind
		dtype         dtypes.DType
		lhs, rhs, out *quant.Params
	}{
		{"AddInt8", ir.OpAdd, dtypes.Int8, quant.PerTensor(0.5, -10), quant.PerTensor(0.25, 5), quant.PerTensor(0.1, 20)},
		{"SubInt8", ir.OpSub, dtypes.Int8, quant.PerTensor(0.5, -10), quant.PerTensor(0.25, 5), quant.PerTensor(0.1, 20)},
		{"AddUint8", ir.OpAdd, dtypes.Uint8, quant.PerTensor(0.02, 128), quant.PerTensor(0.03, 120), quant.PerTensor(0.01, 100)},
		{"MulInt8", ir.OpMul, dtypes.Int8, quant.PerTensor(0.1, 4), quant.PerTensor(0.2, -6), quant.PerTensor(0.5, -3)},
		{"MulUint8", ir.OpMul, dtypes.Uint8, quant.PerTensor(0.05, 130), quant.PerTensor(0.04, 100), quant.PerTensor(0.1, 10)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			lo, hi := quantizedRange(t, tc.dtype)
			var lhs, rhs, out *tensors.Tensor
			var xs, ys []int64
			switch tc.dtype {
			case dtypes.Int8:
				n := len(int8Values[0])
				lhs, rhs = quantized(int8Values[0], tc.lhs, n), quantized(int8Values[1], tc.rhs, n)
				xs, ys = int64s(t, lhs), int64s(t, rhs)
				out = quantizedOutput(tc.dtype, tc.out, n)
			case dtypes.Uint8:
				n := len(uint8Values[0])
				lhs, rhs = quantized(uint8Values[0], tc.lhs, n), quantized(uint8Values[1], tc.rhs, n)
				xs, ys = int64s(t, lhs), int64s(t, rhs)
				out = quantizedOutput(tc.dtype, tc.out, n)
			}
			require.NoError(t, nodeTest{kind: tc.kind, inputs: []*tensors.Tensor{lhs, rhs}, outputs: []*tensors.Tensor{out}}.run(t))

			want := make([]int64, len(xs))
			for ii := range xs {
				want[ii] = refQuantizedBinary(tc.kind, xs[ii], ys[ii], tc.lhs, tc.rhs, tc.out, lo, hi)
			}
			assert.Equal(t, want, int64s(t, out))
			// Both ends of the range are reached.
			assert.Contains(t, want, lo)
			assert.Contains(t, want, hi)
		})
	}

	// The rescaling multipliers above are smaller than one: they have negative shifts.
	assert.Negative(t, quant.QuantizeMultiplier(0.25).Shift)
	assert.Negative(t, quant.QuantizeMultiplier(0.1*0.2/0.5).Shift)
}

func int64s(t *testing.T, x *tensors.Tensor) []int64 {
	values, err := flatToInt64(x)
	require.NoError(t, err)
	return values
}

func TestQuantizedFullyConnectedReference(t *testing.T) {
	inParams := quant.PerTensor(0.5, -5)
	weightsParams := &quant.Params{Scales: []float32{0.25, 0.125}, ZeroPoints: []int64{0, 0}}
	outParams := quant.PerTensor(4, 7)
	inputValues := []int8{
		127, 127, 127, 127,
		-5, -5, -5, -5,
		10, -20, 30, -40,
		-128, -128, -128, -128,
	}
	weightValues := []int8{
		127, 64, -1, 127,
		-128, -128, 2, -128,
	}
	biasValues := []int32{100, -300}
	const batch, units, depth = 4, 2, 4

	input := quantized(inputValues, inParams, batch, depth)
	weights := quantized(weightValues, weightsParams, units, depth)
	bias := flat(biasValues, units)
	out := quantizedOutput(dtypes.Int8, outParams, batch, units)
	kernel, err := nodeTest{
		kind:    ir.OpFullyConnected,
		inputs:  []*tensors.Tensor{input, weights, bias},
		outputs: []*tensors.Tensor{out},
	}.build(t)
	require.NoError(t, err)
	require.NoError(t, kernel.Configure())
	require.NoError(t, kernel.Execute())

	lo, hi := quantizedRange(t, dtypes.Int8)
	want := make([]int64, batch*units)
	for row := range batch {
		for unit := range units {
			var acc int64
			for ii := range depth {
				x := int64(inputValues[row*depth+ii]) - int64(inParams.ZeroPoint())
				w := int64(weightValues[unit*depth+ii]) - weightsParams.ZeroPoints[unit]
				acc += x * w
			}
			acc = refClamp(acc+int64(biasValues[unit]), math.MinInt32, math.MaxInt32)
			multiplier := quant.QuantizeMultiplier(float64(inParams.Scale()) * float64(weightsParams.Scales[unit]) / float64(outParams.Scale()))
			require.Negative(t, multiplier.Shift)
			want[row*units+unit] = refClamp(int64(refRescale(int32(acc), multiplier))+int64(outParams.ZeroPoint()), lo, hi)
		}
	}
	assert.Equal(t, want, int64s(t, out))
	assert.Contains(t, want, lo)
	assert.Contains(t, want, hi)
	// A row at the input zero point yields the rescaled bias.
	assert.Equal(t, []int64{10, 2}, want[units:2*units])

	// Accumulators live in the kernel's scope, reused across executions.
	scope := kernel.(*fullyConnectedKernel).scope
	size := scope.Size()
	assert.Positive(t, size)
	clear(tensors.Flat[int8](out))
	require.NoError(t, kernel.Execute())
	assert.Equal(t, want, int64s(t, out))
	assert.Equal(t, size, scope.Size())
}
