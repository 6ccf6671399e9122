// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/quant"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/pkg/errors"
)

// Context holds what is known about the inputs of a node when its output shapes are inferred.
type Context struct {
	Node *ir.Node

	// Inputs holds the shape of each input slot. Absent optional inputs have an invalid dtype.
	Inputs []ir.ShapeInfo

	// Values holds the value of each input slot, if known: constants in the static pass, every input in the
	// dynamic pass.
	Values []*tensors.Tensor

	// Quant holds the quantization parameters of each input slot, nil for float inputs.
	Quant []*quant.Params

	// Declared holds the declared shapes of the outputs, used for the output dtype of conversions.
	Declared []ir.ShapeInfo
}

// HasInput returns whether input slot i is present.
func (ctx *Context) HasInput(i int) bool {
	return i < len(ctx.Inputs) && ctx.Inputs[i].DType() != dtypes.InvalidDType
}

// Shape returns the shape of input i, and whether it is static.
func (ctx *Context) Shape(i int) (shapes.Shape, bool) {
	if !ctx.HasInput(i) {
		return shapes.Invalid(), false
	}
	return ctx.Inputs[i].Get()
}

// Value returns the value of input i, or nil if it is not known.
func (ctx *Context) Value(i int) *tensors.Tensor {
	if i >= len(ctx.Values) {
		return nil
	}
	return ctx.Values[i]
}

// Ints returns the value of input i as integers, and whether the value is known.
// The input must be Int32 or Int64.
func (ctx *Context) Ints(i int) ([]int, bool, error) {
	if !ctx.HasInput(i) {
		return nil, false, nil
	}
	if dtype := ctx.Inputs[i].DType(); dtype != dtypes.Int32 && dtype != dtypes.Int64 {
		return nil, false, errs.Errorf(errs.ErrTypeMismatch, "%s input #%d must be Int32 or Int64, got %s", ctx.Node.Kind, i, ctx.Inputs[i])
	}
	value := ctx.Value(i)
	if value == nil {
		return nil, false, nil
	}
	return IntValues(value), true, nil
}

// IntValues returns the values of an Int32 or Int64 tensor as ints.
func IntValues(t *tensors.Tensor) []int {
	var values []int
	switch t.DType() {
	case dtypes.Int32:
		for _, v := range tensors.Flat[int32](t) {
			values = append(values, int(v))
		}
	case dtypes.Int64:
		for _, v := range tensors.Flat[int64](t) {
			values = append(values, int(v))
		}
	}
	return values
}

// declaredDType returns the declared dtype of output i.
func (ctx *Context) declaredDType(i int, defaultDType dtypes.DType) dtypes.DType {
	if i < len(ctx.Declared) && ctx.Declared[i].DType() != dtypes.InvalidDType {
		return ctx.Declared[i].DType()
	}
	return defaultDType
}

// Rule infers the output shapes of a node.
type Rule func(ctx *Context) ([]ir.ShapeInfo, error)

var rules [ir.NumOpKinds]Rule

func init() {
	for kind := range ArithmeticOperations {
		rules[kind] = binaryRule(BinaryOp)
	}
	for kind := range ComparisonOperations {
		rules[kind] = binaryRule(ComparisonOp)
	}
	rules[ir.OpLogicalAnd] = binaryRule(LogicalOp)
	rules[ir.OpLogicalOr] = binaryRule(LogicalOp)
	rules[ir.OpLogicalNot] = unaryRule
	for kind := range UnaryOperations {
		rules[kind] = unaryRule
	}
	rules[ir.OpCast] = conversionRule
	rules[ir.OpQuantize] = conversionRule
	rules[ir.OpDequantize] = conversionRule
	rules[ir.OpSoftmax] = unaryRule
	rules[ir.OpReshape] = reshapeRule
	rules[ir.OpShape] = shapeRule
	for kind := range ReduceOperations {
		rules[kind] = reduceRule
	}
	rules[ir.OpFullyConnected] = fullyConnectedRule
	rules[ir.OpSpaceToDepth] = blockRule(SpaceToDepthOp)
	rules[ir.OpDepthToSpace] = blockRule(DepthToSpaceOp)
	rules[ir.OpBatchToSpaceND] = batchToSpaceRule
	rules[ir.OpSlice] = sliceRule
	rules[ir.OpStridedSlice] = stridedSliceRule
	rules[ir.OpTranspose] = transposeRule
	rules[ir.OpConcatenation] = concatenationRule
	rules[ir.OpWhere] = whereRule
	rules[ir.OpNonMaxSuppressionV4] = nonMaxSuppressionRule
	rules[ir.OpIf] = controlFlowRule
	rules[ir.OpWhile] = controlFlowRule
}

// Infer runs the rule of the node kind.
func Infer(ctx *Context) ([]ir.ShapeInfo, error) {
	kind := ctx.Node.Kind
	if !kind.IsValid() || rules[kind] == nil {
		return nil, errs.Errorf(errs.ErrUnsupportedOperator, "no shape inference rule for %s", kind)
	}
	outputs, err := rules[kind](ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "inferring shapes of %s", ctx.Node)
	}
	return outputs, nil
}

func static(shape shapes.Shape) []ir.ShapeInfo {
	return []ir.ShapeInfo{ir.Static(shape)}
}

func dynamic(dtype dtypes.DType) []ir.ShapeInfo {
	return []ir.ShapeInfo{ir.Dynamic(dtype)}
}

func binaryRule(op func(ir.OpKind, shapes.Shape, shapes.Shape) (shapes.Shape, error)) Rule {
	return func(ctx *Context) ([]ir.ShapeInfo, error) {
		lhs, lhsOk := ctx.Shape(0)
		rhs, rhsOk := ctx.Shape(1)
		if !lhsOk || !rhsOk {
			// Still validate dtypes with the dimensions unknown.
			output, err := op(ctx.Node.Kind, shapes.Scalar(ctx.Inputs[0].DType()), shapes.Scalar(ctx.Inputs[1].DType()))
			if err != nil {
				return nil, err
			}
			return dynamic(output.DType), nil
		}
		output, err := op(ctx.Node.Kind, lhs, rhs)
		if err != nil {
			return nil, err
		}
		return static(output), nil
	}
}

func unaryRule(ctx *Context) ([]ir.ShapeInfo, error) {
	dtype := ctx.Inputs[0].DType()
	kind := ctx.Node.Kind
	if FloatOperations.Has(kind) && !dtype.IsFloat() && !isQuantizedInput(ctx, 0) {
		return nil, errs.Errorf(errs.ErrTypeMismatch, "%s requires a float input, got %s", kind, ctx.Inputs[0])
	}
	if (kind == ir.OpLogicalNot) != (dtype == dtypes.Bool) {
		return nil, errs.Errorf(errs.ErrTypeMismatch, "%s can't take input %s", kind, ctx.Inputs[0])
	}
	return []ir.ShapeInfo{ctx.Inputs[0]}, nil
}

func isQuantizedInput(ctx *Context, i int) bool {
	return i < len(ctx.Quant) && ctx.Quant[i] != nil
}

func conversionRule(ctx *Context) ([]ir.ShapeInfo, error) {
	dtype := ctx.declaredDType(0, ctx.Inputs[0].DType())
	shape, ok := ctx.Shape(0)
	if !ok {
		return dynamic(dtype), nil
	}
	return static(shape.WithDType(dtype)), nil
}

func reshapeRule(ctx *Context) ([]ir.ShapeInfo, error) {
	dtype := ctx.Inputs[0].DType()
	var dims []int
	if ctx.HasInput(1) {
		values, known, err := ctx.Ints(1)
		if err != nil {
			return nil, err
		}
		if !known {
			return dynamic(dtype), nil
		}
		dims = values
	} else if params, _ := ctx.Node.Params.(*ir.ReshapeParams); params != nil && params.NewShape != nil {
		dims = params.NewShape
	} else {
		return nil, errs.Errorf(errs.ErrInvalidOptions, "Reshape without a shape input nor new_shape option")
	}
	operand, ok := ctx.Shape(0)
	if !ok {
		for _, dim := range dims {
			if dim < 0 {
				return dynamic(dtype), nil
			}
		}
		// The target shape is fully known: the output is static even if the input is not.
		return static(shapes.Make(dtype, dims...)), nil
	}
	output, err := ReshapeOp(operand, dims)
	if err != nil {
		return nil, err
	}
	return static(output), nil
}

func shapeRule(ctx *Context) ([]ir.ShapeInfo, error) {
	outType := dtypes.Int32
	if params, _ := ctx.Node.Params.(*ir.ShapeParams); params != nil {
		outType = params.OutType
	}
	operand, ok := ctx.Shape(0)
	if !ok {
		return dynamic(outType), nil
	}
	return static(shapes.Make(outType, operand.Rank())), nil
}

func reduceRule(ctx *Context) ([]ir.ShapeInfo, error) {
	dtype := ctx.Inputs[0].DType()
	if dtype == dtypes.Bool {
		return nil, errs.Errorf(errs.ErrTypeMismatch, "%s can't reduce %s", ctx.Node.Kind, ctx.Inputs[0])
	}
	axes, known, err := ctx.Ints(1)
	if err != nil {
		return nil, err
	}
	operand, ok := ctx.Shape(0)
	if !known || !ok {
		return dynamic(dtype), nil
	}
	keepDims := false
	if params, _ := ctx.Node.Params.(*ir.ReduceParams); params != nil {
		keepDims = params.KeepDims
	}
	output, err := ReduceOp(operand, axes, keepDims)
	if err != nil {
		return nil, err
	}
	return static(output), nil
}

func fullyConnectedRule(ctx *Context) ([]ir.ShapeInfo, error) {
	dtype := ctx.declaredDType(0, ctx.Inputs[0].DType())
	input, inputOk := ctx.Shape(0)
	weights, weightsOk := ctx.Shape(1)
	if !inputOk || !weightsOk {
		return dynamic(dtype), nil
	}
	var bias *shapes.Shape
	if ctx.HasInput(2) {
		biasShape, ok := ctx.Shape(2)
		if !ok {
			return dynamic(dtype), nil
		}
		bias = &biasShape
	}
	keepNumDims := false
	if params, _ := ctx.Node.Params.(*ir.FullyConnectedParams); params != nil {
		keepNumDims = params.KeepNumDims
	}
	output, err := FullyConnectedOp(input, weights, bias, keepNumDims, dtype)
	if err != nil {
		return nil, err
	}
	return static(output), nil
}

func blockRule(op func(shapes.Shape, int) (shapes.Shape, error)) Rule {
	return func(ctx *Context) ([]ir.ShapeInfo, error) {
		params, _ := ctx.Node.Params.(*ir.BlockParams)
		if params == nil || params.BlockSize < 1 {
			return nil, errs.Errorf(errs.ErrInvalidOptions, "%s requires a block size >= 1", ctx.Node.Kind)
		}
		operand, ok := ctx.Shape(0)
		if !ok {
			return dynamic(ctx.Inputs[0].DType()), nil
		}
		output, err := op(operand, params.BlockSize)
		if err != nil {
			return nil, err
		}
		return static(output), nil
	}
}

func batchToSpaceRule(ctx *Context) ([]ir.ShapeInfo, error) {
	dtype := ctx.Inputs[0].DType()
	blockShape, blockKnown, err := ctx.Ints(1)
	if err != nil {
		return nil, err
	}
	cropValues, cropsKnown, err := ctx.Ints(2)
	if err != nil {
		return nil, err
	}
	operand, ok := ctx.Shape(0)
	if !ok || !blockKnown || !cropsKnown {
		return dynamic(dtype), nil
	}
	if len(cropValues) != 2*len(blockShape) {
		return nil, errs.Errorf(errs.ErrShapeMismatch, "BatchToSpaceND: crops %v must have 2 values per block axis %v", cropValues, blockShape)
	}
	crops := make([][2]int, len(blockShape))
	for ii := range crops {
		crops[ii] = [2]int{cropValues[2*ii], cropValues[2*ii+1]}
	}
	output, err := BatchToSpaceNDOp(operand, blockShape, crops)
	if err != nil {
		return nil, err
	}
	return static(output), nil
}

func sliceRule(ctx *Context) ([]ir.ShapeInfo, error) {
	dtype := ctx.Inputs[0].DType()
	begin, beginKnown, err := ctx.Ints(1)
	if err != nil {
		return nil, err
	}
	size, sizeKnown, err := ctx.Ints(2)
	if err != nil {
		return nil, err
	}
	operand, ok := ctx.Shape(0)
	if !ok || !beginKnown || !sizeKnown {
		return dynamic(dtype), nil
	}
	output, err := SliceOp(operand, begin, size)
	if err != nil {
		return nil, err
	}
	return static(output), nil
}

func stridedSliceRule(ctx *Context) ([]ir.ShapeInfo, error) {
	dtype := ctx.Inputs[0].DType()
	values := make([][]int, 3)
	allKnown := true
	for ii := range values {
		v, known, err := ctx.Ints(ii + 1)
		if err != nil {
			return nil, err
		}
		values[ii] = v
		allKnown = allKnown && known
	}
	operand, ok := ctx.Shape(0)
	if !ok || !allKnown {
		return dynamic(dtype), nil
	}
	params, _ := ctx.Node.Params.(*ir.StridedSliceParams)
	if params == nil {
		params = &ir.StridedSliceParams{}
	}
	axes, err := ResolveStridedSlice(operand, values[0], values[1], values[2], params)
	if err != nil {
		return nil, err
	}
	return static(StridedSliceOp(operand, axes)), nil
}

func transposeRule(ctx *Context) ([]ir.ShapeInfo, error) {
	dtype := ctx.Inputs[0].DType()
	permutations, known, err := ctx.Ints(1)
	if err != nil {
		return nil, err
	}
	operand, ok := ctx.Shape(0)
	if !ok || !known {
		return dynamic(dtype), nil
	}
	output, err := TransposeOp(operand, permutations)
	if err != nil {
		return nil, err
	}
	return static(output), nil
}

func concatenationRule(ctx *Context) ([]ir.ShapeInfo, error) {
	params, _ := ctx.Node.Params.(*ir.ConcatenationParams)
	if params == nil {
		params = &ir.ConcatenationParams{}
	}
	inputs := make([]shapes.Shape, len(ctx.Inputs))
	allStatic := true
	for ii := range ctx.Inputs {
		if ctx.Inputs[ii].DType() != ctx.Inputs[0].DType() {
			return nil, errs.Errorf(errs.ErrTypeMismatch, "Concatenation: input #0 is %s but input #%d is %s",
				ctx.Inputs[0], ii, ctx.Inputs[ii])
		}
		shape, ok := ctx.Shape(ii)
		inputs[ii] = shape
		allStatic = allStatic && ok
	}
	if !allStatic {
		return dynamic(ctx.Inputs[0].DType()), nil
	}
	output, err := ConcatenateOp(inputs, params.Axis)
	if err != nil {
		return nil, err
	}
	return static(output), nil
}

// whereRule: the output holds the coordinates of the true (non-zero) elements, so its shape [count, rank]
// depends on the data of the condition.
func whereRule(ctx *Context) ([]ir.ShapeInfo, error) {
	dtype := ctx.declaredDType(0, dtypes.Int64)
	if dtype != dtypes.Int64 && dtype != dtypes.Int32 {
		return nil, errs.Errorf(errs.ErrTypeMismatch, "Where output must be Int32 or Int64, got %s", dtype)
	}
	condition := ctx.Value(0)
	if condition == nil {
		return dynamic(dtype), nil
	}
	count := CountNonZero(condition)
	return static(shapes.Make(dtype, count, condition.Shape().Rank())), nil
}

// CountNonZero returns the number of non-zero (true) elements of the tensor.
func CountNonZero(t *tensors.Tensor) int {
	elementSize := int(t.DType().Size())
	data := t.Bytes()
	count := 0
	for offset := 0; offset+elementSize <= len(data); offset += elementSize {
		for _, b := range data[offset : offset+elementSize] {
			if b != 0 {
				count++
				break
			}
		}
	}
	return count
}

func nonMaxSuppressionRule(ctx *Context) ([]ir.ShapeInfo, error) {
	boxes, boxesOk := ctx.Shape(0)
	scores, scoresOk := ctx.Shape(1)
	if boxesOk && (boxes.Rank() != 2 || boxes.Dimensions[1] != 4) {
		return nil, errs.Errorf(errs.ErrShapeMismatch, "NonMaxSuppressionV4 boxes must be [N, 4], got %s", boxes)
	}
	if boxesOk && scoresOk && (scores.Rank() != 1 || scores.Dimensions[0] != boxes.Dimensions[0]) {
		return nil, errs.Errorf(errs.ErrShapeMismatch, "NonMaxSuppressionV4 scores %s don't match boxes %s", scores, boxes)
	}
	for ii := 3; ii < 5; ii++ {
		if dtype := ctx.Inputs[ii].DType(); dtype != dtypes.Float32 {
			return nil, errs.Errorf(errs.ErrTypeMismatch, "NonMaxSuppressionV4 input #%d must be Float32, got %s", ii, dtype)
		}
		if threshold, ok := ctx.Shape(ii); ok && threshold.Size() != 1 {
			return nil, errs.Errorf(errs.ErrShapeMismatch, "NonMaxSuppressionV4 threshold input #%d must be a scalar, got %s", ii, threshold)
		}
	}
	valid := ir.Static(shapes.Make(dtypes.Int32))
	maxOutput, known, err := ctx.Ints(2)
	if err != nil {
		return nil, err
	}
	if !known {
		return []ir.ShapeInfo{ir.Dynamic(dtypes.Int32), valid}, nil
	}
	if len(maxOutput) != 1 || maxOutput[0] < 0 {
		return nil, errs.Errorf(errs.ErrShapeMismatch, "NonMaxSuppressionV4 max_output_size must be a non-negative scalar, got %v", maxOutput)
	}
	return []ir.ShapeInfo{ir.Static(shapes.Make(dtypes.Int32, maxOutput[0])), valid}, nil
}

// controlFlowRule: outputs of If and While are only known after the subgraphs execute.
func controlFlowRule(ctx *Context) ([]ir.ShapeInfo, error) {
	outputs := make([]ir.ShapeInfo, len(ctx.Node.Outputs))
	for ii := range outputs {
		outputs[ii] = ir.Dynamic(ctx.declaredDType(ii, dtypes.InvalidDType))
	}
	return outputs, nil
}
