// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"cmp"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/backends"
	"github.com/gomlx/micrort/backends/memory"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/tensors"
)

// This file implements the operations whose output shapes depend on the input values: Where and
// NonMaxSuppressionV4.

// whereKernel writes the coordinates of the non-zero elements of its input, in row-major order, as a
// [count, rank] tensor.
type whereKernel struct {
	kernel
}

func buildWhere(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &whereKernel{kernel: k}, nil
}

func (k *whereKernel) Configure() error {
	_, err := k.configureOutputs()
	return err
}

func (k *whereKernel) Execute() error {
	input, output := k.inputs[0], k.outputs[0]
	elementSize := int(input.DType().Size())
	data := input.Bytes()
	coordinates := make([]int64, 0, output.Shape().Size())
	flatIdx := 0
	for indices := range input.Shape().Iter() {
		element := data[flatIdx*elementSize : (flatIdx+1)*elementSize]
		flatIdx++
		if !isNonZero(element) {
			continue
		}
		for _, idx := range indices {
			coordinates = append(coordinates, int64(idx))
		}
	}
	if len(coordinates) != output.Shape().Size() {
		return errs.Errorf(errs.ErrShapeMismatch, "%s: input has %d true coordinates, but output is %s",
			k.node, len(coordinates), output.Shape())
	}
	return storeInt64(output, coordinates)
}

func isNonZero(element []byte) bool {
	for _, b := range element {
		if b != 0 {
			return true
		}
	}
	return false
}

// nonMaxSuppressionKernel implements NonMaxSuppressionV4: it greedily selects the boxes with the highest
// scores, dropping those with score <= score_threshold and those whose intersection-over-union with an
// already selected box is > iou_threshold.
//
// Boxes are [y1, x1, y2, x2], with corners in any order. The selected indices are padded with zeros up to
// max_output_size, and the second output holds the number of valid indices.
type nonMaxSuppressionKernel struct {
	kernel
	scope *memory.LayerScope
}

func buildNonMaxSuppression(ctx *backends.BuildContext, node *ir.Node) (backends.Kernel, error) {
	k, err := newKernel(ctx, node)
	if err != nil {
		return nil, err
	}
	return &nonMaxSuppressionKernel{kernel: k, scope: memory.NewLayerScope()}, nil
}

func (k *nonMaxSuppressionKernel) Configure() error {
	if _, err := k.configureOutputs(); err != nil {
		return err
	}
	if k.inputs[0].DType() != dtypes.Float32 || k.inputs[1].DType() != dtypes.Float32 {
		return errs.Errorf(errs.ErrTypeMismatch, "%s requires Float32 boxes and scores, got %s and %s",
			k.node, k.inputs[0].DType(), k.inputs[1].DType())
	}
	return nil
}

func (k *nonMaxSuppressionKernel) Execute() error {
	boxes := tensors.Flat[float32](k.inputs[0])
	scores := tensors.Flat[float32](k.inputs[1])
	iouThreshold := tensors.Flat[float32](k.inputs[3])[0]
	scoreThreshold := tensors.Flat[float32](k.inputs[4])[0]
	selected := tensors.Flat[int32](k.outputs[0])
	maxOutput := len(selected)

	candidates := memory.ScratchOf[int32](k.scope, "candidates", len(scores))[:0]
	for ii, score := range scores {
		if score > scoreThreshold {
			candidates = append(candidates, int32(ii))
		}
	}
	slices.SortStableFunc(candidates, func(a, b int32) int {
		return cmp.Compare(scores[b], scores[a])
	})

	numSelected := 0
	for _, candidate := range candidates {
		if numSelected >= maxOutput {
			break
		}
		box := boxes[candidate*4 : candidate*4+4]
		suppressed := false
		for _, previous := range selected[:numSelected] {
			if intersectionOverUnion(box, boxes[previous*4:previous*4+4]) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			selected[numSelected] = candidate
			numSelected++
		}
	}
	clear(selected[numSelected:])
	tensors.Flat[int32](k.outputs[1])[0] = int32(numSelected)
	return nil
}

// intersectionOverUnion of two [y1, x1, y2, x2] boxes. Boxes with no area have an IoU of 0.
func intersectionOverUnion(a, b []float32) float32 {
	aMinY, aMaxY := min(a[0], a[2]), max(a[0], a[2])
	aMinX, aMaxX := min(a[1], a[3]), max(a[1], a[3])
	bMinY, bMaxY := min(b[0], b[2]), max(b[0], b[2])
	bMinX, bMaxX := min(b[1], b[3]), max(b[1], b[3])
	areaA := (aMaxY - aMinY) * (aMaxX - aMinX)
	areaB := (bMaxY - bMinY) * (bMaxX - bMinX)
	if areaA <= 0 || areaB <= 0 {
		return 0
	}
	height := max(min(aMaxY, bMaxY)-max(aMinY, bMinY), 0)
	width := max(min(aMaxX, bMaxX)-max(aMinX, bMinX), 0)
	intersection := height * width
	return intersection / (areaA + areaB - intersection)
}
