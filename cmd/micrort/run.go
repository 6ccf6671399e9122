// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/micrort/runtime"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
)

// parseResize parses the shapes of --resize: comma-separated "<input>=<dim>x<dim>...". A scalar is given
// with an empty list of dimensions ("1=").
func parseResize(entries string) (map[int][]int, error) {
	resize := make(map[int][]int)
	if strings.TrimSpace(entries) == "" {
		return resize, nil
	}
	for _, part := range strings.Split(entries, ",") {
		inputStr, dimsStr, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return nil, errors.Errorf("invalid --resize entry %q, expected <input>=<dim>x<dim>...", part)
		}
		input, err := strconv.Atoi(inputStr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid input index in --resize entry %q", part)
		}
		dims := []int{}
		if dimsStr != "" {
			for _, dimStr := range strings.Split(dimsStr, "x") {
				dim, err := strconv.Atoi(dimStr)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid dimension in --resize entry %q", part)
				}
				dims = append(dims, dim)
			}
		}
		resize[input] = dims
	}
	return resize, nil
}

// fill sets every element of data, holding values of dtype, to value.
func fill(dtype dtypes.DType, data []byte, value float64) error {
	switch dtype {
	case dtypes.Bool:
		fillFlat(data, value != 0)
	case dtypes.Int8:
		fillFlat(data, int8(value))
	case dtypes.Int16:
		fillFlat(data, int16(value))
	case dtypes.Int32:
		fillFlat(data, int32(value))
	case dtypes.Int64:
		fillFlat(data, int64(value))
	case dtypes.Uint8:
		fillFlat(data, uint8(value))
	case dtypes.Uint16:
		fillFlat(data, uint16(value))
	case dtypes.Uint32:
		fillFlat(data, uint32(value))
	case dtypes.Uint64:
		fillFlat(data, uint64(value))
	case dtypes.Float16:
		fillFlat(data, float16.Fromfloat32(float32(value)))
	case dtypes.Float32:
		fillFlat(data, float32(value))
	case dtypes.Float64:
		fillFlat(data, value)
	default:
		return errors.Errorf("can't fill values of dtype %s", dtype)
	}
	return nil
}

func fillFlat[T tensors.Supported](data []byte, value T) {
	flat := tensors.CastBytes[T](data)
	for ii := range flat {
		flat[ii] = value
	}
}

// formatValues renders up to maxValues values of t.
func formatValues(t *tensors.Tensor, maxValues int) string {
	switch t.DType() {
	case dtypes.Bool:
		return formatFlat(tensors.Flat[bool](t), maxValues)
	case dtypes.Int8:
		return formatFlat(tensors.Flat[int8](t), maxValues)
	case dtypes.Int16:
		return formatFlat(tensors.Flat[int16](t), maxValues)
	case dtypes.Int32:
		return formatFlat(tensors.Flat[int32](t), maxValues)
	case dtypes.Int64:
		return formatFlat(tensors.Flat[int64](t), maxValues)
	case dtypes.Uint8:
		return formatFlat(tensors.Flat[uint8](t), maxValues)
	case dtypes.Uint16:
		return formatFlat(tensors.Flat[uint16](t), maxValues)
	case dtypes.Uint32:
		return formatFlat(tensors.Flat[uint32](t), maxValues)
	case dtypes.Uint64:
		return formatFlat(tensors.Flat[uint64](t), maxValues)
	case dtypes.Float16:
		return formatFlat(tensors.Flat[float16.Float16](t), maxValues)
	case dtypes.Float32:
		return formatFlat(tensors.Flat[float32](t), maxValues)
	case dtypes.Float64:
		return formatFlat(tensors.Flat[float64](t), maxValues)
	}
	return fmt.Sprintf("<%d bytes of %s>", len(t.Bytes()), t.DType())
}

func formatFlat[T any](flat []T, maxValues int) string {
	parts := make([]string, 0, min(len(flat), maxValues)+1)
	for ii, value := range flat {
		if ii == maxValues {
			parts = append(parts, fmt.Sprintf("... (%d more)", len(flat)-maxValues))
			break
		}
		parts = append(parts, fmt.Sprint(value))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// run configures the inputs of m, executes it --repeat times and prints its outputs.
func run(m *runtime.Module) error {
	resize, err := parseResize(*flagResize)
	if err != nil {
		return err
	}
	for input, dims := range resize {
		if err := m.ResizeInput(input, dims...); err != nil {
			return err
		}
	}
	for input := range m.NumInputs() {
		data, err := m.ConfigureInput(input)
		if err != nil {
			return err
		}
		t, err := m.InputTensor(input)
		if err != nil {
			return err
		}
		if err := fill(t.DType(), data, *flagFill); err != nil {
			return errors.WithMessagef(err, "input #%d", input)
		}
	}

	repeat := max(*flagRepeat, 1)
	var bar *progressbar.ProgressBar
	if repeat > 1 {
		bar = progressbar.NewOptions(repeat,
			progressbar.OptionSetDescription("Executing: "),
			progressbar.OptionEnableColorCodes(!*flagNoColor),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("runs"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: ".",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}
	start := time.Now()
	for range repeat {
		if err := m.Execute(); err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	elapsed := time.Since(start)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}

	fmt.Println(titleStyle.Render("Outputs"))
	table := newPlainTable(true)
	table.Row("#", "Name", "Shape", "Values")
	for output := range m.NumOutputs() {
		t, err := m.OutputTensor(output)
		if err != nil {
			return err
		}
		table.Row(fmt.Sprint(output), t.Name(), t.Shape().String(), formatValues(t, *flagMaxValues))
	}
	fmt.Println(table.Render())
	fmt.Printf("%d execution(s), %s per execution\n", repeat, elapsed/time.Duration(repeat))
	return nil
}
