// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/gomlx/micrort/types/errs"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	c := New(reg)

	c.SetArenaBytes("m", 1024)
	c.SetDynamicBytes("m", 16, 64)
	c.KernelExecuted("m", "Add")
	c.KernelExecuted("m", "Add")
	c.KernelExecuted("m", "Mul")
	c.Invocation("m", time.Millisecond, nil)
	c.Invocation("m", time.Millisecond, errs.Errorf(errs.ErrOutOfMemory, "no memory"))

	assert.Equal(t, 1024.0, testutil.ToFloat64(c.arenaBytes.WithLabelValues("m")))
	assert.Equal(t, 64.0, testutil.ToFloat64(c.dynamicPeakBytes.WithLabelValues("m")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.kernelExecutions.WithLabelValues("m", "Add")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.invocationErrors.WithLabelValues("m", "resource error")))

	expected := `
# HELP micrort_dynamic_bytes Bytes held by dynamic tensors at the end of the last invocation
# TYPE micrort_dynamic_bytes gauge
micrort_dynamic_bytes{model="m"} 16
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "micrort_dynamic_bytes"))
	assert.Equal(t, 1, testutil.CollectAndCount(c.invocationDuration))

	// Registering twice panics.
	assert.Panics(t, func() { New(reg) })
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.SetArenaBytes("m", 1)
	c.SetDynamicBytes("m", 1, 1)
	c.KernelExecuted("m", "Add")
	c.Invocation("m", time.Second, errors.New("failed"))
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "shape error", Category(errs.Errorf(errs.ErrShapeMismatch, "bad shape")))
	assert.Equal(t, "structural error", Category(errors.WithMessage(errs.Errorf(errs.ErrArity, "x"), "context")))
	assert.Equal(t, "unknown", Category(errors.New("plain")))
}
