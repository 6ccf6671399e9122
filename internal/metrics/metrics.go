// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics exports the memory usage and the execution statistics of runtime modules as
// Prometheus metrics.
//
// A nil *Collector is valid: all its methods are no-ops.
package metrics

import (
	"time"

	"github.com/gomlx/micrort/types/errs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace of all metrics.
const Namespace = "micrort"

// Collector holds the metrics of one or more modules, labeled by model name.
type Collector struct {
	arenaBytes         *prometheus.GaugeVec
	dynamicBytes       *prometheus.GaugeVec
	dynamicPeakBytes   *prometheus.GaugeVec
	kernelExecutions   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	invocationErrors   *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
// It panics if they are already registered with reg, as promauto does.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		arenaBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "arena_bytes",
			Help:      "Size of the arena holding the statically planned tensors",
		}, []string{"model"}),
		dynamicBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "dynamic_bytes",
			Help:      "Bytes held by dynamic tensors at the end of the last invocation",
		}, []string{"model"}),
		dynamicPeakBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "dynamic_peak_bytes",
			Help:      "Peak bytes held by dynamic tensors",
		}, []string{"model"}),
		kernelExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "kernel_executions_total",
			Help:      "Number of kernel executions, by operator kind",
		}, []string{"model", "kind"}),
		invocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Duration of the invocations of a module",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, []string{"model"}),
		invocationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "invocation_errors_total",
			Help:      "Number of failed invocations, by error category",
		}, []string{"model", "category"}),
	}
}

// SetArenaBytes records the size of the arena.
func (c *Collector) SetArenaBytes(model string, size int) {
	if c == nil {
		return
	}
	c.arenaBytes.WithLabelValues(model).Set(float64(size))
}

// SetDynamicBytes records the memory held by dynamic tensors.
func (c *Collector) SetDynamicBytes(model string, used, peak int) {
	if c == nil {
		return
	}
	c.dynamicBytes.WithLabelValues(model).Set(float64(used))
	c.dynamicPeakBytes.WithLabelValues(model).Set(float64(peak))
}

// KernelExecuted counts one execution of a kernel of the given kind.
func (c *Collector) KernelExecuted(model, kind string) {
	if c == nil {
		return
	}
	c.kernelExecutions.WithLabelValues(model, kind).Inc()
}

// Invocation records the duration of an invocation, and its error category if it failed.
func (c *Collector) Invocation(model string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.invocationDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	if err != nil {
		c.invocationErrors.WithLabelValues(model, Category(err)).Inc()
	}
}

// Category returns the label of the error category of err, "unknown" if it has none.
func Category(err error) string {
	kind := errs.KindOf(err)
	if kind == nil {
		return "unknown"
	}
	return kind.Category().Error()
}
