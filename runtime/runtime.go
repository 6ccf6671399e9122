// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runtime loads a decoded model and executes it on a kernel registry.
//
// Load converts the model to the graph IR, runs the static shape pass on every graph, plans the memory of
// the static tensors into the arena (the main graph first, then each subgraph) and builds one kernel per
// node. The host then uses the returned Module:
//
//	m, err := runtime.Load(decoded, nil, runtime.WithConfig(cfg))
//	...
//	data, err := m.ConfigureInput(0) // Write the input values into data.
//	...
//	err = m.Execute()
//	...
//	values, shape, err := m.Output(0)
//
// A Module is not safe for concurrent use, but several modules can share one arena (see WithArena): each
// invocation holds the arena exclusively, and a module whose inputs were overwritten by another module
// reports errs.ErrArenaReclaimed.
package runtime

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/micrort/backends"
	"github.com/gomlx/micrort/backends/cpu"
	"github.com/gomlx/micrort/backends/memory"
	"github.com/gomlx/micrort/config"
	"github.com/gomlx/micrort/internal/metrics"
	"github.com/gomlx/micrort/internal/workerspool"
	"github.com/gomlx/micrort/ir"
	"github.com/gomlx/micrort/model"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Option configures Load.
type Option func(*options)

type options struct {
	config  *config.Config
	arena   *memory.Arena
	metrics *metrics.Collector
}

// WithConfig sets the configuration of the module. The default is config.Default().
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithArena makes the module use a shared arena. Its budget takes precedence over config.ArenaBudget.
func WithArena(arena *memory.Arena) Option {
	return func(o *options) { o.arena = arena }
}

// WithMetrics reports the memory usage and the invocations of the module to the collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) { o.metrics = collector }
}

// Module is a loaded model, ready to execute.
type Module struct {
	mu sync.Mutex

	id      uuid.UUID
	name    string
	module  *ir.Module
	config  *config.Config
	metrics *metrics.Collector

	arena   *memory.Arena
	dynamic *memory.DynamicAllocator

	// graphs has one executor per graph of the module, indexed as ir.Module.Graphs.
	graphs []*graphExecutor

	// inputsReady records which main graph inputs were configured since they were last lost, and
	// inputsReclaimed which were lost because another module used the arena.
	inputsReady, inputsReclaimed []bool
	closed                       bool
}

// Load builds the module of the decoded model m, with the kernels of registry. If registry is nil, the CPU
// registry is used.
func Load(m *model.Model, registry *backends.Registry, opts ...Option) (*Module, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.config == nil {
		o.config = config.Default()
	}
	if err := o.config.Validate(); err != nil {
		return nil, errs.Errorf(errs.ErrInvalidOptions, "%v", err)
	}
	cfg := o.config

	irModule, err := m.Build()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading model %q", m.Name)
	}
	if registry == nil {
		var pool *workerspool.Pool
		if cfg.KernelParallelism != 1 {
			pool = workerspool.New(cfg.KernelParallelism)
		}
		registry = cpu.NewRegistry(pool)
	}

	module := &Module{
		id:              uuid.New(),
		name:            m.Name,
		module:          irModule,
		config:          cfg,
		metrics:         o.metrics,
		arena:           o.arena,
		dynamic:         memory.NewDynamicAllocator(int(cfg.DynamicBudget), cfg.Alignment),
		inputsReady:     make([]bool, len(irModule.Main().Inputs())),
		inputsReclaimed: make([]bool, len(irModule.Main().Inputs())),
	}
	if module.name == "" {
		module.name = irModule.Main().Name
	}
	if module.arena == nil {
		module.arena = memory.NewArena(int(cfg.ArenaBudget))
	}

	// Plan every graph, laying the plans of the subgraphs after the one of the main graph.
	var arenaSize, sumSizes int
	for idx, g := range irModule.Graphs {
		executor, err := newGraphExecutor(module, idx, g, arenaSize)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading model %q", module.name)
		}
		module.graphs = append(module.graphs, executor)
		arenaSize = memory.AlignUp(arenaSize+executor.plan.Size, cfg.Alignment)
		sumSizes += executor.plan.SumSizes
	}
	if err := module.arena.Reserve(arenaSize); err != nil {
		return nil, errors.WithMessagef(err, "loading model %q", module.name)
	}
	for _, executor := range module.graphs {
		if err := executor.buildKernels(registry); err != nil {
			return nil, errors.WithMessagef(err, "loading model %q", module.name)
		}
	}
	module.metrics.SetArenaBytes(module.name, arenaSize)
	klog.V(1).Infof("runtime: loaded model %q (%d graphs) on %q: arena of %s for tensors summing %s",
		module.name, len(module.graphs), registry.Name(),
		humanize.IBytes(uint64(arenaSize)), humanize.IBytes(uint64(sumSizes)))
	return module, nil
}

// ID returns the unique id of the module, used as its token of ownership of the arena.
func (m *Module) ID() uuid.UUID { return m.id }

// Name of the module, the name of the model.
func (m *Module) Name() string { return m.name }

// IR returns the graph IR of the module.
func (m *Module) IR() *ir.Module { return m.module }

// Arena used by the module.
func (m *Module) Arena() *memory.Arena { return m.arena }

// Dynamic returns the allocator of the dynamic tensors of the module.
func (m *Module) Dynamic() *memory.DynamicAllocator { return m.dynamic }

// Plan returns the memory plan of graph idx, with offsets in the arena.
func (m *Module) Plan(idx int) *memory.Plan { return m.graphs[idx].plan }

// NumInputs returns the number of inputs of the main graph.
func (m *Module) NumInputs() int { return len(m.main().graph.Inputs()) }

// NumOutputs returns the number of outputs of the main graph.
func (m *Module) NumOutputs() int { return len(m.main().graph.Outputs()) }

func (m *Module) main() *graphExecutor { return m.graphs[ir.MainGraph] }

// checkOpen fails if the module was closed.
func (m *Module) checkOpen() error {
	if m.closed {
		return errs.Errorf(errs.ErrStructural, "module %q is closed", m.name)
	}
	return nil
}

func (m *Module) input(i int) (*tensors.Tensor, error) {
	inputs := m.main().graph.Inputs()
	if i < 0 || i >= len(inputs) {
		return nil, errs.Errorf(errs.ErrStructural, "input #%d out of range, module %q has %d inputs", i, m.name, len(inputs))
	}
	return m.main().tensors[inputs[i]], nil
}

// InputTensor returns the tensor of input i of the main graph.
func (m *Module) InputTensor(i int) (*tensors.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.input(i)
}

// ConfigureInput returns the storage of input i, for the host to write its values before Execute.
//
// Inputs with a static shape live in the arena, and configuring them claims the arena for this module.
// Inputs declared dynamic must be sized with ResizeInput first.
func (m *Module) ConfigureInput(i int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	t, err := m.input(i)
	if err != nil {
		return nil, err
	}
	if t.IsDynamic() {
		if !t.HasData() {
			return nil, errs.Errorf(errs.ErrShapeMismatch, "input #%d (%q) of module %q has a dynamic shape: ResizeInput must be called first",
				i, t.Name(), m.name)
		}
		m.inputsReady[i] = true
		return t.Bytes(), nil
	}
	reclaimed, err := m.arena.Claim(m.id)
	if err != nil {
		return nil, err
	}
	if reclaimed {
		m.loseArenaInputs()
	}
	m.bindArena()
	m.inputsReady[i] = true
	m.inputsReclaimed[i] = false
	return t.Bytes(), nil
}

// ResizeInput sets the shape of input i, which must have been declared with a dynamic shape, and allocates
// its storage. The previous contents of the input are lost.
func (m *Module) ResizeInput(i int, dimensions ...int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	t, err := m.input(i)
	if err != nil {
		return err
	}
	shape, err := shapes.FromDims(t.DType(), dimensions)
	if err != nil {
		return errs.Errorf(errs.ErrShapeMismatch, "input #%d (%q): %v", i, t.Name(), err)
	}
	if !t.IsDynamic() {
		if shape.Equal(t.Shape()) {
			return nil
		}
		return errs.Errorf(errs.ErrShapeMismatch, "input #%d (%q) has static shape %s, it can't be resized to %s",
			i, t.Name(), t.Shape(), shape)
	}
	m.inputsReady[i] = false
	return m.main().Resize(t, shape)
}

// loseArenaInputs marks the inputs stored in the arena as no longer configured.
func (m *Module) loseArenaInputs() {
	for i, t := range m.main().inputTensors() {
		if !t.IsDynamic() && m.inputsReady[i] {
			m.inputsReady[i] = false
			m.inputsReclaimed[i] = true
		}
	}
}

// bindArena binds the static tensors of every graph to their region of the arena.
func (m *Module) bindArena() {
	for _, executor := range m.graphs {
		executor.bindArena()
	}
}

// Execute runs the main graph on the configured inputs.
//
// On failure the arena is released and the dynamic tensors (dynamic inputs included) are freed, so the
// module can be configured and executed again.
func (m *Module) Execute() (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err = m.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		m.metrics.Invocation(m.name, time.Since(start), err)
		m.metrics.SetDynamicBytes(m.name, m.dynamic.Used(), m.dynamic.Peak())
	}()

	reclaimed, err := m.arena.Acquire(m.id)
	if err != nil {
		return err
	}
	defer m.arena.Release()
	if reclaimed {
		m.loseArenaInputs()
	}
	for i, ready := range m.inputsReady {
		if !ready {
			t := m.main().inputTensors()[i]
			if m.inputsReclaimed[i] {
				return errs.Errorf(errs.ErrArenaReclaimed, "module %q: the arena was used by another module since input #%d (%q) was configured",
					m.name, i, t.Name())
			}
			return errs.Errorf(errs.ErrMissingOperand, "module %q: input #%d (%q) was not configured", m.name, i, t.Name())
		}
	}
	m.bindArena()
	for _, executor := range m.graphs {
		executor.releaseIntermediates()
	}

	if _, err = m.main().run(); err != nil {
		klog.Warningf("runtime: model %q failed, releasing dynamic memory: %v", m.name, err)
		m.dynamic.Reset()
		for i, t := range m.main().inputTensors() {
			if t.IsDynamic() {
				m.inputsReady[i] = false
			}
		}
		return errors.WithMessagef(err, "executing model %q", m.name)
	}
	return nil
}

// RunSubgraph implements backends.SubgraphExecutor for the control-flow kernels.
func (m *Module) RunSubgraph(idx int, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if idx == ir.MainGraph || idx < 0 || idx >= len(m.graphs) {
		return nil, errs.Errorf(errs.ErrStructural, "module %q has no subgraph %d", m.name, idx)
	}
	executor := m.graphs[idx]
	if executor.running {
		return nil, errs.Errorf(errs.ErrReentrant, "subgraph #%d %q is already executing", idx, executor.graph.Name)
	}
	if err := executor.setInputs(inputs); err != nil {
		return nil, err
	}
	return executor.run()
}

// OutputTensor returns the tensor of output i of the main graph, valid until the next Execute.
func (m *Module) OutputTensor(i int) (*tensors.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	outputs := m.main().graph.Outputs()
	if i < 0 || i >= len(outputs) {
		return nil, errs.Errorf(errs.ErrStructural, "output #%d out of range, module %q has %d outputs", i, m.name, len(outputs))
	}
	t := m.main().tensors[outputs[i]]
	if _, inArena := m.main().plan.Assignment(outputs[i]); inArena && m.arena.Owner() != m.id {
		return nil, errs.Errorf(errs.ErrArenaReclaimed, "module %q: output #%d (%q) was overwritten by another module", m.name, i, t.Name())
	}
	if !t.HasData() {
		return nil, errs.Errorf(errs.ErrMissingOperand, "module %q: output #%d (%q) was not computed", m.name, i, t.Name())
	}
	return t, nil
}

// Output returns the values and the shape of output i of the main graph. The values are valid until the next
// Execute.
func (m *Module) Output(i int) ([]byte, shapes.Shape, error) {
	t, err := m.OutputTensor(i)
	if err != nil {
		return nil, shapes.Invalid(), err
	}
	return t.Bytes(), t.Shape(), nil
}

// Close frees the dynamic tensors of the module. The module can't be used afterwards.
func (m *Module) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.dynamic.Reset()
}
