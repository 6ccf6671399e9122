// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of goroutines shared by the kernels of a runtime.
//
// Kernels split their work into tasks and offer them to the pool with StartIfAvailable: if no worker is free
// the task runs inline, so a saturated (or disabled) pool never blocks nor deadlocks.
// A nil *Pool is valid and runs everything inline.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool bounds the number of goroutines running kernel tasks.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// The actual number of goroutines is higher than that, because of waits.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int

	// extraParallelism is temporarily increased when a worker goes to sleep.
	extraParallelism atomic.Int32
}

// New returns a new Pool of workers with the given parallelism.
// If maxParallelism is 0, it defaults to runtime.NumCPU(); if it is negative, parallelism is unlimited.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	if maxParallelism == 0 {
		w.maxParallelism = runtime.NumCPU()
	}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled.
func (w *Pool) IsEnabled() bool {
	return w != nil && w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w != nil && w.maxParallelism < 0
}

// MaxParallelism is a soft-target for parallelism (the limit of goroutines is higher than this).
// 0 means parallelism is disabled, -1 means unlimited.
func (w *Pool) MaxParallelism() int {
	if w == nil {
		return 0
	}
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// It should only be changed before any workers start running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

const goroutineToParallelismRatio = 2

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism+int(w.extraParallelism.Load())
}

// WaitToStart waits until there is a worker available to run the task.
//
// If parallelism is disabled, it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if !w.IsEnabled() {
		task()
		return
	}
	if w.IsUnlimited() {
		go task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine runs the task and keeps tabs on w.numRunning.
//
// It must be called with w.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// StartIfAvailable runs the task in a separate goroutine, if there are workers left.
// It returns true if it started the task, false otherwise.
//
// It's up to the caller to synchronize the end of the task.
func (w *Pool) StartIfAvailable(task func()) bool {
	if !w.IsEnabled() {
		return false
	}
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// WorkerIsAsleep indicates the calling worker is going to wait for other workers, and temporarily
// increases the number of available workers.
//
// Call WorkerRestarted when the worker is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	if w != nil {
		w.extraParallelism.Add(1)
	}
}

// WorkerRestarted indicates the calling worker is running again. It must follow a WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	if w != nil {
		w.extraParallelism.Add(-1)
	}
}

// ParallelFor splits the range [0, n) into chunks of at least minChunk elements and calls fn(start, end) on
// each, offering the chunks to the pool and running inline those no worker picks up.
// It returns when all chunks are done.
func (w *Pool) ParallelFor(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	numChunks := 1
	if w.IsEnabled() {
		numChunks = n / max(minChunk, 1)
		if !w.IsUnlimited() {
			numChunks = min(numChunks, w.maxParallelism)
		}
		numChunks = max(numChunks, 1)
	}
	if numChunks == 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		task := func() {
			fn(start, end)
			wg.Done()
		}
		if !w.StartIfAvailable(task) {
			task()
		}
	}
	w.WorkerIsAsleep()
	wg.Wait()
	w.WorkerRestarted()
}
