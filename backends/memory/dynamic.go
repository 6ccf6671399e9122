// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/micrort/types/errs"
	"github.com/gomlx/micrort/types/shapes"
	"github.com/gomlx/micrort/types/tensors"
	"k8s.io/klog/v2"
)

// DynamicAllocator allocates the storage of dynamic tensors on demand, right before their producer is
// configured, under its own byte budget.
//
// Each allocation is reference counted: it starts with the number of consumers of the tensor (as recorded
// statically), each Consume decrements it, and the storage is freed when it reaches zero. Freed buffers
// are kept in pools keyed by their (aligned) size, to be reused by later allocations.
type DynamicAllocator struct {
	budget, alignment int
	used, peak        int

	// bufferPools maps an aligned size to a *sync.Pool of buffers of that size.
	bufferPools sync.Map

	live map[*tensors.Tensor]*allocation
}

type allocation struct {
	buf      []byte
	refCount int
}

// NewDynamicAllocator creates an allocator with the given budget in bytes (<= 0 means unlimited), and the
// alignment of its buffer sizes.
func NewDynamicAllocator(budget, alignment int) *DynamicAllocator {
	return &DynamicAllocator{
		budget:    budget,
		alignment: max(alignment, 1),
		live:      make(map[*tensors.Tensor]*allocation),
	}
}

// getBufferPool for the given aligned size.
func (d *DynamicAllocator) getBufferPool(size int) *sync.Pool {
	poolInterface, ok := d.bufferPools.Load(size)
	if !ok {
		poolInterface, _ = d.bufferPools.LoadOrStore(size, &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

func (d *DynamicAllocator) getBuffer(size int) []byte {
	return *d.getBufferPool(size).Get().(*[]byte)
}

func (d *DynamicAllocator) putBuffer(buf []byte) {
	buf = buf[:cap(buf)]
	d.getBufferPool(len(buf)).Put(&buf)
}

// Allocate (or reallocate) the storage of t for the given shape, with refCount uses. The storage of t is
// kept if it is large enough for the new shape. The contents are not preserved.
//
// It fails with errs.ErrOutOfMemory if the allocation goes over the budget, in which case t is left without
// storage.
func (d *DynamicAllocator) Allocate(t *tensors.Tensor, shape shapes.Shape, refCount int) error {
	size := shape.ByteSize()
	alloc, found := d.live[t]
	if found && cap(alloc.buf) >= size {
		alloc.refCount = refCount
		t.SetData(shape, alloc.buf[:cap(alloc.buf)])
		return nil
	}
	if found {
		d.free(t, alloc)
	}
	aligned := AlignUp(max(size, 1), d.alignment)
	if d.budget > 0 && d.used+aligned > d.budget {
		return errs.Errorf(errs.ErrOutOfMemory, "dynamic tensor %q of shape %s needs %s, but only %s of %s are available",
			t.Name(), shape, humanize.IBytes(uint64(aligned)), humanize.IBytes(uint64(d.budget-d.used)), humanize.IBytes(uint64(d.budget)))
	}
	if found {
		klog.V(1).Infof("dynamic tensor %q grows to %s for shape %s", t.Name(), humanize.IBytes(uint64(aligned)), shape)
	}
	buf := d.getBuffer(aligned)
	d.used += aligned
	d.peak = max(d.peak, d.used)
	d.live[t] = &allocation{buf: buf, refCount: refCount}
	t.SetDynamic(true)
	t.SetData(shape, buf)
	return nil
}

// Consume records one use of t. When all its uses were consumed, its storage is freed.
// Tensors not allocated by d are ignored.
func (d *DynamicAllocator) Consume(t *tensors.Tensor) {
	alloc, found := d.live[t]
	if !found {
		return
	}
	if alloc.refCount <= 0 {
		exceptions.Panicf("dynamic tensor %q consumed more times than its reference count", t.Name())
	}
	alloc.refCount--
	if alloc.refCount == 0 {
		d.free(t, alloc)
	}
}

// RefCount returns the number of uses of t still pending, or 0 if it is not allocated.
func (d *DynamicAllocator) RefCount(t *tensors.Tensor) int {
	if alloc, found := d.live[t]; found {
		return alloc.refCount
	}
	return 0
}

// Free the storage of t immediately, regardless of its reference count.
func (d *DynamicAllocator) Free(t *tensors.Tensor) {
	if alloc, found := d.live[t]; found {
		d.free(t, alloc)
	}
}

func (d *DynamicAllocator) free(t *tensors.Tensor, alloc *allocation) {
	delete(d.live, t)
	d.used -= cap(alloc.buf)
	d.putBuffer(alloc.buf)
	t.Release()
}

// Reset frees all live allocations: used after a failed invocation, and before each new one.
func (d *DynamicAllocator) Reset() {
	for t, alloc := range d.live {
		d.free(t, alloc)
	}
}

// Used returns the number of bytes currently allocated.
func (d *DynamicAllocator) Used() int { return d.used }

// Peak returns the maximum number of bytes allocated at any time.
func (d *DynamicAllocator) Peak() int { return d.peak }

// NumLive returns the number of tensors currently allocated.
func (d *DynamicAllocator) NumLive() int { return len(d.live) }
