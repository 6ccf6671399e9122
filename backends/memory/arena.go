// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/micrort/types/errs"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Arena is a contiguous region of memory sliced for the storage of static tensors, under a fixed budget.
//
// An Arena can be shared by several runtime modules, as long as they don't execute concurrently: each
// invocation must Acquire the arena for its exclusive use, and Release it when done (also on failure).
// The arena records its current owner, so a module can tell whether another module used the arena (and
// overwrote its tensors) since it last did.
type Arena struct {
	mu     sync.Mutex
	budget int
	buf    []byte
	busy   bool
	owner  uuid.UUID
}

// NewArena creates an empty arena that can grow up to budget bytes. A budget <= 0 means unlimited.
func NewArena(budget int) *Arena {
	return &Arena{budget: budget}
}

// Budget returns the maximum size of the arena, or 0 if unlimited.
func (a *Arena) Budget() int {
	return max(a.budget, 0)
}

// Size returns the current size of the arena.
func (a *Arena) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Reserve grows the arena to at least size bytes. It fails with errs.ErrOutOfMemory if size is over the budget,
// in which case the arena is left unchanged.
//
// Growing the arena moves its contents: any previous owner loses it.
func (a *Arena) Reserve(size int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size <= len(a.buf) {
		return nil
	}
	if a.busy {
		return errs.Errorf(errs.ErrArenaBusy, "arena can't grow while in use")
	}
	if a.budget > 0 && size > a.budget {
		return errs.Errorf(errs.ErrOutOfMemory, "arena of %s requested, but budget is %s",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(a.budget)))
	}
	klog.V(1).Infof("arena: growing from %s to %s", humanize.IBytes(uint64(len(a.buf))), humanize.IBytes(uint64(size)))
	a.buf = make([]byte, size)
	a.owner = uuid.Nil
	return nil
}

// Acquire the arena for the exclusive use of owner. It fails with errs.ErrArenaBusy if the arena is in use.
//
// It returns whether the arena was last used by a different owner, in which case the contents owner left in the
// arena are lost.
func (a *Arena) Acquire(owner uuid.UUID) (reclaimed bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return false, errs.Errorf(errs.ErrArenaBusy, "arena is in use by another invocation")
	}
	a.busy = true
	reclaimed = a.owner != owner
	a.owner = owner
	return reclaimed, nil
}

// Release the arena after Acquire. The arena keeps recording the owner, and its contents.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = false
}

// Claim marks owner as the current owner of the arena contents, without acquiring it. It fails with
// errs.ErrArenaBusy if the arena is in use.
//
// It returns whether the arena was last used by a different owner.
func (a *Arena) Claim(owner uuid.UUID) (reclaimed bool, err error) {
	reclaimed, err = a.Acquire(owner)
	if err == nil {
		a.Release()
	}
	return
}

// Owner returns the owner that last used the arena, or uuid.Nil if none did since the arena last grew.
func (a *Arena) Owner() uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// Bytes returns the size bytes of the arena starting at offset. The returned slice is only valid until
// the arena grows.
func (a *Arena) Bytes(offset, size int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf[offset : offset+size : offset+size]
}
