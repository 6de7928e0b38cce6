package sbrk

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memheap"
)

// DefaultCapacity is the slab size used by NewArena when the caller passes a
// capacity of 0. It is large enough for the benchmark traces this module is
// intended to run against.
const DefaultCapacity = 20 * 1024 * 1024

// Arena is a Provider backed by a single slab of memory allocated up front.
// Extend bumps a break pointer within the slab and fails once the slab is
// exhausted, which makes out-of-memory behavior deterministic and easy to
// drive from tests.
//
// The slab is allocated exactly once and never moves, so pointers handed out
// by Extend stay valid for the lifetime of the Arena.
type Arena struct {
	slab []byte
	brk  int
}

// NewArena creates an Arena with the provided capacity in bytes, rounded up
// to double-word alignment. A capacity of 0 selects DefaultCapacity.
func NewArena(capacity int) (*Arena, error) {
	if capacity < 0 {
		return nil, cerrors.Errorf("arena capacity cannot be negative: %d", capacity)
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	capacity = memheap.AlignUp(capacity, 8)

	return &Arena{
		slab: make([]byte, capacity),
	}, nil
}

func (a *Arena) Extend(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, cerrors.Errorf("cannot extend the region by a negative size: %d", size)
	}
	if a.brk+size > len(a.slab) {
		return nil, cerrors.Wrapf(memheap.OutOfMemoryError,
			"requested %d bytes with %d of %d in use", size, a.brk, len(a.slab))
	}

	old := a.brk
	a.brk += size
	return unsafe.Pointer(&a.slab[old]), nil
}

func (a *Arena) HeapLow() unsafe.Pointer {
	return unsafe.Pointer(&a.slab[0])
}

func (a *Arena) HeapHigh() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(&a.slab[0]), a.brk)
}

// Size returns the number of bytes mapped so far.
func (a *Arena) Size() int {
	return a.brk
}

// Capacity returns the total number of bytes the arena can map.
func (a *Arena) Capacity() int {
	return len(a.slab)
}

// Reset unmaps the whole region. Pointers previously returned by Extend must
// not be used afterward.
func (a *Arena) Reset() {
	a.brk = 0
}

var _ Provider = &Arena{}
