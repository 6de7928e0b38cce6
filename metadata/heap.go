package metadata

import (
	"context"
	"math"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/sbrk"
	"golang.org/x/exp/slog"
)

// maxRequestSize caps a single allocation request so that the adjusted block
// size, overhead and rounding included, stays below math.MaxInt32.
const maxRequestSize = math.MaxInt32 - MinBlockSize

// Heap is a best-fit allocator over a single contiguous byte region drawn
// from an injected sbrk.Provider. Free blocks are indexed by a red-black tree
// keyed on block size whose nodes live inside the free payloads themselves,
// so live allocations carry no index overhead beyond their boundary tags.
//
// A Heap serves one logical mutator. None of its methods are goroutine-safe;
// callers that share a Heap across goroutines must serialize externally.
type Heap struct {
	provider sbrk.Provider
	logger   *slog.Logger

	// listp addresses the prologue block's payload. Walking nextBlock from
	// here visits every block and terminates at the epilogue.
	listp unsafe.Pointer

	// root is the top of the free-block index. nilNode points at nilStorage,
	// the shared BLACK leaf sentinel; it lives outside the managed region and
	// is never subject to boundary-tag arithmetic.
	root       unsafe.Pointer
	nilNode    unsafe.Pointer
	nilStorage [nodeSize]byte

	allocCount     int
	freeBlockCount int
	freeBytes      int
	heapBytes      int
}

var _ memheap.Validatable = &Heap{}

// NewHeap creates a Heap on top of the provided byte-region provider. Init
// must be called before any allocation. A nil logger falls back to
// slog.Default.
func NewHeap(provider sbrk.Provider, logger *slog.Logger) *Heap {
	if logger == nil {
		logger = slog.Default()
	}

	return &Heap{
		provider: provider,
		logger:   logger,
	}
}

// Init lays down the region's fixed furniture: an alignment pad word, an
// allocated prologue block (header+footer, size 8) and a zero-size allocated
// epilogue header, then grows the region by one chunk to create the first
// free block. The prologue and epilogue let coalesce inspect both physical
// neighbors of any block unconditionally.
func (h *Heap) Init() error {
	memheap.DebugCheckPow2(uint(chunkSize), "chunk size")

	h.nilNode = unsafe.Pointer(&h.nilStorage[0])
	setNodeParent(h.nilNode, h.nilNode)
	setNodeLeft(h.nilNode, h.nilNode)
	setNodeRight(h.nilNode, h.nilNode)
	setNodeColor(h.nilNode, colorBlack)
	h.root = h.nilNode

	base, err := h.provider.Extend(4 * wordSize)
	if err != nil {
		return errors.WithMessage(err, "laying down prologue and epilogue")
	}

	put(base, 0)
	put(unsafe.Add(base, 1*wordSize), pack(dwordSize, allocatedBit))
	put(unsafe.Add(base, 2*wordSize), pack(dwordSize, allocatedBit))
	put(unsafe.Add(base, 3*wordSize), pack(0, allocatedBit))
	h.listp = unsafe.Add(base, 2*wordSize)
	h.heapBytes = 4 * wordSize

	h.allocCount = 0
	h.freeBlockCount = 0
	h.freeBytes = 0

	if _, err = h.extendHeap(chunkSize / wordSize); err != nil {
		return errors.WithMessage(err, "creating the initial free block")
	}
	return nil
}

// extendHeap grows the region by the given count of words, rounded up to an
// even count to preserve double-word alignment. The provider hands back the
// old epilogue's address, which becomes the new block's payload pointer; the
// epilogue header is rewritten one word past the new block's footer. Returns
// the new free block after coalescing with a possibly-free tail.
func (h *Heap) extendHeap(words int) (unsafe.Pointer, error) {
	if words%2 != 0 {
		words++
	}
	size := words * wordSize

	bp, err := h.provider.Extend(size)
	if err != nil {
		return nil, err
	}

	setBlockTags(bp, size, 0)
	put(headerOf(nextBlock(bp)), pack(0, allocatedBit))
	h.heapBytes += size

	return h.coalesce(bp), nil
}

// coalesce merges bp with whichever physical neighbors are free and inserts
// the result into the index. Neighbors come out of the index before any size
// arithmetic so the tree never holds a node keyed on a stale size.
func (h *Heap) coalesce(bp unsafe.Pointer) unsafe.Pointer {
	prevAllocated := tagAllocated(footerOf(prevBlock(bp)))
	nextAllocated := tagAllocated(headerOf(nextBlock(bp)))
	size := blockSize(bp)

	if prevAllocated && nextAllocated {
		// no merge
	} else if prevAllocated && !nextAllocated {
		h.removeFreeBlock(nextBlock(bp))
		size += blockSize(nextBlock(bp))
		setBlockTags(bp, size, 0)
	} else if !prevAllocated && nextAllocated {
		h.removeFreeBlock(prevBlock(bp))
		size += blockSize(prevBlock(bp))
		bp = prevBlock(bp)
		setBlockTags(bp, size, 0)
	} else {
		h.removeFreeBlock(prevBlock(bp))
		h.removeFreeBlock(nextBlock(bp))
		size += blockSize(prevBlock(bp)) + blockSize(nextBlock(bp))
		bp = prevBlock(bp)
		setBlockTags(bp, size, 0)
	}

	h.insertFreeBlock(bp)
	return bp
}

// findFit returns the smallest free block whose size satisfies asize, or nil
// when the index holds no such block.
func (h *Heap) findFit(asize int) unsafe.Pointer {
	var bestFit unsafe.Pointer
	h.rbtFindBestFit(h.root, asize, &bestFit)
	return bestFit
}

// place converts the free block bp into an allocated block of asize bytes,
// splitting off the tail as a new free block when the remainder could still
// hold an index node.
func (h *Heap) place(bp unsafe.Pointer, asize int) {
	csize := blockSize(bp)
	h.removeFreeBlock(bp)

	if csize-asize >= MinBlockSize {
		setBlockTags(bp, asize, allocatedBit)

		remainder := nextBlock(bp)
		setBlockTags(remainder, csize-asize, 0)
		h.insertFreeBlock(remainder)
	} else {
		setBlockTags(bp, csize, allocatedBit)
	}

	h.allocCount++
}

// adjustSize converts a payload request into a block size: overhead added,
// rounded up to double-word alignment, floored at MinBlockSize.
func adjustSize(size int) int {
	asize := memheap.AlignUp(size+overhead, dwordSize)
	if asize < MinBlockSize {
		asize = MinBlockSize
	}
	return asize
}

// Malloc allocates size bytes of payload and returns its double-word-aligned
// address. A size of 0 returns nil without touching the heap. When no free
// block fits, the region grows by at least one chunk; if the provider refuses
// the growth, Malloc returns nil and an error wrapping
// memheap.OutOfMemoryError with the heap unchanged.
func (h *Heap) Malloc(size int) (unsafe.Pointer, error) {
	memheap.DebugValidate(h)

	if size <= 0 {
		return nil, nil
	}
	if size > maxRequestSize {
		return nil, errors.WithMessagef(memheap.OutOfMemoryError, "requested %d bytes", size)
	}

	asize := adjustSize(size)

	if bp := h.findFit(asize); bp != nil {
		h.place(bp, asize)
		return bp, nil
	}

	extendSize := asize
	if extendSize < chunkSize {
		extendSize = chunkSize
	}
	bp, err := h.extendHeap(extendSize / wordSize)
	if err != nil {
		return nil, err
	}

	h.place(bp, asize)
	return bp, nil
}

// Free returns bp's block to the index, merging with free neighbors. A nil
// pointer is a no-op. Freeing a pointer that did not come from Malloc or
// Realloc is undefined behavior and is not detected.
func (h *Heap) Free(bp unsafe.Pointer) {
	if bp == nil {
		return
	}

	memheap.DebugValidate(h)

	setBlockTags(bp, blockSize(bp), 0)
	h.allocCount--
	h.coalesce(bp)
}

// Realloc resizes the allocation at ptr to size payload bytes. It shrinks in
// place (splitting off the excess when it can hold a block), grows in place
// by absorbing a free physical successor when possible, and otherwise falls
// back to allocate-copy-free. On fallback allocation failure the old block is
// left intact and the error is returned. Realloc(nil, n) behaves as
// Malloc(n); Realloc(p, 0) behaves as Free(p).
func (h *Heap) Realloc(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if size <= 0 {
		h.Free(ptr)
		return nil, nil
	}
	if ptr == nil {
		return h.Malloc(size)
	}

	memheap.DebugValidate(h)

	if size > maxRequestSize {
		return nil, errors.WithMessagef(memheap.OutOfMemoryError, "requested %d bytes", size)
	}

	// The copy length below is bounded by the old payload capacity, not the
	// old block size.
	oldPayload := blockSize(ptr) - overhead
	asize := adjustSize(size)

	csize := blockSize(ptr)
	if asize <= csize {
		if csize-asize >= MinBlockSize {
			setBlockTags(ptr, asize, allocatedBit)

			remainder := nextBlock(ptr)
			setBlockTags(remainder, csize-asize, 0)
			// Unlike a split during place, the block past the remainder may
			// itself be free, so the remainder goes through coalesce.
			h.coalesce(remainder)
		}
		return ptr, nil
	}

	next := nextBlock(ptr)
	if !blockAllocated(next) && csize+blockSize(next) >= asize {
		h.removeFreeBlock(next)
		newSize := csize + blockSize(next)
		setBlockTags(ptr, newSize, allocatedBit)

		if newSize-asize >= MinBlockSize {
			setBlockTags(ptr, asize, allocatedBit)

			remainder := nextBlock(ptr)
			setBlockTags(remainder, newSize-asize, 0)
			h.insertFreeBlock(remainder)
		}

		return ptr, nil
	}

	newPtr, err := h.Malloc(size)
	if err != nil {
		return nil, err
	}

	copySize := size
	if copySize > oldPayload {
		copySize = oldPayload
	}
	copy(unsafe.Slice((*byte)(newPtr), copySize), unsafe.Slice((*byte)(ptr), copySize))

	h.Free(ptr)
	return newPtr, nil
}

// AllocationCount returns the number of live allocations.
func (h *Heap) AllocationCount() int {
	return h.allocCount
}

// FreeRegionsCount returns the number of free blocks in the index.
func (h *Heap) FreeRegionsCount() int {
	return h.freeBlockCount
}

// SumFreeSize returns the number of free bytes in the region, boundary tags
// of free blocks included.
func (h *Heap) SumFreeSize() int {
	return h.freeBytes
}

// HeapSize returns the total extent of the managed region in bytes.
func (h *Heap) HeapSize() int {
	return h.heapBytes
}

// IsEmpty returns true when no allocations are live.
func (h *Heap) IsEmpty() bool {
	return h.allocCount == 0
}

// AddStatistics sums this heap's aggregate state into stats.
func (h *Heap) AddStatistics(stats *memheap.Statistics) {
	stats.AllocationCount += h.allocCount
	stats.HeapBytes += h.heapBytes
	stats.FreeBytes += h.freeBytes
	stats.AllocationBytes += h.heapBytes - h.freeBytes
}

// AddDetailedStatistics walks the physical chain and sums per-block figures
// into stats. Slower than AddStatistics; meant for diagnostics.
func (h *Heap) AddDetailedStatistics(stats *memheap.DetailedStatistics) {
	stats.HeapBytes += h.heapBytes

	for bp := nextBlock(h.listp); blockSize(bp) > 0; bp = nextBlock(bp) {
		if blockAllocated(bp) {
			stats.AddAllocation(blockSize(bp))
		} else {
			stats.AddFreeRange(blockSize(bp))
		}
	}
}

// VisitAllBlocks calls handleBlock for every block between the prologue and
// epilogue, in physical order. The offset is relative to the provider's
// HeapLow.
func (h *Heap) VisitAllBlocks(handleBlock func(offset int, size int, free bool) error) error {
	low := uintptr(h.provider.HeapLow())

	for bp := nextBlock(h.listp); blockSize(bp) > 0; bp = nextBlock(bp) {
		err := handleBlock(int(uintptr(bp)-low), blockSize(bp), !blockAllocated(bp))
		if err != nil {
			return err
		}
	}

	return nil
}

// LogUnreleasedAllocations reports every live allocation through the heap's
// logger. Useful at teardown to surface leaks in the mutator.
func (h *Heap) LogUnreleasedAllocations() {
	if h.IsEmpty() {
		return
	}

	err := h.VisitAllBlocks(func(offset int, size int, free bool) error {
		if free {
			return nil
		}

		h.logger.LogAttrs(context.Background(), slog.LevelError,
			"[UNRELEASED MEMORY] unfreed allocation",
			slog.Int("offset", offset),
			slog.Int("size", size))
		return nil
	})
	if err != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelError,
			"[UNRELEASED MEMORY] error while iterating unreleased memory",
			slog.Any("error", err))
	}
}
