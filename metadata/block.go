package metadata

import "unsafe"

const (
	// wordSize is the width of a header or footer tag.
	wordSize = 4
	// dwordSize is the payload alignment guaranteed to the mutator.
	dwordSize = 8
	// chunkSize is the granularity of provider extensions; requests smaller
	// than this still grow the region by a full chunk to amortize provider
	// calls.
	chunkSize = 1 << 12
	// overhead is the space consumed by one header plus one footer.
	overhead = 2 * wordSize

	// MinBlockSize is the smallest block the heap will ever carve out. A free
	// block must hold its index node (parent/left/right/color at the head of
	// the payload) plus both boundary tags, and allocated blocks share the
	// minimum so that any of them can rejoin the index when freed.
	MinBlockSize = 6 * dwordSize
)

const (
	allocatedBit uint32 = 1
	sizeMask     uint32 = ^uint32(0x7)
)

// A block pointer (bp) always addresses the first payload byte, one word past
// the header. All navigation below is relative to that convention.

func get(p unsafe.Pointer) uint32 {
	return *(*uint32)(p)
}

func put(p unsafe.Pointer, val uint32) {
	*(*uint32)(p) = val
}

func pack(size int, alloc uint32) uint32 {
	return uint32(size) | (alloc & allocatedBit)
}

func tagSize(p unsafe.Pointer) int {
	return int(get(p) & sizeMask)
}

func tagAllocated(p unsafe.Pointer) bool {
	return get(p)&allocatedBit != 0
}

func headerOf(bp unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(bp, -wordSize)
}

func footerOf(bp unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(bp, blockSize(bp)-dwordSize)
}

func blockSize(bp unsafe.Pointer) int {
	return tagSize(headerOf(bp))
}

func blockAllocated(bp unsafe.Pointer) bool {
	return tagAllocated(headerOf(bp))
}

func nextBlock(bp unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(bp, tagSize(unsafe.Add(bp, -wordSize)))
}

func prevBlock(bp unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(bp, -tagSize(unsafe.Add(bp, -dwordSize)))
}

// setBlockTags writes matching header and footer words for bp. The size must
// already be in the header when the footer is located, so the header goes
// first.
func setBlockTags(bp unsafe.Pointer, size int, alloc uint32) {
	put(headerOf(bp), pack(size, alloc))
	put(footerOf(bp), pack(size, alloc))
}
