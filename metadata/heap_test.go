package metadata_test

import (
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/metadata"
	"github.com/vkngwrapper/arsenal/memheap/sbrk"
)

const chunkSize = 1 << 12

func newTestHeap(t *testing.T, capacity int) *metadata.Heap {
	t.Helper()

	arena, err := sbrk.NewArena(capacity)
	require.NoError(t, err)

	heap := metadata.NewHeap(arena, nil)
	require.NoError(t, heap.Init())
	require.NoError(t, heap.Validate())

	return heap
}

func mustMalloc(t *testing.T, heap *metadata.Heap, size int) unsafe.Pointer {
	t.Helper()

	ptr, err := heap.Malloc(size)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.NoError(t, heap.Validate())

	return ptr
}

func TestMallocZero(t *testing.T) {
	heap := newTestHeap(t, 0)

	before := heap.HeapSize()

	ptr, err := heap.Malloc(0)
	require.NoError(t, err)
	require.Nil(t, ptr)
	require.Equal(t, before, heap.HeapSize())
	require.NoError(t, heap.Validate())
}

func TestMallocHuge(t *testing.T) {
	heap := newTestHeap(t, 0)

	before := heap.HeapSize()

	ptr, err := heap.Malloc(math.MaxInt32)
	require.ErrorIs(t, err, memheap.OutOfMemoryError)
	require.Nil(t, ptr)
	require.Equal(t, before, heap.HeapSize())
	require.NoError(t, heap.Validate())
}

func TestFreeNil(t *testing.T) {
	heap := newTestHeap(t, 0)

	heap.Free(nil)
	require.NoError(t, heap.Validate())
	require.True(t, heap.IsEmpty())
}

func TestMallocAlignment(t *testing.T) {
	heap := newTestHeap(t, 0)

	for _, size := range []int{1, 7, 8, 13, 40, 100, 1000, 4097} {
		ptr := mustMalloc(t, heap, size)
		require.True(t, memheap.IsAligned(int(uintptr(ptr)), 8),
			"payload for size %d is not double-word aligned", size)
	}
}

func TestSimpleCycle(t *testing.T) {
	heap := newTestHeap(t, chunkSize+16)

	ptr := mustMalloc(t, heap, 40)

	var stats memheap.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)

	require.Equal(t, memheap.DetailedStatistics{
		Statistics: memheap.Statistics{
			AllocationCount: 1,
			AllocationBytes: 48,
			HeapBytes:       chunkSize + 16,
			FreeBytes:       chunkSize - 48,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: 48,
		AllocationSizeMax: 48,
		FreeRangeSizeMin:  chunkSize - 48,
		FreeRangeSizeMax:  chunkSize - 48,
	}, stats)

	heap.Free(ptr)
	require.NoError(t, heap.Validate())

	stats.Clear()
	heap.AddDetailedStatistics(&stats)

	require.Equal(t, memheap.DetailedStatistics{
		Statistics: memheap.Statistics{
			AllocationCount: 0,
			AllocationBytes: 0,
			HeapBytes:       chunkSize + 16,
			FreeBytes:       chunkSize,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  chunkSize,
		FreeRangeSizeMax:  chunkSize,
	}, stats)
}

func TestSplitAndCoalesce(t *testing.T) {
	heap := newTestHeap(t, chunkSize+16)

	a := mustMalloc(t, heap, 100)
	b := mustMalloc(t, heap, 100)
	c := mustMalloc(t, heap, 100)

	require.Equal(t, 3, heap.AllocationCount())
	require.Equal(t, 1, heap.FreeRegionsCount())

	heap.Free(a)
	require.NoError(t, heap.Validate())
	require.Equal(t, 2, heap.FreeRegionsCount())

	heap.Free(c)
	require.NoError(t, heap.Validate())
	require.Equal(t, 2, heap.FreeRegionsCount())

	heap.Free(b)
	require.NoError(t, heap.Validate())

	require.True(t, heap.IsEmpty())
	require.Equal(t, 1, heap.FreeRegionsCount())
	require.Equal(t, chunkSize, heap.SumFreeSize())
}

func TestRoundTrip(t *testing.T) {
	heap := newTestHeap(t, 0)

	freeBefore := heap.SumFreeSize()
	regionsBefore := heap.FreeRegionsCount()

	ptr := mustMalloc(t, heap, 40)
	heap.Free(ptr)
	require.NoError(t, heap.Validate())

	require.Equal(t, freeBefore, heap.SumFreeSize())
	require.Equal(t, regionsBefore, heap.FreeRegionsCount())
}

func TestBestFit(t *testing.T) {
	heap := newTestHeap(t, chunkSize+16)

	// Allocated guards keep the three interesting blocks from coalescing
	// when freed.
	a := mustMalloc(t, heap, 200)
	mustMalloc(t, heap, 8)
	b := mustMalloc(t, heap, 100)
	mustMalloc(t, heap, 8)
	c := mustMalloc(t, heap, 300)
	mustMalloc(t, heap, 8)

	heap.Free(a)
	heap.Free(c)
	heap.Free(b)
	require.NoError(t, heap.Validate())
	require.Equal(t, 4, heap.FreeRegionsCount())

	// 90 rounds to a 104-byte block; the tightest candidate is the 112-byte
	// block that used to hold b.
	ptr := mustMalloc(t, heap, 90)
	require.Equal(t, b, ptr)
}

func TestReallocGrowsInPlace(t *testing.T) {
	heap := newTestHeap(t, 0)

	ptr := mustMalloc(t, heap, 64)
	fill(ptr, 64, 7)

	// The block after ptr is the chunk remainder, which is free and large.
	newPtr, err := heap.Realloc(ptr, 128)
	require.NoError(t, err)
	require.Equal(t, ptr, newPtr)
	require.NoError(t, heap.Validate())
	requirePattern(t, newPtr, 64, 7)
	require.Equal(t, 1, heap.AllocationCount())
}

func TestReallocFallsBack(t *testing.T) {
	heap := newTestHeap(t, 0)

	ptr := mustMalloc(t, heap, 64)
	mustMalloc(t, heap, 64)
	fill(ptr, 64, 23)

	newPtr, err := heap.Realloc(ptr, 256)
	require.NoError(t, err)
	require.NotNil(t, newPtr)
	require.NotEqual(t, ptr, newPtr)
	require.NoError(t, heap.Validate())
	requirePattern(t, newPtr, 64, 23)
	require.Equal(t, 2, heap.AllocationCount())
}

func TestReallocShrinkIdentity(t *testing.T) {
	heap := newTestHeap(t, 0)

	ptr := mustMalloc(t, heap, 200)
	fill(ptr, 50, 99)

	newPtr, err := heap.Realloc(ptr, 50)
	require.NoError(t, err)
	require.Equal(t, ptr, newPtr)
	require.NoError(t, heap.Validate())
	requirePattern(t, newPtr, 50, 99)

	// The split remainder borders the chunk remainder, so the two must have
	// merged rather than sitting adjacent.
	require.Equal(t, 1, heap.FreeRegionsCount())
}

func TestReallocShrinkWithoutSplit(t *testing.T) {
	heap := newTestHeap(t, 0)

	ptr := mustMalloc(t, heap, 200)

	// 190 rounds to 200; the 8-byte excess cannot hold a block, so the size
	// stays put.
	newPtr, err := heap.Realloc(ptr, 190)
	require.NoError(t, err)
	require.Equal(t, ptr, newPtr)
	require.NoError(t, heap.Validate())
	require.Equal(t, 1, heap.FreeRegionsCount())
}

func TestReallocNilAllocates(t *testing.T) {
	heap := newTestHeap(t, 0)

	ptr, err := heap.Realloc(nil, 100)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.NoError(t, heap.Validate())
	require.Equal(t, 1, heap.AllocationCount())
}

func TestReallocZeroFrees(t *testing.T) {
	heap := newTestHeap(t, 0)

	ptr := mustMalloc(t, heap, 100)

	newPtr, err := heap.Realloc(ptr, 0)
	require.NoError(t, err)
	require.Nil(t, newPtr)
	require.NoError(t, heap.Validate())
	require.True(t, heap.IsEmpty())
}

func TestReallocFailureLeavesBlockIntact(t *testing.T) {
	heap := newTestHeap(t, chunkSize+16)

	ptr := mustMalloc(t, heap, 64)
	mustMalloc(t, heap, 64)
	fill(ptr, 64, 41)

	// Growth cannot happen in place (the next block is allocated) and the
	// arena cannot grow, so the fallback allocation must fail.
	newPtr, err := heap.Realloc(ptr, 2*chunkSize)
	require.ErrorIs(t, err, memheap.OutOfMemoryError)
	require.Nil(t, newPtr)
	require.NoError(t, heap.Validate())
	requirePattern(t, ptr, 64, 41)
	require.Equal(t, 2, heap.AllocationCount())
}

func TestExhaustion(t *testing.T) {
	heap := newTestHeap(t, chunkSize+16)

	a := mustMalloc(t, heap, 2000)
	b := mustMalloc(t, heap, 2000)

	ptr, err := heap.Malloc(2000)
	require.ErrorIs(t, err, memheap.OutOfMemoryError)
	require.Nil(t, ptr)
	require.NoError(t, heap.Validate())

	heap.Free(a)
	require.NoError(t, heap.Validate())
	heap.Free(b)
	require.NoError(t, heap.Validate())

	require.True(t, heap.IsEmpty())
	require.Equal(t, 1, heap.FreeRegionsCount())
	require.Equal(t, chunkSize, heap.SumFreeSize())

	// With everything coalesced the refused request now fits.
	mustMalloc(t, heap, 2000)
}

func TestHeapGrowsBeyondOneChunk(t *testing.T) {
	heap := newTestHeap(t, 0)

	var ptrs []unsafe.Pointer
	for i := 0; i < 100; i++ {
		ptrs = append(ptrs, mustMalloc(t, heap, 500))
	}
	require.Greater(t, heap.HeapSize(), chunkSize)

	for _, ptr := range ptrs {
		heap.Free(ptr)
	}
	require.NoError(t, heap.Validate())
	require.True(t, heap.IsEmpty())
	require.Equal(t, 1, heap.FreeRegionsCount())
}

func fill(ptr unsafe.Pointer, size int, seed byte) {
	payload := unsafe.Slice((*byte)(ptr), size)
	for i := range payload {
		payload[i] = seed + byte(i)
	}
}

func requirePattern(t *testing.T, ptr unsafe.Pointer, size int, seed byte) {
	t.Helper()

	payload := unsafe.Slice((*byte)(ptr), size)
	for i := range payload {
		require.Equal(t, seed+byte(i), payload[i], "payload byte %d", i)
	}
}
