package metadata

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Validate performs a full consistency sweep: the physical block chain from
// prologue to epilogue, the free-block index, and the agreement between the
// two. When the allocator is functioning correctly this can never fail, but
// it is invaluable when diagnosing changes; DebugValidate runs it on entry to
// every public operation under the debug_mem_heap build tag.
func (h *Heap) Validate() error {
	if h.listp == nil {
		return errors.New("the heap has not been initialized")
	}

	if blockSize(h.listp) != dwordSize || !blockAllocated(h.listp) {
		return errors.New("the prologue block has been overwritten")
	}

	if nodeColor(h.nilNode) != colorBlack {
		return errors.New("the NIL sentinel must stay black")
	}
	if nodeLeft(h.nilNode) != h.nilNode || nodeRight(h.nilNode) != h.nilNode {
		return errors.New("the NIL sentinel's children must be the sentinel itself")
	}

	low := uintptr(h.provider.HeapLow())
	high := uintptr(h.provider.HeapHigh())

	if h.heapBytes != int(high-low) {
		return errors.Errorf("the heap believes it spans %d bytes but the provider has mapped %d", h.heapBytes, int(high-low))
	}

	freeSet := map[unsafe.Pointer]struct{}{}
	var allocCount, freeCount, freeBytes int
	prevWasFree := false

	bp := nextBlock(h.listp)
	for {
		addr := uintptr(bp)
		// The epilogue's payload pointer is exactly high: its header is the
		// last mapped word.
		if addr <= low || addr > high {
			return errors.Errorf("the block chain escaped the managed region at offset %d", int(addr-low))
		}

		size := blockSize(bp)
		if size == 0 {
			if !blockAllocated(bp) {
				return errors.New("the epilogue header must be marked allocated")
			}
			if uintptr(headerOf(bp)) != high-wordSize {
				return errors.Errorf("the epilogue header sits at offset %d, not at the end of the region", int(uintptr(headerOf(bp))-low))
			}
			break
		}

		offset := int(addr - low)
		if get(headerOf(bp)) != get(footerOf(bp)) {
			return errors.Errorf("block at offset %d has mismatched header and footer", offset)
		}
		if size%dwordSize != 0 {
			return errors.Errorf("block at offset %d has size %d, which is not double-word aligned", offset, size)
		}
		if size < MinBlockSize {
			return errors.Errorf("block at offset %d has size %d, below the minimum of %d", offset, size, MinBlockSize)
		}
		if offset%dwordSize != 0 {
			return errors.Errorf("block payload at offset %d is not double-word aligned", offset)
		}

		if blockAllocated(bp) {
			allocCount++
			prevWasFree = false
		} else {
			if prevWasFree {
				return errors.Errorf("blocks at offset %d and its predecessor are both free; coalescing missed them", offset)
			}
			if size < nodeSize+overhead {
				return errors.Errorf("free block at offset %d cannot hold an index node", offset)
			}
			freeSet[bp] = struct{}{}
			freeCount++
			freeBytes += size
			prevWasFree = true
		}

		bp = nextBlock(bp)
	}

	treeCount, _, err := h.validateSubtree(h.root, low, freeSet)
	if err != nil {
		return err
	}

	if h.root != h.nilNode && nodeColor(h.root) != colorBlack {
		return errors.New("the index root must be black")
	}

	if treeCount != freeCount {
		return errors.Errorf("the index holds %d blocks but the physical chain has %d free blocks", treeCount, freeCount)
	}
	if freeCount != h.freeBlockCount {
		return errors.Errorf("the heap counts %d free blocks but the physical chain has %d", h.freeBlockCount, freeCount)
	}
	if freeBytes != h.freeBytes {
		return errors.Errorf("the heap counts %d free bytes but the physical chain has %d", h.freeBytes, freeBytes)
	}
	if allocCount != h.allocCount {
		return errors.Errorf("the heap counts %d allocations but the physical chain has %d", h.allocCount, allocCount)
	}

	return nil
}

// validateSubtree checks red-black and ordering invariants below node and
// confirms every node is one of the free blocks found on the physical walk.
// It returns the subtree's node count and black-height.
func (h *Heap) validateSubtree(node unsafe.Pointer, low uintptr, freeSet map[unsafe.Pointer]struct{}) (int, int, error) {
	if node == h.nilNode {
		return 0, 1, nil
	}

	offset := int(uintptr(node) - low)

	if _, ok := freeSet[node]; !ok {
		return 0, 0, errors.Errorf("index node at offset %d is not a free block on the physical chain", offset)
	}

	color := nodeColor(node)
	if color != colorRed && color != colorBlack {
		return 0, 0, errors.Errorf("index node at offset %d has invalid color %d", offset, color)
	}
	if color == colorRed {
		if nodeColor(nodeLeft(node)) == colorRed || nodeColor(nodeRight(node)) == colorRed {
			return 0, 0, errors.Errorf("red index node at offset %d has a red child", offset)
		}
	}

	size := blockSize(node)
	left := nodeLeft(node)
	right := nodeRight(node)
	// Equal keys may sit on either side once rotations have moved them.
	if left != h.nilNode && blockSize(left) > size {
		return 0, 0, errors.Errorf("index node at offset %d has a left child with a larger key", offset)
	}
	if right != h.nilNode && blockSize(right) < size {
		return 0, 0, errors.Errorf("index node at offset %d has a right child with a smaller key", offset)
	}

	leftCount, leftBlack, err := h.validateSubtree(left, low, freeSet)
	if err != nil {
		return 0, 0, err
	}
	rightCount, rightBlack, err := h.validateSubtree(right, low, freeSet)
	if err != nil {
		return 0, 0, err
	}

	if leftBlack != rightBlack {
		return 0, 0, errors.Errorf("index node at offset %d has uneven black-height: %d on the left, %d on the right", offset, leftBlack, rightBlack)
	}

	blackHeight := leftBlack
	if color == colorBlack {
		blackHeight++
	}

	return leftCount + rightCount + 1, blackHeight, nil
}
