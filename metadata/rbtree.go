package metadata

import "unsafe"

// The free-block index is a red-black tree keyed on block size, and its nodes
// live inside the payloads of the free blocks themselves. The first 32 bytes
// of a free payload are reinterpreted as:
//
//	[PARENT(8)][LEFT(8)][RIGHT(8)][COLOR(1, padded to 8)]
//
// The functions below are the single place where payload bytes are viewed as
// node fields. Everything else in the package goes through them.

const (
	colorBlack byte = 0
	colorRed   byte = 1

	// nodeSize is the space an index node occupies at the head of a free
	// payload. MinBlockSize exists to guarantee this always fits.
	nodeSize = 4 * dwordSize
)

func nodeParent(bp unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(bp)
}

func setNodeParent(bp, parent unsafe.Pointer) {
	*(*unsafe.Pointer)(bp) = parent
}

func nodeLeft(bp unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Add(bp, dwordSize))
}

func setNodeLeft(bp, left unsafe.Pointer) {
	*(*unsafe.Pointer)(unsafe.Add(bp, dwordSize)) = left
}

func nodeRight(bp unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Add(bp, 2*dwordSize))
}

func setNodeRight(bp, right unsafe.Pointer) {
	*(*unsafe.Pointer)(unsafe.Add(bp, 2*dwordSize)) = right
}

func nodeColor(bp unsafe.Pointer) byte {
	return *(*byte)(unsafe.Add(bp, 3*dwordSize))
}

func setNodeColor(bp unsafe.Pointer, color byte) {
	*(*byte)(unsafe.Add(bp, 3*dwordSize)) = color
}

// insertFreeBlock links bp into the index. The block's boundary tags must
// already describe its final size and mark it free.
func (h *Heap) insertFreeBlock(bp unsafe.Pointer) {
	setNodeParent(bp, h.nilNode)
	setNodeLeft(bp, h.nilNode)
	setNodeRight(bp, h.nilNode)
	setNodeColor(bp, colorRed)
	h.rbtInsert(bp)

	h.freeBlockCount++
	h.freeBytes += blockSize(bp)
}

// removeFreeBlock unlinks bp from the index. Must happen before the block's
// size mutates, or the node would be keyed on a stale size.
func (h *Heap) removeFreeBlock(bp unsafe.Pointer) {
	h.rbtRemove(bp)

	h.freeBlockCount--
	h.freeBytes -= blockSize(bp)
}

func (h *Heap) leftRotate(x unsafe.Pointer) {
	y := nodeRight(x)
	setNodeRight(x, nodeLeft(y))
	if nodeLeft(y) != h.nilNode {
		setNodeParent(nodeLeft(y), x)
	}
	setNodeParent(y, nodeParent(x))
	if nodeParent(x) == h.nilNode {
		h.root = y
	} else if x == nodeLeft(nodeParent(x)) {
		setNodeLeft(nodeParent(x), y)
	} else {
		setNodeRight(nodeParent(x), y)
	}
	setNodeLeft(y, x)
	setNodeParent(x, y)
}

func (h *Heap) rightRotate(x unsafe.Pointer) {
	y := nodeLeft(x)
	setNodeLeft(x, nodeRight(y))
	if nodeRight(y) != h.nilNode {
		setNodeParent(nodeRight(y), x)
	}
	setNodeParent(y, nodeParent(x))
	if nodeParent(x) == h.nilNode {
		h.root = y
	} else if x == nodeRight(nodeParent(x)) {
		setNodeRight(nodeParent(x), y)
	} else {
		setNodeLeft(nodeParent(x), y)
	}
	setNodeRight(y, x)
	setNodeParent(x, y)
}

func (h *Heap) rbtInsert(bp unsafe.Pointer) {
	y := h.nilNode
	x := h.root
	size := blockSize(bp)

	for x != h.nilNode {
		y = x
		// Equal sizes descend right, so among equal keys the earliest insert
		// sits leftmost in order. Best-fit takes the first node of the
		// smallest fitting size met on its descent, which need not be the
		// leftmost one.
		if size < blockSize(x) {
			x = nodeLeft(x)
		} else {
			x = nodeRight(x)
		}
	}

	setNodeParent(bp, y)
	if y == h.nilNode {
		h.root = bp
	} else if size < blockSize(y) {
		setNodeLeft(y, bp)
	} else {
		setNodeRight(y, bp)
	}

	setNodeColor(bp, colorRed)
	h.rbtInsertFixup(bp)
}

func (h *Heap) rbtInsertFixup(bp unsafe.Pointer) {
	for bp != h.root && nodeColor(nodeParent(bp)) == colorRed {
		if nodeParent(bp) == nodeLeft(nodeParent(nodeParent(bp))) {
			uncle := nodeRight(nodeParent(nodeParent(bp)))
			if nodeColor(uncle) == colorRed {
				setNodeColor(nodeParent(bp), colorBlack)
				setNodeColor(uncle, colorBlack)
				setNodeColor(nodeParent(nodeParent(bp)), colorRed)
				bp = nodeParent(nodeParent(bp))
			} else {
				if bp == nodeRight(nodeParent(bp)) {
					bp = nodeParent(bp)
					h.leftRotate(bp)
				}
				setNodeColor(nodeParent(bp), colorBlack)
				setNodeColor(nodeParent(nodeParent(bp)), colorRed)
				h.rightRotate(nodeParent(nodeParent(bp)))
			}
		} else {
			uncle := nodeLeft(nodeParent(nodeParent(bp)))
			if nodeColor(uncle) == colorRed {
				setNodeColor(nodeParent(bp), colorBlack)
				setNodeColor(uncle, colorBlack)
				setNodeColor(nodeParent(nodeParent(bp)), colorRed)
				bp = nodeParent(nodeParent(bp))
			} else {
				if bp == nodeLeft(nodeParent(bp)) {
					bp = nodeParent(bp)
					h.rightRotate(bp)
				}
				setNodeColor(nodeParent(bp), colorBlack)
				setNodeColor(nodeParent(nodeParent(bp)), colorRed)
				h.leftRotate(nodeParent(nodeParent(bp)))
			}
		}
	}
	setNodeColor(h.root, colorBlack)
}

func (h *Heap) rbtTransplant(u, v unsafe.Pointer) {
	if nodeParent(u) == h.nilNode {
		h.root = v
	} else if u == nodeLeft(nodeParent(u)) {
		setNodeLeft(nodeParent(u), v)
	} else {
		setNodeRight(nodeParent(u), v)
	}
	setNodeParent(v, nodeParent(u))
}

func (h *Heap) rbtRemove(bp unsafe.Pointer) {
	y := bp
	yOriginalColor := nodeColor(y)
	var x unsafe.Pointer

	if nodeLeft(bp) == h.nilNode {
		x = nodeRight(bp)
		h.rbtTransplant(bp, nodeRight(bp))
	} else if nodeRight(bp) == h.nilNode {
		x = nodeLeft(bp)
		h.rbtTransplant(bp, nodeLeft(bp))
	} else {
		y = h.rbtMinimum(nodeRight(bp))
		yOriginalColor = nodeColor(y)
		x = nodeRight(y)
		if nodeParent(y) == bp {
			// x may be the NIL sentinel here; writing its parent is fine
			// because at most one removal is in flight at a time.
			setNodeParent(x, y)
		} else {
			h.rbtTransplant(y, nodeRight(y))
			setNodeRight(y, nodeRight(bp))
			setNodeParent(nodeRight(y), y)
		}
		h.rbtTransplant(bp, y)
		setNodeLeft(y, nodeLeft(bp))
		setNodeParent(nodeLeft(y), y)
		setNodeColor(y, nodeColor(bp))
	}

	if yOriginalColor == colorBlack {
		h.rbtRemoveFixup(x)
	}
}

func (h *Heap) rbtRemoveFixup(x unsafe.Pointer) {
	for x != h.root && nodeColor(x) == colorBlack {
		if x == nodeLeft(nodeParent(x)) {
			w := nodeRight(nodeParent(x))
			if nodeColor(w) == colorRed {
				setNodeColor(w, colorBlack)
				setNodeColor(nodeParent(x), colorRed)
				h.leftRotate(nodeParent(x))
				w = nodeRight(nodeParent(x))
			}
			if nodeColor(nodeLeft(w)) == colorBlack && nodeColor(nodeRight(w)) == colorBlack {
				setNodeColor(w, colorRed)
				x = nodeParent(x)
			} else {
				if nodeColor(nodeRight(w)) == colorBlack {
					setNodeColor(nodeLeft(w), colorBlack)
					setNodeColor(w, colorRed)
					h.rightRotate(w)
					w = nodeRight(nodeParent(x))
				}
				setNodeColor(w, nodeColor(nodeParent(x)))
				setNodeColor(nodeParent(x), colorBlack)
				setNodeColor(nodeRight(w), colorBlack)
				h.leftRotate(nodeParent(x))
				x = h.root
			}
		} else {
			w := nodeLeft(nodeParent(x))
			if nodeColor(w) == colorRed {
				setNodeColor(w, colorBlack)
				setNodeColor(nodeParent(x), colorRed)
				h.rightRotate(nodeParent(x))
				w = nodeLeft(nodeParent(x))
			}
			if nodeColor(nodeRight(w)) == colorBlack && nodeColor(nodeLeft(w)) == colorBlack {
				setNodeColor(w, colorRed)
				x = nodeParent(x)
			} else {
				if nodeColor(nodeLeft(w)) == colorBlack {
					setNodeColor(nodeRight(w), colorBlack)
					setNodeColor(w, colorRed)
					h.leftRotate(w)
					w = nodeLeft(nodeParent(x))
				}
				setNodeColor(w, nodeColor(nodeParent(x)))
				setNodeColor(nodeParent(x), colorBlack)
				setNodeColor(nodeLeft(w), colorBlack)
				h.rightRotate(nodeParent(x))
				x = h.root
			}
		}
	}
	setNodeColor(x, colorBlack)
}

func (h *Heap) rbtMinimum(node unsafe.Pointer) unsafe.Pointer {
	for nodeLeft(node) != h.nilNode {
		node = nodeLeft(node)
	}
	return node
}

// rbtFindBestFit descends from node recording the smallest block that still
// satisfies size. A satisfying node sends the search left for a tighter fit;
// an unsatisfying one sends it right.
func (h *Heap) rbtFindBestFit(node unsafe.Pointer, size int, bestFit *unsafe.Pointer) {
	if node == h.nilNode {
		return
	}
	nsize := blockSize(node)
	if nsize >= size {
		if *bestFit == nil || nsize < blockSize(*bestFit) {
			*bestFit = node
		}
		h.rbtFindBestFit(nodeLeft(node), size, bestFit)
	} else {
		h.rbtFindBestFit(nodeRight(node), size, bestFit)
	}
}
