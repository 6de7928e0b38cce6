package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// PrintDetailedMap writes a JSON description of the heap into writer: the
// aggregate figures followed by every block on the physical chain in address
// order. Offsets are relative to the provider's HeapLow.
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	h.printDetailedMapHeader(&objState)

	arrayState := objState.Name("Blocks").Array()
	defer arrayState.End()

	_ = h.VisitAllBlocks(func(offset int, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("Free")
		} else {
			obj.Name("Type").String("Allocated")
		}

		return nil
	})
}

func (h *Heap) printDetailedMapHeader(json *jwriter.ObjectState) {
	json.Name("TotalBytes").Int(h.heapBytes)
	json.Name("FreeBytes").Int(h.freeBytes)
	json.Name("Allocations").Int(h.allocCount)
	json.Name("FreeRanges").Int(h.freeBlockCount)
}
