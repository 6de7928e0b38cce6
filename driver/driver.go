// Package driver replays allocation traces against a metadata.Heap, the way
// the allocator is exercised when benchmarked. Each trace op allocates,
// frees, or reallocates a numbered payload; the driver fills payloads with an
// id-derived pattern and verifies the pattern before every release, so any
// allocator bug that lets two live payloads overlap is caught at the first
// touch.
package driver

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/metadata"
	"golang.org/x/exp/slog"
)

type OpKind uint32

const (
	OpAlloc OpKind = iota
	OpFree
	OpRealloc
)

var opKindMapping = map[OpKind]string{
	OpAlloc:   "Alloc",
	OpFree:    "Free",
	OpRealloc: "Realloc",
}

func (k OpKind) String() string {
	return opKindMapping[k]
}

// Op is a single trace step. Id names the payload across ops; Size is the
// requested payload size for Alloc and Realloc and ignored for Free.
type Op struct {
	Kind OpKind
	Id   int
	Size int
}

// Results summarizes a completed trace run. Utilization is the ratio of the
// peak sum of live payload bytes to the final extent of the managed region -
// the memory-efficiency figure the benchmark scores on.
type Results struct {
	Ops              int
	PeakPayloadBytes int
	HeapBytes        int
	Utilization      float64
}

type placement struct {
	ptr  unsafe.Pointer
	size int
}

// Driver replays traces against a single heap. It keeps the id-to-payload
// mapping outside the heap under test so the bookkeeping cannot mask
// allocator bugs.
type Driver struct {
	heap   *metadata.Heap
	logger *slog.Logger

	live *swiss.Map[int, placement]

	payloadBytes int
	peakPayload  int
	opsRun       int
}

// New creates a Driver over heap. A nil logger falls back to slog.Default.
func New(heap *metadata.Heap, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Driver{
		heap:   heap,
		logger: logger,
		live:   swiss.NewMap[int, placement](42),
	}
}

// Run executes the trace in order and returns the run's results. The first
// failing op aborts the run with an error naming the op index; the heap is
// left as the failing op left it.
func (d *Driver) Run(trace []Op) (Results, error) {
	for i, op := range trace {
		var err error

		switch op.Kind {
		case OpAlloc:
			err = d.runAlloc(op)
		case OpFree:
			err = d.runFree(op)
		case OpRealloc:
			err = d.runRealloc(op)
		default:
			err = cerrors.Errorf("unknown op kind %d", op.Kind)
		}

		if err != nil {
			return Results{}, cerrors.Wrapf(err, "op %d (%s id=%d size=%d)", i, op.Kind, op.Id, op.Size)
		}

		d.opsRun++
		memheap.DebugValidate(d.heap)
	}

	results := Results{
		Ops:              d.opsRun,
		PeakPayloadBytes: d.peakPayload,
		HeapBytes:        d.heap.HeapSize(),
	}
	if results.HeapBytes > 0 {
		results.Utilization = float64(d.peakPayload) / float64(results.HeapBytes)
	}

	d.logger.Debug("trace complete",
		slog.Int("ops", results.Ops),
		slog.Int("peakPayloadBytes", results.PeakPayloadBytes),
		slog.Int("heapBytes", results.HeapBytes),
		slog.Float64("utilization", results.Utilization))

	return results, nil
}

func (d *Driver) runAlloc(op Op) error {
	if _, ok := d.live.Get(op.Id); ok {
		return cerrors.Errorf("id %d is already live", op.Id)
	}

	ptr, err := d.heap.Malloc(op.Size)
	if err != nil {
		return err
	}
	if ptr == nil {
		return cerrors.Errorf("allocation of %d bytes returned no payload", op.Size)
	}

	fillPayload(ptr, op.Size, op.Id)
	d.live.Put(op.Id, placement{ptr: ptr, size: op.Size})
	d.trackPayload(op.Size)

	return nil
}

func (d *Driver) runFree(op Op) error {
	p, ok := d.live.Get(op.Id)
	if !ok {
		return cerrors.Errorf("id %d is not live", op.Id)
	}

	if err := verifyPayload(p.ptr, p.size, op.Id); err != nil {
		return err
	}

	d.heap.Free(p.ptr)
	d.live.Delete(op.Id)
	d.trackPayload(-p.size)

	return nil
}

func (d *Driver) runRealloc(op Op) error {
	p, ok := d.live.Get(op.Id)
	if !ok {
		return cerrors.Errorf("id %d is not live", op.Id)
	}

	if err := verifyPayload(p.ptr, p.size, op.Id); err != nil {
		return err
	}

	newPtr, err := d.heap.Realloc(p.ptr, op.Size)
	if err != nil {
		return err
	}
	if newPtr == nil {
		return cerrors.Errorf("reallocation to %d bytes returned no payload", op.Size)
	}

	// The surviving prefix must have moved with the block.
	preserved := op.Size
	if preserved > p.size {
		preserved = p.size
	}
	if err = verifyPayload(newPtr, preserved, op.Id); err != nil {
		return cerrors.WithMessage(err, "preserved prefix was damaged")
	}

	fillPayload(newPtr, op.Size, op.Id)
	d.live.Put(op.Id, placement{ptr: newPtr, size: op.Size})
	d.trackPayload(op.Size - p.size)

	return nil
}

func (d *Driver) trackPayload(delta int) {
	d.payloadBytes += delta
	if d.payloadBytes > d.peakPayload {
		d.peakPayload = d.payloadBytes
	}
}

// LiveCount returns the number of payloads the trace has not yet freed.
func (d *Driver) LiveCount() int {
	return d.live.Count()
}

// WriteReport emits the run's results and the heap's detailed map as a JSON
// object.
func (d *Driver) WriteReport(results Results, writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	objState.Name("Ops").Int(results.Ops)
	objState.Name("PeakPayloadBytes").Int(results.PeakPayloadBytes)
	objState.Name("HeapBytes").Int(results.HeapBytes)
	objState.Name("Utilization").Float64(results.Utilization)

	d.heap.PrintDetailedMap(objState.Name("Heap"))
}

func patternByte(id, i int) byte {
	return byte(id*151 + i*61)
}

func fillPayload(ptr unsafe.Pointer, size, id int) {
	payload := unsafe.Slice((*byte)(ptr), size)
	for i := range payload {
		payload[i] = patternByte(id, i)
	}
}

func verifyPayload(ptr unsafe.Pointer, size, id int) error {
	payload := unsafe.Slice((*byte)(ptr), size)
	for i := range payload {
		if payload[i] != patternByte(id, i) {
			return cerrors.Errorf("payload for id %d was damaged at byte %d", id, i)
		}
	}
	return nil
}
