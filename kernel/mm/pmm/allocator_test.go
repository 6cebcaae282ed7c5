package pmm

import (
	"testing"
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/mm"
)

// hostBackedAllocator builds a PageAllocator whose provider hands out frames
// backed by real host memory, with an identity direct map. This allows the
// free-list code to repurpose "frames" as list nodes exactly like it would on
// bare metal.
func hostBackedAllocator(t *testing.T, pages int) *PageAllocator {
	t.Helper()

	buf := make([]byte, (pages+1)<<mm.PageShift)
	base := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)

	// Keep the buffer alive for the duration of the test.
	t.Cleanup(func() { _ = buf })

	prov := NewPageProvider(segmentVisitor(mm.MemorySegment{
		Base:   base,
		Length: uintptr(pages) << mm.PageShift,
	}))

	return NewPageAllocator(prov, 0)
}

func TestFreeNodeFitsInOneFrame(t *testing.T) {
	var node freeNode
	if got := unsafe.Sizeof(node); got > mm.PageSize {
		t.Fatalf("expected a freeNode to fit in one frame; got %d bytes", got)
	}
}

func TestPageAllocatorFallsThroughToProvider(t *testing.T) {
	alloc := hostBackedAllocator(t, 4)

	for i := 0; i < 4; i++ {
		if _, err := alloc.AllocFrame(); err != nil {
			t.Fatalf("unexpected allocation error: %v", err)
		}
	}

	if _, err := alloc.AllocFrame(); err != ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}
}

func TestPageAllocatorReusesDeallocatedFrames(t *testing.T) {
	alloc := hostBackedAllocator(t, 8)

	frames := make([]mm.Frame, 4)
	for i := range frames {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("unexpected allocation error: %v", err)
		}
		frames[i] = frame
	}

	for _, frame := range frames {
		alloc.DeallocFrame(frame)
	}

	// The first deallocated frame became the list node; the remaining
	// three are tracked inside it.
	if nodes, tracked := alloc.freeListLen(); nodes != 1 || tracked != 3 {
		t.Fatalf("expected free list to contain 1 node tracking 3 frames; got %d node(s) tracking %d", nodes, tracked)
	}

	tracked := map[mm.Frame]struct{}{
		frames[1]: {},
		frames[2]: {},
		frames[3]: {},
	}

	for i := 0; i < 3; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("unexpected allocation error: %v", err)
		}

		if _, exists := tracked[frame]; !exists {
			t.Fatalf("expected allocation %d to be served from the free list; got frame 0x%x", i, frame.Address())
		}
		delete(tracked, frame)
	}
}

func TestPageAllocatorSteadyStateDoesNotLeak(t *testing.T) {
	const pages = 16
	alloc := hostBackedAllocator(t, pages)

	// Warm up: the first deallocation burns one frame as list storage.
	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	alloc.DeallocFrame(frame)

	providerIndexAfterWarmup := alloc.provider.index

	// The first cycle draws its five frames from the provider (the warm-up
	// node is still empty); every later paired allocate/deallocate cycle
	// must be satisfied entirely from the free list.
	for cycle := 0; cycle < 64; cycle++ {
		frames := make([]mm.Frame, 5)
		for i := range frames {
			if frames[i], err = alloc.AllocFrame(); err != nil {
				t.Fatalf("[cycle %d] unexpected allocation error: %v", cycle, err)
			}
		}
		for _, frame := range frames {
			alloc.DeallocFrame(frame)
		}
	}

	if got := alloc.provider.index; got != providerIndexAfterWarmup+5 {
		t.Fatalf("expected the provider index to settle at %d after the first cycle; got %d", providerIndexAfterWarmup+5, got)
	}
}

func TestPageAllocatorNodeOverflowRepurposesFrame(t *testing.T) {
	// Use synthetic frame numbers for array entries (they are never
	// dereferenced) but host-backed frames for the two node headers.
	alloc := hostBackedAllocator(t, 2)

	nodeFrame1, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	nodeFrame2, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}

	alloc.DeallocFrame(nodeFrame1)

	for i := 0; i < maxPagesPerNode; i++ {
		alloc.DeallocFrame(mm.Frame(0x100000 + i))
	}

	if nodes, tracked := alloc.freeListLen(); nodes != 1 || tracked != maxPagesPerNode {
		t.Fatalf("expected a single full node; got %d node(s) tracking %d", nodes, tracked)
	}

	// The next deallocation cannot fit and must repurpose the frame as a
	// second node at the list tail.
	alloc.DeallocFrame(nodeFrame2)

	if nodes, tracked := alloc.freeListLen(); nodes != 2 || tracked != maxPagesPerNode {
		t.Fatalf("expected two nodes after overflow; got %d node(s) tracking %d", nodes, tracked)
	}
}

func TestPageBoxRoundTrip(t *testing.T) {
	alloc := hostBackedAllocator(t, 4)

	type payload struct {
		a, b uint64
	}

	box, err := NewPageBox(alloc, payload{a: 0xdead, b: 0xbeef})
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}

	if got := *box.Ptr(); got.a != 0xdead || got.b != 0xbeef {
		t.Fatalf("expected boxed value to round-trip; got %+v", got)
	}

	box.Free()

	if box.Valid() {
		t.Fatal("expected the box to be invalid after Free")
	}

	// The freed frame became the free-list node.
	if nodes, _ := alloc.freeListLen(); nodes != 1 {
		t.Fatalf("expected the freed frame to enter the free list; got %d node(s)", nodes)
	}
}

func TestPageBoxZeroed(t *testing.T) {
	alloc := hostBackedAllocator(t, 4)

	// Dirty a frame, return it, then ask for a zeroed box; the dirty
	// frame may be reused and must come back clean.
	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	kernel.Memset(alloc.PhysToVirt(frame.Address()), 0xf0, mm.PageSize)
	alloc.DeallocFrame(frame)

	box, err := NewPageBoxZeroed[[512]uint64](alloc)
	if err != nil {
		t.Fatalf("unexpected allocation error: %v", err)
	}
	defer box.Free()

	for i, v := range box.Ptr() {
		if v != 0 {
			t.Fatalf("expected word %d of a zeroed box to be 0; got 0x%x", i, v)
		}
	}
}

func TestPageBoxValueTooLarge(t *testing.T) {
	alloc := hostBackedAllocator(t, 4)

	if _, err := NewPageBoxUninit[[4097]byte](alloc); err != ErrValueTooLarge {
		t.Fatalf("expected to get ErrValueTooLarge; got %v", err)
	}
}
