// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"sync/atomic"

	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
)

var (
	// ErrOutOfMemory is returned by the frame allocation path when the
	// system has run out of usable physical memory.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
)

// maxSegments defines the number of memory segments a PageProvider can track.
// Memory maps handed over by the bootloader typically contain 4 to 8 usable
// regions; anything beyond maxSegments is ignored with a warning.
const maxSegments = 16

// PageProvider hands out fresh physical frames carved linearly from the
// usable memory regions reported by the bootloader.
//
// Note that this type does not provide any way to free those frames; that is
// the job of the PageAllocator layered on top of it.
type PageProvider struct {
	segments     [maxSegments]mm.MemorySegment
	segmentCount int

	// index is the ordinal of the next frame to hand out, counted across
	// the concatenation of all tracked segments. It only grows, modulo a
	// best-effort rollback when the provider is exhausted.
	index uint64
}

// SegmentVisitor is invoked for each usable memory segment in ascending base
// address order. Returning false stops the iteration.
type SegmentVisitor func(mm.MemorySegment) bool

// NewPageProvider constructs a PageProvider by consuming the segments yielded
// by visit. Adjacent segments are merged. Segments are expected to be sorted
// by base address, non-overlapping and page-aligned in both base and length.
func NewPageProvider(visit func(SegmentVisitor)) *PageProvider {
	var (
		prov    PageProvider
		pages   uintptr
		ignored int
	)

	visit(func(seg mm.MemorySegment) bool {
		if last := prov.lastSegment(); last != nil && last.Base+last.Length == seg.Base {
			last.Length += seg.Length
			pages += seg.PageCount()
			return true
		}

		if prov.segmentCount == maxSegments {
			ignored++
			return true
		}

		prov.segments[prov.segmentCount] = seg
		prov.segmentCount++
		pages += seg.PageCount()
		return true
	})

	if ignored != 0 {
		kfmt.Warn("[pmm] too many usable memory regions; %d have been ignored", ignored)
	}

	kfmt.Info("[pmm] %d pages of usable memory in %d contiguous segments (%dKb total)",
		uint64(pages), prov.segmentCount, (uint64(pages)<<mm.PageShift)/1024)

	return &prov
}

func (prov *PageProvider) lastSegment() *mm.MemorySegment {
	if prov.segmentCount == 0 {
		return nil
	}
	return &prov.segments[prov.segmentCount-1]
}

// TotalPages returns the number of frames managed by this provider.
func (prov *PageProvider) TotalPages() uintptr {
	var total uintptr
	for i := 0; i < prov.segmentCount; i++ {
		total += prov.segments[i].PageCount()
	}
	return total
}

// AllocFrame reserves the next unused frame from the tracked segments and
// returns it. The returned frame is always page-aligned and has never been
// handed out before.
//
// AllocFrame returns ErrOutOfMemory when every tracked frame has been handed
// out.
func (prov *PageProvider) AllocFrame() (mm.Frame, *kernel.Error) {
	// Relaxed-style ordering is sufficient for the claim: callers only
	// care that each ordinal is claimed exactly once, which the atomic
	// add guarantees on its own.
	ordinal := uintptr(atomic.AddUint64(&prov.index, 1) - 1)

	// This runs in O(n) with n being the number of segments; memory maps
	// are small enough that a linear scan beats any bookkeeping.
	for i := 0; i < prov.segmentCount; i++ {
		pageCount := prov.segments[i].PageCount()
		if ordinal < pageCount {
			return mm.FrameFromAddress(prov.segments[i].Base + ordinal<<mm.PageShift), nil
		}
		ordinal -= pageCount
	}

	// Roll the index back so that repeated exhaustion probes cannot
	// overflow the counter. This races with concurrent claims; losing
	// the race only wastes ordinals, which is acceptable as exhaustion
	// is terminal for the caller anyway.
	atomic.AddUint64(&prov.index, ^uint64(0))

	return mm.InvalidFrame, ErrOutOfMemory
}
