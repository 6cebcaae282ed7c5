package pmm

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
)

var (
	// globalAllocator is the process-wide page allocator. It is published
	// exactly once during bootstrap by Init and is only reachable through
	// an AllocatorTok afterwards.
	globalAllocator *PageAllocator

	errAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "page allocator already initialized"}
)

// AllocatorTok is a zero-cost capability proving that the global page
// allocator has been initialized. Every operation that logically requires
// the allocator takes a token by value, which makes "initialized before
// use" a property of the call graph rather than a runtime check.
type AllocatorTok struct {
	_ struct{}
}

// Init publishes alloc as the process-wide page allocator and returns the
// token granting access to it. Calling Init a second time is a bootstrap
// bug.
func Init(alloc *PageAllocator) (AllocatorTok, *kernel.Error) {
	if globalAllocator != nil {
		return AllocatorTok{}, errAlreadyInitialized
	}

	kfmt.Trace("[pmm] initializing page allocator")
	globalAllocator = alloc
	return AllocatorTok{}, nil
}

// Allocator returns the global page allocator instance.
func (AllocatorTok) Allocator() *PageAllocator {
	return globalAllocator
}

// AllocFrame allocates a frame using the global page allocator.
func (AllocatorTok) AllocFrame() (mm.Frame, *kernel.Error) {
	return globalAllocator.AllocFrame()
}

// DeallocFrame returns a frame to the global page allocator. The caller must
// guarantee that the frame was obtained from the global allocator.
func (AllocatorTok) DeallocFrame(frame mm.Frame) {
	globalAllocator.DeallocFrame(frame)
}

// PhysToVirt converts a physical address into a virtual address within the
// kernel's direct map of physical memory.
func (AllocatorTok) PhysToVirt(physAddr uintptr) uintptr {
	return globalAllocator.PhysToVirt(physAddr)
}
