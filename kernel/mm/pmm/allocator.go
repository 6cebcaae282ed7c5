package pmm

import (
	"sync/atomic"
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/mm"
	ksync "kestrel/kernel/sync"
)

// maxPagesPerNode is the number of returned frames a single freeNode can
// track. It is chosen so that a freeNode occupies exactly one frame.
const maxPagesPerNode = (int(mm.PageSize) - 16) / 8

// freeNode is a node in the allocator's free list. Each node lives inside a
// frame that was itself returned via DeallocFrame and repurposed as list
// storage.
type freeNode struct {
	next  atomic.Pointer[freeNode]
	lock  ksync.Spinlock
	count int32
	pages [maxPagesPerNode]mm.Frame
}

// PageAllocator layers frame reuse on top of a PageProvider. Returned frames
// are tracked in a lock-free list of freeNodes threaded through the frames
// themselves.
type PageAllocator struct {
	provider *PageProvider

	freeHead atomic.Pointer[freeNode]

	// directMapOffset is added to a frame's physical address to obtain a
	// virtual address the kernel can dereference. With the kernel's own
	// page tables installed, low physical memory is identity mapped and
	// the offset is zero.
	directMapOffset uintptr
}

// NewPageAllocator returns a PageAllocator that falls back to prov whenever
// its free list cannot satisfy a request. directMapOffset converts physical
// frame addresses into kernel-dereferenceable pointers.
func NewPageAllocator(prov *PageProvider, directMapOffset uintptr) *PageAllocator {
	return &PageAllocator{
		provider:        prov,
		directMapOffset: directMapOffset,
	}
}

// Provider returns the PageProvider backing this allocator.
func (alloc *PageAllocator) Provider() *PageProvider {
	return alloc.provider
}

// PhysToVirt converts a physical address into a virtual address within the
// kernel's direct map of physical memory.
func (alloc *PageAllocator) PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + alloc.directMapOffset
}

// AllocFrame returns a page-aligned frame that is not in use anywhere else
// in the system. Frames previously returned via DeallocFrame are preferred;
// the provider is only consulted when the free list yields nothing.
func (alloc *PageAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	// Walk the free list using try-lock only; a contended node is skipped
	// rather than waited on. It is possible to fall through to the
	// provider while frames still sit in the list, but the more frames
	// the list holds the more likely one of the locks is free.
	for node := alloc.freeHead.Load(); node != nil; node = node.next.Load() {
		if !node.lock.TryToAcquire() {
			continue
		}

		if node.count > 0 {
			node.count--
			frame := node.pages[node.count]
			node.lock.Release()
			return frame, nil
		}
		node.lock.Release()
	}

	return alloc.provider.AllocFrame()
}

// DeallocFrame returns a frame to the allocator. The caller must guarantee
// that the frame was obtained from this allocator (or its provider) and that
// no live references into it remain.
//
// When no tracked node has room, the deallocated frame itself becomes a new
// freeNode: a fresh node header is written into it through the direct map and
// the node is published at the tail of the list.
func (alloc *PageAllocator) DeallocFrame(frame mm.Frame) {
	tail := &alloc.freeHead
	for {
		node := tail.Load()
		if node == nil {
			break
		}

		if node.lock.TryToAcquire() {
			if int(node.count) < maxPagesPerNode {
				node.pages[node.count] = frame
				node.count++
				node.lock.Release()
				return
			}
			node.lock.Release()
		}

		tail = &node.next
	}

	// The frame transitions from payload to list storage here; after the
	// publishing store below it must only be accessed as a freeNode. An
	// all-zero frame is a valid empty node.
	nodeAddr := alloc.PhysToVirt(frame.Address())
	kernel.Memset(nodeAddr, 0, mm.PageSize)
	newNode := (*freeNode)(unsafe.Pointer(nodeAddr))

	// Publishing via the atomic pointer store gives release ordering for
	// the header initialization above; readers load the chain with
	// acquire ordering.
	tail.Store(newNode)
}

// freeListLen returns the number of nodes and tracked frames currently in the
// free list. It is only safe to call when no other task mutates the list.
func (alloc *PageAllocator) freeListLen() (nodes, frames int) {
	for node := alloc.freeHead.Load(); node != nil; node = node.next.Load() {
		nodes++
		frames += int(node.count)
	}
	return nodes, frames
}
