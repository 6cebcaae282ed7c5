// Package slab implements the kernel's small-object allocator. Allocations
// of up to one page are carved out of 64-byte slots inside pages obtained
// from the page allocator; a single 64-bit word per page tracks slot
// occupancy.
package slab

import (
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
	ksync "kestrel/kernel/sync"
)

var (
	// ErrAllocFailed is returned when the requested size or alignment
	// exceeds one page or when the page allocator is exhausted.
	ErrAllocFailed = &kernel.Error{Module: "slab", Message: "allocation failed"}
)

const (
	// slotSize is the allocation granularity. One page divided by the 64
	// bits of the occupancy word.
	slotSize = int(mm.PageSize) / 64

	// slotsPerPage is the number of slots tracked per page.
	slotsPerPage = int(mm.PageSize) / slotSize

	// maxMetaPerNode is the number of pageMeta records a slabNode can
	// hold while still fitting in a single page.
	maxMetaPerNode = 126
)

// pageMeta tracks the occupancy of one slab page. Bit i of state set means
// the 64-byte slot at byte offset i*64 is allocated.
type pageMeta struct {
	page  pmm.PageBox[[mm.PageSize]byte]
	state uint64
}

// base returns the kernel-virtual address of the tracked page.
func (meta *pageMeta) base() uintptr {
	return uintptr(unsafe.Pointer(meta.page.Ptr()))
}

// includes returns true when addr falls inside the tracked page.
func (meta *pageMeta) includes(addr uintptr) bool {
	base := meta.base()
	return addr >= base && addr < base+mm.PageSize
}

// slotMask returns the occupancy mask for count slots starting at slotIdx.
func slotMask(slotIdx, count int) uint64 {
	if count >= 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << uint(count)) - 1) << uint(slotIdx)
}

// allocateAt marks count slots starting at slotIdx as allocated and returns
// the address of the first one. The slots must be free.
func (meta *pageMeta) allocateAt(slotIdx, count int) uintptr {
	meta.state |= slotMask(slotIdx, count)
	return meta.base() + uintptr(slotIdx*slotSize)
}

// allocate scans for count free contiguous slots at the given slot-alignment
// stride and claims the first run found. It returns 0 when the page cannot
// fit the request.
func (meta *pageMeta) allocate(count, slotAlign int) uintptr {
	for slotIdx := 0; slotIdx+count <= slotsPerPage; slotIdx += slotAlign {
		if meta.state&slotMask(slotIdx, count) == 0 {
			return meta.allocateAt(slotIdx, count)
		}
	}
	return 0
}

// slabNode is a linked-list node holding pageMeta records. Nodes themselves
// live in pages obtained from the page allocator.
type slabNode struct {
	self  pmm.PageBox[slabNode]
	next  *slabNode
	count int
	pages [maxMetaPerNode]pageMeta
}

// Allocator is the kernel's small-object allocator. A single lock guards the
// node list; unlike the page allocator's free list, callers may block
// briefly. Interrupt handlers must not call into this allocator.
type Allocator struct {
	lock  ksync.Spinlock
	alloc *pmm.PageAllocator
	head  *slabNode
}

// NewAllocator returns an Allocator drawing pages from alloc.
func NewAllocator(alloc *pmm.PageAllocator) *Allocator {
	return &Allocator{alloc: alloc}
}

// slotCountFor rounds size up to a whole number of slots.
func slotCountFor(size uintptr) int {
	return int((size + uintptr(slotSize) - 1) / uintptr(slotSize))
}

// slotAlignFor converts a byte alignment into a slot stride.
func slotAlignFor(align uintptr) int {
	if align < uintptr(slotSize) {
		return 1
	}
	return int(align) / slotSize
}

// Alloc reserves size bytes aligned to align and returns the kernel-virtual
// address of the reservation. The usable length is size rounded up to a
// multiple of the slot size. Alloc returns ErrAllocFailed when size or align
// exceed one page or when the page allocator is exhausted.
func (a *Allocator) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if size > mm.PageSize || align > mm.PageSize {
		return 0, ErrAllocFailed
	}

	slotCount := slotCountFor(size)
	slotAlign := slotAlignFor(align)

	a.lock.Acquire()
	defer a.lock.Release()

	for node := a.head; node != nil; node = node.next {
		for i := 0; i < node.count; i++ {
			if addr := node.pages[i].allocate(slotCount, slotAlign); addr != 0 {
				return addr, nil
			}
		}
	}

	// No tracked page can fit the request; pull a fresh page and satisfy
	// the allocation at slot 0, which always succeeds.
	page, err := pmm.NewPageBoxUninit[[mm.PageSize]byte](a.alloc)
	if err != nil {
		return 0, ErrAllocFailed
	}

	meta := pageMeta{page: page}
	addr := meta.allocateAt(0, slotCount)

	if err := a.appendMeta(meta); err != nil {
		page.Free()
		return 0, err
	}

	return addr, nil
}

// appendMeta stores meta in the first node with spare capacity, allocating a
// new node at the list tail when every node is full. Callers must hold the
// allocator lock.
func (a *Allocator) appendMeta(meta pageMeta) *kernel.Error {
	tail := &a.head
	for node := a.head; node != nil; node = node.next {
		if node.count < maxMetaPerNode {
			node.pages[node.count] = meta
			node.count++
			return nil
		}
		tail = &node.next
	}

	box, err := pmm.NewPageBoxUninit[slabNode](a.alloc)
	if err != nil {
		return ErrAllocFailed
	}

	node := box.Ptr()
	*node = slabNode{self: box}
	node.pages[0] = meta
	node.count = 1
	*tail = node
	return nil
}

// Dealloc releases an allocation of size bytes at addr. The address and size
// must describe a live allocation previously returned by Alloc or Grow.
// Pages whose occupancy word drops to zero are returned to the page
// allocator; nodes left without any tracked pages stay in the list.
func (a *Allocator) Dealloc(addr, size uintptr) {
	slotIdx := int(addr&(mm.PageSize-1)) / slotSize
	slotCount := slotCountFor(size)
	mask := slotMask(slotIdx, slotCount)

	a.lock.Acquire()
	defer a.lock.Release()

	for node := a.head; node != nil; node = node.next {
		for i := 0; i < node.count; i++ {
			meta := &node.pages[i]
			if !meta.includes(addr) {
				continue
			}

			if meta.state&mask != mask {
				kfmt.Panic(&kernel.Error{Module: "slab", Message: "deallocating a free slot"})
			}

			meta.state &^= mask
			if meta.state == 0 {
				// The page is empty; hand it back and drop its
				// metadata. The node itself stays in the list
				// even when it tracks no pages, bounding
				// metadata churn the same way the page
				// allocator keeps its emptied free-list nodes.
				meta.page.Free()
				node.count--
				node.pages[i] = node.pages[node.count]
				node.pages[node.count] = pageMeta{}
			}
			return
		}
	}

	kfmt.Panic(&kernel.Error{Module: "slab", Message: "deallocating an untracked address"})
}

// Grow extends the allocation at addr from oldSize to newSize bytes. When
// the slots adjacent to the allocation are free they are claimed in place
// and addr is returned unchanged; otherwise a new allocation is made, the
// old contents copied and the old allocation released. newSize must not
// exceed one page.
func (a *Allocator) Grow(addr, oldSize, newSize uintptr) (uintptr, *kernel.Error) {
	if newSize > mm.PageSize {
		return 0, ErrAllocFailed
	}

	slotIdx := int(addr&(mm.PageSize-1)) / slotSize
	oldCount := slotCountFor(oldSize)
	newCount := slotCountFor(newSize)
	if newCount <= oldCount {
		return addr, nil
	}

	a.lock.Acquire()

	if meta := a.metaFor(addr); meta != nil {
		oldMask := slotMask(slotIdx, oldCount)
		if meta.state&oldMask != oldMask {
			a.lock.Release()
			kfmt.Panic(&kernel.Error{Module: "slab", Message: "growing a free slot"})
		}

		if slotIdx+newCount <= slotsPerPage {
			addedMask := slotMask(slotIdx+oldCount, newCount-oldCount)
			if meta.state&addedMask == 0 {
				meta.state |= addedMask
				a.lock.Release()
				return addr, nil
			}
		}
	}

	a.lock.Release()

	// The adjacent slots are taken; move the allocation.
	newAddr, err := a.Alloc(newSize, uintptr(slotSize))
	if err != nil {
		return 0, err
	}

	kernel.Memcopy(addr, newAddr, oldSize)
	a.Dealloc(addr, oldSize)
	return newAddr, nil
}

// GrowZeroed behaves like Grow but additionally zeroes the bytes between
// oldSize and newSize.
func (a *Allocator) GrowZeroed(addr, oldSize, newSize uintptr) (uintptr, *kernel.Error) {
	newAddr, err := a.Grow(addr, oldSize, newSize)
	if err != nil {
		return 0, err
	}

	kernel.Memset(newAddr+oldSize, 0, newSize-oldSize)
	return newAddr, nil
}

// metaFor returns the pageMeta tracking addr, or nil. Callers must hold the
// allocator lock.
func (a *Allocator) metaFor(addr uintptr) *pageMeta {
	for node := a.head; node != nil; node = node.next {
		for i := 0; i < node.count; i++ {
			if node.pages[i].includes(addr) {
				return &node.pages[i]
			}
		}
	}
	return nil
}
