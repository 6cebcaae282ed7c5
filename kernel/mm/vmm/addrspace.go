package vmm

import (
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
)

var (
	// ErrAlreadyMapped is returned when trying to establish a mapping for
	// a virtual address whose page table entry is already in use.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT
)

// parentTableFlags is the flag set applied to intermediate tables created by
// an AddressSpace walk. The broad user|writable policy leaves the final
// access decision to the leaf entries.
const parentTableFlags = FlagPresent | FlagRW | FlagUserAccessible | FlagOwned

// AddressSpace owns a PML4 and the page-table structure hanging off it. Every
// intermediate table and leaf frame the mapper allocates is tagged with
// FlagOwned; Release walks the structure and returns exactly that set to the
// page allocator, leaving borrowed (kernel-shared) entries untouched.
//
// An AddressSpace is mutated by a single CPU at a time; the structure carries
// no locks of its own.
type AddressSpace struct {
	pml4  mm.Frame
	alloc *pmm.PageAllocator
}

// NewAddressSpace allocates and zeroes a fresh PML4 backed by alloc.
func NewAddressSpace(alloc *pmm.PageAllocator) (*AddressSpace, *kernel.Error) {
	pml4, err := alloc.AllocFrame()
	if err != nil {
		return nil, err
	}

	kernel.Memset(alloc.PhysToVirt(pml4.Address()), 0, mm.PageSize)

	return &AddressSpace{pml4: pml4, alloc: alloc}, nil
}

// PML4 returns the frame holding the root table of this address space.
func (as *AddressSpace) PML4() mm.Frame {
	return as.pml4
}

// tableAt overlays a pageTable on the frame's direct-map address.
func (as *AddressSpace) tableAt(frame mm.Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(as.alloc.PhysToVirt(frame.Address())))
}

// Entry returns the page-table entry that maps virtAddr, creating any
// missing intermediate tables on demand. Created tables are zeroed and
// tagged with FlagOwned. The low 12 bits of virtAddr are ignored.
//
// Entry fails with ErrOutOfMemory when a table cannot be allocated and with
// ErrAlreadyMapped when the walk runs into a huge-page entry at an
// intermediate level.
func (as *AddressSpace) Entry(virtAddr uintptr) (*PageTableEntry, *kernel.Error) {
	table := as.tableAt(as.pml4)

	for level := 0; level < pageLevels-1; level++ {
		pte := &table[tableIndexForLevel(virtAddr, level)]

		if pte.Unused() {
			tableFrame, err := as.alloc.AllocFrame()
			if err != nil {
				return nil, err
			}

			kernel.Memset(as.alloc.PhysToVirt(tableFrame.Address()), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(parentTableFlags)
		} else if pte.HasFlags(FlagHugePage) {
			return nil, ErrAlreadyMapped
		}

		table = as.tableAt(pte.Frame())
	}

	return &table[tableIndexForLevel(virtAddr, pageLevels-1)], nil
}

// CreateMapping points virtAddr at frame with the given flags. The target
// page table entry must be unused.
//
// On an ErrAlreadyMapped failure the returned frame is the one the
// conflicting entry points to; on success it is the frame that was mapped.
func (as *AddressSpace) CreateMapping(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag) (mm.Frame, *kernel.Error) {
	pte, err := as.Entry(virtAddr)
	if err != nil {
		return mm.InvalidFrame, err
	}

	if !pte.Unused() {
		return pte.Frame(), ErrAlreadyMapped
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	return frame, nil
}

// AllocateMapping allocates a fresh frame and maps virtAddr to it with the
// given flags plus FlagOwned, making the frame part of the set reclaimed by
// Release.
func (as *AddressSpace) AllocateMapping(virtAddr uintptr, flags PageTableEntryFlag) (mm.Frame, *kernel.Error) {
	frame, err := as.alloc.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	if _, err = as.CreateMapping(virtAddr, frame, flags|FlagOwned); err != nil {
		as.alloc.DeallocFrame(frame)
		return mm.InvalidFrame, err
	}

	return frame, nil
}

// AllocateRegion maps pageCount fresh frames starting at virtAddr. The
// contents of the mapped frames are left as-is.
func (as *AddressSpace) AllocateRegion(virtAddr uintptr, pageCount int, flags PageTableEntryFlag) *kernel.Error {
	for ; pageCount > 0; pageCount, virtAddr = pageCount-1, virtAddr+mm.PageSize {
		if _, err := as.AllocateMapping(virtAddr, flags); err != nil {
			return err
		}
	}
	return nil
}

// Load maps enough fresh frames at virtAddr to cover data and copies data
// into them through the kernel's direct map.
//
// If an error occurs mid-way, the frames that were set up successfully
// remain mapped until the address space is released.
func (as *AddressSpace) Load(virtAddr uintptr, data []byte, flags PageTableEntryFlag) *kernel.Error {
	for len(data) > 0 {
		frame, err := as.AllocateMapping(virtAddr, flags)
		if err != nil {
			return err
		}

		chunk := len(data)
		if chunk > int(mm.PageSize) {
			chunk = int(mm.PageSize)
		}

		dst := unsafe.Slice((*byte)(unsafe.Pointer(as.alloc.PhysToVirt(frame.Address()))), mm.PageSize)
		copy(dst, data[:chunk])

		data = data[chunk:]
		virtAddr += mm.PageSize
	}

	return nil
}

// MapKernel copies the present higher-half entries of the currently active
// PML4 into this address space. The copied entries keep their flags and are
// never tagged as owned: the structure they reference belongs to the
// kernel's page tables and is shared by every address space.
func (as *AddressSpace) MapKernel() {
	active := (*pageTable)(unsafe.Pointer(as.alloc.PhysToVirt(activePDTFn())))
	own := as.tableAt(as.pml4)

	for i := tableEntries / 2; i < tableEntries; i++ {
		if active[i].HasFlags(FlagPresent) {
			entry := active[i]
			entry.ClearFlags(FlagOwned)
			own[i] = entry
		}
	}
}

// Switch installs this address space's PML4 into the CPU's root table
// register, flushing the TLB. The caller must guarantee that the kernel
// mappings required to keep executing are present.
func (as *AddressSpace) Switch() {
	switchPDTFn(as.pml4.Address())
}

// Release walks the page-table structure and returns to the page allocator
// the PML4, every owned intermediate table and every owned leaf frame.
// Entries without FlagOwned are skipped, preventing aliased frees of
// structure shared with other address spaces. The AddressSpace must not be
// used after Release returns.
func (as *AddressSpace) Release() {
	as.releaseTable(as.pml4, 0)
	as.pml4 = mm.InvalidFrame
}

func (as *AddressSpace) releaseTable(tableFrame mm.Frame, level int) {
	table := as.tableAt(tableFrame)

	for i := 0; i < tableEntries; i++ {
		pte := table[i]
		if !pte.HasFlags(FlagPresent | FlagOwned) {
			continue
		}

		if level < pageLevels-1 && !pte.HasFlags(FlagHugePage) {
			as.releaseTable(pte.Frame(), level+1)
		} else {
			as.alloc.DeallocFrame(pte.Frame())
		}
	}

	as.alloc.DeallocFrame(tableFrame)
}
