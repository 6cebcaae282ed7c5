package vmm

import (
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
)

// PhysToVirtFn converts a physical address into a virtual address that is
// dereferenceable under the currently installed page tables.
type PhysToVirtFn func(physAddr uintptr) uintptr

// tableBuilder walks and extends a page-table tree that is not necessarily
// the active one, allocating intermediate tables straight from a
// PageProvider. It is only used while constructing the kernel's initial
// tables, before the page allocator exists.
type tableBuilder struct {
	prov       *pmm.PageProvider
	physToVirt PhysToVirtFn
}

func (b tableBuilder) tableAt(frame mm.Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(b.physToVirt(frame.Address())))
}

// directoryEntry returns the entry at index within the given table,
// allocating and zeroing a child table when the entry is unused. Walking
// into a huge-page entry fails with ErrAlreadyMapped.
func (b tableBuilder) directoryEntry(tableFrame mm.Frame, index int) (*PageTableEntry, *kernel.Error) {
	pte := &b.tableAt(tableFrame)[index]

	if pte.Unused() {
		childFrame, err := b.prov.AllocFrame()
		if err != nil {
			return nil, err
		}

		kernel.Memset(b.physToVirt(childFrame.Address()), 0, mm.PageSize)

		*pte = 0
		pte.SetFrame(childFrame)
		pte.SetFlags(FlagPresent | FlagRW)
		return pte, nil
	}

	if pte.HasFlags(FlagHugePage) {
		return nil, ErrAlreadyMapped
	}

	return pte, nil
}

// leafEntry returns the entry at index within the given table. The entry
// must be unused.
func (b tableBuilder) leafEntry(tableFrame mm.Frame, index int) (*PageTableEntry, *kernel.Error) {
	pte := &b.tableAt(tableFrame)[index]
	if !pte.Unused() {
		return nil, ErrAlreadyMapped
	}
	return pte, nil
}

// map1g maps a 1 GiB huge page. Both addresses must be 1 GiB aligned.
func (b tableBuilder) map1g(pml4 mm.Frame, virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	pml4e, err := b.directoryEntry(pml4, tableIndexForLevel(virtAddr, 0))
	if err != nil {
		return err
	}

	pdpte, err := b.leafEntry(pml4e.Frame(), tableIndexForLevel(virtAddr, 1))
	if err != nil {
		return err
	}

	*pdpte = 0
	pdpte.SetFrame(mm.FrameFromAddress(physAddr))
	pdpte.SetFlags(flags | FlagHugePage)
	return nil
}

// map2m maps a 2 MiB huge page. Both addresses must be 2 MiB aligned.
func (b tableBuilder) map2m(pml4 mm.Frame, virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	pml4e, err := b.directoryEntry(pml4, tableIndexForLevel(virtAddr, 0))
	if err != nil {
		return err
	}

	pdpte, err := b.directoryEntry(pml4e.Frame(), tableIndexForLevel(virtAddr, 1))
	if err != nil {
		return err
	}

	pde, err := b.leafEntry(pdpte.Frame(), tableIndexForLevel(virtAddr, 2))
	if err != nil {
		return err
	}

	*pde = 0
	pde.SetFrame(mm.FrameFromAddress(physAddr))
	pde.SetFlags(flags | FlagHugePage)
	return nil
}

// map4k maps a single 4 KiB page. Both addresses must be page aligned.
func (b tableBuilder) map4k(pml4 mm.Frame, virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	pml4e, err := b.directoryEntry(pml4, tableIndexForLevel(virtAddr, 0))
	if err != nil {
		return err
	}

	pdpte, err := b.directoryEntry(pml4e.Frame(), tableIndexForLevel(virtAddr, 1))
	if err != nil {
		return err
	}

	pde, err := b.directoryEntry(pdpte.Frame(), tableIndexForLevel(virtAddr, 2))
	if err != nil {
		return err
	}

	pte, err := b.leafEntry(pde.Frame(), tableIndexForLevel(virtAddr, 3))
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(mm.FrameFromAddress(physAddr))
	pte.SetFlags(flags)
	return nil
}

// mapRange maps [physAddr, physAddr+length) at virtAddr using the largest
// page size whose alignment both addresses satisfy at each step.
func (b tableBuilder) mapRange(pml4 mm.Frame, virtAddr, physAddr, length uintptr, flags PageTableEntryFlag) *kernel.Error {
	for length != 0 {
		switch {
		case length >= oneGiB && virtAddr&(oneGiB-1) == 0 && physAddr&(oneGiB-1) == 0:
			if err := b.map1g(pml4, virtAddr, physAddr, flags); err != nil {
				return err
			}
			virtAddr, physAddr, length = virtAddr+oneGiB, physAddr+oneGiB, length-oneGiB
		case length >= twoMiB && virtAddr&(twoMiB-1) == 0 && physAddr&(twoMiB-1) == 0:
			if err := b.map2m(pml4, virtAddr, physAddr, flags); err != nil {
				return err
			}
			virtAddr, physAddr, length = virtAddr+twoMiB, physAddr+twoMiB, length-twoMiB
		default:
			if err := b.map4k(pml4, virtAddr, physAddr, flags); err != nil {
				return err
			}
			virtAddr, physAddr = virtAddr+mm.PageSize, physAddr+mm.PageSize
			if length < mm.PageSize {
				length = 0
			} else {
				length -= mm.PageSize
			}
		}
	}
	return nil
}

// SetupPaging builds the kernel's initial page tables and installs them.
//
// Physical memory in [0, identityUpperBound) is identity mapped so that,
// once the new tables are active, any frame can be reached at a virtual
// address equal to its physical one. The kernel image at kernelPhys is
// additionally mapped at its linked virtual base with global pages.
//
// The supplied physToVirt must be valid for the bootloader-installed address
// space; it is only used while the new tables are under construction. If any
// allocation fails the partially built tables are leaked, as the system
// cannot continue without paging anyway.
func SetupPaging(prov *pmm.PageProvider, physToVirt PhysToVirtFn, identityUpperBound, kernelPhys, kernelVirt, kernelSize uintptr) (mm.Frame, *kernel.Error) {
	kfmt.Trace("[vmm] setting up initial page tables")

	builder := tableBuilder{prov: prov, physToVirt: physToVirt}

	pml4, err := prov.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}
	kernel.Memset(physToVirt(pml4.Address()), 0, mm.PageSize)

	kfmt.Trace("[vmm] identity mapping physical memory up to 0x%x", uint64(identityUpperBound))
	if err = builder.mapRange(pml4, 0, 0, identityUpperBound, FlagPresent|FlagRW); err != nil {
		return mm.InvalidFrame, err
	}

	kfmt.Trace("[vmm] mapping kernel image 0x%x -> 0x%x (%d bytes)",
		uint64(kernelPhys), uint64(kernelVirt), uint64(kernelSize))
	if err = builder.mapRange(pml4, kernelVirt, kernelPhys, kernelSize, FlagPresent|FlagRW|FlagGlobal); err != nil {
		return mm.InvalidFrame, err
	}

	kfmt.Trace("[vmm] switching address space")
	switchPDTFn(pml4.Address())

	return pml4, nil
}
