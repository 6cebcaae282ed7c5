package vmm

import (
	"testing"
	"unsafe"

	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
)

func hostBackedProvider(t *testing.T, pages int) *pmm.PageProvider {
	t.Helper()

	buf := make([]byte, (pages+1)<<mm.PageShift)
	base := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	t.Cleanup(func() { _ = buf })

	return pmm.NewPageProvider(segmentVisitor(mm.MemorySegment{
		Base:   base,
		Length: uintptr(pages) << mm.PageShift,
	}))
}

func identity(physAddr uintptr) uintptr { return physAddr }

// walkToLeaf follows the chain for virtAddr and returns the first entry
// carrying the huge-page flag or the level-3 leaf.
func walkToLeaf(t *testing.T, pml4 mm.Frame, virtAddr uintptr) (PageTableEntry, int) {
	t.Helper()

	frame := pml4
	for level := 0; level < pageLevels; level++ {
		table := (*pageTable)(unsafe.Pointer(frame.Address()))
		pte := table[tableIndexForLevel(virtAddr, level)]
		if !pte.HasFlags(FlagPresent) {
			t.Fatalf("expected a present entry at level %d for virtual address 0x%x", level, virtAddr)
		}
		if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			return pte, level
		}
		frame = pte.Frame()
	}

	panic("unreachable")
}

func TestSetupPagingIdentityAndKernelMap(t *testing.T) {
	defer func(orig func(uintptr)) { switchPDTFn = orig }(switchPDTFn)

	var switchedTo uintptr
	switchPDTFn = func(addr uintptr) { switchedTo = addr }

	prov := hostBackedProvider(t, 64)

	var (
		identityUpperBound = uintptr(8 << 20) // 8 MiB: four 2 MiB pages
		kernelPhys         = uintptr(4 << 20)
		kernelVirt         = uintptr(0xffff_8000_0010_0000)
		kernelSize         = uintptr(3*mm.PageSize + 100)
	)

	pml4, err := SetupPaging(prov, identity, identityUpperBound, kernelPhys, kernelVirt, kernelSize)
	if err != nil {
		t.Fatalf("unexpected setup error: %v", err)
	}

	if switchedTo != pml4.Address() {
		t.Fatalf("expected the new PML4 0x%x to be installed; got 0x%x", pml4.Address(), switchedTo)
	}

	// The identity range is 2 MiB aligned throughout, so it must be built
	// out of huge PD entries mapping phys == virt.
	for virtAddr := uintptr(0); virtAddr < identityUpperBound; virtAddr += twoMiB {
		pte, level := walkToLeaf(t, pml4, virtAddr)
		if level != 2 {
			t.Fatalf("expected the identity mapping at 0x%x to use a 2 MiB page; found a leaf at level %d", virtAddr, level)
		}
		if got := pte.Frame().Address(); got != virtAddr {
			t.Fatalf("expected identity mapping at 0x%x; entry points at 0x%x", virtAddr, got)
		}
	}

	// The kernel mapping is only page aligned and must use 4 KiB leaves
	// flagged global+writable, translating to the kernel's physical base.
	for off := uintptr(0); off < kernelSize; off += mm.PageSize {
		pte, level := walkToLeaf(t, pml4, kernelVirt+off)
		if level != pageLevels-1 {
			t.Fatalf("expected the kernel mapping at offset 0x%x to use a 4 KiB page; found a leaf at level %d", off, level)
		}
		if !pte.HasFlags(FlagPresent | FlagRW | FlagGlobal) {
			t.Fatalf("expected the kernel mapping at offset 0x%x to be present|rw|global; got raw entry 0x%x", off, uintptr(pte))
		}
		if got := pte.Frame().Address(); got != kernelPhys+off {
			t.Fatalf("expected the kernel page at offset 0x%x to map 0x%x; got 0x%x", off, kernelPhys+off, got)
		}
	}
}

func TestSetupPagingHugePageSelection(t *testing.T) {
	defer func(orig func(uintptr)) { switchPDTFn = orig }(switchPDTFn)
	switchPDTFn = func(uintptr) {}

	prov := hostBackedProvider(t, 64)

	// 1 GiB + 2 MiB + 4 KiB: the mapper must start with a 1 GiB page and
	// step down as the remaining length shrinks.
	upperBound := oneGiB + twoMiB + mm.PageSize

	pml4, err := SetupPaging(prov, identity, upperBound, 0xffff_f000, 0xffff_8000_0000_0000, mm.PageSize)
	if err != nil {
		t.Fatalf("unexpected setup error: %v", err)
	}

	specs := []struct {
		virtAddr uintptr
		expLevel int
	}{
		{0, 1},
		{oneGiB, 2},
		{oneGiB + twoMiB, 3},
	}

	for specIndex, spec := range specs {
		pte, level := walkToLeaf(t, pml4, spec.virtAddr)
		if level != spec.expLevel {
			t.Errorf("[spec %d] expected the leaf for 0x%x at level %d; got %d", specIndex, spec.virtAddr, spec.expLevel, level)
		}
		if got := pte.Frame().Address(); got != spec.virtAddr {
			t.Errorf("[spec %d] expected identity mapping for 0x%x; entry points at 0x%x", specIndex, spec.virtAddr, got)
		}
	}
}

func TestSetupPagingOutOfMemory(t *testing.T) {
	defer func(orig func(uintptr)) { switchPDTFn = orig }(switchPDTFn)

	switchCalled := false
	switchPDTFn = func(uintptr) { switchCalled = true }

	// Two pages are not enough to build the identity mapping tables.
	prov := hostBackedProvider(t, 2)

	if _, err := SetupPaging(prov, identity, 8<<20, 0, 0xffff_8000_0000_0000, mm.PageSize); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
	}

	if switchCalled {
		t.Fatal("expected the partially built tables to never be installed")
	}
}
