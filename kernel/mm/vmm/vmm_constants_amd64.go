//go:build amd64

package vmm

const (
	// pageLevels is the number of page table levels traversed when
	// resolving a virtual address (PML4, PDPT, PD, PT).
	pageLevels = 4

	// tableEntries is the number of entries per page table.
	tableEntries = 512

	// ptePhysPageMask masks the physical frame address bits of a page
	// table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	oneGiB = uintptr(1 << 30)
	twoMiB = uintptr(1 << 21)
)

const (
	// FlagPresent indicates that the entry maps a resident frame.
	FlagPresent = PageTableEntryFlag(1 << 0)

	// FlagRW marks the mapped frame as writable.
	FlagRW = PageTableEntryFlag(1 << 1)

	// FlagUserAccessible allows ring-3 code to access the mapped frame.
	FlagUserAccessible = PageTableEntryFlag(1 << 2)

	// FlagHugePage marks an intermediate entry as mapping a large page
	// directly (1 GiB at the PDPT level, 2 MiB at the PD level).
	FlagHugePage = PageTableEntryFlag(1 << 7)

	// FlagGlobal keeps the TLB entry across address-space switches.
	FlagGlobal = PageTableEntryFlag(1 << 8)

	// FlagOwned is one of the bits the architecture reserves for
	// software use. The address-space mapper sets it on every table and
	// leaf frame it allocated itself so that teardown can tell owned
	// structure apart from entries borrowed from the kernel's tables.
	FlagOwned = PageTableEntryFlag(1 << 9)

	// FlagNoExecute prevents instruction fetches from the mapped frame.
	// Only honored while EFER.NXE is set.
	FlagNoExecute = PageTableEntryFlag(1 << 63)
)
