// Package kmain contains the kernel bootstrap driver.
package kmain

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gate"
	"kestrel/kernel/hal"
	"kestrel/kernel/hal/bootinfo"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/lapic"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
	"kestrel/kernel/mm/slab"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/proc"
	"kestrel/kernel/sysinfo"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// ticks counts LAPIC timer interrupts. The timer handler advances the
	// prototype scheduler on every tick alongside this counter.
	ticks uint64

	scheduler proc.Scheduler

	// SmallObjectAllocator serves kernel-internal allocations of up to
	// one page. Interrupt handlers must not use it.
	SmallObjectAllocator *slab.Allocator
)

// Kmain is the kernel entrypoint. It is called by main in the root package
// (boot.go) once the rt0 code has switched from the bootloader's temporary
// stack to the static kernel stack; main passes along the kernel image
// bounds that the linker script places in absolute symbols.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(kernelImageStart, kernelImageEnd uintptr) {
	// Bring up the serial console first so every later step can complain.
	hal.DetectHardware()
	gate.LoggerInstalled()

	if bootinfo.GetBootCmdLine()["quiet"] != "" {
		kfmt.SetMaxVerbosity(kfmt.VerbosityWarn)
	}

	if name, version, ok := bootinfo.BootloaderIdent(); ok {
		kfmt.Info("[kmain] loaded by '%s' (v%s)", name, version)
	} else {
		kfmt.Info("[kmain] loaded by an unidentified bootloader")
	}

	if !bootinfo.HaveEntryPointResponse() {
		kfmt.Warn("[kmain] the bootloader did not acknowledge the entry point request")
		kfmt.Warn("[kmain]   > this is just a sanity check; the bootloader might be corrupted")
	}

	kernelPhys, kernelVirt, ok := bootinfo.KernelAddress()
	if !ok {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "the bootloader did not provide the kernel address"})
	}

	hhdmOffset, ok := bootinfo.HHDMOffset()
	if !ok {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "the bootloader did not provide the HHDM offset"})
	}

	if !bootinfo.HaveMemoryMap() {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "the bootloader did not provide a memory map"})
	}

	initImage := bootinfo.FindModule("nd_init")
	if initImage == nil {
		kfmt.Error("[kmain] an `nd_init` module is expected along with the kernel")
		kfmt.Error("[kmain] check your bootloader config; example:")
		kfmt.Error("[kmain]")
		kfmt.Error("[kmain]     PROTOCOL=limine")
		kfmt.Error("[kmain]     KERNEL_PATH=boot:///kestrel")
		kfmt.Error("[kmain]     MODULE_PATH=boot:///nd_init")
		kfmt.Error("[kmain]")
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "nd_init module missing"})
	}

	if kernelVirt != kernelImageStart {
		kfmt.Error("[kmain] the kernel was not loaded at the expected address")
		kfmt.Error("[kmain]   > expected: 0x%16x", uint64(kernelImageStart))
		kfmt.Error("[kmain]   > actual:   0x%16x", uint64(kernelVirt))
		kfmt.Error("[kmain] how is this code even running?")
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "bootloader/linker address mismatch"})
	}

	sysTok, err := sysinfo.Init(sysinfo.Record{
		KernelPhysAddr:    kernelPhys,
		KernelVirtAddr:    kernelVirt,
		KernelVirtEndAddr: kernelImageEnd,
		HHDMOffset:        hhdmOffset,
	})
	if err != nil {
		kfmt.Panic(err)
	}

	kfmt.Info("[kmain] kernel image at phys 0x%x, virt 0x%x (%d bytes)",
		uint64(sysTok.Get().KernelPhysAddr), uint64(sysTok.Get().KernelVirtAddr), uint64(sysTok.KernelSize()))

	prov := pmm.NewPageProvider(func(visit pmm.SegmentVisitor) {
		bootinfo.VisitUsableRegions(func(seg mm.MemorySegment) bool { return visit(seg) })
	})

	// Build and install the kernel's own tables. While they are under
	// construction the bootloader's HHDM is the only way to touch fresh
	// frames; afterwards low physical memory is identity mapped and the
	// direct-map offset drops to zero.
	if _, err := vmm.SetupPaging(
		prov,
		func(physAddr uintptr) uintptr { return physAddr + hhdmOffset },
		bootinfo.PhysicalMemoryUpperBound(),
		kernelPhys,
		kernelVirt,
		kernelImageEnd-kernelImageStart,
	); err != nil {
		kfmt.Error("[kmain] not enough memory to set up paging")
		kfmt.Panic(err)
	}

	allocTok, err := pmm.Init(pmm.NewPageAllocator(prov, 0))
	if err != nil {
		kfmt.Panic(err)
	}

	SmallObjectAllocator = slab.NewAllocator(allocTok.Allocator())

	gate.InstallExceptionHandlers()
	gate.HandleInterrupt(gate.LAPICTimerInterrupt, timerInterruptHandler)
	gate.HandleInterrupt(gate.LAPICSpuriousInterrupt, spuriousInterruptHandler)

	gate.InstallGDT()
	gate.InstallIDT()
	gate.EnableSyscall()

	lapic.Configure()
	cpu.EnableInterrupts()

	initProcess, err := proc.SpawnInit(allocTok.Allocator(), initImage)
	if err != nil {
		if err == vmm.ErrAlreadyMapped {
			// Nothing is mapped below the kernel half in a fresh
			// address space; overlapping the init image means the
			// loader itself is broken.
			kfmt.Error("[kmain] something is already mapped at the init process address")
		} else {
			kfmt.Error("[kmain] not enough physical memory to load nd_init")
		}
		kfmt.Panic(err)
	}

	initProcess.Run()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// timerInterruptHandler drives preemption. Until more than one process
// exists it only advances the tick counter and the prototype scheduler.
func timerInterruptHandler(_ *gate.Registers) {
	ticks++
	scheduler.Tick()
	lapic.AckInterrupt()
}

// spuriousInterruptHandler ignores spurious LAPIC interrupts. No EOI is
// sent for them.
func spuriousInterruptHandler(_ *gate.Registers) {}
