// Package proc contains the process abstraction and the loader for the
// first user program.
package proc

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
	"kestrel/kernel/mm/vmm"
)

const (
	// InitLoadAddress is the fixed virtual address the init image is
	// loaded at. Execution starts at its first byte.
	InitLoadAddress = uintptr(0x10_0000)

	// initStackSize is the size of the initial user stack.
	initStackSize = uintptr(64 * 1024)

	// initStackTop is the initial user stack pointer. The stack ends one
	// guard page below the image and grows down.
	initStackTop = InitLoadAddress - mm.PageSize
)

var (
	// sysretToFn is mocked by tests and is automatically inlined by the compiler.
	sysretToFn = cpu.SysretTo
)

// Process tracks the per-process state the kernel needs to schedule and
// resume it.
type Process struct {
	// AddressSpace holds the process's page tables. Releasing it returns
	// every frame the process owns.
	AddressSpace *vmm.AddressSpace

	// InstructionPointer is the saved user RIP. It is not updated in
	// real time while the process runs.
	InstructionPointer uintptr

	// StackPointer is the saved user RSP.
	StackPointer uintptr
}

// SpawnInit builds the address space for the init process: the kernel's
// higher-half entries are shared in, the flat binary image is copied to
// InitLoadAddress and a fresh stack is mapped below it.
func SpawnInit(alloc *pmm.PageAllocator, image []byte) (*Process, *kernel.Error) {
	kfmt.Info("[proc] loading init program (%d bytes)", len(image))

	as, err := vmm.NewAddressSpace(alloc)
	if err != nil {
		return nil, err
	}

	as.MapKernel()

	userFlags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible

	if err = as.Load(InitLoadAddress, image, userFlags); err != nil {
		as.Release()
		return nil, err
	}

	if err = as.AllocateRegion(initStackTop-initStackSize, int(initStackSize>>mm.PageShift), userFlags); err != nil {
		as.Release()
		return nil, err
	}

	return &Process{
		AddressSpace:       as,
		InstructionPointer: InitLoadAddress,
		StackPointer:       initStackTop,
	}, nil
}

// Run switches to the process's address space and drops to ring 3 at its
// saved instruction pointer. It never returns.
func (p *Process) Run() {
	kfmt.Info("[proc] entering ring 3 at 0x%x", uint64(p.InstructionPointer))

	p.AddressSpace.Switch()
	sysretToFn(p.InstructionPointer, p.StackPointer)
}
