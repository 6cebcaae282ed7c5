package gate

import (
	"unsafe"

	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
)

// Well-known GDT selectors. The descriptor order is load bearing: SYSCALL
// loads CS/SS from the kernel STAR base (kernel-code, kernel-data) while
// SYSRET loads them from the user STAR base plus 8 and 16 (user-data,
// user-code).
var (
	KernelCodeSelector = NewSegmentSelector(1, Ring0)
	KernelDataSelector = NewSegmentSelector(2, Ring0)
	UserDataSelector   = NewSegmentSelector(3, Ring3)
	UserCodeSelector   = NewSegmentSelector(4, Ring3)
	TSSSelector        = NewSegmentSelector(5, Ring0)

	// syscallStarUserBase is the selector base programmed into the high
	// word of the STAR register: user-data sits at base+8 and user-code
	// at base+16.
	syscallStarUserBase = NewSegmentSelector(2, Ring3)
)

// gdt is the global descriptor table. The TSS descriptor takes two slots.
type gdt struct {
	null       SegmentDescriptor
	kernelCode SegmentDescriptor
	kernelData SegmentDescriptor
	userData   SegmentDescriptor
	userCode   SegmentDescriptor
	tss        TaskSegmentDescriptor
}

const (
	kernelStackSize      = 4096 * 4
	doubleFaultStackSize = 4096 * 2
)

var (
	// kernelStack is installed as the ring-0 stack the CPU switches to
	// when an interrupt arrives while user code runs.
	kernelStack [kernelStackSize]byte

	// doubleFaultStack is a dedicated IST stack for the double-fault
	// handler so that a kernel stack overflow cannot re-fault while the
	// CPU pushes the exception frame.
	doubleFaultStack [doubleFaultStackSize]byte

	globalGDT gdt
	globalTSS Tss
	globalIDT [256]GateDescriptor

	gdtPtr tablePtr
	idtPtr tablePtr
)

// initStep tracks the one-shot CPU initialization state machine.
type initStep uint8

const (
	stepInitial initStep = iota
	stepLogger
	stepGDT
	stepIDT
	stepSyscall
	stepReady
)

var (
	currentStep = stepInitial

	errInitOrder = &kernel.Error{Module: "gate", Message: "table installation steps executed out of order"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadGDTFn          = cpu.LoadGDT
	loadIDTFn          = cpu.LoadIDT
	loadTaskRegisterFn = cpu.LoadTaskRegister
	reloadSegmentsFn   = cpu.ReloadSegments
	readMSRFn          = cpu.ReadMSR
	writeMSRFn         = cpu.WriteMSR
	panicFn            = kfmt.Panic
)

// advance moves the initialization state machine one step forward. Running a
// step twice or out of order is a bootstrap bug.
func advance(from, to initStep) {
	if currentStep != from {
		panicFn(errInitOrder)
	}
	currentStep = to
}

// LoggerInstalled records that the serial logger is up, unlocking the table
// installation steps.
func LoggerInstalled() {
	advance(stepInitial, stepLogger)
}

// InstallGDT builds the descriptor table, wires the TSS stacks and loads
// everything into the CPU. It must run exactly once, after the logger is
// installed.
func InstallGDT() {
	advance(stepLogger, stepGDT)

	kfmt.Trace("[gate] installing GDT and TSS")

	globalTSS.SetStackPointer(Ring0, uintptr(unsafe.Pointer(&kernelStack))+kernelStackSize)
	globalTSS.SetInterruptStack(doubleFaultISTIndex, uintptr(unsafe.Pointer(&doubleFaultStack))+doubleFaultStackSize)
	globalTSS.DisableIOBitmap()

	globalGDT = gdt{
		kernelCode: NewCodeSegmentDescriptor(Ring0),
		kernelData: NewDataSegmentDescriptor(Ring0),
		userData:   NewDataSegmentDescriptor(Ring3),
		userCode:   NewCodeSegmentDescriptor(Ring3),
		tss: NewTaskSegmentDescriptor(
			uintptr(unsafe.Pointer(&globalTSS)),
			uint32(unsafe.Sizeof(globalTSS))-1,
		),
	}

	gdtPtr = newTablePtr(
		uintptr(unsafe.Pointer(&globalGDT)),
		uint16(unsafe.Sizeof(globalGDT))-1,
	)

	loadGDTFn(uintptr(unsafe.Pointer(&gdtPtr)))
	reloadSegmentsFn(uint16(KernelCodeSelector), uint16(KernelDataSelector))
	loadTaskRegisterFn(uint16(TSSSelector))
}

// InstallIDT wires the exception vectors and the LAPIC interrupt gates and
// loads the table into the CPU. It must run exactly once, after InstallGDT.
func InstallIDT() {
	advance(stepGDT, stepIDT)

	kfmt.Trace("[gate] installing IDT")

	installVectors()

	idtPtr = newTablePtr(
		uintptr(unsafe.Pointer(&globalIDT)),
		uint16(unsafe.Sizeof(globalIDT))-1,
	)

	loadIDTFn(uintptr(unsafe.Pointer(&idtPtr)))
}

// EnableSyscall switches on the SYSCALL/SYSRET instruction pair and points
// it at the dispatch trampoline. It must run exactly once, after InstallIDT.
func EnableSyscall() {
	advance(stepIDT, stepSyscall)

	kfmt.Trace("[gate] enabling SYSCALL dispatch")

	writeMSRFn(cpu.MSREfer, readMSRFn(cpu.MSREfer)|cpu.EferSyscallEnable)
	writeMSRFn(cpu.MSRStar,
		uint64(KernelCodeSelector)<<32|uint64(syscallStarUserBase)<<48)
	writeMSRFn(cpu.MSRLstar, uint64(syscallEntryAddr()))

	advance(stepSyscall, stepReady)
}

// Ready returns true once every installation step has completed.
func Ready() bool {
	return currentStep == stepReady
}
