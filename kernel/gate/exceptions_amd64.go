package gate

import (
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
)

var (
	// readCR2Fn is mocked by tests and is automatically inlined by the compiler.
	readCR2Fn = cpu.ReadCR2
)

// exceptionNames maps exception vectors to human readable descriptions used
// in halt diagnostics.
var exceptionNames = [32]string{
	DivideByZero:               "divide by zero",
	Debug:                      "debug trap",
	NMI:                        "non-maskable interrupt",
	Breakpoint:                 "breakpoint",
	Overflow:                   "overflow",
	BoundRangeExceeded:         "bound range exceeded",
	InvalidOpcode:              "invalid opcode",
	DeviceNotAvailable:         "device not available",
	DoubleFault:                "double fault",
	InvalidTSS:                 "invalid TSS",
	SegmentNotPresent:          "segment not present",
	StackSegmentFault:          "stack segment fault",
	GPFException:               "general protection fault",
	PageFaultException:         "page fault",
	FloatingPointException:     "x87 floating point exception",
	AlignmentCheck:             "alignment check",
	MachineCheck:               "machine check",
	SIMDFloatingPointException: "SIMD floating point exception",
	VirtualizationException:    "virtualization exception",
	ControlProtectionException: "control protection exception",
	SecurityException:          "security exception",
}

// InstallExceptionHandlers registers the default handler for every exception
// vector the IDT wires up. None of them recover: until user-mode fault
// handling exists, any exception is a kernel bug and the most useful
// response is a register dump followed by a halt.
func InstallExceptionHandlers() {
	for vector := InterruptNumber(0); vector < 32; vector++ {
		if exceptionNames[vector] != "" {
			HandleInterrupt(vector, haltingExceptionHandler)
		}
	}

	HandleInterrupt(PageFaultException, pageFaultHandler)
	HandleInterrupt(DoubleFault, doubleFaultHandler)
}

func haltingExceptionHandler(regs *Registers) {
	name := "unknown exception"
	if regs.Info < 32 && exceptionNames[regs.Info] != "" {
		name = exceptionNames[regs.Info]
	}

	kfmt.Error("[gate] %s at RIP 0x%16x (code=%x)", name, regs.RIP, regs.ExceptionCode)
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(nil)
}

// pageFaultReason decodes the architectural error code pushed for a page
// fault.
func pageFaultReason(code uint64) string {
	switch code {
	case 0:
		return "read from non-present page"
	case 1:
		return "page protection violation (read)"
	case 2:
		return "write to non-present page"
	case 3:
		return "page protection violation (write)"
	case 4:
		return "page fault in user mode"
	case 8:
		return "page table has reserved bit set"
	case 16:
		return "instruction fetch"
	default:
		return "unknown"
	}
}

func pageFaultHandler(regs *Registers) {
	faultAddress := readCR2Fn()

	kfmt.Error("[gate] page fault while accessing address 0x%16x: %s",
		faultAddress, pageFaultReason(regs.ExceptionCode))

	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(nil)
}

// doubleFaultHandler runs on its own IST stack so that it can report kernel
// stack overflows. A double fault is always fatal.
func doubleFaultHandler(regs *Registers) {
	kfmt.Error("[gate] double fault at RIP 0x%16x RSP 0x%16x", regs.RIP, regs.RSP)
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(nil)
}
