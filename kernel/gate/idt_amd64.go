package gate

import (
	"kestrel/kernel/kfmt"
)

// doubleFaultISTIndex is the interrupt stack table slot reserved for the
// double-fault handler.
const doubleFaultISTIndex = uint8(1)

// InterruptHandler processes one exception or hardware interrupt. Mutations
// of the register snapshot are propagated back to the interrupted context
// when the handler returns.
type InterruptHandler func(*Registers)

// interruptHandlers routes dispatched vectors to their registered handlers.
var interruptHandlers [256]InterruptHandler

// HandleInterrupt ensures that the provided handler is invoked when the
// given vector fires. Registration may happen before or after InstallIDT:
// dispatch looks the handler up in the handler table when the interrupt
// arrives.
func HandleInterrupt(intNumber InterruptNumber, handler InterruptHandler) {
	interruptHandlers[intNumber] = handler
}

// installVectors populates the IDT. Exception vectors 0-31 with an entry
// stub become ring-0 trap gates; the double fault additionally switches to
// its dedicated IST stack. The LAPIC timer and spurious vectors use
// interrupt gates so that the handler runs with interrupts masked. Vectors
// without a stub stay null.
func installVectors() {
	for vector := 0; vector < 32; vector++ {
		stub := vectorStub(uint8(vector))
		if stub == 0 {
			continue
		}

		istIndex := uint8(0)
		if InterruptNumber(vector) == DoubleFault {
			istIndex = doubleFaultISTIndex
		}

		globalIDT[vector] = NewGateDescriptor(stub, KernelCodeSelector, istIndex, GateTrap, Ring0)
	}

	for _, vector := range []InterruptNumber{LAPICTimerInterrupt, LAPICSpuriousInterrupt} {
		if stub := vectorStub(uint8(vector)); stub != 0 {
			globalIDT[vector] = NewGateDescriptor(stub, KernelCodeSelector, 0, GateInterrupt, Ring0)
		}
	}
}

// dispatchInterrupt is invoked by the vector entry stubs with a snapshot of
// the interrupted context. Vectors without a registered handler log a
// diagnostic and halt: taking an unexpected exception this early leaves
// nothing to recover.
func dispatchInterrupt(regs *Registers) {
	if handler := interruptHandlers[regs.Info&0xff]; handler != nil {
		handler(regs)
		return
	}

	kfmt.Error("[gate] unhandled interrupt vector %d (code=%x)", regs.Info, regs.ExceptionCode)
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(nil)
}

// vectorStub returns the address of the assembly entry stub for the given
// vector, or 0 when the vector has no stub.
func vectorStub(vector uint8) uintptr

// syscallEntryAddr returns the address of the SYSCALL dispatch trampoline.
func syscallEntryAddr() uintptr
