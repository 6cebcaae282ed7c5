// Package lapic configures the CPU's local interrupt controller and its
// preemption timer.
package lapic

import (
	"unsafe"

	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
)

// Register offsets within the LAPIC MMIO window.
const (
	regEOI          = 0x0b0
	regSpurious     = 0x0f0
	regLVTTimer     = 0x320
	regTimerInitial = 0x380
	regTimerDivide  = 0x3e0
)

const (
	// apicBaseMask extracts the MMIO base from the IA32_APIC_BASE MSR.
	apicBaseMask = 0xffff_f000

	// apicGlobalEnable hardware-enables the LAPIC via the base MSR.
	apicGlobalEnable = 1 << 11

	// spuriousVector is the vector programmed into the spurious interrupt
	// register; bit 8 software-enables the LAPIC.
	spuriousVector = 39
	softwareEnable = 1 << 8

	// timerVector is the vector the timer fires on; bit 17 selects
	// periodic mode.
	timerVector   = 32
	timerPeriodic = 1 << 17

	// timerDivide16 selects a divide-by-16 configuration for the timer
	// clock.
	timerDivide16 = 0x3

	// timerInitialCount is the period in (divided) bus clock ticks.
	timerInitialCount = 10_000_000
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readMSRFn  = cpu.ReadMSR
	writeMSRFn = cpu.WriteMSR

	regReadFn  = regRead
	regWriteFn = regWrite
)

// mmioBase holds the virtual address of the LAPIC register window. With the
// kernel's identity-mapped tables the physical base is directly
// dereferenceable.
var mmioBase uintptr

func regRead(offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(mmioBase + offset))
}

func regWrite(offset uintptr, value uint32) {
	*(*uint32)(unsafe.Pointer(mmioBase + offset)) = value
}

// Configure hardware-enables the local APIC, programs the spurious vector
// and starts the periodic preemption timer. It must run after the IDT is
// installed and before interrupts are enabled.
func Configure() {
	base := readMSRFn(cpu.MSRApicBase)
	mmioBase = uintptr(base & apicBaseMask)

	kfmt.Trace("[lapic] MMIO window at 0x%x", uint64(mmioBase))

	// Reloading the base MSR with the enable bit set hardware-enables
	// the LAPIC in its current location.
	writeMSRFn(cpu.MSRApicBase, base|apicGlobalEnable)

	regWriteFn(regSpurious, spuriousVector|softwareEnable)

	regWriteFn(regTimerDivide, timerDivide16)
	regWriteFn(regLVTTimer, timerVector|timerPeriodic)
	regWriteFn(regTimerInitial, timerInitialCount)
}

// AckInterrupt signals end-of-interrupt for the in-service interrupt. Timer
// handlers must call it before returning or no further timer interrupts are
// delivered.
func AckInterrupt() {
	regWriteFn(regEOI, 0)
}
