package cpu

var (
	cpuidFn = ID
)

// Model-specific registers used by the kernel.
const (
	// MSREfer is the extended feature enable register. Bit 0 (SCE) gates
	// the SYSCALL/SYSRET instruction pair.
	MSREfer = uint32(0xc0000080)

	// MSRStar holds the segment selector bases loaded by SYSCALL (bits
	// 32-47) and SYSRET (bits 48-63).
	MSRStar = uint32(0xc0000081)

	// MSRLstar holds the 64-bit target RIP for SYSCALL.
	MSRLstar = uint32(0xc0000082)

	// MSRSfmask selects the RFLAGS bits cleared on SYSCALL entry.
	MSRSfmask = uint32(0xc0000084)

	// MSRApicBase holds the physical base of the local APIC MMIO window.
	MSRApicBase = uint32(0x1b)
)

// EferSyscallEnable is the SCE bit of the EFER register.
const EferSyscallEnable = uint64(1 << 0)

// RFlagsIF is the interrupt-enable flag in the RFLAGS register.
const RFlagsIF = uint64(1 << 9)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// ReadRFlags returns the current contents of the RFLAGS register.
func ReadRFlags() uint64

// Halt masks interrupts and parks the CPU in an indefinite low-power wait
// loop. It never returns.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table register to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// PortWriteByte writes value to the given I/O port.
func PortWriteByte(port uint16, value uint8)

// PortReadByte returns the byte read from the given I/O port.
func PortReadByte(port uint16) uint8

// ReadMSR returns the contents of the given model-specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR writes value to the given model-specific register.
func WriteMSR(msr uint32, value uint64)

// LoadGDT loads the GDT descriptor at the given address into the CPU. The
// address must point to a {limit uint16; base uint64} table pointer layout.
func LoadGDT(descriptorPtr uintptr)

// LoadIDT loads the IDT descriptor at the given address into the CPU.
func LoadIDT(descriptorPtr uintptr)

// LoadTaskRegister loads the TSS selector into the task register.
func LoadTaskRegister(selector uint16)

// ReloadSegments reloads CS with the given code selector (via a far return)
// and the data segment registers with the given data selector.
func ReloadSegments(codeSelector, dataSelector uint16)

// SysretTo drops to ring 3, setting the instruction pointer to rip and the
// stack pointer to rsp. The user code/stack selectors are taken from the
// STAR register contents installed during table setup. It never returns.
func SysretTo(rip, rsp uintptr)

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
