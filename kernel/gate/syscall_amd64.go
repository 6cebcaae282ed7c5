package gate

import (
	"kestrel/kernel/kfmt"
)

// SysResult is the single machine word every system call returns in the
// first return register. Values at or above FirstError encode an error kind;
// everything below is a success payload.
type SysResult uintptr

// FirstError is the smallest SysResult value that encodes an error. The top
// 4096 values of the unsigned range are reserved for error kinds.
const FirstError = ^uintptr(0) - 4095

// Error kinds encoded in a SysResult.
const (
	// SysErrInvalidArgument flags an argument (including the call number
	// itself) the kernel refuses to act on.
	SysErrInvalidArgument = SysResult(FirstError + 0)

	// SysErrNotImplemented flags a recognized call whose body has not
	// been built yet.
	SysErrNotImplemented = SysResult(FirstError + 1)
)

// IsError returns true when this result encodes an error kind.
func (r SysResult) IsError() bool {
	return uintptr(r) >= FirstError
}

// SyscallFn is the calling convention shared by all system call bodies:
// three uninterpreted word arguments in, one SysResult out.
type SyscallFn func(arg0, arg1, arg2 uintptr) SysResult

// syscallTable is the fixed dispatch table indexed by call number. Its
// length bounds the valid call numbers; the dispatcher never indexes past
// it.
var syscallTable = [...]SyscallFn{
	sysRing0,
	sysTerminate,
}

// dispatchSyscall is called by the SYSCALL trampoline with the call number
// and the three argument registers. Numbers beyond the table produce
// SysErrInvalidArgument without touching the table.
func dispatchSyscall(num, arg0, arg1, arg2 uintptr) SysResult {
	if num >= uintptr(len(syscallTable)) {
		return SysErrInvalidArgument
	}

	return syscallTable[num](arg0, arg1, arg2)
}

// sysRing0 invokes the function at fnAddr with data as its only argument,
// without leaving ring 0. Handing the kernel a function to run is the
// cheapest possible escape hatch for the early user runtime; the trust model
// is explicitly "the init process is part of the TCB".
func sysRing0(data, fnAddr, _ uintptr) SysResult {
	kfmt.Trace("[gate] system call: ring0(0x%x, 0x%x)", uint64(data), uint64(fnAddr))

	if fnAddr == 0 {
		return SysErrInvalidArgument
	}

	callRing0Fn(fnAddr, data)
	return SysResult(0)
}

// sysTerminate tears down the calling process.
func sysTerminate(process, _, _ uintptr) SysResult {
	kfmt.Trace("[gate] system call: terminate(0x%x)", uint64(process))

	// TODO: unlink the process from the scheduler queue once the
	// scheduler moves past the prototype stage.
	return SysErrNotImplemented
}

// callRing0 transfers control to fnAddr with data in the first argument
// register, staying at the current privilege level.
func callRing0(fnAddr, data uintptr)

// callRing0Fn is mocked by tests and is automatically inlined by the
// compiler.
var callRing0Fn = callRing0

// syscallEntry is the SYSCALL target installed in the LSTAR register. It
// saves the user return address (RCX) and flags (R11), bounds-checks the
// call number and indirects through syscallTable via dispatchSyscall,
// then returns to ring 3 with SYSRET.
func syscallEntry()
