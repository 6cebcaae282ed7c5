package kfmt

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt
)

// Panic logs the supplied cause (if non-nil) at error verbosity and halts
// the CPU. Calls to Panic never return.
func Panic(e interface{}) {
	switch t := e.(type) {
	case *kernel.Error:
		Error("unrecoverable error in %s: %s", t.Module, t.Message)
	case string:
		Error("unrecoverable error: %s", t)
	case error:
		Error("unrecoverable error: %s", t.Error())
	}

	Error("kernel panic: system halted")
	cpuHaltFn()
}
