// Package kfmt is the kernel's logging facility. Log output is produced as
// discrete records: each record carries an ANSI-coloured verbosity prefix,
// is formatted into a static buffer without touching the Go allocator, and
// reaches the serial console in a single write with interrupts masked so a
// preemption cannot tear it apart.
//
// Records logged before a console sink is registered accumulate in a small
// early-log buffer and are replayed once SetOutputSink is called.
package kfmt

import (
	"io"

	"kestrel/kernel/cpu"
)

// Verbosity grades log records. Lower values are more severe.
type Verbosity uint8

const (
	// VerbosityError marks conditions the kernel cannot recover from.
	VerbosityError Verbosity = iota

	// VerbosityWarn marks suspicious but survivable conditions.
	VerbosityWarn

	// VerbosityInfo marks boot milestones and state changes.
	VerbosityInfo

	// VerbosityTrace marks step-by-step progress detail.
	VerbosityTrace
)

// recordPrefixes holds the right-aligned, ANSI-coloured prefix injected
// before each record's message.
var recordPrefixes = [...]string{
	VerbosityError: " \x1b[31merror\x1b[0m ",
	VerbosityWarn:  "  \x1b[33mwarn\x1b[0m ",
	VerbosityInfo:  "  \x1b[36minfo\x1b[0m ",
	VerbosityTrace: " trace ",
}

// maxRecordSize bounds a single log record, prefix and newline included.
// Longer records are truncated.
const maxRecordSize = 256

var (
	// outputSink receives completed records. While it is nil, records
	// are diverted to the early-log buffer.
	outputSink io.Writer

	// maxVerbosity drops records graded above it before formatting.
	maxVerbosity = VerbosityTrace

	// recordBuf is the static assembly buffer for one record. The kernel
	// core is single-CPU, so no lock guards it.
	recordBuf [maxRecordSize]byte

	earlyLog earlyBuffer

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readRFlagsFn        = cpu.ReadRFlags
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// SetOutputSink registers w as the destination for log records and replays
// anything the early-log buffer accumulated so far.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w == nil {
		return
	}

	var chunk [64]byte
	for {
		n, err := earlyLog.Read(chunk[:])
		if n > 0 {
			w.Write(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

// GetOutputSink returns the io.Writer records are routed to. A nil return
// value means output still accumulates in the early-log buffer.
func GetOutputSink() io.Writer {
	return outputSink
}

// SetMaxVerbosity drops all records graded above v. The boot command line
// uses this to quiet the console.
func SetMaxVerbosity(v Verbosity) {
	maxVerbosity = v
}

// Error logs a record describing an unrecoverable condition.
func Error(format string, args ...interface{}) {
	emit(VerbosityError, format, args)
}

// Warn logs a record describing a suspicious but survivable condition.
func Warn(format string, args ...interface{}) {
	emit(VerbosityWarn, format, args)
}

// Info logs a record describing a boot milestone or state change.
func Info(format string, args ...interface{}) {
	emit(VerbosityInfo, format, args)
}

// Trace logs a record describing step-by-step progress.
func Trace(format string, args ...interface{}) {
	emit(VerbosityTrace, format, args)
}

// emit assembles prefix + message + newline in recordBuf and hands the
// completed record to the sink in one write. Interrupts are masked for the
// duration of the write when they were enabled on entry.
func emit(v Verbosity, format string, args []interface{}) {
	if v > maxVerbosity {
		return
	}

	n := copy(recordBuf[:], recordPrefixes[v])
	n += formatInto(recordBuf[n:], format, args)
	if n == len(recordBuf) {
		n--
	}
	recordBuf[n] = '\n'
	n++

	if outputSink == nil {
		earlyLog.Write(recordBuf[:n])
		return
	}

	restore := readRFlagsFn()&cpu.RFlagsIF != 0
	if restore {
		disableInterruptsFn()
	}

	outputSink.Write(recordBuf[:n])

	if restore {
		enableInterruptsFn()
	}
}

// fprintBuf is the static assembly buffer used by Fprintf so that dumps can
// run without the Go allocator.
var fprintBuf [maxRecordSize]byte

// Fprintf formats one line of raw output (no prefix, no implicit newline)
// and writes it to w. A nil w diverts the output to the early-log buffer.
// It is meant for register dumps and similar multi-line diagnostics that
// bypass the record grading.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	n := formatInto(fprintBuf[:], format, args)

	if w == nil {
		earlyLog.Write(fprintBuf[:n])
		return
	}
	w.Write(fprintBuf[:n])
}
