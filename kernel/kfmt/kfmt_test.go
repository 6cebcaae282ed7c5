package kfmt

import (
	"bytes"
	"strings"
	"testing"

	"kestrel/kernel/cpu"
)

func resetLogger() {
	outputSink = nil
	maxVerbosity = VerbosityTrace
	earlyLog = earlyBuffer{}
	readRFlagsFn = cpu.ReadRFlags
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn = cpu.EnableInterrupts
}

func TestRecordPrefixAndNewline(t *testing.T) {
	defer resetLogger()
	resetLogger()

	var buf bytes.Buffer
	SetOutputSink(&buf)
	readRFlagsFn = func() uint64 { return 0 }

	specs := []struct {
		logFn     func(string, ...interface{})
		expPrefix string
	}{
		{Error, recordPrefixes[VerbosityError]},
		{Warn, recordPrefixes[VerbosityWarn]},
		{Info, recordPrefixes[VerbosityInfo]},
		{Trace, recordPrefixes[VerbosityTrace]},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		spec.logFn("value %d", 42)

		if exp, got := spec.expPrefix+"value 42\n", buf.String(); got != exp {
			t.Errorf("[spec %d] expected record %q; got %q", specIndex, exp, got)
		}
	}
}

func TestVerbosityFilter(t *testing.T) {
	defer resetLogger()
	resetLogger()

	var buf bytes.Buffer
	SetOutputSink(&buf)
	readRFlagsFn = func() uint64 { return 0 }

	SetMaxVerbosity(VerbosityWarn)

	Trace("dropped")
	Info("dropped")
	Warn("kept")
	Error("kept")

	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Fatalf("expected 2 records to pass the filter; got %d:\n%q", got, buf.String())
	}
	if strings.Contains(buf.String(), "dropped") {
		t.Fatal("expected info/trace records to be dropped")
	}
}

func TestInterruptMaskingAroundRecord(t *testing.T) {
	defer resetLogger()
	resetLogger()

	var events []string
	sink := writerFunc(func(p []byte) (int, error) {
		events = append(events, "write")
		return len(p), nil
	})

	outputSink = sink
	readRFlagsFn = func() uint64 { return cpu.RFlagsIF }
	disableInterruptsFn = func() { events = append(events, "cli") }
	enableInterruptsFn = func() { events = append(events, "sti") }

	Info("one record")

	if exp := []string{"cli", "write", "sti"}; !equalStrings(events, exp) {
		t.Fatalf("expected the record write to be bracketed by cli/sti; got %v", events)
	}

	// With interrupts already disabled nothing must be toggled.
	events = nil
	readRFlagsFn = func() uint64 { return 0 }

	Info("another record")

	if exp := []string{"write"}; !equalStrings(events, exp) {
		t.Fatalf("expected no interrupt toggling while interrupts are off; got %v", events)
	}
}

func TestEarlyLogReplay(t *testing.T) {
	defer resetLogger()
	resetLogger()

	Info("buffered %d", 1)
	Info("buffered %d", 2)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := strings.Count(buf.String(), "buffered"); got != 2 {
		t.Fatalf("expected both early records to be replayed; got %d", got)
	}

	readRFlagsFn = func() uint64 { return 0 }
	Info("live")

	if !strings.HasSuffix(buf.String(), "live\n") {
		t.Fatalf("expected post-replay records to go straight to the sink; got %q", buf.String())
	}
}

func TestRecordTruncation(t *testing.T) {
	defer resetLogger()
	resetLogger()

	var buf bytes.Buffer
	SetOutputSink(&buf)
	readRFlagsFn = func() uint64 { return 0 }

	Info("%s", strings.Repeat("x", 2*maxRecordSize))

	record := buf.String()
	if len(record) != maxRecordSize {
		t.Fatalf("expected the record to be capped at %d bytes; got %d", maxRecordSize, len(record))
	}
	if record[len(record)-1] != '\n' {
		t.Fatal("expected the truncated record to still end in a newline")
	}
}

func TestFprintf(t *testing.T) {
	defer resetLogger()
	resetLogger()

	var buf bytes.Buffer
	Fprintf(&buf, "RIP = %16x\n", uint64(0x100000))

	if exp := "RIP = 0000000000100000\n"; buf.String() != exp {
		t.Fatalf("expected %q; got %q", exp, buf.String())
	}

	// A nil writer diverts to the early-log buffer.
	Fprintf(nil, "early dump")

	var sink bytes.Buffer
	SetOutputSink(&sink)
	if !strings.Contains(sink.String(), "early dump") {
		t.Fatalf("expected the nil-writer output to be replayed; got %q", sink.String())
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
