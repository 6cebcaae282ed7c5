package uart

import (
	"testing"

	"kestrel/kernel/cpu"
)

type portOp struct {
	port  uint16
	value uint8
}

func TestDriverInitProgramsThePort(t *testing.T) {
	defer func() {
		portWriteFn = cpu.PortWriteByte
		portReadFn = cpu.PortReadByte
	}()

	var (
		writes   []portOp
		loopback uint8
	)

	portWriteFn = func(port uint16, value uint8) {
		writes = append(writes, portOp{port, value})
		if port == COM1+regData {
			loopback = value
		}
	}
	portReadFn = func(port uint16) uint8 {
		if port == COM1+regData {
			return loopback
		}
		return 0
	}

	dev := &Device{port: COM1}
	if err := dev.DriverInit(nil); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}

	exp := []portOp{
		{COM1 + regInterruptEna, 0x00},
		{COM1 + regLineControl, lineControlDLAB},
		{COM1 + regData, divisor38400},
		{COM1 + regInterruptEna, 0x00},
		{COM1 + regLineControl, lineControl8N1},
		{COM1 + regFIFOControl, fifoEnableAndClear},
		{COM1 + regModemControl, modemLoopback},
		{COM1 + regData, 0xae},
		{COM1 + regModemControl, modemReady},
	}

	if len(writes) != len(exp) {
		t.Fatalf("expected %d port writes; got %d", len(exp), len(writes))
	}
	for i := range exp {
		if writes[i] != exp[i] {
			t.Errorf("[write %d] expected %+v; got %+v", i, exp[i], writes[i])
		}
	}
}

func TestDriverInitSelfTestFailure(t *testing.T) {
	defer func() {
		portWriteFn = cpu.PortWriteByte
		portReadFn = cpu.PortReadByte
	}()

	portWriteFn = func(uint16, uint8) {}
	portReadFn = func(uint16) uint8 { return 0xff }

	dev := &Device{port: COM1}
	if err := dev.DriverInit(nil); err != errSelfTestFailed {
		t.Fatalf("expected the loopback self test to fail; got %v", err)
	}
}

func TestWriteWaitsForTransmitEmpty(t *testing.T) {
	defer func() {
		portWriteFn = cpu.PortWriteByte
		portReadFn = cpu.PortReadByte
	}()

	var (
		sent     []uint8
		lsrPolls int
	)

	portWriteFn = func(port uint16, value uint8) {
		if port == COM1+regData {
			sent = append(sent, value)
		}
	}
	portReadFn = func(port uint16) uint8 {
		if port == COM1+regLineStatus {
			lsrPolls++
			// Report a busy transmitter on every other poll.
			if lsrPolls%2 == 1 {
				return 0
			}
			return lineStatusTxEmpty
		}
		return 0
	}

	dev := &Device{port: COM1}
	n, err := dev.Write([]byte("ok\n"))
	if err != nil || n != 3 {
		t.Fatalf("expected to write 3 bytes; got n=%d err=%v", n, err)
	}

	if string(sent) != "ok\n" {
		t.Fatalf("expected the bytes to reach the data port in order; got %q", string(sent))
	}
	if lsrPolls < 3 {
		t.Fatalf("expected the line status register to be polled per byte; got %d polls", lsrPolls)
	}
}
