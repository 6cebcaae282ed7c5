package kfmt

import "io"

// earlyBufferSize bounds the bytes retained before a console sink exists.
// It must be a power of two; when the bootstrap log outgrows it, the oldest
// bytes are dropped so the most recent diagnostics survive.
const earlyBufferSize = 2048

// earlyBuffer retains the tail of the log produced before the serial
// console comes up. It tracks absolute byte offsets instead of wrapping
// indices: written counts every byte ever logged, drained every byte ever
// replayed, and the window [written-earlyBufferSize, written) is what the
// backing array currently holds.
type earlyBuffer struct {
	data    [earlyBufferSize]byte
	written uint64
	drained uint64
}

// Write appends p, discarding the oldest retained bytes on overflow. It
// never fails.
func (b *earlyBuffer) Write(p []byte) (int, error) {
	for _, c := range p {
		b.data[b.written&(earlyBufferSize-1)] = c
		b.written++
	}

	// Anything the window slid past is gone for good.
	if b.written-b.drained > earlyBufferSize {
		b.drained = b.written - earlyBufferSize
	}

	return len(p), nil
}

// Read copies retained bytes into p in logging order, consuming them. It
// returns io.EOF once the buffer is empty.
func (b *earlyBuffer) Read(p []byte) (int, error) {
	if b.drained == b.written {
		return 0, io.EOF
	}

	var n int
	for n < len(p) && b.drained < b.written {
		p[n] = b.data[b.drained&(earlyBufferSize-1)]
		b.drained++
		n++
	}

	return n, nil
}
