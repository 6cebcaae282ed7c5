package kfmt

import (
	"io"
	"strings"
	"testing"
)

func drain(t *testing.T, b *earlyBuffer) string {
	t.Helper()

	var (
		out   strings.Builder
		chunk [16]byte
	)
	for {
		n, err := b.Read(chunk[:])
		out.Write(chunk[:n])
		if err == io.EOF {
			return out.String()
		}
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
	}
}

func TestEarlyBufferRoundTrip(t *testing.T) {
	var b earlyBuffer

	b.Write([]byte("first "))
	b.Write([]byte("second"))

	if got := drain(t, &b); got != "first second" {
		t.Fatalf("expected buffered bytes in order; got %q", got)
	}

	// Draining consumes: a second read hits EOF immediately.
	if n, err := b.Read(make([]byte, 4)); n != 0 || err != io.EOF {
		t.Fatalf("expected a drained buffer to report EOF; got n=%d err=%v", n, err)
	}
}

func TestEarlyBufferKeepsMostRecentOnOverflow(t *testing.T) {
	var b earlyBuffer

	// Overfill by half a buffer; the first half of the oldest write must
	// be discarded.
	old := strings.Repeat("o", earlyBufferSize)
	recent := strings.Repeat("r", earlyBufferSize/2)
	b.Write([]byte(old))
	b.Write([]byte(recent))

	got := drain(t, &b)
	if len(got) != earlyBufferSize {
		t.Fatalf("expected the buffer to retain exactly %d bytes; got %d", earlyBufferSize, len(got))
	}
	if exp := strings.Repeat("o", earlyBufferSize/2) + recent; got != exp {
		t.Fatal("expected the oldest bytes to be discarded and the most recent retained")
	}
}

func TestEarlyBufferInterleavedReadWrite(t *testing.T) {
	var b earlyBuffer

	b.Write([]byte("abc"))

	var chunk [2]byte
	if n, _ := b.Read(chunk[:]); n != 2 || string(chunk[:n]) != "ab" {
		t.Fatalf("expected to read %q; got %q", "ab", string(chunk[:n]))
	}

	b.Write([]byte("def"))

	if got := drain(t, &b); got != "cdef" {
		t.Fatalf("expected the remaining bytes in order; got %q", got)
	}
}
