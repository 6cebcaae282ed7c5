package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	specs := []struct {
		size  uintptr
		value byte
	}{
		{0, 0xff}, // size 0 must be a no-op
		{1, 0xaa},
		{7, 0x55},
		{4096, 0xf0},
	}

	for specIndex, spec := range specs {
		buf := make([]byte, 4096)
		Memset(uintptr(unsafe.Pointer(&buf[0])), spec.value, spec.size)

		for i := uintptr(0); i < spec.size; i++ {
			if buf[i] != spec.value {
				t.Errorf("[spec %d] expected byte %d to be 0x%x; got 0x%x", specIndex, i, spec.value, buf[i])
				break
			}
		}
		for i := spec.size; i < uintptr(len(buf)); i++ {
			if buf[i] != 0 {
				t.Errorf("[spec %d] expected byte %d to be untouched; got 0x%x", specIndex, i, buf[i])
				break
			}
		}
	}
}

func TestMemcopy(t *testing.T) {
	src := make([]byte, 128)
	dst := make([]byte, 128)
	for i := range src {
		src[i] = byte(i)
	}

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), 100)

	for i := 0; i < 100; i++ {
		if dst[i] != byte(i) {
			t.Fatalf("expected byte %d to be copied; got 0x%x", i, dst[i])
		}
	}
	for i := 100; i < len(dst); i++ {
		if dst[i] != 0 {
			t.Fatalf("expected byte %d to be untouched; got 0x%x", i, dst[i])
		}
	}
}
