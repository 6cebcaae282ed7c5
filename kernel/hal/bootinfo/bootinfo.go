// Package bootinfo consumes the responses the bootloader leaves behind when
// it hands control to the kernel. The boot protocol is request based: the
// kernel image carries a set of magic-tagged request records; the bootloader
// locates them and fills in their response pointers before jumping to the
// entry point.
//
// The response memory lives in bootloader-reclaimable regions. Nothing in
// this package may be used after the kernel switches to its own address
// space; callers are expected to copy what they need during bootstrap.
package bootinfo

import (
	"strings"
	"unsafe"

	"kestrel/kernel/mm"
)

// Memory region types reported by the bootloader.
const (
	MemUsable                uint64 = 0
	MemReserved              uint64 = 1
	MemACPIReclaimable       uint64 = 2
	MemACPINvs               uint64 = 3
	MemBadMemory             uint64 = 4
	MemBootloaderReclaimable uint64 = 5
	MemKernelAndModules      uint64 = 6
	MemFramebuffer           uint64 = 7
)

// request is the header shared by all boot-protocol request records. The
// bootloader identifies each record by its magic id and stores a pointer to
// the matching response into response.
type request struct {
	id       [4]uint64
	revision uint64
	response unsafe.Pointer
}

// MemRegion describes one entry of the bootloader's memory map.
type MemRegion struct {
	Base   uint64
	Length uint64
	Type   uint64
}

type memoryMapResponse struct {
	revision   uint64
	entryCount uint64
	entries    **MemRegion
}

type kernelAddressResponse struct {
	revision     uint64
	physicalBase uint64
	virtualBase  uint64
}

type hhdmResponse struct {
	revision uint64
	offset   uint64
}

// File describes a module loaded alongside the kernel.
type File struct {
	revision uint64
	address  unsafe.Pointer
	size     uint64
	path     *byte
	cmdline  *byte
}

type moduleResponse struct {
	revision    uint64
	moduleCount uint64
	modules     **File
}

type bootloaderInfoResponse struct {
	revision uint64
	name     *byte
	version  *byte
}

type entryPointResponse struct {
	revision uint64
}

// The request records scanned for by the bootloader. The magic prefix is
// shared; the last two words select the request kind.
var (
	memoryMapReq = request{
		id: [4]uint64{0xc7b1dd30df4c8b88, 0x0a82e883a194f07b, 0x67cf3d9d378a806f, 0xe304acdfc50c3c62},
	}
	kernelAddressReq = request{
		id: [4]uint64{0xc7b1dd30df4c8b88, 0x0a82e883a194f07b, 0x71ba76863cc55f63, 0xb2644a48c516a487},
	}
	hhdmReq = request{
		id: [4]uint64{0xc7b1dd30df4c8b88, 0x0a82e883a194f07b, 0x48dcf1cb8ad2b852, 0x63984e959a98244b},
	}
	moduleReq = request{
		id: [4]uint64{0xc7b1dd30df4c8b88, 0x0a82e883a194f07b, 0x3e7e279702be32af, 0xca1c4f3bd1280cee},
	}
	bootloaderInfoReq = request{
		id: [4]uint64{0xc7b1dd30df4c8b88, 0x0a82e883a194f07b, 0xf55038d8e2a1202f, 0x279426fcf5f59740},
	}
	entryPointReq = request{
		id: [4]uint64{0xc7b1dd30df4c8b88, 0x0a82e883a194f07b, 0x13d86c035a1cd3e1, 0x2b0caa89d8f3026a},
	}

	cmdLineKV map[string]string
)

// MemRegionVisitor is invoked for each memory map entry. Returning false
// stops the iteration.
type MemRegionVisitor func(*MemRegion) bool

// VisitMemRegions invokes the supplied visitor for each entry of the
// bootloader's memory map, in ascending base order.
func VisitMemRegions(visitor MemRegionVisitor) {
	resp := (*memoryMapResponse)(memoryMapReq.response)
	if resp == nil {
		return
	}

	// entries points to an array of entryCount pointers.
	entryPtrs := unsafe.Slice(resp.entries, resp.entryCount)
	for _, entry := range entryPtrs {
		if !visitor(entry) {
			return
		}
	}
}

// HaveMemoryMap returns true when the bootloader provided a memory map.
func HaveMemoryMap() bool {
	return memoryMapReq.response != nil
}

// VisitUsableRegions yields a page-aligned mm.MemorySegment for each usable
// or bootloader-reclaimable memory region. This is the stream the page
// provider is built from.
func VisitUsableRegions(visit func(mm.MemorySegment) bool) {
	VisitMemRegions(func(region *MemRegion) bool {
		if region.Type != MemUsable && region.Type != MemBootloaderReclaimable {
			return true
		}

		// Usable regions are guaranteed page-aligned by the boot
		// protocol; align defensively anyway so a misbehaving
		// bootloader cannot produce unaligned frames.
		base := (uintptr(region.Base) + mm.PageSize - 1) &^ (mm.PageSize - 1)
		end := (uintptr(region.Base) + uintptr(region.Length)) &^ (mm.PageSize - 1)
		if end <= base {
			return true
		}

		return visit(mm.MemorySegment{Base: base, Length: end - base})
	})
}

// PhysicalMemoryUpperBound returns one byte past the highest non-reserved
// physical address reported by the memory map.
func PhysicalMemoryUpperBound() uintptr {
	var upper uint64
	VisitMemRegions(func(region *MemRegion) bool {
		if region.Type != MemReserved && region.Base+region.Length > upper {
			upper = region.Base + region.Length
		}
		return true
	})
	return uintptr(upper)
}

// KernelAddress returns the kernel's physical and virtual base addresses as
// reported by the bootloader.
func KernelAddress() (physBase, virtBase uintptr, ok bool) {
	resp := (*kernelAddressResponse)(kernelAddressReq.response)
	if resp == nil {
		return 0, 0, false
	}
	return uintptr(resp.physicalBase), uintptr(resp.virtualBase), true
}

// HHDMOffset returns the offset of the bootloader's higher-half direct map.
func HHDMOffset() (uintptr, bool) {
	resp := (*hhdmResponse)(hhdmReq.response)
	if resp == nil {
		return 0, false
	}
	return uintptr(resp.offset), true
}

// HaveEntryPointResponse returns true when the bootloader acknowledged the
// entry point request. A missing response is harmless but hints at a
// mismatched or corrupted bootloader.
func HaveEntryPointResponse() bool {
	return entryPointReq.response != nil
}

// BootloaderIdent returns the bootloader's name and version strings.
func BootloaderIdent() (name, version string, ok bool) {
	resp := (*bootloaderInfoResponse)(bootloaderInfoReq.response)
	if resp == nil {
		return "", "", false
	}
	return cString(resp.name), cString(resp.version), true
}

// FindModule looks up a loaded module whose path's trailing component equals
// name and returns its contents. It returns nil when no such module was
// loaded.
func FindModule(name string) []byte {
	resp := (*moduleResponse)(moduleReq.response)
	if resp == nil {
		return nil
	}

	modulePtrs := unsafe.Slice(resp.modules, resp.moduleCount)
	for _, module := range modulePtrs {
		path := cString(module.path)
		if idx := strings.LastIndexByte(path, '/'); idx != -1 {
			path = path[idx+1:]
		}

		if path == name {
			return unsafe.Slice((*byte)(module.address), module.size)
		}
	}

	return nil
}

// GetBootCmdLine parses the kernel command line into a key=value map. Flags
// without a value map to themselves.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	resp := (*bootloaderInfoResponse)(bootloaderInfoReq.response)
	if resp == nil {
		return cmdLineKV
	}

	for _, pair := range strings.Fields(cmdLine()) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}

// cmdLine returns the raw kernel command line. The boot protocol delivers it
// on the kernel's own module record; an absent record yields an empty line.
func cmdLine() string {
	resp := (*moduleResponse)(moduleReq.response)
	if resp == nil || resp.moduleCount == 0 {
		return ""
	}

	modulePtrs := unsafe.Slice(resp.modules, resp.moduleCount)
	return cString(modulePtrs[0].cmdline)
}

// cString converts a NUL-terminated byte pointer into a Go string.
func cString(ptr *byte) string {
	if ptr == nil {
		return ""
	}

	var length int
	for p := ptr; *p != 0; p = (*byte)(unsafe.Add(unsafe.Pointer(p), 1)) {
		length++
	}

	return string(unsafe.Slice(ptr, length))
}
