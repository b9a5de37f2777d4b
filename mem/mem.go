// Package mem defines the physical-address type, page/PTE constants, and
// the direct-map helpers shared by every other kernel-core package.
//
// A real boot environment gives the kernel a higher-half direct map (HHDM):
// a fixed virtual offset at which all physical RAM is addressable without
// per-access page-table setup. This package cannot assume a booted machine
// (its callers must also run under `go test` on a host), so the "physical
// memory" it maps is a single, fixed-size byte arena allocated once at
// package init and the "direct map" is just a typed view over that arena.
// Every physical address handed out by pmm is an offset into RAM.
package mem

import (
	"sync"
	"unsafe"
)

// PageShift is the base-2 exponent of the page size.
const PageShift uint = 12

// PageSize is the size of a single page in bytes.
const PageSize int = 1 << PageShift

// PageOffsetMask masks the in-page offset bits of an address.
const PageOffsetMask Pa = Pa(PageSize - 1)

// PageMask masks the page-number bits of an address.
const PageMask Pa = ^PageOffsetMask

// PTE flag bits, in the layout the x86_64 architecture defines for a
// leaf page-table entry.
const (
	PteP   Pa = 1 << 0 // present
	PteW   Pa = 1 << 1 // writable
	PteU   Pa = 1 << 2 // user-accessible
	PtePWT Pa = 1 << 3 // write-through
	PtePCD Pa = 1 << 4 // cache disable
	PtePS  Pa = 1 << 7 // large page
	PteG   Pa = 1 << 8 // global

	// PteAddr covers the frame-address field, bits 12..51; the bits
	// above it (PteNX among them) are flags, not address.
	PteAddr Pa = 0x000F_FFFF_FFFF_F000

	// PteNX is the no-execute bit: bit 63 of a leaf entry on any CPU
	// that advertises the NX feature. Set it and the CPU faults instead
	// of fetching instructions through the mapping.
	PteNX Pa = 1 << 63
)

// Pa is a physical address.
type Pa uintptr

// Page is one page's worth of bytes.
type Page [PageSize]byte

// ramSize is deliberately modest: large enough to exercise multi-zone,
// multi-order buddy behavior in tests without bloating every test binary.
const ramSize = 256 * 1024 * 1024 // 256MiB simulated RAM

var (
	ramOnce sync.Once
	ram     []byte
)

func backingRAM() []byte {
	ramOnce.Do(func() {
		ram = make([]byte, ramSize)
	})
	return ram
}

// RAMSize reports the size in bytes of the simulated physical address
// space backing this build.
func RAMSize() int {
	return len(backingRAM())
}

// Dmap returns a direct-mapped page-sized view of the physical address p.
// p is rounded down to a page boundary.
func Dmap(p Pa) *Page {
	base := p &^ PageOffsetMask
	ram := backingRAM()
	if int(base)+PageSize > len(ram) {
		panic("mem: direct map access out of bounds")
	}
	return (*Page)(unsafe.Pointer(&ram[base]))
}

// DmapPtr returns an unsafe pointer to the direct-mapped page containing p,
// for callers that need to reinterpret a page as something other than a
// byte array (ptm's page-table entry arrays, for instance).
func DmapPtr(p Pa) unsafe.Pointer {
	return unsafe.Pointer(Dmap(p))
}

// DmapBytes returns a direct-mapped byte slice of length l starting at the
// physical address p (p need not be page-aligned).
func DmapBytes(p Pa, l int) []byte {
	ram := backingRAM()
	if int(p)+l > len(ram) || l < 0 {
		panic("mem: direct map access out of bounds")
	}
	return ram[p : int(p)+l]
}

// Pg2Bytes reinterprets a Page as a byte slice.
func Pg2Bytes(pg *Page) []byte {
	return (*pg)[:]
}

// Zero clears a page to all-zero bytes.
func Zero(pg *Page) {
	for i := range pg {
		pg[i] = 0
	}
}
