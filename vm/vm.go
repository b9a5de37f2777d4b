// Package vm manages an address space as a list of non-overlapping
// regions and demand-maps them into a ptm.AddressSpace one page at a
// time on fault. It is a straight port of the region-manager shape:
// find_space's wrap-once placement scan, map_common's hint/fixed
// handling, region_unmap's split/truncate/delete, and vm_fault's
// single-page materialization.
package vm

import (
	"sync"

	"nucleus/kerr"
	"nucleus/mem"
	"nucleus/pmm"
	"nucleus/ptm"
	"nucleus/util"
)

// ShootdownFn, if set, is called after every local unmap with the
// address space and virtual address just invalidated, so a remote CPU
// running that address space can be sent an invalidation IPI. vm has no
// notion of other CPUs itself (that is sched's domain, and sched already
// imports vm), so this is the hardware-primitive-seam pattern archcpu and
// ptm use, one layer up: sched wires its own ShootdownIPI in here during
// scheduler bring-up. Left nil, a single-CPU caller pays nothing extra.
var ShootdownFn func(as *AddressSpace, vaddr uintptr)

// FaultKind distinguishes why the hardware raised a page fault, taken
// straight from the low bit of the x86_64 page-fault error code.
type FaultKind int

const (
	// FaultNotPresent is a fault on a virtual address with no page
	// present at all: the only kind demand paging can resolve.
	FaultNotPresent FaultKind = iota
	// FaultOther is any fault where a page was present but the access
	// violated its permissions (write to read-only, user access to a
	// supervisor page, instruction fetch through a PteNX mapping). This
	// is never demand paging's job to fix, so it always propagates.
	FaultOther
)

// Type distinguishes how a region's pages are backed.
type Type int

const (
	// Anon pages are demand-allocated from pmm and zero-filled.
	Anon Type = iota
	// Direct pages are a fixed mapping onto an existing physical range.
	Direct
)

// Flags modify how a region is created.
type Flags uint8

const (
	// Fixed requires the region to start exactly at the given hint,
	// failing rather than relocating if that range is unavailable.
	Fixed Flags = 1 << iota
	// NoDemand maps every page immediately instead of waiting for faults.
	NoDemand
)

// Region is one mapped, non-overlapping range of an address space.
type Region struct {
	as     *AddressSpace
	Base   uintptr
	Length int
	Type   Type
	Perm   ptm.Perm
	Cache  ptm.Cache

	// directPhys is the physical address Base maps to, for Direct regions.
	directPhys mem.Pa

	// frames tracks the physical frame materialized for each offset of
	// an Anon region that has been faulted in, so Unmap can release them
	// (spec's ANON-unmap-frame-release decision).
	frames map[uintptr]*pmm.Page

	prev, next *Region
}

// AddressSpace is a process's (or the kernel's) virtual memory map.
type AddressSpace struct {
	mu         sync.Mutex
	Start, End uintptr
	Mapper     *ptm.AddressSpace
	regions    *Region
}

// New creates an address space covering [start, end) over the given
// hardware mapper.
func New(start, end uintptr, mapper *ptm.AddressSpace) *AddressSpace {
	return &AddressSpace{Start: start, End: end, Mapper: mapper}
}

func segmentInBounds(addr uintptr, length int, start, end uintptr) bool {
	if addr < start || addr >= end {
		return false
	}
	return end-addr >= uintptr(length)
}

func segmentsIntersect(base1 uintptr, len1 int, base2 uintptr, len2 int) bool {
	return base1 < base2+uintptr(len2) && base2 < base1+uintptr(len1)
}

func addressInSegment(addr, base uintptr, length int) bool {
	return addr >= base && addr < base+uintptr(length)
}

// findSpace locates the first address at or after hint, within the
// address space bounds, where a run of length bytes does not overlap
// any existing region. It wraps at most once: if advancing past a
// conflicting region runs off the end, the scan restarts from Start and
// fails only if it would loop back past hint without succeeding.
//
// as.mu must be held.
func (as *AddressSpace) findSpace(hint uintptr, length int) (uintptr, bool) {
	addr := hint
	if !segmentInBounds(addr, length, as.Start, as.End) {
		addr = as.Start
	}
	wrapped := false
	origin := addr
	for {
		if !segmentInBounds(addr, length, as.Start, as.End) {
			if wrapped {
				return 0, false
			}
			addr = as.Start
			wrapped = true
			if addr == origin {
				return 0, false
			}
			continue
		}
		conflict := false
		for r := as.regions; r != nil; r = r.next {
			if !segmentsIntersect(addr, length, r.Base, r.Length) {
				continue
			}
			conflict = true
			addr = r.Base + uintptr(r.Length)
			break
		}
		if !conflict {
			return addr, true
		}
		if wrapped && addr >= origin {
			return 0, false
		}
	}
}

func (as *AddressSpace) regionAt(addr uintptr) *Region {
	if addr < as.Start || addr >= as.End {
		return nil
	}
	for r := as.regions; r != nil; r = r.next {
		if addressInSegment(addr, r.Base, r.Length) {
			return r
		}
	}
	return nil
}

func (as *AddressSpace) insertRegion(r *Region) {
	r.next = as.regions
	if r.next != nil {
		r.next.prev = r
	}
	as.regions = r
}

func (as *AddressSpace) removeRegion(r *Region) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		as.regions = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.prev, r.next = nil, nil
}

func mapCommon(as *AddressSpace, hint uintptr, length int, perm ptm.Perm, cache ptm.Cache, flags Flags, typ Type, directPhys mem.Pa) (*Region, *kerr.Error) {
	if length <= 0 || length%mem.PageSize != 0 {
		return nil, kerr.ErrInvalidArgument
	}
	addr := hint
	if addr%uintptr(mem.PageSize) != 0 {
		if flags&Fixed != 0 {
			return nil, kerr.ErrInvalidArgument
		}
		addr += uintptr(mem.PageSize) - (addr % uintptr(mem.PageSize))
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	placed, ok := as.findSpace(addr, length)
	if !ok || (flags&Fixed != 0 && placed != addr) {
		return nil, kerr.ErrInvalidArgument
	}

	r := &Region{
		as:     as,
		Base:   placed,
		Length: length,
		Type:   typ,
		Perm:   perm,
		Cache:  cache,
	}
	if typ == Direct {
		r.directPhys = directPhys
	} else {
		r.frames = make(map[uintptr]*pmm.Page)
	}

	if flags&NoDemand != 0 {
		for off := 0; off < length; off += mem.PageSize {
			if err := materialize(r, uintptr(off)); err != nil {
				return nil, err
			}
		}
	}

	as.insertRegion(r)
	return r, nil
}

// MapAnon creates a demand-zero region of length bytes, placed at or
// after hint (or exactly at hint if Fixed is set), backed by cache's
// memory type.
func (as *AddressSpace) MapAnon(hint uintptr, length int, perm ptm.Perm, cache ptm.Cache, flags Flags) (*Region, *kerr.Error) {
	return mapCommon(as, hint, length, perm, cache, flags, Anon, 0)
}

// MapDirect creates a region mapping length bytes starting at phys,
// placed at or after hint (or exactly at hint if Fixed is set), with
// cache's memory type — the parameter a framebuffer or MMIO BAR mapping
// needs and ordinary memory leaves at CacheStandard.
func (as *AddressSpace) MapDirect(hint uintptr, length int, perm ptm.Perm, phys mem.Pa, cache ptm.Cache, flags Flags) (*Region, *kerr.Error) {
	return mapCommon(as, hint, length, perm, cache, flags, Direct, phys)
}

// materialize maps a single page at region-relative offset off. r.as.mu
// must be held.
func materialize(r *Region, off uintptr) *kerr.Error {
	vaddr := r.Base + off
	var paddr mem.Pa
	switch r.Type {
	case Anon:
		pg, err := pmm.Global.AllocPage(pmm.ZoneFlags(pmm.ZoneNormal) | pmm.Zero)
		if err != nil {
			return err
		}
		paddr = pg.PAddr
		r.frames[off] = pg
	case Direct:
		paddr = r.directPhys + mem.Pa(off)
	}
	return r.as.Mapper.Map(vaddr, paddr, r.Perm, r.Cache, false)
}

// WriteAt copies data into this address space starting at vaddr,
// faulting in any page that is not yet mapped. It is how a higher layer
// (sched's user-stack setup, an ELF loader) gets bytes into a process
// without a raw physical-memory handle.
func (as *AddressSpace) WriteAt(vaddr uintptr, data []byte) *kerr.Error {
	for len(data) > 0 {
		paddrBase, _, ok := as.Mapper.Translate(vaddr)
		if !ok {
			if err := as.Fault(vaddr, FaultNotPresent); err != nil {
				return err
			}
			paddrBase, _, ok = as.Mapper.Translate(vaddr)
			if !ok {
				return kerr.ErrFaultUnhandled
			}
		}
		off := int(vaddr) % mem.PageSize
		n := mem.PageSize - off
		if n > len(data) {
			n = len(data)
		}
		copy(mem.DmapBytes(paddrBase+mem.Pa(off), n), data[:n])
		data = data[n:]
		vaddr += uintptr(n)
	}
	return nil
}

// Fault materializes the single page containing addr if addr falls
// within a mapped region of this address space and kind is
// FaultNotPresent, reporting whether it did. Any other fault kind means
// a page was present but the access violated its permissions (write to
// read-only, user access to supervisor memory, a fetch through a
// no-execute mapping) — demand paging cannot fix that, so it is always
// reported unhandled rather than silently re-materialized.
func (as *AddressSpace) Fault(addr uintptr, kind FaultKind) *kerr.Error {
	if kind != FaultNotPresent {
		return kerr.ErrFaultUnhandled
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	r := as.regionAt(addr)
	if r == nil {
		return kerr.ErrFaultUnhandled
	}
	off := util.Rounddown(addr-r.Base, uintptr(mem.PageSize))
	return materialize(r, off)
}

func regionUnmap(r *Region, addr uintptr, length int) {
	if r.Type == Anon {
		for off := addr - r.Base; off < addr-r.Base+uintptr(length); off += uintptr(mem.PageSize) {
			if pg, ok := r.frames[off]; ok {
				pmm.Global.Free(pg)
				delete(r.frames, off)
			}
		}
	}
	for i := uintptr(0); i < uintptr(length); i += uintptr(mem.PageSize) {
		r.as.Mapper.Unmap(addr + i)
		if ShootdownFn != nil {
			ShootdownFn(r.as, addr+i)
		}
	}
}

// Unmap removes mappings covering [addr, addr+length), splitting,
// truncating, or deleting whichever regions overlap that range.
func (as *AddressSpace) Unmap(addr uintptr, length int) {
	if length == 0 {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	end := addr + uintptr(length)
	for splitBase := addr; splitBase < end; {
		region := as.regionAt(splitBase)
		if region == nil {
			splitBase += uintptr(mem.PageSize)
			continue
		}
		splitLength := mem.PageSize
		for addressInSegment(splitBase+uintptr(splitLength), region.Base, region.Length) &&
			addressInSegment(splitBase+uintptr(splitLength), addr, length) {
			splitLength += mem.PageSize
		}

		regionUnmap(region, splitBase, splitLength)

		if region.Base+uintptr(region.Length) > splitBase+uintptr(splitLength) {
			tail := &Region{
				as:     as,
				Base:   splitBase + uintptr(splitLength),
				Length: int(region.Base+uintptr(region.Length)) - int(splitBase+uintptr(splitLength)),
				Type:   region.Type,
				Perm:   region.Perm,
				Cache:  region.Cache,
			}
			switch region.Type {
			case Direct:
				tail.directPhys = region.directPhys + mem.Pa(tail.Base-region.Base)
			case Anon:
				tail.frames = make(map[uintptr]*pmm.Page)
				for off, pg := range region.frames {
					if off >= tail.Base-region.Base {
						tail.frames[off-(tail.Base-region.Base)] = pg
						delete(region.frames, off)
					}
				}
			}
			as.insertRegion(tail)
		}

		if region.Base < splitBase {
			region.Length = int(splitBase - region.Base)
		} else {
			as.removeRegion(region)
		}

		splitBase += uintptr(splitLength)
	}
}
