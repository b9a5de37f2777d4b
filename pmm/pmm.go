// Package pmm is the kernel's physical memory manager: a buddy allocator
// over typed zones with per-page metadata.
//
// A Zone partitions a range of the (simulated) physical address space.
// Each Region owns an array of page-frame metadata; each Zone owns one
// free-list per buddy order. Region registration carves the largest address-aligned,
// power-of-two block that fits at the current carving position — that
// alignment is what makes the buddy-XOR trick below valid.
package pmm

import (
	"sync"

	"nucleus/kerr"
	"nucleus/mem"
	"nucleus/util"
)

// MaxOrder bounds the largest buddy block this allocator will ever hand
// out: 2^MaxOrder pages.
const MaxOrder = 7

// Zone indices. A Flags value carries one of these in its low bits.
const (
	ZoneNormal = 0
	ZoneDMA    = 1
	maxZones   = 8
)

// Flags controls an allocation. The low bits select the zone; Zero
// additionally requests that the returned frames be cleared.
type Flags uint16

const (
	zoneFieldMask Flags = 0b111
	Zero          Flags = 1 << 3
)

// ZoneFlags encodes a zone selector as an allocation Flags value.
func ZoneFlags(zone int) Flags {
	return Flags(zone) & zoneFieldMask
}

// Zone returns the zone index encoded in f.
func (f Flags) Zone() int {
	return int(f & zoneFieldMask)
}

// Standard requests a zeroed page from the NORMAL zone — the common case.
const Standard = Zero

// Page is the metadata this allocator keeps for one physical page frame.
type Page struct {
	Region *Region
	PAddr  mem.Pa
	Order  uint
	Free   bool

	next, prev *Page // free-list linkage within Region.zone.free[Order]
}

// Region is a contiguous run of page-frames belonging to one zone.
type Region struct {
	zone      *Zone
	Base      mem.Pa
	PageCount int
	pages     []Page

	next *Region
}

// Zone is a named partition of physical address space.
type Zone struct {
	mu sync.Mutex

	Index      int
	Name       string
	Start, End mem.Pa

	regions *Region
	free    [MaxOrder + 1]*Page // doubly-linked free-list head per order

	totalPages int
	freePages  int

	// byPFN locates the Page metadata for a page-frame number across
	// every region this zone owns, so that the buddy of an arbitrary
	// frame can be found in O(1) regardless of which region it lives
	// in (biscuit's Physmem_t gets this for free from one contiguous
	// Pgs array indexed by frame-startn; multiple independently-added
	// regions need an explicit index instead).
	byPFN map[uint64]*Page
}

// PMM is the top-level allocator: a fixed table of zones.
type PMM struct {
	mu    sync.Mutex
	zones [maxZones]*Zone
}

// Global is the kernel's single physical memory manager instance.
var Global = &PMM{}

func pfn(p mem.Pa) uint64 { return uint64(p) >> mem.PageShift }

// ZoneRegister declares a zone's bounds. It must be called before any
// region falling inside those bounds is added.
func (p *PMM) ZoneRegister(index int, name string, start, end mem.Pa) {
	if index < 0 || index >= maxZones {
		panic("pmm: zone index out of range")
	}
	if end <= start {
		panic("pmm: invalid zone bounds")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.zones[index] != nil {
		panic("pmm: zone already registered")
	}
	p.zones[index] = &Zone{
		Index: index,
		Name:  name,
		Start: start,
		End:   end,
		byPFN: make(map[uint64]*Page),
	}
}

func (p *PMM) zoneFor(addr mem.Pa) *Zone {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, z := range p.zones {
		if z != nil && addr >= z.Start && addr < z.End {
			return z
		}
	}
	return nil
}

// RegionAdd assigns the physical range [base, base+size) to whichever
// registered zone it falls within and carves it into the largest
// address-aligned power-of-two blocks that fit, pushing each onto the
// zone's free-lists. It panics if no zone contains the range — region
// registration is a bring-up-time operation, and a misdescribed range
// is a bootstrap bug rather than a runtime condition to recover from.
func (p *PMM) RegionAdd(base mem.Pa, size int) {
	if size <= 0 || int(base)%mem.PageSize != 0 || size%mem.PageSize != 0 {
		panic("pmm: misaligned region")
	}
	end := base + mem.Pa(size)
	zone := p.zoneFor(base)
	if zone == nil || end > zone.End {
		panic("pmm: region not contained in any registered zone")
	}

	pageCount := size / mem.PageSize
	region := &Region{
		zone:      zone,
		Base:      base,
		PageCount: pageCount,
		pages:     make([]Page, pageCount),
	}

	zone.mu.Lock()
	defer zone.mu.Unlock()

	region.next = zone.regions
	zone.regions = region

	for i := range region.pages {
		pg := &region.pages[i]
		pg.Region = region
		pg.PAddr = base + mem.Pa(i*mem.PageSize)
		zone.byPFN[pfn(pg.PAddr)] = pg
	}

	zone.totalPages += pageCount
	zone.freePages += pageCount

	// Carve: at each position, the largest order k such that the frame
	// number is a multiple of 2^k and the block still fits both in
	// MaxOrder and in the remaining region.
	i := 0
	for i < pageCount {
		startFrame := pfn(base) + uint64(i)
		k := uint(MaxOrder)
		for k > 0 && (startFrame%(uint64(1)<<k) != 0 || i+(1<<k) > pageCount) {
			k--
		}
		head := &region.pages[i]
		head.Order = k
		head.Free = true
		zone.pushFree(head)
		i += 1 << k
	}
}

func (z *Zone) pushFree(pg *Page) {
	pg.prev = nil
	pg.next = z.free[pg.Order]
	if pg.next != nil {
		pg.next.prev = pg
	}
	z.free[pg.Order] = pg
}

func (z *Zone) removeFree(pg *Page) {
	if pg.prev != nil {
		pg.prev.next = pg.next
	} else {
		z.free[pg.Order] = pg.next
	}
	if pg.next != nil {
		pg.next.prev = pg.prev
	}
	pg.next, pg.prev = nil, nil
}

func (z *Zone) buddy(pg *Page, order uint) *Page {
	b := pfn(pg.PAddr) ^ (uint64(1) << order)
	return z.byPFN[b]
}

// Alloc satisfies a request for a block of 2^order contiguous pages from
// the zone selected by flags.
func (p *PMM) Alloc(order uint, flags Flags) (*Page, *kerr.Error) {
	if order > MaxOrder {
		return nil, kerr.ErrInvalidArgument
	}
	p.mu.Lock()
	zone := p.zones[flags.Zone()]
	p.mu.Unlock()
	if zone == nil {
		return nil, kerr.ErrInvalidArgument
	}

	zone.mu.Lock()
	defer zone.mu.Unlock()

	src := order
	for src <= MaxOrder && zone.free[src] == nil {
		src++
	}
	if src > MaxOrder {
		return nil, kerr.ErrOutOfMemory
	}

	pg := zone.free[src]
	zone.removeFree(pg)
	for src > order {
		src--
		buddyFrame := pfn(pg.PAddr) + (uint64(1) << src)
		half := zone.byPFN[buddyFrame]
		half.Order = src
		half.Free = true
		zone.pushFree(half)
		pg.Order = src
	}
	pg.Free = false
	zone.freePages -= 1 << order

	if flags&Zero != 0 {
		mem.Zero(mem.Dmap(pg.PAddr))
	}
	return pg, nil
}

// AllocPages allocates the smallest power-of-two block able to hold n
// pages; the returned block may be larger than requested.
func (p *PMM) AllocPages(n int, flags Flags) (*Page, *kerr.Error) {
	if n <= 0 {
		return nil, kerr.ErrInvalidArgument
	}
	return p.Alloc(util.Log2Ceil(n), flags)
}

// AllocPage allocates a single page.
func (p *PMM) AllocPage(flags Flags) (*Page, *kerr.Error) {
	return p.Alloc(0, flags)
}

// Free releases a block previously returned by Alloc/AllocPages/AllocPage,
// coalescing with its buddy while possible.
func (p *PMM) Free(pg *Page) {
	zone := pg.Region.zone
	zone.mu.Lock()
	defer zone.mu.Unlock()

	zone.freePages += 1 << pg.Order
	order := pg.Order
	for order < MaxOrder {
		buddy := zone.buddy(pg, order)
		if buddy == nil || !buddy.Free || buddy.Order != order {
			break
		}
		zone.removeFree(buddy)
		if buddy.PAddr < pg.PAddr {
			pg = buddy
		}
		order++
	}
	pg.Order = order
	pg.Free = true
	zone.pushFree(pg)
}

// Stats reports a zone's total and free page counts, for diagnostics and
// tests that check conservation across alloc/free cycles.
func (z *Zone) Stats() (total, free int) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.totalPages, z.freePages
}

// Zone returns the registered zone at index, or nil.
func (p *PMM) Zone(index int) *Zone {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= maxZones {
		return nil
	}
	return p.zones[index]
}
