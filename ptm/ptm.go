// Package ptm is the hardware page-table mapper: it turns Map/Unmap
// calls into writes to a 4-level x86_64 page table built from frames
// handed out by pmm, addressed through mem.Dmap the same way the rest
// of the core reaches physical memory.
package ptm

import (
	"sync"

	"nucleus/archcpu"
	"nucleus/kerr"
	"nucleus/mem"
	"nucleus/pmm"
)

const entries = 512

// kernelPML4Base is the first PML4 index of the canonical higher half
// (0xffff800000000000 and up): every address space shares these entries
// with the kernel's own root so a syscall or interrupt taken while a
// user address space is loaded still finds kernel text, data, and the
// direct map mapped.
const kernelPML4Base = 256

type pte uint64

// The leaf-entry bit positions are mem's architectural PTE constants,
// reinterpreted as this package's pte type rather than re-declared —
// mem is the single source of truth for the x86_64 PTE layout the rest
// of the core (the direct map, ptm's own table walker) already shares.
const (
	ptePresent = pte(mem.PteP)
	pteWrite   = pte(mem.PteW)
	pteUser    = pte(mem.PteU)
	ptePWT     = pte(mem.PtePWT)
	ptePCD     = pte(mem.PtePCD)
	pteHuge    = pte(mem.PtePS)
	pteGlobal  = pte(mem.PteG)
	pteNX      = pte(mem.PteNX)
	pteAddrMsk = pte(mem.PteAddr)
)

func (e pte) addr() mem.Pa  { return mem.Pa(e & pteAddrMsk) }
func (e pte) present() bool { return e&ptePresent != 0 }
func withAddr(a mem.Pa) pte { return pte(a) & pteAddrMsk }

// Perm describes the permissions a mapping should carry.
type Perm uint8

const (
	PermRead  Perm = 0
	PermWrite Perm = 1 << 0
	PermUser  Perm = 1 << 1
	PermExec  Perm = 1 << 2
)

// Cache selects the memory type a mapping uses, the PCD/PWT half of a
// leaf PTE's caching-control bits. MMIO regions (a framebuffer, a device
// BAR) need Uncached or WriteCombining; ordinary memory wants Standard.
type Cache uint8

const (
	// CacheStandard is ordinary write-back cacheable memory.
	CacheStandard Cache = iota
	// CacheWriteCombining buffers writes and is suitable for
	// write-mostly MMIO such as a linear framebuffer.
	CacheWriteCombining
	// CacheUncached disables caching entirely, for MMIO registers whose
	// reads have side effects.
	CacheUncached
)

func (c Cache) pteFlags() pte {
	switch c {
	case CacheUncached:
		return ptePCD
	case CacheWriteCombining:
		return ptePWT
	default:
		return 0
	}
}

func (p Perm) pteFlags() pte {
	f := ptePresent | pteNX
	if p&PermWrite != 0 {
		f |= pteWrite
	}
	if p&PermUser != 0 {
		f |= pteUser
	}
	if p&PermExec != 0 {
		f &^= pteNX
	}
	return f
}

func table(phys mem.Pa) *[entries]pte {
	return (*[entries]pte)(mem.DmapPtr(phys))
}

func index(vaddr uintptr, level int) int {
	return int((vaddr >> (12 + 9*uint(level))) & 0x1ff)
}

// AddressSpace is a root page table (PML4) and the frames it owns.
type AddressSpace struct {
	mu   sync.Mutex
	root mem.Pa
}

var (
	globalMu sync.Mutex
	globalAS *AddressSpace
)

// SetGlobalAddressSpace designates as the kernel address space whose
// higher-half PML4 entries every subsequently created address space
// shares. sched calls this once, during bring-up, right after it builds
// the kernel's own address space.
func SetGlobalAddressSpace(as *AddressSpace) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalAS = as
}

// CreateAddressSpace allocates and zeroes a fresh PML4, then copies in
// the kernel's higher-half entries (if SetGlobalAddressSpace has been
// called) so the new address space can still service a trap taken while
// it is loaded.
func CreateAddressSpace() (*AddressSpace, *kerr.Error) {
	pg, err := pmm.Global.AllocPage(pmm.ZoneFlags(pmm.ZoneNormal) | pmm.Zero)
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{root: pg.PAddr}

	globalMu.Lock()
	kernel := globalAS
	globalMu.Unlock()
	if kernel != nil {
		kernel.mu.Lock()
		src := table(kernel.root)
		dst := table(as.root)
		for i := kernelPML4Base; i < entries; i++ {
			dst[i] = src[i]
		}
		kernel.mu.Unlock()
	}
	return as, nil
}

// LoadAddressSpace programs this address space as the active one.
func (as *AddressSpace) LoadAddressSpace() {
	archcpu.LoadCR3(uintptr(as.root))
}

// Root returns the physical address of the PML4, mostly for tests and
// for sched to compare the currently-loaded address space.
func (as *AddressSpace) Root() mem.Pa { return as.root }

func (as *AddressSpace) walk(vaddr uintptr, create bool) (*[entries]pte, int, *kerr.Error) {
	cur := as.root
	for level := 3; level > 0; level-- {
		t := table(cur)
		i := index(vaddr, level)
		if !t[i].present() {
			if !create {
				return nil, 0, kerr.ErrInvalidArgument
			}
			pg, err := pmm.Global.AllocPage(pmm.ZoneFlags(pmm.ZoneNormal) | pmm.Zero)
			if err != nil {
				return nil, 0, err
			}
			t[i] = withAddr(pg.PAddr) | ptePresent | pteWrite | pteUser
		}
		cur = t[i].addr()
	}
	return table(cur), index(vaddr, 0), nil
}

// Map installs a mapping from vaddr to paddr with the given permissions
// and cache mode, allocating any intermediate page-table levels that do
// not yet exist. global marks the leaf entry PteG: the TLB entry survives
// a CR3 reload, which is only correct for a mapping identical in every
// address space (kernel text and the direct map, not user memory).
func (as *AddressSpace) Map(vaddr uintptr, paddr mem.Pa, perm Perm, cache Cache, global bool) *kerr.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	t, i, err := as.walk(vaddr, true)
	if err != nil {
		return err
	}
	flags := perm.pteFlags() | cache.pteFlags()
	if global {
		flags |= pteGlobal
	}
	t[i] = withAddr(paddr) | flags
	return nil
}

// Unmap clears a mapping. It is a no-op if vaddr was never mapped.
func (as *AddressSpace) Unmap(vaddr uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()

	t, i, err := as.walk(vaddr, false)
	if err != nil {
		return
	}
	t[i] = 0
	archcpu.InvalidatePage(vaddr)
}

// Translate reports the physical address and permissions mapped at
// vaddr, or ok=false if nothing is mapped there.
func (as *AddressSpace) Translate(vaddr uintptr) (paddr mem.Pa, perm Perm, ok bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	t, i, err := as.walk(vaddr, false)
	if err != nil || !t[i].present() {
		return 0, 0, false
	}
	e := t[i]
	p := Perm(0)
	if e&pteWrite != 0 {
		p |= PermWrite
	}
	if e&pteUser != 0 {
		p |= PermUser
	}
	if e&pteNX == 0 {
		p |= PermExec
	}
	return e.addr(), p, true
}
