// Command kernel sequences bring-up of the kernel core: physical memory,
// virtual memory, the interrupt table, the local APIC, and the
// scheduler, logging each stage the way a real Kmain reports progress to
// an early console.
package main

import (
	"log"

	"nucleus/archcpu"
	"nucleus/intr"
	"nucleus/lapic"
	"nucleus/mem"
	"nucleus/pmm"
	"nucleus/ptm"
	"nucleus/sched"
	"nucleus/vm"
)

// ramZoneEnd is how much of the simulated RAM arena this bring-up hands
// to the NORMAL zone; the rest is left unregistered, the same way a real
// bring-up leaves low memory and reserved regions out of the PMM.
const ramZoneEnd = 128 * 1024 * 1024

// heapBase is the fixed virtual address the kernel's heap region starts
// at, the Go-core analogue of the reference kernel's heap_initialize
// call site.
const heapBase = 0x100000000000
const heapPages = 4096

// pageFaultVector is the x86_64 architectural vector for a page fault.
const pageFaultVector = 14

func main() {
	log.Printf("starting nucleus")

	pmm.Global.ZoneRegister(pmm.ZoneNormal, "normal", 0, mem.Pa(ramZoneEnd))
	pmm.Global.RegionAdd(0, ramZoneEnd)
	total, free := pmm.Global.Zone(pmm.ZoneNormal).Stats()
	log.Printf("physical memory initialized: total=%d free=%d pages", total, free)

	mapper, err := ptm.CreateAddressSpace()
	if err != nil {
		log.Fatalf("virtual memory init: %v", err)
	}
	kernelAS := vm.New(heapBase, heapBase+uintptr(heapPages*mem.PageSize), mapper)
	sched.SetKernelAddressSpace(kernelAS)
	mapper.LoadAddressSpace()
	log.Printf("virtual memory initialized")

	if _, err := kernelAS.MapAnon(heapBase, heapPages*mem.PageSize, ptm.PermWrite, ptm.CacheStandard, vm.Flags(0)); err != nil {
		log.Fatalf("heap region init: %v", err)
	}
	log.Printf("heap initialized at %#x (%d pages)", heapBase, heapPages)

	intr.Init()
	log.Printf("interrupt table initialized")

	// Vector 14 is the x86_64 page-fault exception. Bit 0 of the pushed
	// error code distinguishes a not-present access (demand paging's
	// job) from a protection violation (never demand paging's job); the
	// faulting address space is whatever the CPU that took the fault was
	// running, falling back to the kernel's own address space for a
	// fault taken with no thread scheduled yet.
	intr.Set(pageFaultVector, intr.PriorityCritical, func(f *intr.Frame) {
		kind := vm.FaultNotPresent
		if f.ErrCode&1 != 0 {
			kind = vm.FaultOther
		}
		as := kernelAS
		if th := sched.ThreadCurrent(bootCPU); th != nil && th.Proc != nil {
			as = th.Proc.AS
		}
		if err := as.Fault(uintptr(f.CR2), kind); err != nil {
			log.Fatalf("unhandled page fault at %#x (error=%#x): %v", f.CR2, f.ErrCode, err)
		}
	})
	log.Printf("page fault handler installed on vector %d", pageFaultVector)

	lapic.Init()
	log.Printf("local APIC initialized: id=%d", lapic.ID())

	if err := sched.InitPreemption(func(f *intr.Frame) {
		cpu := bootCPU
		lapic.EOI(uint8(f.IntNo))
		sched.Tick(cpu)
	}); err != nil {
		log.Fatalf("scheduler preemption init: %v", err)
	}

	cpu, err := sched.InitCPU(0, uint32(lapic.ID()))
	if err != nil {
		log.Fatalf("scheduler init: %v", err)
	}
	bootCPU = cpu
	log.Printf("scheduler initialized: cpu=%d idle=%d", cpu.ID, cpu.IdleThread.ID)

	initThread, err := sched.CreateKernelThread(func() {
		log.Printf("init thread running")
	})
	if err != nil {
		log.Fatalf("init thread create: %v", err)
	}
	sched.Enqueue(cpu, initThread)
	log.Printf("init thread %d enqueued", initThread.ID)

	archcpu.EnableInterrupts()
	log.Printf("nucleus bring-up complete")

	for {
		archcpu.Halt()
	}
}

// bootCPU is the single CPU this hosted bring-up schedules onto; a real
// multi-core bring-up would index cpuTable by LAPIC ID instead of
// closing over one CPU.
var bootCPU *sched.CPU
