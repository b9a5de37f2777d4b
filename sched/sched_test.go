package sched

import (
	"testing"

	"nucleus/archcpu"
	"nucleus/intr"
	"nucleus/mem"
	"nucleus/pmm"
	"nucleus/ptm"
	"nucleus/vm"
)

func setup(t *testing.T) {
	t.Helper()
	pmm.Global = &pmm.PMM{}
	pmm.Global.ZoneRegister(pmm.ZoneNormal, "normal", 0, mem.Pa(8192*mem.PageSize))
	pmm.Global.RegionAdd(0, 8192*mem.PageSize)

	intr.Init()
	cpuTable = nil
	preemptVec, shootdownV = 0, 0

	// Tests run in the same process: an earlier test's kernel address
	// space must not leak into this one's CreateAddressSpace calls
	// before SetKernelAddressSpace below republishes the current one.
	ptm.SetGlobalAddressSpace(nil)

	mapper, err := ptm.CreateAddressSpace()
	if err != nil {
		t.Fatalf("create address space: %v", err)
	}
	SetKernelAddressSpace(vm.New(0x1000, 0x1000+uintptr(4096*mem.PageSize), mapper))
}

func TestRunQueueIsFIFO(t *testing.T) {
	setup(t)
	cpu := &CPU{ID: 0}

	a := &Thread{ID: 1, State: StateReady, CPU: cpu}
	b := &Thread{ID: 2, State: StateReady, CPU: cpu}
	cpu.enqueue(a)
	cpu.enqueue(b)

	if got := ThreadNext(cpu); got != a {
		t.Fatalf("expected thread 1 first, got %v", got)
	}
	if got := ThreadNext(cpu); got != b {
		t.Fatalf("expected thread 2 second, got %v", got)
	}
	if got := ThreadNext(cpu); got != nil {
		t.Fatalf("expected empty queue, got %v", got)
	}
}

func TestThreadDropRequeuesOnlyReady(t *testing.T) {
	setup(t)
	cpu := &CPU{ID: 0}

	ready := &Thread{ID: 1, State: StateReady, CPU: cpu}
	blocked := &Thread{ID: 2, State: StateBlocked, CPU: cpu}

	ThreadDrop(ready)
	ThreadDrop(blocked)

	if ThreadNext(cpu) != ready {
		t.Fatalf("expected the ready thread to requeue")
	}
	if ThreadNext(cpu) != nil {
		t.Fatalf("expected the blocked thread not to requeue")
	}
}

func TestSwitchProgramsRsp0(t *testing.T) {
	setup(t)
	cpu := &CPU{ID: 0}
	cpu.Current = &Thread{ID: 1, State: StateRunning, CPU: cpu}

	next, err := CreateKernelThread(func() {})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	Switch(cpu, next)

	want := uintptr(next.KernelStackBase) + uintptr(next.kernelStackSize)
	if cpu.Rsp0 != want {
		t.Fatalf("Rsp0 = %#x, want %#x", cpu.Rsp0, want)
	}
	if cpu.Current != next {
		t.Fatalf("expected cpu.Current to be the new thread")
	}
}

func TestInitCPUBringsUpIdleThread(t *testing.T) {
	setup(t)
	cpu, err := InitCPU(0, 0)
	if err != nil {
		t.Fatalf("init cpu: %v", err)
	}
	if cpu.IdleThread == nil || cpu.IdleThread.ID != 0 {
		t.Fatalf("expected idle thread with id 0")
	}
	if cpu.Current != cpu.IdleThread {
		t.Fatalf("expected the CPU to be running its idle thread after bring-up")
	}
}

func TestTickFallsBackToIdleWhenQueueEmpty(t *testing.T) {
	setup(t)
	cpu, err := InitCPU(0, 0)
	if err != nil {
		t.Fatalf("init cpu: %v", err)
	}
	Tick(cpu)
	if cpu.Current != cpu.IdleThread {
		t.Fatalf("expected idle thread to remain current with an empty run queue")
	}
}

func TestTickSwitchesToNextReadyThread(t *testing.T) {
	setup(t)
	cpu, err := InitCPU(0, 0)
	if err != nil {
		t.Fatalf("init cpu: %v", err)
	}
	work, err := CreateKernelThread(func() {})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	cpu.enqueue(work)

	Tick(cpu)
	if cpu.Current != work {
		t.Fatalf("expected the scheduler to switch to the queued thread")
	}
}

func TestRoundRobinAcrossThreeThreads(t *testing.T) {
	setup(t)
	cpu, err := InitCPU(0, 0)
	if err != nil {
		t.Fatalf("init cpu: %v", err)
	}

	ran := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		th, err := CreateKernelThread(func() {})
		if err != nil {
			t.Fatalf("create thread %d: %v", i, err)
		}
		Enqueue(cpu, th)
	}

	// Each tick requeues the outgoing thread at the tail (via ThreadDrop
	// inside Switch) before picking the head, so three ticks visit all
	// three newly created threads once each.
	for i := 0; i < 3; i++ {
		Tick(cpu)
		if cpu.Current == cpu.IdleThread {
			t.Fatalf("tick %d switched to idle with ready threads still queued", i)
		}
		ran[cpu.Current.ID] = true
	}
	if len(ran) != 3 {
		t.Fatalf("expected 3 distinct threads to have run, got %d", len(ran))
	}
}

func TestIdleFallbackThenBack(t *testing.T) {
	setup(t)
	cpu, err := InitCPU(0, 0)
	if err != nil {
		t.Fatalf("init cpu: %v", err)
	}

	th, err := CreateKernelThread(func() {})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	Enqueue(cpu, th)

	Tick(cpu)
	if cpu.Current != th {
		t.Fatalf("expected the queued thread to run first")
	}

	// th's first switch-in pushed the outgoing idle thread back onto the
	// run queue (ThreadDrop re-enqueues any thread left READY), so the
	// next tick finds idle there and switches to it.
	Tick(cpu)
	if cpu.Current != cpu.IdleThread {
		t.Fatalf("expected idle thread once the run queue drained")
	}

	// Switching away from th requeued it the same way; the following
	// tick must switch back to it with no further action from the test.
	Tick(cpu)
	if cpu.Current != th {
		t.Fatalf("expected the scheduler to switch back to the re-enqueued thread")
	}
}

func TestStackSetupLayout(t *testing.T) {
	setup(t)
	mapper, err := ptm.CreateAddressSpace()
	if err != nil {
		t.Fatalf("create address space: %v", err)
	}
	as := vm.New(0, uintptr(1024*mem.PageSize), mapper)
	proc := &Process{AS: as}

	sp, err := StackSetup(proc, []string{"init", "-v"}, []string{"HOME=/"}, Auxv{Entry: 0x401000})
	if err != nil {
		t.Fatalf("stack setup: %v", err)
	}
	if sp%16 != 0 {
		t.Fatalf("initial stack pointer %#x is not 16-byte aligned", sp)
	}

	paddr, _, ok := as.Mapper.Translate(sp)
	if !ok {
		t.Fatalf("expected the final stack pointer to be mapped")
	}
	off := int(sp) % mem.PageSize
	argc := mem.DmapBytes(paddr+mem.Pa(off), 8)
	if argc[0] != 2 {
		t.Fatalf("argc at top of stack = %d, want 2", argc[0])
	}
}

func TestThreadCurrentTracksSwitch(t *testing.T) {
	setup(t)
	cpu, err := InitCPU(0, 0)
	if err != nil {
		t.Fatalf("init cpu: %v", err)
	}
	if ThreadCurrent(cpu) != cpu.IdleThread {
		t.Fatalf("expected the idle thread to be current right after bring-up")
	}

	th, err := CreateKernelThread(func() {})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	Switch(cpu, th)
	if ThreadCurrent(cpu) != th {
		t.Fatalf("expected ThreadCurrent to track the thread just switched to")
	}
	if ThreadCurrent(nil) != nil {
		t.Fatalf("expected ThreadCurrent(nil) to report no thread")
	}
}

func TestDestroyReleasesKernelStackAndFPUBuffer(t *testing.T) {
	setup(t)
	cpu, err := InitCPU(0, 0)
	if err != nil {
		t.Fatalf("init cpu: %v", err)
	}
	zone := pmm.Global.Zone(pmm.ZoneNormal)
	_, freeBefore := zone.Stats()

	th, err := CreateKernelThread(func() {})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	_, freeAfterCreate := zone.Stats()
	if freeAfterCreate >= freeBefore {
		t.Fatalf("expected creating a thread to consume pages: before=%d after=%d", freeBefore, freeAfterCreate)
	}

	Switch(cpu, th)
	Destroy(th)
	// Switching away from th runs ThreadDrop on it, which sees
	// StateDestroy and tears it down.
	Switch(cpu, cpu.IdleThread)

	_, freeAfterDestroy := zone.Stats()
	if freeAfterDestroy != freeBefore {
		t.Fatalf("expected destroying the thread to release its pages: before=%d after=%d", freeBefore, freeAfterDestroy)
	}
	if th.CPU != nil {
		t.Fatalf("expected a destroyed thread to be detached from its CPU")
	}
}

func TestDestroyRemovesThreadFromProcess(t *testing.T) {
	setup(t)
	cpu, err := InitCPU(0, 0)
	if err != nil {
		t.Fatalf("init cpu: %v", err)
	}
	proc, err := CreateProcess(0, uintptr(64*mem.PageSize))
	if err != nil {
		t.Fatalf("create process: %v", err)
	}
	th, err := CreateUserThread(proc, 0x401000, 0)
	if err != nil {
		t.Fatalf("create user thread: %v", err)
	}
	if len(proc.Threads) != 1 {
		t.Fatalf("expected the process to own one thread")
	}

	Switch(cpu, th)
	Destroy(th)
	Switch(cpu, cpu.IdleThread)

	if len(proc.Threads) != 0 {
		t.Fatalf("expected the destroyed thread to be removed from its process")
	}
	if th.Proc != nil {
		t.Fatalf("expected a destroyed thread to be detached from its process")
	}
}

func TestSwitchSavesAndRestoresFPUState(t *testing.T) {
	setup(t)
	cpu, err := InitCPU(0, 0)
	if err != nil {
		t.Fatalf("init cpu: %v", err)
	}

	a, err := CreateKernelThread(func() {})
	if err != nil {
		t.Fatalf("create thread a: %v", err)
	}
	b, err := CreateKernelThread(func() {})
	if err != nil {
		t.Fatalf("create thread b: %v", err)
	}

	Switch(cpu, a)
	// a "uses" the FPU: load a distinguishing value into the live
	// register file.
	loadA := make([]byte, archcpu.FPUStateSize)
	loadA[0] = 0xAB
	archcpu.RestoreFPU(loadA)

	// Switching to b must save a's live register state into a's buffer
	// before anything touches the live register file again.
	Switch(cpu, b)
	loadB := make([]byte, archcpu.FPUStateSize)
	loadB[0] = 0xCD
	archcpu.RestoreFPU(loadB)

	// Switching back to a must restore a's saved state into the live
	// register file; read it back out with a probe save.
	Switch(cpu, a)
	probe := make([]byte, archcpu.FPUStateSize)
	archcpu.SaveFPU(probe)
	if probe[0] != 0xAB {
		t.Fatalf("expected switching back to a to restore its saved FPU byte, got %#x", probe[0])
	}
}

func TestShootdownIPILeavesUnrelatedCPUUntouched(t *testing.T) {
	setup(t)
	if err := InitPreemption(func(*intr.Frame) {}); err != nil {
		t.Fatalf("init preemption: %v", err)
	}

	mapperA, _ := ptm.CreateAddressSpace()
	asA := vm.New(0, uintptr(64*mem.PageSize), mapperA)
	mapperB, _ := ptm.CreateAddressSpace()
	asB := vm.New(0, uintptr(64*mem.PageSize), mapperB)

	procA := &Process{AS: asA}
	cpu0 := &CPU{ID: 0, LapicID: 5, Current: &Thread{Proc: procA}}
	cpu1 := &CPU{ID: 1, LapicID: 9, Current: &Thread{Proc: &Process{AS: asB}}}
	cpuTable = []*CPU{cpu0, cpu1}

	// Should not panic and should only IPI cpu0; we can't observe the IPI
	// target directly here, but we can confirm it doesn't touch cpu1's
	// unrelated address space bookkeeping.
	ShootdownIPI(asA, 0x2000)
	if cpu1.Current.Proc.AS != asB {
		t.Fatalf("shootdown mutated an unrelated CPU's address space")
	}
}
