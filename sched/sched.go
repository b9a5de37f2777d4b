// Package sched is the per-CPU preemptive thread scheduler: thread and
// process lifecycle, a FIFO run queue per CPU, context switch, and the
// user-stack layout a freshly execve'd process needs.
//
// A real switch pivots the CPU's stack pointer through hand-written
// assembly and reloads it on the far side inside the new thread's own
// call stack (sched_context_switch/common_thread_init in the reference
// scheduler). This core runs hosted under the Go runtime, which owns
// every goroutine's stack already, so Switch instead performs the
// surrounding bookkeeping synchronously: address-space load, the
// previous thread's requeue, and the timer rearm that common_thread_init
// does right after the pivot.
package sched

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"nucleus/archcpu"
	"nucleus/intr"
	"nucleus/kerr"
	"nucleus/lapic"
	"nucleus/mem"
	"nucleus/pmm"
	"nucleus/ptm"
	"nucleus/vm"
)

// fpuBufferPages is one page, which is more than FPUStateSize needs; a
// whole page keeps the save area on its own cache lines and trivially
// satisfies the save area's alignment requirement, the same way a
// kernel stack gets its own pages rather than sharing one with anything
// else.
const fpuBufferPages = 1

// State is a thread's scheduling state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateDestroy
)

const kernelStackPages = 16

// schedIntervalTicks mirrors the reference scheduler's fixed preemption
// quantum in APIC timer ticks.
const schedIntervalTicks = 100000

var userStackSize = 8 * mem.PageSize

// Thread is a single schedulable flow of control.
type Thread struct {
	ID    uint64
	State State
	Proc  *Process
	CPU   *CPU

	KernelStackBase mem.Pa
	kernelStackSize int
	kernelStackPage *pmm.Page

	// FPUBase is the physical address of this thread's saved FPU/SSE
	// register file. It lives on its own page so the save area is
	// always aligned well past what FXSAVE/XSAVE require.
	FPUBase mem.Pa
	fpuPage *pmm.Page
	hasFPU  bool // true once Switch has saved this thread's FPU state

	Entry func()

	fs, gs uint64

	next   *Thread // run-queue linkage
	queued bool    // true while linked into some CPU's run queue
}

// Process groups the threads sharing one address space.
type Process struct {
	mu      sync.Mutex
	AS      *vm.AddressSpace
	Threads []*Thread
}

// removeThread deletes t from proc's thread list, reporting whether proc
// is now empty (every thread has exited and the process itself can be
// torn down).
func (proc *Process) removeThread(t *Thread) bool {
	proc.mu.Lock()
	defer proc.mu.Unlock()
	for i, th := range proc.Threads {
		if th == t {
			proc.Threads = append(proc.Threads[:i], proc.Threads[i+1:]...)
			break
		}
	}
	return len(proc.Threads) == 0
}

// CPU is one core's scheduling context: its idle thread, currently
// running thread, and FIFO run queue.
type CPU struct {
	ID      int
	LapicID uint32

	IdleThread *Thread
	Current    *Thread

	// Rsp0 mirrors the TSS.rsp0 field: the kernel-stack top the CPU
	// switches to on the next privilege-level transition.
	Rsp0 uintptr

	mu               sync.Mutex
	runHead, runTail *Thread
}

var (
	nextTID     uint64
	kernelAS    *vm.AddressSpace
	preemptVec  uint8
	shootdownV  uint8
	cpuTableMu  sync.Mutex
	cpuTable    []*CPU
	shootdownMu sync.Mutex
	shootdownAt uintptr
)

// SetKernelAddressSpace designates the address space threads with no
// process (kernel threads) run under, and publishes its mapper as the
// one every subsequently created process address space shares its
// higher half with (ptm.CreateAddressSpace consults this at creation
// time).
func SetKernelAddressSpace(as *vm.AddressSpace) {
	kernelAS = as
	ptm.SetGlobalAddressSpace(as.Mapper)
}

func (cpu *CPU) enqueue(t *Thread) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	if t.queued {
		return
	}
	t.queued = true
	t.next = nil
	if cpu.runTail != nil {
		cpu.runTail.next = t
	} else {
		cpu.runHead = t
	}
	cpu.runTail = t
}

// Enqueue places a READY thread on cpu's run queue, making it eligible
// to be picked up by a future Tick. Thread creation does not enqueue
// automatically — the caller chooses which CPU a new thread starts on.
func Enqueue(cpu *CPU, t *Thread) {
	cpu.enqueue(t)
}

// ThreadNext pops the next runnable thread from cpu's run queue, or nil
// if it is empty.
func ThreadNext(cpu *CPU) *Thread {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	t := cpu.runHead
	if t == nil {
		return nil
	}
	cpu.runHead = t.next
	if cpu.runHead == nil {
		cpu.runTail = nil
	}
	t.next = nil
	t.queued = false
	return t
}

// ThreadDrop is called with the thread just switched away from: if it
// is still runnable, it rejoins its CPU's run queue; if it was marked
// for destruction, its resources are released.
func ThreadDrop(t *Thread) {
	if t == nil || t.CPU == nil {
		return
	}
	switch t.State {
	case StateReady:
		t.CPU.enqueue(t)
	case StateDestroy:
		destroyThread(t)
	}
}

// Destroy marks t for teardown. The actual release of its kernel stack,
// FPU buffer, and descriptor happens the next time it is switched away
// from (ThreadDrop, invoked from Switch), since a thread cannot free the
// stack it is still running on.
func Destroy(t *Thread) {
	t.State = StateDestroy
}

// destroyThread releases t's kernel stack and FPU save area back to the
// page allocator and detaches it from its process. The process itself
// (its address space and page tables) is not released, even when t was
// its last thread. It only runs once t is no longer any CPU's current
// thread.
func destroyThread(t *Thread) {
	if t.kernelStackPage != nil {
		pmm.Global.Free(t.kernelStackPage)
		t.kernelStackPage = nil
	}
	if t.fpuPage != nil {
		pmm.Global.Free(t.fpuPage)
		t.fpuPage = nil
	}
	t.CPU = nil
	if t.Proc != nil {
		t.Proc.removeThread(t)
		t.Proc = nil
	}
}

// ThreadCurrent returns the thread currently running on cpu, or nil
// before the first Switch has run.
func ThreadCurrent(cpu *CPU) *Thread {
	if cpu == nil {
		return nil
	}
	return cpu.Current
}

func saveFPU(t *Thread) {
	if t.fpuPage == nil {
		return
	}
	archcpu.SaveFPU(mem.DmapBytes(t.FPUBase, archcpu.FPUStateSize))
	t.hasFPU = true
}

func restoreFPU(t *Thread) {
	if t.fpuPage == nil || !t.hasFPU {
		return
	}
	archcpu.RestoreFPU(mem.DmapBytes(t.FPUBase, archcpu.FPUStateSize))
}

// Switch makes next the running thread on cpu: it saves the outgoing
// thread's FPU state, loads next's address space, programs the
// kernel-stack-top register, restores next's FPU state, and requeues
// (or tears down) whatever was running before.
func Switch(cpu *CPU, next *Thread) {
	prev := cpu.Current
	if prev != nil && prev != next {
		saveFPU(prev)
	}

	if next.Proc != nil {
		next.Proc.AS.Mapper.LoadAddressSpace()
	} else if kernelAS != nil {
		kernelAS.Mapper.LoadAddressSpace()
	}

	next.CPU = cpu
	next.State = StateRunning
	cpu.Current = next
	cpu.Rsp0 = uintptr(next.KernelStackBase) + uintptr(next.kernelStackSize)
	restoreFPU(next)

	if prev != nil && prev != next {
		if prev.State == StateRunning {
			prev.State = StateReady
		}
		ThreadDrop(prev)
	}

	lapic.TimerOneshot(preemptVec, schedIntervalTicks)
}

// Tick runs on the scheduler's timer interrupt: it picks the next
// runnable thread (or the idle thread, if none) and switches to it.
func Tick(cpu *CPU) {
	next := ThreadNext(cpu)
	if next == nil {
		if cpu.Current == cpu.IdleThread {
			lapic.TimerOneshot(preemptVec, schedIntervalTicks)
			return
		}
		next = cpu.IdleThread
	}
	if next == cpu.Current {
		lapic.TimerOneshot(preemptVec, schedIntervalTicks)
		return
	}
	Switch(cpu, next)
}

func allocKernelStack() (*pmm.Page, int, *kerr.Error) {
	pg, err := pmm.Global.AllocPages(kernelStackPages, pmm.ZoneFlags(pmm.ZoneNormal)|pmm.Zero)
	if err != nil {
		return nil, 0, err
	}
	size := (1 << pg.Order) * mem.PageSize
	return pg, size, nil
}

func allocFPUBuffer() (*pmm.Page, *kerr.Error) {
	return pmm.Global.AllocPages(fpuBufferPages, pmm.ZoneFlags(pmm.ZoneNormal)|pmm.Zero)
}

func newThread(proc *Process, entry func()) (*Thread, *kerr.Error) {
	stack, size, err := allocKernelStack()
	if err != nil {
		return nil, err
	}
	fpu, err := allocFPUBuffer()
	if err != nil {
		pmm.Global.Free(stack)
		return nil, err
	}
	return &Thread{
		ID:              atomic.AddUint64(&nextTID, 1),
		State:           StateReady,
		Proc:            proc,
		KernelStackBase: stack.PAddr,
		kernelStackSize: size,
		kernelStackPage: stack,
		FPUBase:         fpu.PAddr,
		fpuPage:         fpu,
		Entry:           entry,
	}, nil
}

// CreateKernelThread creates a thread with no owning process, running
// entry in kernel mode.
func CreateKernelThread(entry func()) (*Thread, *kerr.Error) {
	return newThread(nil, entry)
}

// CreateProcess builds a fresh process with its own address space
// covering [start, end). The address space's mapper is built through
// ptm.CreateAddressSpace, which copies in the kernel's higher half
// (once SetKernelAddressSpace has published it) so a syscall or
// interrupt taken while this process is loaded still finds kernel text
// and the direct map mapped.
func CreateProcess(start, end uintptr) (*Process, *kerr.Error) {
	mapper, err := ptm.CreateAddressSpace()
	if err != nil {
		return nil, err
	}
	return &Process{AS: vm.New(start, end, mapper)}, nil
}

// CreateUserThread creates a thread belonging to proc. ip and sp are
// recorded on Entry/KernelStackBase bookkeeping only — the real
// instruction/stack pointers a user-mode entry needs are programmed
// into the hardware trap frame at bring-up, outside this package's
// scope.
func CreateUserThread(proc *Process, ip, sp uintptr) (*Thread, *kerr.Error) {
	t, err := newThread(proc, nil)
	if err != nil {
		return nil, err
	}
	proc.mu.Lock()
	proc.Threads = append(proc.Threads, t)
	proc.mu.Unlock()
	return t, nil
}

// InitCPU brings up a CPU's scheduling context: an idle thread at id 0,
// a transient bootstrap thread, and the initial switch into idle.
func InitCPU(id int, lapicID uint32) (*CPU, *kerr.Error) {
	cpu := &CPU{ID: id, LapicID: lapicID}

	idle, err := CreateKernelThread(idleLoop)
	if err != nil {
		return nil, err
	}
	idle.ID = 0
	cpu.IdleThread = idle

	bootstrap := &Thread{State: StateDestroy, CPU: cpu}
	cpu.Current = bootstrap

	Switch(cpu, idle)

	cpuTableMu.Lock()
	cpuTable = append(cpuTable, cpu)
	cpuTableMu.Unlock()
	return cpu, nil
}

func idleLoop() {
	for {
		archcpu.Halt()
	}
}

// InitPreemption reserves the interrupt vector the scheduler's timer
// fires and the vector remote-shootdown IPIs arrive on.
func InitPreemption(onTick func(*intr.Frame)) *kerr.Error {
	v, err := intr.Request(intr.PriorityPreempt, onTick)
	if err != nil {
		return err
	}
	preemptVec = v

	sv, err := intr.Request(intr.PriorityHigh, func(*intr.Frame) {
		shootdownMu.Lock()
		addr := shootdownAt
		shootdownMu.Unlock()
		archcpu.InvalidatePage(addr)
	})
	if err != nil {
		return err
	}
	shootdownV = sv
	vm.ShootdownFn = ShootdownIPI
	return nil
}

// ShootdownIPI invalidates vaddr on every CPU currently running a
// thread of the process owning as, via an IPI to each such CPU's local
// APIC — the resolution to the remote-TLB-invalidation question this
// scheduler otherwise leaves open.
func ShootdownIPI(as *vm.AddressSpace, vaddr uintptr) {
	shootdownMu.Lock()
	shootdownAt = vaddr
	shootdownMu.Unlock()

	cpuTableMu.Lock()
	defer cpuTableMu.Unlock()
	for _, cpu := range cpuTable {
		cur := cpu.Current
		if cur == nil || cur.Proc == nil || cur.Proc.AS != as {
			continue
		}
		lapic.IPI(cpu.LapicID, shootdownV)
	}
}

// Auxv carries the ELF auxiliary-vector values a freshly started
// process's C runtime entry point expects to find on its initial stack.
type Auxv struct {
	Entry, Phdr, Phent, Phnum uint64
}

const (
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atEntry  = 9
	atSecure = 23
	atNull   = 0
)

// StackSetup lays out argv, envp, and the ELF auxiliary vector on a
// freshly mapped user stack, following the reference scheduler's
// layout: strings highest, then envp/argv pointer arrays (NULL
// terminated) and the auxv array, then argc at the final stack pointer.
func StackSetup(proc *Process, argv, envp []string, auxv Auxv) (uintptr, *kerr.Error) {
	region, err := proc.AS.MapAnon(0, userStackSize, ptm.PermWrite|ptm.PermUser, ptm.CacheStandard, 0)
	if err != nil {
		return 0, err
	}
	stack := region.Base + uintptr(userStackSize)
	stack &^= 0xF

	push := func(v uint64) {
		stack -= 8
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		proc.AS.WriteAt(stack, buf[:])
	}
	pushString := func(s string) uintptr {
		data := append([]byte(s), 0)
		stack -= uintptr(len(data))
		proc.AS.WriteAt(stack, data)
		return stack
	}
	pushAux := func(id, val uint64) {
		push(val)
		push(id)
	}

	argvAddrs := make([]uintptr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argvAddrs[i] = pushString(argv[i])
	}
	envpAddrs := make([]uintptr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envpAddrs[i] = pushString(envp[i])
	}
	stack &^= 0xF

	pushAux(atNull, 0)
	pushAux(atSecure, 0)
	pushAux(atEntry, auxv.Entry)
	pushAux(atPhdr, auxv.Phdr)
	pushAux(atPhent, auxv.Phent)
	pushAux(atPhnum, auxv.Phnum)

	push(0)
	for i := len(envpAddrs) - 1; i >= 0; i-- {
		push(uint64(envpAddrs[i]))
	}

	push(0)
	for i := len(argvAddrs) - 1; i >= 0; i-- {
		push(uint64(argvAddrs[i]))
	}

	push(uint64(len(argv)))

	return stack, nil
}
