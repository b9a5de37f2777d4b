// Package archcpu wraps the handful of CPU primitives the scheduler and
// interrupt plumbing need: halt, interrupt-flag control, and TLB
// invalidation. Every one of them is privileged on real hardware, so
// (like mem's simulated direct map and lapic's simulated register file)
// they are package-level function variables here rather than inline
// assembly — there is no real assembly anywhere in this core, and a
// hosted `go test` binary has no business executing CLI/STI/HLT anyway.
package archcpu

var interruptsEnabled bool
var cr3 uintptr

// FPUStateSize is the size in bytes of the area FXSAVE/XSAVE needs,
// rounded up to the legacy FXSAVE layout. A real save area must also be
// 16-byte aligned (64 for XSAVE); callers that place one in memory they
// control (sched's per-thread buffer) are responsible for the alignment
// itself, the same way they are for a kernel stack.
const FPUStateSize = 512

var fpuRegs [FPUStateSize]byte

var (
	// HaltFn parks the CPU until the next interrupt. Bring-up replaces
	// this with the real HLT loop; it is never called from a test.
	HaltFn = func() {}

	// InvalidatePageFn flushes a single TLB entry for vaddr.
	InvalidatePageFn = func(vaddr uintptr) {}

	// EnableInterruptsFn and DisableInterruptsFn toggle the CPU's
	// interrupt-enable flag.
	EnableInterruptsFn  = func() { interruptsEnabled = true }
	DisableInterruptsFn = func() { interruptsEnabled = false }

	// LoadCR3Fn and ReadCR3Fn model the CR3 register that holds the
	// active address space's root page-table frame.
	LoadCR3Fn = func(v uintptr) { cr3 = v }
	ReadCR3Fn = func() uintptr { return cr3 }

	// SaveFPUFn copies the CPU's live FPU/SSE register file into buf
	// (FXSAVE on real hardware). The hosted simulation keeps a single
	// package-level register file so a save/restore round trip through
	// two different threads' buffers is observable in tests.
	SaveFPUFn = func(buf []byte) { copy(buf, fpuRegs[:]) }

	// RestoreFPUFn loads the CPU's FPU/SSE register file from buf
	// (FXRSTOR on real hardware).
	RestoreFPUFn = func(buf []byte) { copy(fpuRegs[:], buf) }
)

// Halt parks the CPU.
func Halt() { HaltFn() }

// InvalidatePage flushes vaddr's TLB entry.
func InvalidatePage(vaddr uintptr) { InvalidatePageFn(vaddr) }

// EnableInterrupts unmasks interrupts on this CPU.
func EnableInterrupts() { EnableInterruptsFn() }

// DisableInterrupts masks interrupts on this CPU.
func DisableInterrupts() { DisableInterruptsFn() }

// LoadCR3 sets the active page-table root.
func LoadCR3(v uintptr) { LoadCR3Fn(v) }

// ReadCR3 returns the active page-table root.
func ReadCR3() uintptr { return ReadCR3Fn() }

// SaveFPU captures the FPU/SSE register file into buf, which must be at
// least FPUStateSize bytes.
func SaveFPU(buf []byte) { SaveFPUFn(buf) }

// RestoreFPU loads the FPU/SSE register file from buf.
func RestoreFPU(buf []byte) { RestoreFPUFn(buf) }

// InterruptsEnabled reports whether interrupts are currently unmasked.
// This is simulation-only state; real hardware has no readable flag
// short of pushing and inspecting RFLAGS, which no caller in this core
// needs to do.
func InterruptsEnabled() bool { return interruptsEnabled }
