// Package intr is the priority-partitioned interrupt vector table: 256
// entries, the first 32 pre-claimed by CPU exceptions, the rest handed
// out in priority-ordered bands so a driver can request "give me a
// vector at least this important" without naming one.
package intr

import (
	"fmt"
	"sync"

	"nucleus/kerr"
)

// VectorCount is the size of the vector table (x86_64 IDT size).
const VectorCount = 256

// exceptionVectors is how many low vectors the CPU itself defines
// (faults/traps/aborts) and that Init pre-installs a handler for.
const exceptionVectors = 32

// Priority is a coarse interrupt-importance band. Request scans for a
// free vector starting at priority<<4, so a request never lands below its
// band's floor; the scan continues upward, so once the vectors from that
// floor on are taken (the exception vectors 0..31 included) a request
// lands in a higher band.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityPreempt
	PriorityCritical
)

// Frame is the register state an interrupt handler observes. Field
// names mirror the trap frame exception_unhandled dumps.
type Frame struct {
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	RDI, RSI, RBP, RDX, RCX, RBX, RAX    uint64
	IntNo, ErrCode                       uint64
	RIP, CS, RFlags, RSP, SS             uint64
	CR2                                  uint64
}

// Handler processes one interrupt.
type Handler func(*Frame)

type entry struct {
	free     bool
	priority Priority
	handler  Handler
}

// mu guards entries. Per spec.md §5 this is the innermost lock in the
// core's mutex order (address-space -> PMM-zone -> interrupt-table):
// nothing it protects ever blocks or takes another lock while held.
var mu sync.Mutex

var entries [VectorCount]entry

var exceptionNames = [exceptionVectors]string{
	"division by zero", "debug", "non-maskable interrupt", "breakpoint",
	"overflow", "out of bounds", "invalid opcode", "no coprocessor",
	"double fault", "coprocessor segment overrun", "bad TSS",
	"segment not present", "stack fault", "general protection fault",
	"page fault", "unknown interrupt", "coprocessor fault",
	"alignment check", "machine check", "SIMD exception",
	"virtualization exception", "control protection exception",
	"reserved", "reserved", "reserved", "reserved", "reserved",
	"reserved", "reserved", "reserved", "hypervisor injection exception",
	"VMM communication exception",
}

// panicFn reports an unhandled exception and halts. Tests substitute a
// non-fatal recorder; real bring-up leaves this as panic.
var panicFn = func(msg string) { panic(msg) }

func unhandledException(f *Frame) {
	name := "reserved"
	if int(f.IntNo) < len(exceptionNames) {
		name = exceptionNames[f.IntNo]
	}
	panicFn(fmt.Sprintf(
		"unhandled exception: %s (vector %#x, error %#x, rip %#x, cr2 %#x)",
		name, f.IntNo, f.ErrCode, f.RIP, f.CR2,
	))
}

// Init marks every vector free and installs the unhandled-exception
// reporter on the CPU exception range.
func Init() {
	mu.Lock()
	for i := range entries {
		entries[i] = entry{free: true}
	}
	mu.Unlock()
	for v := 0; v < exceptionVectors; v++ {
		Set(uint8(v), PriorityCritical, unhandledException)
	}
}

// Set installs handler at an explicit vector, overwriting whatever was
// there.
func Set(vector uint8, priority Priority, handler Handler) {
	mu.Lock()
	defer mu.Unlock()
	entries[vector] = entry{free: false, priority: priority, handler: handler}
}

// Request allocates the lowest free vector at or above priority<<4 and
// installs handler there, returning the vector chosen.
func Request(priority Priority, handler Handler) (uint8, *kerr.Error) {
	mu.Lock()
	defer mu.Unlock()
	start := int(priority) << 4
	for i := start; i < VectorCount; i++ {
		if !entries[i].free {
			continue
		}
		entries[i] = entry{free: false, priority: priority, handler: handler}
		return uint8(i), nil
	}
	return 0, kerr.ErrInvalidArgument
}

// Dispatch runs the handler installed for f.IntNo, if any. It is the
// single entry point every ISR stub funnels into. The table lookup is
// taken under mu, but the handler itself runs unlocked: a handler that
// blocks or calls back into intr would otherwise deadlock an interrupt
// context.
func Dispatch(f *Frame) {
	mu.Lock()
	e := entries[f.IntNo]
	mu.Unlock()
	if e.free {
		return
	}
	e.handler(f)
}
