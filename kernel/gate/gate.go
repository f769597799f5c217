// Package gate implements the interrupt descriptor table and routes
// exceptions, hardware interrupts and software traps to their handlers.
package gate

import (
	"io"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %016x RBX = %016x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %016x RDX = %016x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %016x RDI = %016x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %016x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %016x R9  = %016x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %016x R11 = %016x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %016x R13 = %016x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %016x R15 = %016x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %016x CS  = %016x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %016x SS  = %016x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %016x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction
	// while an unmasked FP exception is pending.
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs.
	SIMDFloatingPointException = InterruptNumber(19)

	// IRQBase is the vector where the interrupt controller starts
	// delivering IRQ lines. IRQ line N is delivered as IRQBase+N.
	IRQBase = InterruptNumber(32)

	// TimerIRQ is raised by the system timer (IRQ 0).
	TimerIRQ = IRQBase

	// NICIRQ is raised by the network controller (IRQ 11).
	NICIRQ = IRQBase + 11

	// SyscallVector is the software interrupt used for system calls.
	SyscallVector = InterruptNumber(0x80)
)

// TaskFaultHandler terminates the task that triggered an unhandled trap. It
// returns false if no task context is available.
type TaskFaultHandler func(vector InterruptNumber, regs *Registers) bool

var (
	// idt holds the handler for each interrupt vector.
	idt [256]func(*Registers)

	// spurious counts IRQs delivered to a vector without a handler.
	spurious [256]uint64

	taskFaultHandler TaskFaultHandler
	trapReturnHook   func()

	// lastFrame is a copy of the most recently dispatched trap frame. The
	// scheduler saves it into the TCB of a task that is switched out.
	lastFrame Registers

	// the following functions are mocked by tests.
	panicFn              = kfmt.Panic
	setCPUTrapHandlersFn = cpu.SetTrapHandlers

	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt with no task context"}
)

// Init clears the interrupt descriptor table and connects it to the CPU's
// interrupt delivery path.
func Init() {
	installIDT()
}

// installIDT marks every gate entry as non-present and registers the
// dispatcher with the CPU.
func installIDT() {
	for i := range idt {
		idt[i] = nil
		spurious[i] = 0
	}
	taskFaultHandler = nil
	trapReturnHook = nil
	lastFrame = Registers{}
	setCPUTrapHandlersFn(dispatchIRQ, trapReturn)
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler marks the gate
// entry as non-present.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	idt[intNumber] = handler
}

// SetTaskFaultHandler registers the function that terminates the current
// task when it triggers a trap that has no handler or whose handler cannot
// recover.
func SetTaskFaultHandler(handler TaskFaultHandler) {
	taskFaultHandler = handler
}

// SetTrapReturnHook registers a function that runs every time the CPU
// returns from a trap with interrupts enabled. The scheduler uses it to
// preempt the running task.
func SetTrapReturnHook(hook func()) {
	trapReturnHook = hook
}

// SpuriousCount returns the number of IRQs that were delivered to vector
// while no handler was installed.
func SpuriousCount(vector InterruptNumber) uint64 {
	return spurious[vector]
}

// Dispatch routes an interrupt to its handler. Handlers run with interrupts
// masked so they never nest. An exception or trap without a handler is fatal
// to the current task or, if there is no task context, to the kernel.
func Dispatch(vector InterruptNumber, regs *Registers) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	if regs != nil {
		lastFrame = *regs
	}

	if handler := idt[vector]; handler != nil {
		handler(regs)
		return
	}

	if vector >= IRQBase && vector < IRQBase+cpu.MaxIRQLines && vector != SyscallVector {
		spurious[vector]++
		return
	}

	KillCurrentTask(vector, regs)
}

// Trap is the software interrupt entry point used by the running task, e.g.
// to issue a syscall. When Trap returns, the trap-return path (and thus any
// pending preemption) has already run.
func Trap(vector InterruptNumber, regs *Registers) {
	Dispatch(vector, regs)
}

// KillCurrentTask terminates the current task as the result of a trap it
// cannot recover from. If no task context exists the kernel panics.
func KillCurrentTask(vector InterruptNumber, regs *Registers) {
	w := kfmt.NewPrefixWriter("gate")
	kfmt.Fprintf(w, "unrecoverable trap %d (info: %x)\n", vector, regs.Info)
	regs.DumpTo(w)

	if taskFaultHandler != nil && taskFaultHandler(vector, regs) {
		return
	}

	panicFn(errUnhandledInterrupt)
}

// LastFrame returns a copy of the most recently dispatched trap frame.
func LastFrame() Registers {
	return lastFrame
}

// dispatchIRQ is invoked by the CPU for every latched IRQ line.
func dispatchIRQ(line uint8) {
	regs := Registers{Info: uint64(line)}
	Dispatch(IRQBase+InterruptNumber(line), &regs)
}

// trapReturn is invoked by the CPU when it returns from a trap with
// interrupts enabled.
func trapReturn() {
	if trapReturnHook != nil {
		trapReturnHook()
	}
}
