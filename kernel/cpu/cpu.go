// Package cpu models the single logical x86_64 CPU that the kernel runs on.
//
// The kernel runs hosted: code executes on whichever goroutine currently holds
// the CPU (see the sched package) and the state kept here (interrupt flag,
// control registers, TLB) is only ever touched by that goroutine. Devices run
// on their own goroutines and may only interact with the CPU by latching IRQ
// lines through RaiseIRQ.
package cpu

import "sync/atomic"

// MaxIRQLines is the number of IRQ lines supported by the interrupt controller.
const MaxIRQLines = 64

// Halted is the value passed to panic by Halt.
type Halted struct {
	// Reason is an optional message describing why the CPU was halted.
	Reason string
}

var (
	// intrDepth counts nested DisableInterrupts calls. Interrupts are
	// enabled when it is zero.
	intrDepth int

	// pendingIRQs is a bitmap of IRQ lines latched by devices and not yet
	// delivered to the CPU.
	pendingIRQs uint64

	// irqSignal wakes a CPU parked inside WaitForInterrupt.
	irqSignal = make(chan struct{}, 1)

	// cr2 holds the faulting address of the last page fault.
	cr2 uint64

	// cr3 holds the physical address of the active page directory table.
	cr3 uintptr

	// irqFn is invoked for each delivered IRQ line and trapReturnFn is
	// invoked every time the CPU reaches an interrupt window. Both are
	// installed by the gate package.
	irqFn        func(line uint8)
	trapReturnFn func()
)

// SetTrapHandlers installs the functions that the CPU invokes when it
// delivers a latched IRQ line and when it returns from a trap with interrupts
// enabled.
func SetTrapHandlers(irq func(line uint8), trapReturn func()) {
	irqFn = irq
	trapReturnFn = trapReturn
}

// Reset restores the CPU to its power-on state. Latched IRQs, trap handlers,
// control registers and the TLB are all cleared.
func Reset() {
	intrDepth = 0
	atomic.StoreUint64(&pendingIRQs, 0)
	select {
	case <-irqSignal:
	default:
	}
	cr2, cr3 = 0, 0
	irqFn, trapReturnFn = nil, nil
	FlushTLB()
}

// DisableInterrupts masks interrupt delivery. Calls nest; each call must be
// paired with a call to EnableInterrupts.
func DisableInterrupts() {
	intrDepth++
}

// EnableInterrupts undoes one DisableInterrupts call. When the outermost
// call is undone, any latched IRQs are delivered and the trap-return hook
// runs before EnableInterrupts returns.
func EnableInterrupts() {
	if intrDepth > 0 {
		intrDepth--
	}

	if intrDepth == 0 {
		interruptWindow()
	}
}

// InterruptsEnabled returns true if interrupt delivery is currently unmasked.
func InterruptsEnabled() bool {
	return intrDepth == 0
}

// SaveInterruptState returns the current interrupt mask depth. It is used by
// the context switch code to save the interrupt flag of the outgoing task.
func SaveInterruptState() int {
	return intrDepth
}

// RestoreInterruptState sets the interrupt mask depth without delivering
// pending interrupts. It is used by the context switch code to restore the
// interrupt flag of the incoming task.
func RestoreInterruptState(depth int) {
	intrDepth = depth
}

// RaiseIRQ latches the specified IRQ line. It is safe to call from any
// goroutine. The IRQ is delivered the next time the CPU opens an interrupt
// window.
func RaiseIRQ(line uint8) {
	if line >= MaxIRQLines {
		return
	}

	for {
		old := atomic.LoadUint64(&pendingIRQs)
		if atomic.CompareAndSwapUint64(&pendingIRQs, old, old|(1<<line)) {
			break
		}
	}
	Kick()
}

// Kick wakes up a CPU parked in WaitForInterrupt without latching an IRQ.
func Kick() {
	select {
	case irqSignal <- struct{}{}:
	default:
	}
}

// PendingIRQs returns a bitmap with the currently latched IRQ lines.
func PendingIRQs() uint64 {
	return atomic.LoadUint64(&pendingIRQs)
}

// WaitForInterrupt emulates a "sti; hlt" sequence: it parks the CPU until an
// IRQ is latched (or Kick is called) and then delivers any pending IRQs.
// It must be called with interrupts enabled.
func WaitForInterrupt() {
	if atomic.LoadUint64(&pendingIRQs) == 0 {
		<-irqSignal
	}

	if intrDepth == 0 {
		interruptWindow()
	}
}

// interruptWindow delivers any latched IRQs with interrupts masked and then
// invokes the trap-return hook.
func interruptWindow() {
	for {
		lines := atomic.SwapUint64(&pendingIRQs, 0)
		if lines == 0 {
			break
		}

		intrDepth++
		for line := uint8(0); lines != 0; line, lines = line+1, lines>>1 {
			if lines&1 != 0 && irqFn != nil {
				irqFn(line)
			}
		}
		intrDepth--
	}

	if trapReturnFn != nil {
		trapReturnFn()
	}
}

// Halt stops instruction execution on the calling context. The hosted
// implementation never returns; it unwinds the goroutine holding the CPU.
func Halt() {
	panic(Halted{Reason: "cpu halted"})
}

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64 {
	return cr2
}

// WriteCR2 stores the faulting address for a page fault that is about to be
// raised. On real hardware this is done by the MMU.
func WriteCR2(v uint64) {
	cr2 = v
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	cr3 = pdtPhysAddr
	FlushTLB()
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return cr3
}
