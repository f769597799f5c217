// Package sched implements a preemptive round-robin task scheduler for a
// single logical CPU.
//
// Each task is backed by a goroutine. Only the goroutine of the task that
// holds the CPU executes; a context switch saves the interrupt state of the
// outgoing task, restores the state of the incoming one and hands the CPU
// over. Preemption happens at trap return once the running task has used up
// its time slice.
package sched

import (
	"io"
	"runtime"
	"sync/atomic"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/mm"
	"github.com/shiiinji/wasabi/kernel/mm/vmm"
)

const (
	// MaxTasks is the size of the task table, including the idle task.
	MaxTasks = 64

	// UserDataBase is the start of the user accessible data area that
	// every task address space gets at creation time.
	UserDataBase = uintptr(0x400000)

	// UserDataPages is the size of the user data area in pages.
	UserDataPages = 16

	// ExitKilled is the exit code of tasks terminated by Kill or by an
	// unrecoverable trap.
	ExitKilled = -1
)

var (
	// ErrTooManyTasks is returned by Spawn when the task table is full.
	ErrTooManyTasks = &kernel.Error{Module: "sched", Message: "task table is full"}

	errIdleBlocked = &kernel.Error{Module: "sched", Message: "the idle task cannot block or exit"}

	// tasks is indexed by task id. Slot 0 holds the idle task.
	tasks   [MaxTasks]*Task
	idle    *Task
	current *Task
	readyQ  runQueue

	// timeSlice is the number of ticks a task may run before it is
	// preempted.
	timeSlice uint32 = 1

	// needResched is set by Tick when the running task used up its
	// time slice.
	needResched bool

	exitHooks []func(TaskID)

	shutdownRequested atomic.Bool

	// the following functions are mocked by tests.
	panicFn           = kfmt.Panic
	newAddressSpaceFn = vmm.NewAddressSpace
	switchContextFn   = switchContext
)

// Init resets the scheduler and turns the calling goroutine into the idle
// task. The idle task runs in the kernel address space and only gets the CPU
// when no other task is ready. Init installs the timer IRQ handler as well
// as the trap-return and task fault hooks of the gate package.
func Init(slice uint32) {
	if slice == 0 {
		slice = 1
	}
	timeSlice = slice

	for i := range tasks {
		tasks[i] = nil
	}
	readyQ = runQueue{}
	sleepers = WaitQueue{}
	needResched = false
	exitHooks = nil
	tickHooks = nil
	jiffies = 0
	shutdownRequested.Store(false)

	idle = &Task{
		id:     0,
		name:   "idle",
		state:  Running,
		space:  vmm.KernelSpace(),
		resume: make(chan struct{}, 1),
	}
	tasks[0] = idle
	current = idle

	gate.HandleInterrupt(gate.TimerIRQ, timerHandler)
	gate.SetTrapReturnHook(preempt)
	gate.SetTaskFaultHandler(killFaultingTask)

	kfmt.Fprintf(logWriter(), "round-robin scheduler ready (slice: %d ticks, max tasks: %d)\n", timeSlice, MaxTasks)
}

// Spawn creates a task that runs entry in a fresh address space and appends
// it to the ready queue. The task exits when entry returns.
func Spawn(name string, entry func()) (*Task, *kernel.Error) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	id := TaskID(0)
	for slot := 1; slot < MaxTasks; slot++ {
		if tasks[slot] == nil {
			id = TaskID(slot)
			break
		}
	}
	if id == 0 {
		return nil, ErrTooManyTasks
	}

	space, err := newAddressSpaceFn(mm.Owner(id))
	if err != nil {
		return nil, err
	}

	if _, err = space.AllocRegion(UserDataBase, UserDataPages<<mm.PageShift, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible|vmm.FlagNoExecute); err != nil {
		space.Destroy()
		return nil, err
	}

	t := &Task{
		id:     id,
		name:   name,
		state:  Ready,
		space:  space,
		resume: make(chan struct{}, 1),
	}
	tasks[id] = t
	go t.run(entry)
	readyQ.push(t)

	return t, nil
}

// run is the body of the goroutine that backs a task.
func (t *Task) run(entry func()) {
	var returned bool
	defer func() {
		// A Go panic (e.g. a halted CPU) keeps the CPU and unwinds the
		// process.
		if returned || t.state == Zombie {
			finishTask(t)
		}
	}()

	<-t.resume
	if !t.dying {
		entry()
	}
	returned = true
}

// finishTask runs as the last deferred call of a task goroutine. It reclaims
// the task if it returned normally, releases its TCB slot and hands the CPU
// to the next task without waiting for it to come back.
func finishTask(t *Task) {
	if t.state != Zombie {
		reap(t, 0)
	}

	next := t.returnTo
	if next == nil {
		next = pickNext()
	}
	t.returnTo = nil

	if tasks[t.id] == t {
		tasks[t.id] = nil
	}

	switchTo(next)
}

// Current returns the running task.
func Current() *Task {
	return current
}

// Lookup returns the task with the specified id or nil if the slot is free.
func Lookup(id TaskID) *Task {
	if int(id) >= MaxTasks {
		return nil
	}
	return tasks[id]
}

// Yield moves the running task to the tail of the ready queue and switches
// to the task at its head. Yield returns immediately if no other task is
// ready.
func Yield() {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	reschedule()
}

// reschedule must be called with interrupts masked.
func reschedule() {
	if readyQ.len() == 0 {
		current.sliceUsed = 0
		return
	}

	if prev := current; prev != idle {
		prev.state = Ready
		readyQ.push(prev)
	}
	switchTo(readyQ.pop())
}

// Block suspends the running task on wq until it is woken up by Wake,
// WaitQueue.WakeOne or WaitQueue.WakeAll and returns the delivered signal.
//
// Callers that test a wake-up condition before blocking must keep
// interrupts masked between the test and the call to Block.
func Block(wq *WaitQueue, reason string) WakeSignal {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	t := current
	if t == idle {
		panicFn(errIdleBlocked)
		return WakeNone
	}

	t.state = Blocked
	t.reason = reason
	t.wakeSignal = WakeNone
	wq.enqueue(t)

	switchTo(pickNext())

	t.reason = ""
	return t.wakeSignal
}

// Wake moves a blocked task to the tail of the ready queue and arranges for
// its call to Block to return signal. Calling Wake on a task that is not
// blocked has no effect.
func Wake(t *Task, signal WakeSignal) {
	if t == nil || t.state != Blocked {
		return
	}

	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	if t.waitQueue != nil {
		t.waitQueue.remove(t)
	}
	t.state = Ready
	t.wakeSignal = signal
	readyQ.push(t)
}

// OnExit registers a function that is invoked with the id of every task
// that terminates, before its address space is destroyed.
func OnExit(hook func(TaskID)) {
	exitHooks = append(exitHooks, hook)
}

// Exit terminates the running task. Its address space and every frame it
// owns are reclaimed before Exit hands over the CPU; Exit never returns.
func Exit(code int) {
	if current == idle {
		panicFn(errIdleBlocked)
		return
	}

	exitCurrent(code)
}

// exitCurrent reclaims the running task and unwinds its goroutine. Deferred
// calls of the task run while it still holds the CPU; the final switch is
// performed by finishTask.
func exitCurrent(code int) {
	reap(current, code)
	runtime.Goexit()
}

// Kill terminates t. The address space of t is reclaimed before Kill
// returns. If t is the running task, Kill does not return.
func Kill(t *Task, err *kernel.Error) {
	if t == nil || t == idle || t.state == Zombie {
		return
	}

	reason := "killed"
	if err != nil {
		reason = err.Message
	}
	kfmt.Fprintf(logWriter(), "killing task %d (%s): %s\n", t.id, t.name, reason)

	if t == current {
		exitCurrent(ExitKilled)
		return
	}

	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	reap(t, ExitKilled)

	// Lend the CPU to the victim so its goroutine can unwind. It returns
	// the CPU to us once done.
	t.dying = true
	t.returnTo = current
	switchTo(t)
}

// reap moves t to the Zombie state, removes it from every queue, runs the
// exit hooks and destroys its address space.
func reap(t *Task, code int) {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	switch t.state {
	case Ready:
		readyQ.remove(t)
	case Blocked:
		if t.waitQueue != nil {
			t.waitQueue.remove(t)
		}
	}
	t.state = Zombie
	t.exitCode = code

	for _, hook := range exitHooks {
		hook(t.id)
	}

	if t.space != nil {
		t.space.Destroy()
		t.space = nil
	}

	kfmt.Fprintf(logWriter(), "task %d (%s) exited with code %d\n", t.id, t.name, code)
}

// pickNext removes the next task from the ready queue or returns the idle
// task if the queue is empty.
func pickNext() *Task {
	if t := readyQ.pop(); t != nil {
		return t
	}
	return idle
}

// switchTo saves the context of the running task and resumes next. The
// caller is responsible for updating the state of the running task.
func switchTo(next *Task) {
	prev := current
	if next == prev {
		return
	}

	if prev.state != Zombie {
		prev.ctx.intrDepth = cpu.SaveInterruptState()
		prev.ctx.frame = gate.LastFrame()
	}

	if next.space != nil && next.space != vmm.ActiveSpace() {
		next.space.Activate()
	}

	current = next
	if next.state != Zombie {
		next.state = Running
	}
	next.sliceUsed = 0
	needResched = false
	cpu.RestoreInterruptState(next.ctx.intrDepth)

	switchContextFn(prev, next)
}

// switchContext hands the CPU from the goroutine of prev to the goroutine of
// next and parks prev until it is resumed. A zombie is never resumed so its
// goroutine returns right away.
func switchContext(prev, next *Task) {
	next.resume <- struct{}{}
	if prev.state == Zombie {
		return
	}

	<-prev.resume
	if prev.dying {
		runtime.Goexit()
	}
}

// preempt runs every time the CPU returns from a trap with interrupts
// enabled. It switches away from a task whose time slice expired and from
// the idle task as soon as another task is ready.
func preempt() {
	t := current
	if t == nil || t.state != Running {
		return
	}

	if t != idle && !needResched {
		return
	}
	needResched = false

	if readyQ.len() == 0 {
		t.sliceUsed = 0
		return
	}

	if t != idle {
		t.state = Ready
		readyQ.push(t)
	}
	switchTo(readyQ.pop())
}

// killFaultingTask terminates the running task after an unrecoverable trap.
// It returns false when there is no task to blame.
func killFaultingTask(vector gate.InterruptNumber, _ *gate.Registers) bool {
	t := current
	if t == nil || t == idle || t.state == Zombie {
		return false
	}

	kfmt.Fprintf(logWriter(), "task %d (%s) terminated by trap %d\n", t.id, t.name, vector)
	exitCurrent(ExitKilled)
	return true
}

// RunIdle runs the idle loop on the goroutine that called Init until
// Shutdown is invoked. While no task is ready, the CPU is parked until the
// next interrupt.
func RunIdle() {
	cpu.RestoreInterruptState(0)
	for !shutdownRequested.Load() {
		if readyQ.len() > 0 {
			Yield()
			continue
		}
		cpu.WaitForInterrupt()
	}
}

// Shutdown asks the idle loop to return. It may be called from any
// goroutine.
func Shutdown() {
	shutdownRequested.Store(true)
	cpu.Kick()
}

// Dump writes a line for every task in the task table to w.
func Dump(w io.Writer) {
	for _, t := range tasks {
		if t == nil {
			continue
		}

		kfmt.Fprintf(w, "%3d %-12s %-8s %s\n", t.id, t.name, t.state, t.reason)
	}
}

func logWriter() *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter("sched")
}
