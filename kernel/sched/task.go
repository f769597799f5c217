package sched

import (
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/mm"
	"github.com/shiiinji/wasabi/kernel/mm/vmm"
)

// TaskID identifies a task control block slot. ID 0 belongs to the idle
// task. The id of a task doubles as the owner id of its address space.
type TaskID uint32

// State describes the scheduling state of a task.
type State uint8

const (
	// Ready tasks wait in the ready queue for the CPU.
	Ready State = iota

	// Running is the state of the task that holds the CPU.
	Running

	// Blocked tasks wait on a WaitQueue for a wake-up condition.
	Blocked

	// Zombie is the terminal state of a task that exited or was killed.
	Zombie
)

var stateNames = [...]string{"ready", "running", "blocked", "zombie"}

// String implements fmt.Stringer for State.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// WakeSignal tells a task that returns from Block why it was woken up.
type WakeSignal uint8

const (
	// WakeNone is never delivered.
	WakeNone WakeSignal = iota

	// WakeEvent reports that the condition the task waited for fired.
	WakeEvent

	// WakeTimeout reports that the deadline passed to Sleep expired.
	WakeTimeout

	// WakeClosed reports that the object the task waited on was closed.
	WakeClosed

	// WakeReset reports that the object the task waited on was aborted.
	WakeReset
)

// context is the part of the machine state that is saved into a TCB when the
// task is switched out.
type context struct {
	// intrDepth is the interrupt mask depth of the task.
	intrDepth int

	// frame is the trap frame that was active when the task was
	// switched out.
	frame gate.Registers
}

// Task is a task control block.
type Task struct {
	id    TaskID
	name  string
	state State

	// reason describes why a Blocked task is waiting.
	reason string

	space *vmm.AddressSpace
	ctx   context

	// sliceUsed counts the ticks consumed in the current time slice.
	sliceUsed uint32

	// waitQueue points to the queue the task is blocked on and wakeSignal
	// holds the signal it is woken up with.
	waitQueue  *WaitQueue
	wakeSignal WakeSignal
	nextWaiter *Task

	// wakeAt is the tick deadline of a sleeping task.
	wakeAt uint64

	exitCode int

	// resume hands the CPU to the goroutine backing the task.
	resume chan struct{}

	// dying is set when the task was killed by another task. The task
	// unwinds as soon as it receives the CPU and then passes the CPU to
	// returnTo.
	dying    bool
	returnTo *Task
}

// ID returns the task id.
func (t *Task) ID() TaskID { return t.id }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// State returns the scheduling state of the task.
func (t *Task) State() State { return t.state }

// Reason returns the reason a blocked task is waiting for.
func (t *Task) Reason() string { return t.reason }

// Space returns the address space of the task.
func (t *Task) Space() *vmm.AddressSpace { return t.space }

// Owner returns the frame owner id used by the task's address space.
func (t *Task) Owner() mm.Owner { return mm.Owner(t.id) }

// ExitCode returns the code passed to Exit. It is only meaningful for tasks
// in the Zombie state.
func (t *Task) ExitCode() int { return t.exitCode }

// SavedFrame returns the trap frame that was saved the last time the task was
// switched out.
func (t *Task) SavedFrame() gate.Registers { return t.ctx.frame }
