package sched

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/cpu"
)

// WorkBit selects a deferred work item of a Worker.
type WorkBit uint8

// maxWorkBits is the number of work items a Worker can track.
const maxWorkBits = 64

// Worker drains deferred work in task context. Interrupt handlers call Mark
// to flag a work item; the worker task wakes up and runs the registered
// handler of every flagged item in bit order.
type Worker struct {
	name     string
	pending  uint64
	handlers [maxWorkBits]func()
	idle     WaitQueue
	task     *Task
}

// NewWorker returns a Worker. The worker task is created by Start.
func NewWorker(name string) *Worker {
	return &Worker{name: name}
}

// Handle registers the function that runs when bit is marked.
func (w *Worker) Handle(bit WorkBit, fn func()) {
	w.handlers[bit%maxWorkBits] = fn
}

// Mark flags bit as pending and wakes up the worker task. It is safe to
// call from interrupt handlers.
func (w *Worker) Mark(bit WorkBit) {
	cpu.DisableInterrupts()
	w.pending |= 1 << (bit % maxWorkBits)
	w.idle.WakeOne(WakeEvent)
	cpu.EnableInterrupts()
}

// Pending returns the bitmap of work items that have not been drained.
func (w *Worker) Pending() uint64 {
	return w.pending
}

// Task returns the worker task or nil if the worker has not been started.
func (w *Worker) Task() *Task {
	return w.task
}

// Start spawns the worker task.
func (w *Worker) Start() (*Task, *kernel.Error) {
	t, err := Spawn(w.name, w.loop)
	if err != nil {
		return nil, err
	}

	w.task = t
	return t, nil
}

// loop is the body of the worker task.
func (w *Worker) loop() {
	for {
		w.RunPending()

		cpu.DisableInterrupts()
		if w.pending == 0 {
			Block(&w.idle, w.name+" idle")
		}
		cpu.EnableInterrupts()
	}
}

// RunPending drains the work items that are flagged when it is called.
func (w *Worker) RunPending() {
	cpu.DisableInterrupts()
	work := w.pending
	w.pending = 0
	cpu.EnableInterrupts()

	for bit := 0; work != 0; bit, work = bit+1, work>>1 {
		if work&1 != 0 && w.handlers[bit] != nil {
			w.handlers[bit]()
		}
	}
}
