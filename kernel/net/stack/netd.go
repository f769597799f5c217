package stack

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/sched"
)

// Work items of the netd task.
const (
	workRx sched.WorkBit = iota
	workTimer
)

// nicIRQLine is the interrupt controller line of the NIC.
const nicIRQLine = uint8(gate.NICIRQ - gate.IRQBase)

// Start spawns the netd task and routes NIC interrupts and timer ticks to
// it. Interrupt handlers only flag work; frames are processed by netd in
// task context, at most budget frames at a time.
func (s *Stack) Start(budget int) (*sched.Task, *kernel.Error) {
	if budget <= 0 {
		budget = DefaultPollBudget
	}

	w := sched.NewWorker("netd")
	w.Handle(workRx, func() {
		cpu.DisableInterrupts()
		_, more := s.Poll(budget)
		cpu.EnableInterrupts()

		if more {
			w.Mark(workRx)
			sched.Yield()
		}
	})
	w.Handle(workTimer, func() {
		cpu.DisableInterrupts()
		s.Tick(sched.Now())
		cpu.EnableInterrupts()
	})

	gate.HandleInterrupt(gate.NICIRQ, func(_ *gate.Registers) { w.Mark(workRx) })
	sched.OnTick(func(_ uint64) { w.Mark(workTimer) })
	s.dev.SetInterruptHandler(func() { cpu.RaiseIRQ(nicIRQLine) })

	t, err := w.Start()
	if err != nil {
		return nil, err
	}

	// Frames may have arrived before the interrupt handler was installed.
	w.Mark(workRx)
	return t, nil
}
