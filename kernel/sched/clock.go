package sched

import (
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/gate"
)

var (
	// jiffies counts timer ticks since Init.
	jiffies uint64

	// sleepers holds the tasks blocked in Sleep.
	sleepers WaitQueue

	tickHooks []func(now uint64)
)

// Now returns the number of timer ticks since the scheduler was initialized.
func Now() uint64 {
	return jiffies
}

// OnTick registers a function that is invoked from the timer interrupt on
// every tick. Hooks run with interrupts masked and must only mark work.
func OnTick(hook func(now uint64)) {
	tickHooks = append(tickHooks, hook)
}

// timerHandler services IRQ 0.
func timerHandler(_ *gate.Registers) {
	Tick()
}

// Tick advances the clock by one tick, wakes sleepers whose deadline passed,
// runs the tick hooks and charges the tick to the running task. Once the
// task has used up its time slice, it is preempted at the next trap return.
func Tick() {
	jiffies++

	for t := sleepers.head; t != nil; {
		next := t.nextWaiter
		if t.wakeAt <= jiffies {
			Wake(t, WakeTimeout)
		}
		t = next
	}

	for _, hook := range tickHooks {
		hook(jiffies)
	}

	if t := current; t != nil && t != idle && t.state == Running {
		t.sliceUsed++
		if t.sliceUsed >= timeSlice {
			needResched = true
		}
	}
}

// Sleep blocks the running task for at least the specified number of ticks.
func Sleep(ticks uint64) {
	if ticks == 0 {
		Yield()
		return
	}

	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	t := current
	t.wakeAt = jiffies + ticks
	for jiffies < t.wakeAt {
		Block(&sleepers, "sleep")
	}
}
