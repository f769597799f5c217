// Package sync provides synchronization primitive implementations for spinlocks
// shared between the CPU and the device side of the machine.
package sync

import (
	"runtime"
	"sync/atomic"
)

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which Acquire yields the host thread.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked while spinning; it is mocked by tests.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
//
// Spinlocks guard state that is touched both by the task holding the CPU and
// by device goroutines (NIC rings, the kernel message buffer). State that is
// only ever touched by the CPU is guarded by masking interrupts instead.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(0); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempts++ {
		if attempts >= attemptsBeforeYielding {
			yieldFn()
			attempts = 0
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
