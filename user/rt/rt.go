// Package rt is the runtime linked into user programs. It wraps the kernel
// syscalls in Go APIs.
//
// Arguments travel through a bounce buffer at the start of the user data
// area of the calling task. Every task has its own address space so each
// task gets a private buffer at the same virtual address.
package rt

import (
	"fmt"

	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/mm/vmm"
	"github.com/shiiinji/wasabi/kernel/sched"
	"github.com/shiiinji/wasabi/kernel/syscall"
)

const (
	// bounceBase holds outgoing and incoming payloads.
	bounceBase = sched.UserDataBase

	// addrBase receives the sender address stored by SysRecvFrom.
	addrBase = bounceBase + syscall.MaxTransfer
)

// Errno is the error returned by a failed syscall.
type Errno = syscall.Errno

// Syscall traps into the kernel and returns the result of the call. A
// failed call returns a non-nil Errno.
func Syscall(num syscall.Number, args ...uint64) (uint64, error) {
	regs := gate.Registers{RAX: uint64(num)}
	for i, reg := range []*uint64{&regs.RDI, &regs.RSI, &regs.RDX, &regs.R10} {
		if i < len(args) {
			*reg = args[i]
		}
	}

	gate.Trap(gate.SyscallVector, &regs)

	if ret := int64(regs.RAX); ret < 0 {
		return 0, Errno(-ret)
	}
	return regs.RAX, nil
}

// store copies p into the bounce buffer and returns its user address.
func store(p []byte) uint64 {
	vmm.ActiveSpace().Write(bounceBase, p, vmm.AccessUser)
	return uint64(bounceBase)
}

// load copies n bytes from the bounce buffer into p.
func load(p []byte, n int) {
	vmm.ActiveSpace().Read(bounceBase, p[:n], vmm.AccessUser)
}

// chunk caps a transfer to the size of the bounce buffer.
func chunk(p []byte) []byte {
	if len(p) > syscall.MaxTransfer {
		return p[:syscall.MaxTransfer]
	}
	return p
}

// Exit terminates the calling task with the specified exit code.
func Exit(code int) {
	Syscall(syscall.SysExit, uint64(uint32(int32(code))))
}

// Yield gives up the rest of the time slice.
func Yield() {
	Syscall(syscall.SysYield)
}

// Sleep blocks the calling task for the specified number of timer ticks.
func Sleep(ticks uint64) {
	Syscall(syscall.SysSleep, ticks)
}

// Uptime returns the number of timer ticks since boot.
func Uptime() uint64 {
	ticks, _ := Syscall(syscall.SysUptime)
	return ticks
}

// Write writes p to the kernel console.
func Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		buf := chunk(p)
		n, err := Syscall(syscall.SysWrite, store(buf), uint64(len(buf)))
		if err != nil {
			return written, err
		}
		written += int(n)
		p = p[n:]
	}
	return written, nil
}

// Print writes s to the kernel console.
func Print(s string) {
	Write([]byte(s))
}

// Printf formats according to a format specifier and writes to the kernel
// console.
func Printf(format string, args ...interface{}) {
	Print(fmt.Sprintf(format, args...))
}
