// Package syscall implements the boundary between user tasks and the
// kernel.
//
// A task enters the kernel through the syscall vector with the call number
// in RAX and up to four arguments in RDI, RSI, RDX and R10. The result is
// returned in RAX; failures are reported as a negated Errno. Buffers are
// passed as (address, length) pairs in the address space of the caller and
// copied in and out through the MMU with user access rights.
package syscall

import (
	"encoding/binary"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/mm/vmm"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/socket"
	"github.com/shiiinji/wasabi/kernel/net/tcp"
	"github.com/shiiinji/wasabi/kernel/sched"
)

// Number selects a syscall.
type Number uint64

// The supported syscalls and their arguments.
const (
	// SysExit(code) terminates the calling task.
	SysExit Number = iota

	// SysYield() gives up the rest of the time slice.
	SysYield

	// SysWrite(buf, len) writes to the kernel console.
	SysWrite

	// SysSleep(ticks) blocks for the specified number of timer ticks.
	SysSleep

	// SysUptime() returns the number of ticks since boot.
	SysUptime

	// SysOpenTCP(ip, port) connects to ip:port; ip is packed in network
	// byte order into the low 32 bits.
	SysOpenTCP

	// SysListenTCP(port) opens a TCP listener.
	SysListenTCP

	// SysAccept(handle) waits for a connection on a listener.
	SysAccept

	// SysSend(handle, buf, len) queues data on a TCP socket.
	SysSend

	// SysRecv(handle, buf, len) reads from a TCP socket. It returns 0 at
	// end of stream.
	SysRecv

	// SysClose(handle) closes a socket.
	SysClose

	// SysOpenUDP(port) binds a UDP socket.
	SysOpenUDP

	// SysSendTo(handle, buf, len, ip<<16|port) sends a datagram.
	SysSendTo

	// SysRecvFrom(handle, buf, len, addr) receives a datagram and stores
	// the address of the sender at addr unless addr is 0.
	SysRecvFrom

	numSyscalls
)

const (
	// MaxTransfer is the largest buffer a single call copies in or out.
	MaxTransfer = 16 * 1024

	// AddrLen is the size of the sender address stored by SysRecvFrom:
	// the IPv4 address followed by the port, both in network byte order.
	AddrLen = 6
)

var (
	sockets *socket.Table

	handlers [numSyscalls]func(*gate.Registers) (uint64, *kernel.Error)

	// the following functions are mocked by tests.
	exitFn    = sched.Exit
	consoleFn = func(p []byte) { kfmt.Printf("%s", p) }
)

func init() {
	handlers = [numSyscalls]func(*gate.Registers) (uint64, *kernel.Error){
		SysExit:      sysExit,
		SysYield:     sysYield,
		SysWrite:     sysWrite,
		SysSleep:     sysSleep,
		SysUptime:    sysUptime,
		SysOpenTCP:   sysOpenTCP,
		SysListenTCP: sysListenTCP,
		SysAccept:    sysAccept,
		SysSend:      sysSend,
		SysRecv:      sysRecv,
		SysClose:     sysClose,
		SysOpenUDP:   sysOpenUDP,
		SysSendTo:    sysSendTo,
		SysRecvFrom:  sysRecvFrom,
	}
}

// Init installs the syscall gate. Socket calls are served by t; they fail
// with EIO if t is nil.
func Init(t *socket.Table) {
	sockets = t
	gate.HandleInterrupt(gate.SyscallVector, dispatch)
}

// dispatch is the handler of the syscall vector.
func dispatch(regs *gate.Registers) {
	num := Number(regs.RAX)
	if num >= numSyscalls {
		if cur := sched.Current(); cur != nil {
			kfmt.Fprintf(logWriter(), "task %d (%s): unknown syscall %d\n", cur.ID(), cur.Name(), num)
		}
		regs.RAX = fail(ENOSYS)
		return
	}

	ret, err := handlers[num](regs)
	if err != nil {
		regs.RAX = fail(ErrnoFor(err))
		return
	}
	regs.RAX = ret
}

func fail(errno Errno) uint64 {
	return uint64(-int64(errno))
}

// copyIn reads size bytes at addr from the address space of the running
// task.
func copyIn(addr, size uint64) ([]byte, *kernel.Error) {
	if size > MaxTransfer {
		return nil, errTooLarge
	}

	space := sched.Current().Space()
	if space == nil || !space.Probe(uintptr(addr), uintptr(size), vmm.AccessUser) {
		return nil, errBadAddress
	}

	buf := make([]byte, size)
	if err := space.Read(uintptr(addr), buf, vmm.AccessUser); err != nil {
		return nil, err
	}
	return buf, nil
}

// copyOut writes buf to addr in the address space of the running task.
func copyOut(addr uint64, buf []byte) *kernel.Error {
	space := sched.Current().Space()
	if space == nil || !space.Probe(uintptr(addr), uintptr(len(buf)), vmm.AccessUser|vmm.AccessWrite) {
		return errBadAddress
	}
	return space.Write(uintptr(addr), buf, vmm.AccessUser)
}

// checkOut validates a user buffer before the kernel blocks to fill it.
func checkOut(addr, size uint64) (uint64, *kernel.Error) {
	if size > MaxTransfer {
		size = MaxTransfer
	}

	space := sched.Current().Space()
	if space == nil || !space.Probe(uintptr(addr), uintptr(size), vmm.AccessUser|vmm.AccessWrite) {
		return 0, errBadAddress
	}
	return size, nil
}

func handle(reg uint64) socket.Handle {
	if reg >= socket.MaxSockets {
		return socket.InvalidHandle
	}
	return socket.Handle(reg)
}

// PackIPv4 returns addr in the register layout used by the socket calls.
func PackIPv4(addr net.IPv4Addr) uint64 {
	return uint64(binary.BigEndian.Uint32(addr[:]))
}

// UnpackIPv4 is the inverse of PackIPv4.
func UnpackIPv4(reg uint64) net.IPv4Addr {
	var addr net.IPv4Addr
	binary.BigEndian.PutUint32(addr[:], uint32(reg))
	return addr
}

func sysExit(regs *gate.Registers) (uint64, *kernel.Error) {
	exitFn(int(int32(regs.RDI)))
	return 0, nil
}

func sysYield(_ *gate.Registers) (uint64, *kernel.Error) {
	sched.Yield()
	return 0, nil
}

func sysWrite(regs *gate.Registers) (uint64, *kernel.Error) {
	buf, err := copyIn(regs.RDI, regs.RSI)
	if err != nil {
		return 0, err
	}

	consoleFn(buf)
	return uint64(len(buf)), nil
}

func sysSleep(regs *gate.Registers) (uint64, *kernel.Error) {
	sched.Sleep(regs.RDI)
	return 0, nil
}

func sysUptime(_ *gate.Registers) (uint64, *kernel.Error) {
	return sched.Now(), nil
}

func sysOpenTCP(regs *gate.Registers) (uint64, *kernel.Error) {
	if sockets == nil {
		return 0, errNoSockets
	}

	h, err := sockets.OpenTCP(UnpackIPv4(regs.RDI), uint16(regs.RSI))
	return uint64(h), err
}

func sysListenTCP(regs *gate.Registers) (uint64, *kernel.Error) {
	if sockets == nil {
		return 0, errNoSockets
	}

	h, err := sockets.ListenTCP(uint16(regs.RDI))
	return uint64(h), err
}

func sysAccept(regs *gate.Registers) (uint64, *kernel.Error) {
	if sockets == nil {
		return 0, errNoSockets
	}

	h, err := sockets.Accept(handle(regs.RDI))
	return uint64(h), err
}

func sysSend(regs *gate.Registers) (uint64, *kernel.Error) {
	if sockets == nil {
		return 0, errNoSockets
	}

	buf, err := copyIn(regs.RSI, regs.RDX)
	if err != nil {
		return 0, err
	}

	n, err := sockets.Send(handle(regs.RDI), buf)
	return uint64(n), err
}

func sysRecv(regs *gate.Registers) (uint64, *kernel.Error) {
	if sockets == nil {
		return 0, errNoSockets
	}

	size, err := checkOut(regs.RSI, regs.RDX)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, size)
	n, err := sockets.Recv(handle(regs.RDI), buf)
	switch {
	case err == tcp.ErrEOF:
		return 0, nil
	case err != nil:
		return 0, err
	}

	if err = copyOut(regs.RSI, buf[:n]); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func sysClose(regs *gate.Registers) (uint64, *kernel.Error) {
	if sockets == nil {
		return 0, errNoSockets
	}

	return 0, sockets.Close(handle(regs.RDI))
}

func sysOpenUDP(regs *gate.Registers) (uint64, *kernel.Error) {
	if sockets == nil {
		return 0, errNoSockets
	}

	h, err := sockets.OpenUDP(uint16(regs.RDI))
	return uint64(h), err
}

func sysSendTo(regs *gate.Registers) (uint64, *kernel.Error) {
	if sockets == nil {
		return 0, errNoSockets
	}

	buf, err := copyIn(regs.RSI, regs.RDX)
	if err != nil {
		return 0, err
	}

	dst, port := UnpackIPv4(regs.R10>>16), uint16(regs.R10)
	if err = sockets.SendTo(handle(regs.RDI), dst, port, buf); err != nil {
		return 0, err
	}
	return uint64(len(buf)), nil
}

func sysRecvFrom(regs *gate.Registers) (uint64, *kernel.Error) {
	if sockets == nil {
		return 0, errNoSockets
	}

	size, err := checkOut(regs.RSI, regs.RDX)
	if err != nil {
		return 0, err
	}
	if regs.R10 != 0 {
		if _, err = checkOut(regs.R10, AddrLen); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, size)
	n, src, port, err := sockets.RecvFrom(handle(regs.RDI), buf)
	if err != nil {
		return 0, err
	}

	if err = copyOut(regs.RSI, buf[:n]); err != nil {
		return 0, err
	}

	if regs.R10 != 0 {
		var addr [AddrLen]byte
		copy(addr[:4], src[:])
		binary.BigEndian.PutUint16(addr[4:], port)
		if err = copyOut(regs.R10, addr[:]); err != nil {
			return 0, err
		}
	}
	return uint64(n), nil
}

func logWriter() *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter("syscall")
}
