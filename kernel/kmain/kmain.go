// Package kmain brings up the kernel subsystems in dependency order and runs
// the init task.
package kmain

import (
	"io"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/config"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/hal"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/mm"
	"github.com/shiiinji/wasabi/kernel/mm/pmm"
	"github.com/shiiinji/wasabi/kernel/mm/vmm"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/socket"
	"github.com/shiiinji/wasabi/kernel/net/stack"
	"github.com/shiiinji/wasabi/kernel/sched"
	"github.com/shiiinji/wasabi/kernel/syscall"
	"github.com/shiiinji/wasabi/multiboot"

	// Drivers register their probe functions with the device package.
	_ "github.com/shiiinji/wasabi/device/nic/pipe"
	_ "github.com/shiiinji/wasabi/device/nic/tap"
	_ "github.com/shiiinji/wasabi/device/timer"
)

const (
	// kernelLoadAddr is the physical address of the kernel image.
	kernelLoadAddr = uintptr(0x100000)

	// lowMemEnd is the end of conventional memory below the EBDA.
	lowMemEnd = uint64(0x9fc00)

	// Echo requests sent by the ping boot action.
	pingID         = uint16(0x7761)
	pingCount      = 3
	pingIntervalMs = 100
)

var pingPayload = []byte("wasabi")

var (
	errNoNIC   = &kernel.Error{Module: "kmain", Message: "no network device detected"}
	errNoTimer = &kernel.Error{Module: "kmain", Message: "no timer detected"}
)

// Kernel describes a booted kernel.
type Kernel struct {
	Config  *config.Config
	Net     *stack.Stack
	Sockets *socket.Table
	Netd    *sched.Task

	// PingReplies counts the echo replies received by the ping boot action.
	PingReplies int

	netReady bool
	netErr   *kernel.Error
	netWait  sched.WaitQueue
}

// Boot initializes the kernel subsystems on the machine described by cfg.
// The calling goroutine becomes the idle task. Boot returns with interrupts
// masked; the machine starts running once the idle loop is entered.
func Boot(cfg *config.Config) (*Kernel, *kernel.Error) {
	multiboot.SetInfo(bootInfo(cfg))

	cpu.Reset()
	gate.Init()
	mm.SetPhysicalMemory(mm.NewPhysicalMemory(mm.Size(cfg.Memory.SizeMB) * mm.Mb))

	kernelStart, kernelEnd := kernelImage(cfg)
	if err := pmm.Init(kernelStart, kernelEnd); err != nil {
		return nil, err
	}
	if err := vmm.Init(); err != nil {
		return nil, err
	}

	sched.Init(cfg.Timer.TimeSliceTicks)
	cpu.DisableInterrupts()

	hal.DetectHardware(cfg)
	nic, timer := hal.ActiveNIC(), hal.ActiveTimer()
	switch {
	case nic == nil:
		return nil, errNoNIC
	case timer == nil:
		return nil, errNoTimer
	}

	k := &Kernel{Config: cfg}

	var err *kernel.Error
	if k.Net, err = stack.New(nic, cfg); err != nil {
		return nil, err
	}
	if k.Netd, err = k.Net.Start(stack.DefaultPollBudget); err != nil {
		return nil, err
	}

	k.Sockets = socket.New(k.Net)
	syscall.Init(k.Sockets)

	if err = k.Net.StartDHCP(k.onNetworkReady); err != nil {
		return nil, err
	}

	timer.Start()
	kfmt.Fprintf(logWriter(), "boot complete: %d MiB RAM, %d Hz timer\n", cfg.Memory.SizeMB, timer.Frequency())
	return k, nil
}

// Kmain boots the kernel, runs initFn in its own task and returns once the
// machine is shut down. The init task requests the shutdown when it
// returns.
func Kmain(cfg *config.Config, initFn func(k *Kernel)) *kernel.Error {
	k, err := Boot(cfg)
	if err != nil {
		hal.Shutdown()
		return err
	}
	defer hal.Shutdown()

	if _, err = sched.Spawn("init", func() {
		defer sched.Shutdown()
		initFn(k)
	}); err != nil {
		return err
	}

	if target, ok := multiboot.GetBootCmdLine()["ping"]; ok {
		if _, err = sched.Spawn("ping", func() { k.ping(target) }); err != nil {
			return err
		}
	}

	sched.RunIdle()
	kfmt.Fprintf(logWriter(), "shutting down\n")

	if _, ok := multiboot.GetBootCmdLine()["netstat"]; ok {
		k.dump(logWriter())
	}
	return nil
}

// ping sends pingCount echo requests to target once the network is up and
// logs the replies.
func (k *Kernel) ping(target string) {
	dst, err := net.ParseIPv4(target)
	if err != nil {
		kfmt.Fprintf(logWriter(), "ping %s: %s\n", target, err.Message)
		return
	}
	if err = k.WaitNetwork(); err != nil {
		return
	}

	cpu.DisableInterrupts()
	k.Net.ICMP().OnEchoReply(func(src net.IPv4Addr, id, seq uint16, data []byte) {
		if id != pingID {
			return
		}
		k.PingReplies++
		kfmt.Fprintf(logWriter(), "echo reply from %s: seq %d, %d bytes\n", src.String(), seq, len(data))
	})
	cpu.EnableInterrupts()

	for seq := uint16(1); seq <= pingCount; seq++ {
		cpu.DisableInterrupts()
		err = k.Net.ICMP().SendEcho(dst, pingID, seq, pingPayload)
		cpu.EnableInterrupts()
		if err != nil {
			kfmt.Fprintf(logWriter(), "ping %s: %s\n", target, err.Message)
			return
		}

		sched.Sleep(k.Config.Ticks(pingIntervalMs))
	}
}

// dump writes the task table, the socket table and the network counters
// to w.
func (k *Kernel) dump(w io.Writer) {
	sched.Dump(w)
	k.Sockets.Dump(w)
	k.Net.Dump(w)
}

// WaitNetwork blocks the calling task until the interface has an address.
// It returns the error reported by the DHCP client, if any.
func (k *Kernel) WaitNetwork() *kernel.Error {
	cpu.DisableInterrupts()
	defer cpu.EnableInterrupts()

	for !k.netReady {
		sched.Block(&k.netWait, "dhcp")
	}
	return k.netErr
}

func (k *Kernel) onNetworkReady(err *kernel.Error) {
	if err != nil {
		kfmt.Fprintf(logWriter(), "network configuration failed: %s\n", err.Message)
	}

	k.netReady, k.netErr = true, err
	k.netWait.WakeAll(sched.WakeEvent)
}

// kernelImage returns the physical extent of the kernel image.
func kernelImage(cfg *config.Config) (uintptr, uintptr) {
	text := uintptr(mm.Size(cfg.Kernel.TextKB) * mm.Kb)
	data := uintptr(mm.Size(cfg.Kernel.DataKB) * mm.Kb)
	return kernelLoadAddr, kernelLoadAddr + alignUp(text) + alignUp(data)
}

// bootInfo builds the boot information that a multiboot loader would hand
// over for the machine described by cfg.
func bootInfo(cfg *config.Config) []byte {
	kernelStart, _ := kernelImage(cfg)
	text := alignUp(uintptr(mm.Size(cfg.Kernel.TextKB) * mm.Kb))
	data := alignUp(uintptr(mm.Size(cfg.Kernel.DataKB) * mm.Kb))
	ramEnd := uint64(mm.Size(cfg.Memory.SizeMB) * mm.Mb)

	var b multiboot.InfoBuilder
	return b.SetCmdLine(cfg.Kernel.CmdLine).AddMemoryMap([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: lowMemEnd, Type: multiboot.MemAvailable},
		{PhysAddress: lowMemEnd, Length: uint64(kernelLoadAddr) - lowMemEnd, Type: multiboot.MemReserved},
		{PhysAddress: uint64(kernelLoadAddr), Length: ramEnd - uint64(kernelLoadAddr), Type: multiboot.MemAvailable},
	}).AddElfSections([]multiboot.ElfSection{
		{Name: ".text", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: vmm.KernelPageOffset + kernelStart, Size: uint64(text)},
		{Name: ".data", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: vmm.KernelPageOffset + kernelStart + text, Size: uint64(data)},
	}).Bytes()
}

func alignUp(size uintptr) uintptr {
	return (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
}

func logWriter() *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter("kmain")
}
