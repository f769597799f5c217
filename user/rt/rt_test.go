package rt

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/shiiinji/wasabi/device/nic/pipe"
	"github.com/shiiinji/wasabi/kernel/config"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/mm"
	"github.com/shiiinji/wasabi/kernel/mm/pmm"
	"github.com/shiiinji/wasabi/kernel/mm/vmm"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/socket"
	"github.com/shiiinji/wasabi/kernel/net/stack"
	"github.com/shiiinji/wasabi/kernel/net/tcp"
	"github.com/shiiinji/wasabi/kernel/net/udp"
	"github.com/shiiinji/wasabi/kernel/sched"
	"github.com/shiiinji/wasabi/kernel/syscall"
	"github.com/shiiinji/wasabi/multiboot"
)

var (
	hostAddr = net.IPv4Addr{10, 0, 2, 15}
	peerAddr = net.IPv4Addr{10, 0, 2, 2}
)

func setupKernel(t *testing.T) func() {
	var b multiboot.InfoBuilder
	multiboot.SetInfo(b.AddMemoryMap([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x100000, Length: 0x700000, Type: multiboot.MemAvailable},
	}).AddElfSections([]multiboot.ElfSection{
		{Name: ".text", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: vmm.KernelPageOffset + 0x100000, Size: 0x2000},
		{Name: ".data", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: vmm.KernelPageOffset + 0x102000, Size: 0x1000},
	}).Bytes())

	cpu.Reset()
	gate.Init()
	mm.SetPhysicalMemory(mm.NewPhysicalMemory(8 * mm.Mb))
	if err := pmm.Init(0x100000, 0x103000); err != nil {
		t.Fatal(err)
	}
	if err := vmm.Init(); err != nil {
		t.Fatal(err)
	}

	sched.Init(1)
	cpu.DisableInterrupts()
	syscall.Init(nil)

	return func() {
		cpu.Reset()
		gate.Init()
		mm.SetPhysicalMemory(nil)
		mm.SetFrameAllocator(nil, nil)
	}
}

// peer is the far end of the pipe. It echoes UDP datagrams sent to port 7
// and greets every TCP connection to port 80 before closing it.
type peer struct {
	stack    *stack.Stack
	echo     udp.EndpointID
	listener tcp.ConnID
	greeting string
}

// setupNetwork starts the network of the test kernel and returns the peer.
func setupNetwork(t *testing.T) *peer {
	devA, devB := pipe.NewPair(
		net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02},
		64,
	)

	host, err := stack.New(devA, config.Default())
	if err != nil {
		t.Fatal(err)
	}

	peerCfg := config.Default()
	peerCfg.Network.Address = peerAddr.String()
	peerStack, err := stack.New(devB, peerCfg)
	if err != nil {
		t.Fatal(err)
	}

	p := &peer{stack: peerStack, greeting: "hello from the peer"}
	if p.echo, err = peerStack.UDP().Bind(7); err != nil {
		t.Fatal(err)
	}
	if p.listener, err = peerStack.TCP().Listen(80, 0); err != nil {
		t.Fatal(err)
	}
	devB.SetInterruptHandler(p.interrupt)

	syscall.Init(socket.New(host))
	if _, err = host.Start(0); err != nil {
		t.Fatal(err)
	}
	return p
}

func (p *peer) interrupt() {
	for {
		if _, more := p.stack.Poll(stack.DefaultPollBudget); !more {
			break
		}
	}

	for {
		d, ok := p.stack.UDP().RecvFrom(p.echo)
		if !ok {
			break
		}
		p.stack.UDP().SendTo(p.echo, d.Src, d.SrcPort, d.Data)
	}

	for {
		id, err := p.stack.TCP().Accept(p.listener)
		if err != nil {
			break
		}
		p.stack.TCP().Send(id, []byte(p.greeting))
		p.stack.TCP().Close(id)
	}
}

// run executes entry in a task and returns once the task is done.
func run(t *testing.T, entry func()) *sched.Task {
	task, err := sched.Spawn("user", func() {
		defer sched.Shutdown()
		entry()
	})
	if err != nil {
		t.Fatal(err)
	}

	sched.RunIdle()
	return task
}

func TestPrint(t *testing.T) {
	defer setupKernel(t)()

	var console bytes.Buffer
	kfmt.SetOutputSink(&console)
	defer kfmt.SetOutputSink(nil)

	long := strings.Repeat("x", syscall.MaxTransfer+100)
	var (
		written int
		err     error
	)
	run(t, func() {
		console.Reset()
		Printf("task %d says %s\n", sched.Current().ID(), "hi")
		written, err = Write([]byte(long))
	})

	if err != nil || written != len(long) {
		t.Fatalf("expected to write %d bytes; got %d, %v", len(long), written, err)
	}
	// The scheduler logs the exit of the task after its output.
	if exp := "task 1 says hi\n" + long; !strings.HasPrefix(console.String(), exp) {
		t.Fatalf("unexpected console output (%d bytes)", console.Len())
	}
	if rest := strings.TrimPrefix(console.String(), "task 1 says hi\n"+long); rest != "" && !strings.HasPrefix(rest, "[sched] ") {
		t.Fatalf("unexpected output after the task's writes: %q", rest)
	}
}

func TestExit(t *testing.T) {
	defer setupKernel(t)()

	var reached bool
	exiting, err := sched.Spawn("exiting", func() {
		Yield()
		Exit(-7)
		reached = true
	})
	if err != nil {
		t.Fatal(err)
	}
	run(t, func() {
		for exiting.State() != sched.Zombie {
			Yield()
		}
	})

	if reached {
		t.Fatal("expected Exit not to return")
	}
	if exiting.ExitCode() != -7 {
		t.Fatalf("expected exit code -7; got %d", exiting.ExitCode())
	}
}

func TestSyscallErrors(t *testing.T) {
	defer setupKernel(t)()

	var errs []error
	run(t, func() {
		_, err := Syscall(syscall.Number(999))
		errs = append(errs, err)
		_, err = DialTCP(peerAddr, 80)
		errs = append(errs, err)
		_, err = Syscall(syscall.SysUptime)
		errs = append(errs, err)
	})

	specs := []error{syscall.ENOSYS, syscall.EIO, nil}
	for specIndex, exp := range specs {
		if errs[specIndex] != exp {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, exp, errs[specIndex])
		}
	}

	var errno Errno
	if !errors.As(errs[0], &errno) || errno != syscall.ENOSYS {
		t.Fatalf("expected the error to be an Errno; got %T", errs[0])
	}
}

func TestUDP(t *testing.T) {
	defer setupKernel(t)()
	setupNetwork(t)

	var (
		payload, truncated string
		src                net.IPv4Addr
		srcPort            uint16
		closeErr           error
	)
	run(t, func() {
		c, err := ListenUDP(0)
		if err != nil {
			t.Errorf("ListenUDP: %v", err)
			return
		}

		if _, err = c.WriteTo([]byte("ping"), peerAddr, 7); err != nil {
			t.Errorf("WriteTo: %v", err)
			return
		}
		buf := make([]byte, 64)
		n, from, port, err := c.ReadFrom(buf)
		if err != nil {
			t.Errorf("ReadFrom: %v", err)
			return
		}
		payload, src, srcPort = string(buf[:n]), from, port

		c.WriteTo([]byte("datagram"), peerAddr, 7)
		n, _, _, _ = c.ReadFrom(buf[:4])
		truncated = string(buf[:n])

		closeErr = c.Close()
	})

	if payload != "ping" || src != peerAddr || srcPort != 7 {
		t.Fatalf("expected %q from %s:7; got %q from %s:%d", "ping", peerAddr, payload, src, srcPort)
	}
	if truncated != "data" {
		t.Fatalf("expected truncated datagram %q; got %q", "data", truncated)
	}
	if closeErr != nil {
		t.Fatalf("Close: %v", closeErr)
	}
}

func TestDialTCP(t *testing.T) {
	defer setupKernel(t)()
	p := setupNetwork(t)

	var (
		got                 []byte
		readErr, refusedErr error
		firstClose          error
		secondClose         error
	)
	run(t, func() {
		if _, refusedErr = DialTCP(peerAddr, 81); refusedErr == nil {
			t.Error("expected the connection to port 81 to be refused")
		}

		conn, err := DialTCP(peerAddr, 80)
		if err != nil {
			t.Errorf("DialTCP: %v", err)
			return
		}

		var rw io.ReadWriteCloser = conn
		got, readErr = io.ReadAll(rw)
		firstClose, secondClose = rw.Close(), rw.Close()
	})

	if refusedErr != syscall.ECONNREFUSED {
		t.Fatalf("expected ECONNREFUSED; got %v", refusedErr)
	}
	if string(got) != p.greeting || readErr != nil {
		t.Fatalf("expected to read %q until EOF; got %q, %v", p.greeting, got, readErr)
	}
	if firstClose != nil || secondClose != nil {
		t.Fatalf("expected Close to succeed; got %v, %v", firstClose, secondClose)
	}
}

func TestListenTCP(t *testing.T) {
	defer setupKernel(t)()
	p := setupNetwork(t)

	var (
		got   []byte
		nRead int
		rdErr error
	)
	run(t, func() {
		l, err := ListenTCP(8080)
		if err != nil {
			t.Errorf("ListenTCP: %v", err)
			return
		}
		defer l.Close()

		cpu.DisableInterrupts()
		id, kerr := p.stack.TCP().Connect(hostAddr, 8080)
		cpu.EnableInterrupts()
		if kerr != nil {
			t.Errorf("peer Connect: %v", kerr)
			return
		}

		conn, err := l.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer conn.Close()

		if _, err = conn.Write([]byte("ping")); err != nil {
			t.Errorf("Write: %v", err)
			return
		}
		for {
			if info, _ := p.stack.TCP().Info(id); info.RecvQueued == 4 {
				break
			}
			Yield()
		}

		cpu.DisableInterrupts()
		buf := make([]byte, 8)
		n, _ := p.stack.TCP().Recv(id, buf)
		p.stack.TCP().Send(id, buf[:n])
		p.stack.TCP().Close(id)
		cpu.EnableInterrupts()

		reply := make([]byte, 8)
		nRead, rdErr = io.ReadFull(conn, reply[:4])
		got = reply[:nRead]
		if _, err = conn.Read(reply); err != io.EOF {
			t.Errorf("expected EOF; got %v", err)
		}
	})

	if string(got) != "ping" || rdErr != nil {
		t.Fatalf("expected the echoed %q; got %q, %v", "ping", got, rdErr)
	}
}
