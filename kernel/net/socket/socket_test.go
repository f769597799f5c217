package socket

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shiiinji/wasabi/device/nic/pipe"
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/config"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/mm"
	"github.com/shiiinji/wasabi/kernel/mm/pmm"
	"github.com/shiiinji/wasabi/kernel/mm/vmm"
	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/stack"
	"github.com/shiiinji/wasabi/kernel/net/tcp"
	"github.com/shiiinji/wasabi/kernel/net/udp"
	"github.com/shiiinji/wasabi/kernel/sched"
	"github.com/shiiinji/wasabi/multiboot"
)

var (
	hostAddr   = net.IPv4Addr{10, 0, 2, 15}
	peerAddr   = net.IPv4Addr{10, 0, 2, 2}
	remoteAddr = net.IPv4Addr{93, 184, 216, 34}
)

// setupKernel boots the memory, interrupt and scheduling subsystems on 8M
// of RAM with the calling goroutine as the idle task.
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

	return func() {
		cpu.Reset()
		gate.Init()
		mm.SetPhysicalMemory(nil)
		mm.SetFrameAllocator(nil, nil)
	}
}

// testEnv connects the stack under test to a peer stack that plays the
// gateway and the remote host. The host stack is driven by its netd task;
// the peer processes frames as soon as they cross the wire.
type testEnv struct {
	host    *stack.Stack
	peer    *stack.Stack
	sockets *Table
}

func newEnv(t *testing.T, cfg *config.Config) *testEnv {
	devA, devB := pipe.NewPair(
		net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02},
		64,
	)

	if cfg == nil {
		cfg = config.Default()
	}
	host, err := stack.New(devA, cfg)
	if err != nil {
		t.Fatal(err)
	}

	peerCfg := config.Default()
	peerCfg.Network.Address = peerAddr.String()
	peerCfg.Network.Gateway = "0.0.0.0"
	peerCfg.Network.Aliases = []string{remoteAddr.String()}
	peer, err := stack.New(devB, peerCfg)
	if err != nil {
		t.Fatal(err)
	}
	devB.SetInterruptHandler(func() {
		for {
			if _, more := peer.Poll(stack.DefaultPollBudget); !more {
				return
			}
		}
	})

	env := &testEnv{host: host, peer: peer, sockets: New(host)}
	if _, err = host.Start(0); err != nil {
		t.Fatal(err)
	}
	return env
}

// yieldUntil gives the CPU away until cond holds.
func yieldUntil(cond func() bool) {
	for !cond() {
		sched.Yield()
	}
}

func mustSpawn(t *testing.T, name string, entry func()) *sched.Task {
	task, err := sched.Spawn(name, entry)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestTCPRoundTrip(t *testing.T) {
	defer setupKernel(t)()
	env := newEnv(t, nil)

	var trace []tcp.State
	env.host.TCP().SetStateObserver(func(_ tcp.ConnID, _, to tcp.State) { trace = append(trace, to) })

	lis, err := env.peer.TCP().Listen(80, 0)
	if err != nil {
		t.Fatal(err)
	}

	var (
		request  = "GET / HTTP/1.0\r\nHost: example.com\r\n\r\n"
		response = "HTTP/1.0 200 OK\r\n\r\n<html>hello</html>"
		got      bytes.Buffer
		served   string
		eofErr   *kernel.Error
	)

	client := mustSpawn(t, "client", func() {
		defer sched.Shutdown()

		h, err := env.sockets.OpenTCP(remoteAddr, 80)
		if err != nil {
			t.Errorf("OpenTCP: %v", err)
			return
		}

		if info, _ := env.sockets.Info(h); info.Kind != KindTCP || info.State != tcp.Established || info.Owner != sched.Current().ID() {
			t.Errorf("unexpected socket info: %+v", info)
		}

		if n, err := env.sockets.Send(h, []byte(request)); err != nil || n != len(request) {
			t.Errorf("Send: %d, %v", n, err)
		}

		// Serve the request from the peer side.
		id, err := env.peer.TCP().Accept(lis)
		if err != nil {
			t.Errorf("peer Accept: %v", err)
			return
		}
		buf := make([]byte, 128)
		n, _ := env.peer.TCP().Recv(id, buf)
		served = string(buf[:n])
		env.peer.TCP().Send(id, []byte(response))
		env.peer.TCP().Close(id)

		for {
			n, err := env.sockets.Recv(h, buf[:7])
			if err != nil {
				eofErr = err
				break
			}
			got.Write(buf[:n])
		}

		if err := env.sockets.Close(h); err != nil {
			t.Errorf("Close: %v", err)
		}
		if _, err := env.sockets.Recv(h, buf); err != ErrBadHandle {
			t.Errorf("expected Recv on a closed handle to fail with ErrBadHandle; got %v", err)
		}

		yieldUntil(func() bool { return env.sockets.InUse() == 0 })
	})

	sched.RunIdle()

	if served != request {
		t.Fatalf("expected peer to receive %q; got %q", request, served)
	}
	if got.String() != response {
		t.Fatalf("expected response %q; got %q", response, got.String())
	}
	if eofErr != tcp.ErrEOF {
		t.Fatalf("expected end of stream; got %v", eofErr)
	}

	exp := []tcp.State{tcp.SynSent, tcp.Established, tcp.CloseWait, tcp.LastAck, tcp.Closed}
	if len(trace) != len(exp) {
		t.Fatalf("expected transitions %v; got %v", exp, trace)
	}
	for i := range exp {
		if trace[i] != exp[i] {
			t.Fatalf("expected transitions %v; got %v", exp, trace)
		}
	}

	if client.State() != sched.Zombie {
		t.Fatalf("expected client task to have exited; got %s", client.State())
	}
}

func TestOpenTCPRefused(t *testing.T) {
	defer setupKernel(t)()
	env := newEnv(t, nil)

	var (
		h   = Handle(0)
		err *kernel.Error
	)
	mustSpawn(t, "client", func() {
		h, err = env.sockets.OpenTCP(remoteAddr, 81)
		sched.Shutdown()
	})

	sched.RunIdle()

	if h != InvalidHandle || err != tcp.ErrConnRefused {
		t.Fatalf("expected connection to be refused; got %d, %v", h, err)
	}

	if n := env.sockets.InUse(); n != 0 {
		t.Fatalf("expected the socket to be released; %d in use", n)
	}
}

func TestListenAccept(t *testing.T) {
	defer setupKernel(t)()
	env := newEnv(t, nil)

	var (
		owner, acceptedBy sched.TaskID
		got               string
		recvErr           *kernel.Error
	)

	server := mustSpawn(t, "server", func() {
		defer sched.Shutdown()

		lis, err := env.sockets.ListenTCP(8080)
		if err != nil {
			t.Errorf("ListenTCP: %v", err)
			return
		}

		h, err := env.sockets.Accept(lis)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		info, _ := env.sockets.Info(h)
		owner, acceptedBy = info.Owner, sched.Current().ID()

		buf := make([]byte, 64)
		var out bytes.Buffer
		for {
			n, err := env.sockets.Recv(h, buf)
			if err != nil {
				recvErr = err
				break
			}
			out.Write(buf[:n])
		}
		got = out.String()

		env.sockets.Close(h)
		env.sockets.Close(lis)
		yieldUntil(func() bool { return env.sockets.InUse() == 0 })
	})

	mustSpawn(t, "peer", func() {
		cpu.DisableInterrupts()
		id, err := env.peer.TCP().Connect(hostAddr, 8080)
		cpu.EnableInterrupts()
		if err != nil {
			t.Errorf("peer Connect: %v", err)
			return
		}

		yieldUntil(func() bool { return env.peer.TCP().State(id) == tcp.Established })
		env.peer.TCP().Send(id, []byte("hello"))
		env.peer.TCP().Close(id)
	})

	sched.RunIdle()

	if got != "hello" || recvErr != tcp.ErrEOF {
		t.Fatalf("expected to read %q followed by end of stream; got %q, %v", "hello", got, recvErr)
	}
	if owner != acceptedBy || owner != server.ID() {
		t.Fatalf("expected accepted socket to be owned by task %d; got %d", server.ID(), owner)
	}
}

func TestCloseWakesBlockedTasks(t *testing.T) {
	defer setupKernel(t)()
	env := newEnv(t, nil)

	if _, err := env.peer.TCP().Listen(80, 0); err != nil {
		t.Fatal(err)
	}

	var (
		h       = InvalidHandle
		recvErr *kernel.Error
	)

	mustSpawn(t, "reader", func() {
		var err *kernel.Error
		if h, err = env.sockets.OpenTCP(remoteAddr, 80); err != nil {
			t.Errorf("OpenTCP: %v", err)
			return
		}
		_, recvErr = env.sockets.Recv(h, make([]byte, 16))
	})

	mustSpawn(t, "closer", func() {
		defer sched.Shutdown()

		yieldUntil(func() bool { return h != InvalidHandle })
		if err := env.sockets.Close(h); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := env.sockets.Close(h); err != ErrBadHandle {
			t.Errorf("expected a second Close to fail with ErrBadHandle; got %v", err)
		}
		yieldUntil(func() bool { return recvErr != nil })
	})

	sched.RunIdle()

	if recvErr != ErrClosed {
		t.Fatalf("expected blocked reader to get ErrClosed; got %v", recvErr)
	}

	// The peer never closes, so the connection lingers in FIN_WAIT_2.
	var buf bytes.Buffer
	env.sockets.Dump(&buf)
	if got := buf.String(); !strings.Contains(got, "tcp      owner 2 closing waiters 0") {
		t.Fatalf("expected a closing socket; got:\n%s", got)
	}
	if _, err := env.sockets.Info(h); err != ErrBadHandle {
		t.Fatalf("expected closed handle to be invalid; got %v", err)
	}
}

func TestTaskExitClosesSockets(t *testing.T) {
	defer setupKernel(t)()
	env := newEnv(t, nil)

	if _, err := env.peer.TCP().Listen(80, 0); err != nil {
		t.Fatal(err)
	}

	logBuf := &bytes.Buffer{}
	kfmt.SetOutputSink(logBuf)
	defer kfmt.SetOutputSink(nil)

	owner := mustSpawn(t, "owner", func() {
		if _, err := env.sockets.OpenTCP(remoteAddr, 80); err != nil {
			t.Errorf("OpenTCP: %v", err)
		}
		if _, err := env.sockets.OpenUDP(0); err != nil {
			t.Errorf("OpenUDP: %v", err)
		}
		if _, err := env.sockets.ListenTCP(8080); err != nil {
			t.Errorf("ListenTCP: %v", err)
		}
	})

	mustSpawn(t, "observer", func() {
		yieldUntil(func() bool { return owner.State() == sched.Zombie })
		sched.Shutdown()
	})

	sched.RunIdle()

	if n := env.sockets.InUse(); n != 0 {
		t.Fatalf("expected every socket of the task to be released; %d in use", n)
	}

	if got := env.host.TCP().Stats().TxResets; got != 1 {
		t.Fatalf("expected the connection to be reset; got %d resets", got)
	}

	if got := logBuf.String(); !strings.Contains(got, "[socket] closing socket 0 of task 2\n") {
		t.Fatalf("expected forced close to be logged; got:\n%s", got)
	}
}

func TestUDP(t *testing.T) {
	defer setupKernel(t)()
	env := newEnv(t, nil)

	// The peer echoes datagrams sent to port 7.
	ep, err := env.peer.UDP().Bind(7)
	if err != nil {
		t.Fatal(err)
	}
	env.peer.Device().(*pipe.Device).SetInterruptHandler(func() {
		env.peer.Poll(stack.DefaultPollBudget)
		for {
			d, ok := env.peer.UDP().RecvFrom(ep)
			if !ok {
				return
			}
			env.peer.UDP().SendTo(ep, d.Src, d.SrcPort, d.Data)
		}
	})

	var (
		first, second      string
		src                net.IPv4Addr
		srcPort, localPort uint16
		sendErr, wrongKind *kernel.Error
	)

	mustSpawn(t, "udp", func() {
		defer sched.Shutdown()

		h, err := env.sockets.OpenUDP(5000)
		if err != nil {
			t.Errorf("OpenUDP: %v", err)
			return
		}
		info, _ := env.sockets.Info(h)
		localPort = info.LocalPort

		sendErr = env.sockets.SendTo(h, peerAddr, 7, []byte("datagram"))

		buf := make([]byte, 4)
		n, from, port, err := env.sockets.RecvFrom(h, buf)
		if err != nil {
			t.Errorf("RecvFrom: %v", err)
			return
		}
		first, src, srcPort = string(buf[:n]), from, port

		env.sockets.SendTo(h, peerAddr, 7, []byte("again"))
		buf = make([]byte, 16)
		n, _, _, _ = env.sockets.RecvFrom(h, buf)
		second = string(buf[:n])

		_, wrongKind = env.sockets.Send(h, buf)
		env.sockets.Close(h)
	})

	sched.RunIdle()

	if sendErr != nil {
		t.Fatalf("SendTo: %v", sendErr)
	}
	if localPort != 5000 {
		t.Fatalf("expected local port 5000; got %d", localPort)
	}
	if first != "data" || src != peerAddr || srcPort != 7 {
		t.Fatalf("expected truncated echo from %s:7; got %q from %s:%d", peerAddr.String(), first, src.String(), srcPort)
	}
	if second != "again" {
		t.Fatalf("expected second echo %q; got %q", "again", second)
	}
	if wrongKind != ErrWrongKind {
		t.Fatalf("expected Send on a UDP socket to fail with ErrWrongKind; got %v", wrongKind)
	}
	if n := env.sockets.InUse(); n != 0 {
		t.Fatalf("expected the socket to be released; %d in use", n)
	}
}

func TestOperationErrors(t *testing.T) {
	defer setupKernel(t)()
	env := newEnv(t, nil)

	lis, err := env.sockets.ListenTCP(80)
	if err != nil {
		t.Fatal(err)
	}
	ep, err := env.sockets.OpenUDP(53)
	if err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	specs := []struct {
		name   string
		op     func() *kernel.Error
		expErr *kernel.Error
	}{
		{"negative handle", func() *kernel.Error { _, err := env.sockets.Recv(-1, buf); return err }, ErrBadHandle},
		{"handle out of range", func() *kernel.Error { return env.sockets.Close(MaxSockets) }, ErrBadHandle},
		{"free slot", func() *kernel.Error { _, err := env.sockets.Send(10, buf); return err }, ErrBadHandle},
		{"send on listener", func() *kernel.Error { _, err := env.sockets.Send(lis, buf); return err }, ErrWrongKind},
		{"recv on listener", func() *kernel.Error { _, err := env.sockets.Recv(lis, buf); return err }, ErrWrongKind},
		{"accept on UDP socket", func() *kernel.Error { _, err := env.sockets.Accept(ep); return err }, ErrWrongKind},
		{"sendto on listener", func() *kernel.Error { return env.sockets.SendTo(lis, peerAddr, 53, buf) }, ErrWrongKind},
		{"recvfrom on listener", func() *kernel.Error { _, _, _, err := env.sockets.RecvFrom(lis, buf); return err }, ErrWrongKind},
		{"listen on used port", func() *kernel.Error { _, err := env.sockets.ListenTCP(80); return err }, tcp.ErrPortInUse},
		{"bind used port", func() *kernel.Error { _, err := env.sockets.OpenUDP(53); return err }, udp.ErrPortInUse},
		{"close free slot", func() *kernel.Error { return env.sockets.Close(20) }, ErrBadHandle},
	}

	for specIndex, spec := range specs {
		if err := spec.op(); err != spec.expErr {
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.name, spec.expErr, err)
		}
	}

	if n := env.sockets.InUse(); n != 2 {
		t.Fatalf("expected failed operations to release their slots; %d in use", n)
	}

	var dump bytes.Buffer
	env.sockets.Dump(&dump)
	exp := " 0 listener owner 0 open waiters 0\n 1 udp      owner 0 open waiters 0\n"
	if got := dump.String(); got != exp {
		t.Fatalf("expected dump:\n%s\ngot:\n%s", exp, got)
	}
}

func TestTooManySockets(t *testing.T) {
	defer setupKernel(t)()

	cfg := config.Default()
	cfg.TCP.MaxConns = MaxSockets + 1
	env := newEnv(t, cfg)

	for port := uint16(1); port <= MaxSockets; port++ {
		if _, err := env.sockets.ListenTCP(port); err != nil {
			t.Fatalf("ListenTCP(%d): %v", port, err)
		}
	}

	if _, err := env.sockets.ListenTCP(1000); err != ErrTooManySockets {
		t.Fatalf("expected ErrTooManySockets; got %v", err)
	}

	if err := env.sockets.Close(3); err != nil {
		t.Fatal(err)
	}
	h, err := env.sockets.ListenTCP(1000)
	if err != nil || h != 3 {
		t.Fatalf("expected the released slot to be reused; got %d, %v", h, err)
	}
}

func TestKindString(t *testing.T) {
	specs := []struct {
		kind Kind
		exp  string
	}{
		{KindFree, "free"},
		{KindTCP, "tcp"},
		{KindListener, "listener"},
		{KindUDP, "udp"},
		{Kind(42), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.kind.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
