package vmm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/mm"
	"github.com/shiiinji/wasabi/kernel/mm/pmm"
	"github.com/shiiinji/wasabi/multiboot"
)

const (
	textAddr = KernelPageOffset + 0x100000
	dataAddr = KernelPageOffset + 0x102000
)

// setupMachine installs 8M of RAM, a memory map and a kernel image with a
// text and a data section and initializes the frame allocator.
func setupMachine(t *testing.T) func() {
	var b multiboot.InfoBuilder
	multiboot.SetInfo(b.AddMemoryMap([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x100000, Length: 0x700000, Type: multiboot.MemAvailable},
	}).AddElfSections([]multiboot.ElfSection{
		{Name: ".text", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: textAddr, Size: 0x2000},
		{Name: ".data", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: dataAddr, Size: 0x1000},
		{Name: ".debug", Address: 0, Size: 0x100},
	}).Bytes())

	cpu.Reset()
	mm.SetPhysicalMemory(mm.NewPhysicalMemory(8 * mm.Mb))
	if err := pmm.Init(0x100000, 0x103000); err != nil {
		t.Fatal(err)
	}

	return func() {
		kernelSpace = nil
		activeSpace = nil
		cpu.Reset()
		mm.SetPhysicalMemory(nil)
		mm.SetFrameAllocator(nil, nil)
	}
}

func TestInit(t *testing.T) {
	defer setupMachine(t)()
	defer func() { handleInterruptFn = gate.HandleInterrupt }()

	installed := make(map[gate.InterruptNumber]bool)
	handleInterruptFn = func(vector gate.InterruptNumber, handler func(*gate.Registers)) {
		installed[vector] = handler != nil
	}

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	if !installed[gate.PageFaultException] || !installed[gate.GPFException] {
		t.Fatalf("expected page fault and GPF handlers to be installed; got %v", installed)
	}

	if KernelSpace() == nil || ActiveSpace() != KernelSpace() {
		t.Fatal("expected kernel address space to be active")
	}

	if exp, got := KernelSpace().PDT().Address(), cpu.ActivePDT(); got != exp {
		t.Fatalf("expected CR3 to point to 0x%x; got 0x%x", exp, got)
	}

	p4 := tableEntries(KernelSpace().PDT())
	for index := kernelP4Start; index < entriesPerTable; index++ {
		if !p4[index].HasFlags(FlagPresent | FlagRW) {
			t.Fatalf("expected kernel P4 entry %d to be populated", index)
		}
	}

	specs := []struct {
		virtAddr   uintptr
		expPhys    uintptr
		expFlags   PageTableEntryFlag
		unexpFlags PageTableEntryFlag
	}{
		{textAddr, 0x100000, FlagPresent | FlagGlobal, FlagRW | FlagNoExecute},
		{textAddr + 0x1abc, 0x101abc, FlagPresent | FlagGlobal, FlagRW | FlagNoExecute},
		{dataAddr + 8, 0x102008, FlagPresent | FlagGlobal | FlagRW | FlagNoExecute, FlagUserAccessible},
	}

	for specIndex, spec := range specs {
		physAddr, err := KernelSpace().Translate(spec.virtAddr)
		if err != nil {
			t.Errorf("[spec %d] translate failed: %v", specIndex, err)
			continue
		}

		if physAddr != spec.expPhys {
			t.Errorf("[spec %d] expected phys address 0x%x; got 0x%x", specIndex, spec.expPhys, physAddr)
		}

		pte, _ := pteForAddress(KernelSpace().PDT(), spec.virtAddr)
		if !pte.HasFlags(spec.expFlags) || pte.HasAnyFlag(spec.unexpFlags) {
			t.Errorf("[spec %d] unexpected page table entry flags: %x", specIndex, uint64(*pte)&^ptePhysPageMask)
		}
	}

	if _, err := KernelSpace().Translate(dataAddr + 0x1000); err != ErrInvalidMapping {
		t.Fatalf("expected error %v; got %v", ErrInvalidMapping, err)
	}
}

func TestInitOutOfMemory(t *testing.T) {
	defer setupMachine(t)()

	allocs := 0
	mm.SetFrameAllocator(func(_ mm.Owner) (mm.Frame, *kernel.Error) {
		if allocs++; allocs > 10 {
			return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of memory"}
		}
		return mm.Frame(allocs), nil
	}, nil)

	if err := Init(); err != ErrOutOfMemory {
		t.Fatalf("expected error %v; got %v", ErrOutOfMemory, err)
	}

	if KernelSpace() != nil {
		t.Fatal("expected kernel space to remain unset")
	}
}

func TestAddressSpaceMapUnmap(t *testing.T) {
	defer setupMachine(t)()
	defer func() { raiseFaultFn = raiseFault }()

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	as, err := NewAddressSpace(mm.Owner(1))
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := mm.Owner(1), as.Owner(); got != exp {
		t.Fatalf("expected owner %d; got %d", exp, got)
	}

	// The kernel half is shared.
	if physAddr, err := as.Translate(textAddr); err != nil || physAddr != 0x100000 {
		t.Fatalf("expected kernel text to be mapped at 0x100000; got 0x%x, %v", physAddr, err)
	}

	// The trap area is mapped but only accessible by the kernel.
	if !as.Probe(TrapAreaBase, TrapAreaPages<<mm.PageShift, AccessWrite) {
		t.Fatal("expected trap area to be writable by the kernel")
	}
	if as.Probe(TrapAreaBase, 1, AccessUser) {
		t.Fatal("expected trap area not to be accessible by user code")
	}

	frame, _ := mm.AllocFrame(mm.Owner(1))
	page := mm.PageFromAddress(0x400000)
	if err = as.Map(page, frame, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	if physAddr, err := as.Translate(0x400123); err != nil || physAddr != frame.Address()+0x123 {
		t.Fatalf("expected translation to frame address 0x%x; got 0x%x, %v", frame.Address()+0x123, physAddr, err)
	}

	specs := []struct {
		page   mm.Page
		expErr *kernel.Error
	}{
		{page, ErrAlreadyMapped},
		{mm.PageFromAddress(KernelPageOffset + 0x200000), errKernelHalfMapping},
		{mm.PageFromAddress(0x0000800000000000), ErrInvalidMapping},
	}

	for specIndex, spec := range specs {
		if err := as.Map(spec.page, frame, FlagPresent); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}

	buf := make([]byte, 4)
	if err = as.Read(0x400123, buf, AccessRead); err != nil {
		t.Fatal(err)
	}

	if err = as.Unmap(page); err != nil {
		t.Fatal(err)
	}

	// Accessing an unmapped page always faults, including supervisor reads
	// whose page fault error code is zero.
	var faults []uint64
	raiseFaultFn = func(_ uintptr, code uint64) { faults = append(faults, code) }
	for _, mode := range []AccessMode{AccessRead, AccessWrite, AccessUser} {
		if err = as.Read(0x400123, buf, mode); err != ErrUnrecoverableFault {
			t.Errorf("expected reading an unmapped page with mode %d to fail with %v; got %v", mode, ErrUnrecoverableFault, err)
		}
		if as.Probe(0x400123, 1, mode) {
			t.Errorf("expected Probe of an unmapped page with mode %d to fail", mode)
		}
	}
	if exp := []uint64{0, 0, faultUser}; len(faults) != len(exp) || faults[0] != exp[0] || faults[1] != exp[1] || faults[2] != exp[2] {
		t.Fatalf("expected fault codes %v; got %v", exp, faults)
	}

	if _, err = as.Translate(0x400123); err != ErrInvalidMapping {
		t.Fatalf("expected error %v; got %v", ErrInvalidMapping, err)
	}

	if err = as.Unmap(page); err != ErrInvalidMapping {
		t.Fatalf("expected error %v; got %v", ErrInvalidMapping, err)
	}

	if _, reserved := pmm.OwnerOf(frame); reserved {
		t.Fatal("expected unmapped frame to be released")
	}

	if err = as.Unmap(mm.PageFromAddress(textAddr)); err != errKernelHalfMapping {
		t.Fatalf("expected error %v; got %v", errKernelHalfMapping, err)
	}
}

func TestAddressSpaceDestroy(t *testing.T) {
	defer setupMachine(t)()

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	freeBefore := pmm.FrameStats().FreeFrames

	as, err := NewAddressSpace(mm.Owner(2))
	if err != nil {
		t.Fatal(err)
	}

	if _, err = as.AllocRegion(0x400000, 3*mm.PageSize-1, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	// Mappings of frames held by the kernel are dropped without
	// releasing the frames.
	if err = as.Map(mm.PageFromAddress(0x800000), mm.Frame(0x100), FlagPresent|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	if got := pmm.CountOwned(mm.Owner(2)); got == 0 {
		t.Fatal("expected address space owner to hold frames")
	}

	as.Activate()
	if ActiveSpace() != as {
		t.Fatal("expected address space to be active")
	}

	as.Destroy()

	if ActiveSpace() != KernelSpace() {
		t.Fatal("expected destroying the active address space to activate the kernel space")
	}

	if got := pmm.CountOwned(mm.Owner(2)); got != 0 {
		t.Fatalf("expected all frames held by owner 2 to be released; %d remain", got)
	}

	if got := pmm.FrameStats().FreeFrames; got != freeBefore {
		t.Fatalf("expected free frame count to be restored to %d; got %d", freeBefore, got)
	}

	if owner, reserved := pmm.OwnerOf(mm.Frame(0x100)); !reserved || owner != mm.OwnerKernel {
		t.Fatal("expected kernel frame to remain reserved")
	}

	// Destroying twice or destroying the kernel space is a no-op.
	as.Destroy()
	KernelSpace().Destroy()
	if !KernelSpace().PDT().Valid() {
		t.Fatal("expected kernel space to survive Destroy")
	}
}

func TestReadWriteProbe(t *testing.T) {
	defer setupMachine(t)()
	defer func() { raiseFaultFn = raiseFault }()

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	var (
		faultAddr uintptr
		faultCode uint64
		faults    int
	)
	raiseFaultFn = func(virtAddr uintptr, code uint64) {
		faultAddr, faultCode = virtAddr, code
		faults++
	}

	as, err := NewAddressSpace(mm.Owner(3))
	if err != nil {
		t.Fatal(err)
	}
	defer as.Destroy()

	if _, err = as.AllocRegion(0x400000, 2*mm.PageSize, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}
	if _, err = as.AllocRegion(0x600000, mm.PageSize, FlagPresent|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}
	as.Activate()

	// Writes that straddle a page boundary.
	payload := []byte("hello wasabi")
	if err = as.Write(0x400ffa, payload, AccessUser); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	if err = as.Read(0x400ffa, got, AccessUser); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected to read back %q; got %q", payload, got)
	}

	if _, cached := cpu.TLBLookup(0x400ffa >> mm.PageShift); !cached {
		t.Fatal("expected translation of the active space to be cached in the TLB")
	}

	probeSpecs := []struct {
		virtAddr, size uintptr
		mode           AccessMode
		exp            bool
	}{
		{0x400000, 2 * mm.PageSize, AccessUser | AccessWrite, true},
		{0x400000, 2*mm.PageSize + 1, AccessUser, false},
		{0x600000, 16, AccessUser, true},
		{0x600000, 16, AccessUser | AccessWrite, false},
		{0x600000, 16, AccessWrite, false},
		{0x700000, 1, AccessRead, false},
		{0x700000, 0, AccessUser, true},
		{^uintptr(0), 2, AccessRead, false},
		{0x0000800000000000, 1, AccessRead, false},
		{textAddr, 1, AccessRead, true},
		{textAddr, 1, AccessUser, false},
	}

	for specIndex, spec := range probeSpecs {
		if got := as.Probe(spec.virtAddr, spec.size, spec.mode); got != spec.exp {
			t.Errorf("[spec %d] expected Probe(0x%x, %d, %d) to return %t", specIndex, spec.virtAddr, spec.size, spec.mode, spec.exp)
		}
	}

	if faults != 0 {
		t.Fatalf("expected Probe not to raise faults; got %d", faults)
	}

	faultSpecs := []struct {
		virtAddr uintptr
		write    bool
		mode     AccessMode
		expCode  uint64
	}{
		{0x600010, true, AccessUser, faultProtection | faultWrite | faultUser},
		{0x700000, false, AccessUser, faultUser},
		{0x700000, true, AccessRead, faultWrite},
		{TrapAreaBase, false, AccessUser, faultProtection | faultUser},
		{0x0000800000000000, false, AccessRead, faultGeneralProtection},
	}

	for specIndex, spec := range faultSpecs {
		faults = 0
		buf := make([]byte, 4)

		if spec.write {
			err = as.Write(spec.virtAddr, buf, spec.mode)
		} else {
			err = as.Read(spec.virtAddr, buf, spec.mode)
		}

		if err != ErrUnrecoverableFault {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, ErrUnrecoverableFault, err)
		}

		if faults != 1 || faultAddr != spec.virtAddr || faultCode != spec.expCode {
			t.Errorf("[spec %d] expected a single fault at 0x%x with code %x; got %d faults at 0x%x with code %x", specIndex, spec.virtAddr, spec.expCode, faults, faultAddr, faultCode)
		}
	}

	// Unmapping flushes the cached translation.
	if err = as.Unmap(mm.PageFromAddress(0x400000)); err != nil {
		t.Fatal(err)
	}
	if _, cached := cpu.TLBLookup(0x400000 >> mm.PageShift); cached {
		t.Fatal("expected Unmap to flush the TLB entry")
	}
}

func TestRaiseFault(t *testing.T) {
	defer func() {
		writeCR2Fn = cpu.WriteCR2
		dispatchTrapFn = gate.Dispatch
	}()

	var (
		cr2    uint64
		vector gate.InterruptNumber
		info   uint64
	)
	writeCR2Fn = func(v uint64) { cr2 = v }
	dispatchTrapFn = func(v gate.InterruptNumber, regs *gate.Registers) {
		vector, info = v, regs.Info
	}

	raiseFault(0x1234, faultWrite|faultUser)
	if cr2 != 0x1234 || vector != gate.PageFaultException || info != faultWrite|faultUser {
		t.Fatalf("unexpected page fault delivery: cr2=0x%x vector=%d info=%x", cr2, vector, info)
	}

	raiseFault(0x0000800000000000, faultGeneralProtection)
	if vector != gate.GPFException || info != 0 {
		t.Fatalf("expected a GPF to be delivered; got vector %d with info %x", vector, info)
	}
}

func TestFaultHandlers(t *testing.T) {
	defer setupMachine(t)()
	defer func() {
		readCR2Fn = cpu.ReadCR2
		killCurrentTaskFn = gate.KillCurrentTask
		kfmt.SetOutputSink(nil)
	}()

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	var killedBy []gate.InterruptNumber
	killCurrentTaskFn = func(vector gate.InterruptNumber, _ *gate.Registers) {
		killedBy = append(killedBy, vector)
	}
	readCR2Fn = func() uint64 { return uint64(textAddr) }

	buf.Reset()
	pageFaultHandler(&gate.Registers{Info: faultProtection | faultWrite})
	if !strings.Contains(buf.String(), "page protection violation (write)") {
		t.Fatalf("expected fault reason to be logged; got:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), "page entry for owner 0") {
		t.Fatalf("expected page entry details to be logged; got:\n%s", buf.String())
	}

	readCR2Fn = func() uint64 { return 0xbadf00d }
	generalProtectionFaultHandler(&gate.Registers{})

	if len(killedBy) != 2 || killedBy[0] != gate.PageFaultException || killedBy[1] != gate.GPFException {
		t.Fatalf("expected both handlers to kill the current task; got %v", killedBy)
	}
}

func TestHandlePageFault(t *testing.T) {
	defer setupMachine(t)()
	defer kfmt.SetOutputSink(nil)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	specs := []struct {
		errorCode uint64
		expReason string
	}{
		{0, "read from non-present page"},
		{faultProtection, "page protection violation (read)"},
		{faultWrite, "write to non-present page"},
		{faultProtection | faultWrite | faultUser, "page protection violation (write)"},
		{faultReserved, "page table has reserved bit set"},
		{faultFetch | faultUser, "instruction fetch"},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		if err := HandlePageFault(0x400000, KernelSpace(), spec.errorCode); err != ErrUnrecoverableFault {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, ErrUnrecoverableFault, err)
		}

		if !strings.Contains(buf.String(), spec.expReason) {
			t.Errorf("[spec %d] expected output to contain %q; got:\n%s", specIndex, spec.expReason, buf.String())
		}

		if !strings.Contains(buf.String(), "is not mapped") {
			t.Errorf("[spec %d] expected output to report a missing mapping; got:\n%s", specIndex, buf.String())
		}
	}
}
