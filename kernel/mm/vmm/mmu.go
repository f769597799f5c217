package vmm

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/mm"
)

// AccessMode describes the kind of memory access performed through the MMU.
// Its bits match the page fault error code pushed by the CPU.
type AccessMode uint8

const (
	// AccessRead is a supervisor read.
	AccessRead AccessMode = 0

	// AccessWrite marks a write access.
	AccessWrite AccessMode = faultWrite

	// AccessUser marks an access performed on behalf of user code.
	AccessUser AccessMode = faultUser
)

var (
	// the following functions are mocked by tests.
	raiseFaultFn   = raiseFault
	tlbLookupFn    = cpu.TLBLookup
	tlbFillFn      = cpu.TLBFill
	writeCR2Fn     = cpu.WriteCR2
	dispatchTrapFn = gate.Dispatch
)

// Probe returns true if every byte in [virtAddr, virtAddr+size) can be
// accessed using the specified mode. Probe never raises a fault.
func (as *AddressSpace) Probe(virtAddr, size uintptr, mode AccessMode) bool {
	if size == 0 {
		return true
	}

	end := virtAddr + size - 1
	if end < virtAddr {
		return false
	}

	for page := mm.PageFromAddress(virtAddr); page <= mm.PageFromAddress(end); page++ {
		if _, _, ok := as.translateAccess(page.Address(), mode); !ok {
			return false
		}
	}

	return true
}

// Read copies len(buf) bytes starting at virtAddr into buf. If any of the
// pages cannot be accessed using the specified mode, a page fault (or a
// general protection fault for non-canonical addresses) is raised and
// ErrUnrecoverableFault is returned.
func (as *AddressSpace) Read(virtAddr uintptr, buf []byte, mode AccessMode) *kernel.Error {
	return as.access(virtAddr, buf, mode&^AccessWrite, func(mem, data []byte) { copy(data, mem) })
}

// Write copies buf to the memory starting at virtAddr. Faults are raised the
// same way as Read does.
func (as *AddressSpace) Write(virtAddr uintptr, buf []byte, mode AccessMode) *kernel.Error {
	return as.access(virtAddr, buf, mode|AccessWrite, func(mem, data []byte) { copy(mem, data) })
}

// access splits buf into page-sized chunks and invokes copyFn with the
// physical memory that backs each chunk.
func (as *AddressSpace) access(virtAddr uintptr, buf []byte, mode AccessMode, copyFn func(mem, data []byte)) *kernel.Error {
	for len(buf) > 0 {
		physAddr, code, ok := as.translateAccess(virtAddr, mode)
		if !ok {
			raiseFaultFn(virtAddr, code)
			return ErrUnrecoverableFault
		}

		offset := PageOffset(physAddr)
		chunk := mm.PageSize - offset
		if chunk > uintptr(len(buf)) {
			chunk = uintptr(len(buf))
		}

		mem := mm.PhysMem().Bytes(mm.FrameFromAddress(physAddr))
		copyFn(mem[offset:offset+chunk], buf[:chunk])

		buf = buf[chunk:]
		virtAddr += chunk
	}

	return nil
}

// translateAccess returns the physical address for virtAddr if it can be
// accessed using mode. Otherwise ok is false and code holds the fault to
// raise: a page fault error code (which is zero for a supervisor read of a
// page that is not present) or faultGeneralProtection for non-canonical
// addresses. Translations of the active address space are cached in the TLB.
func (as *AddressSpace) translateAccess(virtAddr uintptr, mode AccessMode) (physAddr uintptr, code uint64, ok bool) {
	if !isCanonical(virtAddr) {
		return 0, faultGeneralProtection, false
	}

	vpn := virtAddr >> mm.PageShift
	active := as.isActive()
	if active {
		if entry, ok := tlbLookupFn(vpn); ok {
			pte := pageTableEntry(entry)
			if allowed(pte, mode) {
				return pte.Frame().Address() + PageOffset(virtAddr), 0, true
			}
		}
	}

	// Effective permissions are the intersection of the RW and U/S bits
	// of every level.
	var (
		effective = FlagRW | FlagUserAccessible
		leaf      pageTableEntry
		present   bool
	)
	walk(as.pdtFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		effective &= PageTableEntryFlag(*pte) & (FlagRW | FlagUserAccessible)
		if pteLevel == pageLevels-1 {
			leaf, present = *pte, true
		}
		return true
	})

	if !present {
		return 0, uint64(mode) & (faultWrite | faultUser), false
	}

	leaf.ClearFlags(FlagRW | FlagUserAccessible)
	leaf.SetFlags(effective)
	if !allowed(leaf, mode) {
		return 0, faultProtection | uint64(mode)&(faultWrite|faultUser), false
	}

	if active {
		tlbFillFn(vpn, uint64(leaf))
	}

	return leaf.Frame().Address() + PageOffset(virtAddr), 0, true
}

// allowed checks whether the effective flags of a final page table entry
// permit an access with the specified mode.
func allowed(pte pageTableEntry, mode AccessMode) bool {
	if mode&AccessWrite != 0 && !pte.HasFlags(FlagRW) {
		return false
	}
	if mode&AccessUser != 0 && !pte.HasFlags(FlagUserAccessible) {
		return false
	}
	return true
}

// raiseFault delivers the fault described by code to the interrupt gate.
// If the fault is fatal to the running task this function does not return.
func raiseFault(virtAddr uintptr, code uint64) {
	writeCR2Fn(uint64(virtAddr))
	if code == faultGeneralProtection {
		dispatchTrapFn(gate.GPFException, &gate.Registers{})
		return
	}

	dispatchTrapFn(gate.PageFaultException, &gate.Registers{Info: code})
}
