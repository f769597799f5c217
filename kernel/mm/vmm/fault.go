package vmm

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/mm"
)

// Page fault error code bits as pushed by the CPU.
const (
	faultProtection = 1 << 0
	faultWrite      = 1 << 1
	faultUser       = 1 << 2
	faultReserved   = 1 << 3
	faultFetch      = 1 << 4

	// faultGeneralProtection is not part of the page fault error code; it
	// marks accesses to non-canonical addresses.
	faultGeneralProtection = 1 << 32
)

var (
	// ErrUnrecoverableFault is returned by HandlePageFault. There is no
	// demand paging or swapping so no fault can be recovered.
	ErrUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}

	// killCurrentTaskFn is mocked by tests.
	killCurrentTaskFn = gate.KillCurrentTask
)

// HandlePageFault inspects a fault at faultAddress in the supplied address
// space and logs the reason. Faults are never recovered so the function
// always returns ErrUnrecoverableFault; the caller is expected to terminate
// the faulting task.
func HandlePageFault(faultAddress uintptr, as *AddressSpace, errorCode uint64) *kernel.Error {
	w := logWriter()
	kfmt.Fprintf(w, "page fault while accessing address: 0x%016x\n", faultAddress)
	kfmt.Fprintf(w, "reason: %s\n", faultReason(errorCode))

	if as != nil {
		var pageEntry *pageTableEntry
		walk(as.pdtFrame, mm.PageFromAddress(faultAddress).Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
			nextIsPresent := pte.HasFlags(FlagPresent)
			if pteLevel == pageLevels-1 && nextIsPresent {
				pageEntry = pte
			}

			// Abort walk if the next page table entry is missing
			return nextIsPresent
		})

		if pageEntry != nil {
			kfmt.Fprintf(w, "page entry for owner %d: frame %d, flags: %x\n", as.owner, pageEntry.Frame(), uint64(*pageEntry)&^ptePhysPageMask)
		} else {
			kfmt.Fprintf(w, "address is not mapped in the address space of owner %d\n", as.owner)
		}
	}

	return ErrUnrecoverableFault
}

func faultReason(errorCode uint64) string {
	switch {
	case errorCode&faultReserved != 0:
		return "page table has reserved bit set"
	case errorCode&faultFetch != 0:
		return "instruction fetch"
	}

	switch errorCode & (faultProtection | faultWrite) {
	case 0:
		return "read from non-present page"
	case faultProtection:
		return "page protection violation (read)"
	case faultWrite:
		return "write to non-present page"
	default:
		return "page protection violation (write)"
	}
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails.
func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())
	if err := HandlePageFault(faultAddress, activeSpace, regs.Info); err != nil {
		killCurrentTaskFn(gate.PageFaultException, regs)
	}
}

// generalProtectionFaultHandler is invoked for various reasons:
// - accesses to non-canonical addresses
// - executing privileged instructions outside ring-0
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Fprintf(logWriter(), "general protection fault while accessing address: 0x%x\n", readCR2Fn())
	killCurrentTaskFn(gate.GPFException, regs)
}
