// Package vmm implements the virtual memory manager: 4-level page tables kept
// in physical frames, per-task address spaces that share the kernel half, a
// software MMU with a TLB and the page fault handlers.
package vmm

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/gate"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/mm"
	"github.com/shiiinji/wasabi/multiboot"
)

var (
	// kernelSpace is the address space set up by Init. Its upper half
	// is shared by every address space.
	kernelSpace *AddressSpace

	// the following functions are mocked by tests.
	readCR2Fn          = cpu.ReadCR2
	visitElfSectionsFn = multiboot.VisitElfSections
	handleInterruptFn  = gate.HandleInterrupt
)

// Init initializes the vmm system, creates a granular PDT for the kernel,
// activates it and installs paging-related exception handlers.
func Init() *kernel.Error {
	if err := setupPDTForKernel(); err != nil {
		return err
	}

	installFaultHandlers()
	kernelSpace.Activate()
	return nil
}

// KernelSpace returns the kernel address space.
func KernelSpace() *AddressSpace {
	return kernelSpace
}

// setupPDTForKernel queries the multiboot package for the ELF sections that
// correspond to the loaded kernel image and establishes a new granular PDT for
// the kernel's VMA using the appropriate flags (e.g. NX for data sections, RW
// for writable sections e.t.c).
//
// Every P3 table of the kernel half is allocated upfront so that address
// spaces created later share all current and future kernel mappings.
func setupPDTForKernel() *kernel.Error {
	// Allocate frame for the page directory and initialize it
	pdtFrame, err := mm.AllocFrame(mm.OwnerKernel)
	if err != nil {
		return ErrOutOfMemory
	}
	mm.PhysMem().Zero(pdtFrame)

	space := &AddressSpace{owner: mm.OwnerKernel, pdtFrame: pdtFrame}
	p4 := tableEntries(pdtFrame)
	for index := kernelP4Start; index < entriesPerTable; index++ {
		tableFrame, err := mm.AllocFrame(mm.OwnerKernel)
		if err != nil {
			return ErrOutOfMemory
		}
		mm.PhysMem().Zero(tableFrame)

		p4[index].SetFrame(tableFrame)
		p4[index].SetFlags(FlagPresent | FlagRW)
	}

	// Query the ELF sections of the kernel image and establish mappings
	// for each one using the appropriate flags
	visitElfSectionsFn(func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		// Bail out if we have encountered an error; also ignore sections
		// not using the kernel's VMA
		if err != nil || secAddress < KernelPageOffset {
			return
		}

		flags := FlagPresent | FlagGlobal

		if (secFlags & multiboot.ElfSectionExecutable) == 0 {
			flags |= FlagNoExecute
		}

		if (secFlags & multiboot.ElfSectionWritable) != 0 {
			flags |= FlagRW
		}

		// Map the start and end VMA addresses for the section contents
		// into a start and end (inclusive) page number. To figure out
		// the physical start frame we just need to subtract the
		// kernel's VMA offset from the virtual address and round that
		// down to the nearest frame number.
		curPage := mm.PageFromAddress(secAddress)
		lastPage := mm.PageFromAddress(secAddress + uintptr(secSize-1))
		curFrame := mm.Frame((secAddress - KernelPageOffset) >> mm.PageShift)
		for ; curPage <= lastPage; curFrame, curPage = curFrame+1, curPage+1 {
			if err = space.Map(curPage, curFrame, flags); err != nil {
				return
			}
		}
	})

	// If an error occurred while maping the ELF sections bail out
	if err != nil {
		return err
	}

	kernelSpace = space
	return nil
}

// installFaultHandlers registers the page fault and general protection
// fault handlers.
func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, pageFaultHandler)
	handleInterruptFn(gate.GPFException, generalProtectionFaultHandler)
}

func logWriter() *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter("vmm")
}
