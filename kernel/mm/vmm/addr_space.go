package vmm

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/cpu"
	"github.com/shiiinji/wasabi/kernel/mm"
	"github.com/shiiinji/wasabi/kernel/mm/pmm"
)

var (
	// ErrAlreadyMapped is returned by Map when the page is already mapped.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrOutOfMemory is returned when a frame for a page table or a
	// mapping cannot be allocated.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errKernelHalfMapping = &kernel.Error{Module: "vmm", Message: "the kernel half can only be modified through the kernel address space"}

	// the following functions are mocked by tests.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT
	frameOwnerFn    = pmm.OwnerOf

	// activeSpace points to the address space loaded in CR3.
	activeSpace *AddressSpace
)

// AddressSpace describes a virtual address space backed by a 4-level page
// table hierarchy. Frames allocated for the page tables and for mappings
// created by AllocRegion are held by the address space's owner id.
type AddressSpace struct {
	owner    mm.Owner
	pdtFrame mm.Frame
}

// NewAddressSpace creates a new address space for owner. The kernel half of
// the kernel address space is shared with the new space and a trap area
// (held by owner) is mapped at TrapAreaBase.
func NewAddressSpace(owner mm.Owner) (*AddressSpace, *kernel.Error) {
	pdtFrame, err := mm.AllocFrame(owner)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	mm.PhysMem().Zero(pdtFrame)

	as := &AddressSpace{owner: owner, pdtFrame: pdtFrame}
	if kernelSpace != nil {
		copy(tableEntries(pdtFrame)[kernelP4Start:], tableEntries(kernelSpace.pdtFrame)[kernelP4Start:])
	}

	if _, err = as.AllocRegion(TrapAreaBase, TrapAreaPages<<mm.PageShift, FlagPresent|FlagRW|FlagNoExecute); err != nil {
		as.Destroy()
		return nil, err
	}

	return as, nil
}

// Owner returns the id that holds the frames of this address space.
func (as *AddressSpace) Owner() mm.Owner { return as.owner }

// PDT returns the frame that holds the top-level page table.
func (as *AddressSpace) PDT() mm.Frame { return as.pdtFrame }

// isActive returns true if this address space is loaded in CR3.
func (as *AddressSpace) isActive() bool {
	return activePDTFn() == as.pdtFrame.Address()
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are allocated on behalf of the address space
// owner. Map fails with ErrAlreadyMapped if the page is already mapped and
// with ErrOutOfMemory if a page table cannot be allocated.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	virtAddr := page.Address()
	if !isCanonical(virtAddr) {
		return ErrInvalidMapping
	}

	kernelHalf := virtAddr >= KernelPageOffset
	if kernelHalf && as.owner != mm.OwnerKernel {
		return errKernelHalfMapping
	}

	var err *kernel.Error
	walk(as.pdtFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			if kernelHalf || as.isActive() {
				flushTLBEntryFn(virtAddr)
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := mm.AllocFrame(as.owner)
			if allocErr != nil {
				err = ErrOutOfMemory
				return false
			}
			mm.PhysMem().Zero(newTableFrame)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
			if !kernelHalf {
				// Access rights for user pages are decided by
				// the leaf entries.
				pte.SetFlags(FlagUserAccessible)
			}
		}

		return true
	})

	return err
}

// AllocRegion allocates frames on behalf of the address space owner and maps
// them at the page-aligned region starting at virtAddr. The size argument is
// rounded up to the nearest page boundary. AllocRegion returns the Page that
// corresponds to the region start.
func (as *AddressSpace) AllocRegion(virtAddr uintptr, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.PageFromAddress(virtAddr)
	pageCount := mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)

	for page := startPage; page < startPage+pageCount; page++ {
		frame, err := mm.AllocFrame(as.owner)
		if err != nil {
			return 0, ErrOutOfMemory
		}
		mm.PhysMem().Zero(frame)

		if err = as.Map(page, frame, flags); err != nil {
			mm.FreeFrame(frame, as.owner)
			return 0, err
		}
	}

	return startPage, nil
}

// Unmap removes a mapping previously installed via a call to Map. The frame
// backing the page is released if it is held by the address space owner.
func (as *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	virtAddr := page.Address()
	if virtAddr >= KernelPageOffset && as.owner != mm.OwnerKernel {
		return errKernelHalfMapping
	}

	var err *kernel.Error
	walk(as.pdtFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry, flush its TLB entry and release the frame.
		if pteLevel == pageLevels-1 {
			frame := pte.Frame()
			*pte = 0
			if virtAddr >= KernelPageOffset || as.isActive() {
				flushTLBEntryFn(virtAddr)
			}

			if owner, reserved := frameOwnerFn(frame); reserved && owner == as.owner && as.owner != mm.OwnerKernel {
				mm.FreeFrame(frame, as.owner)
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !isCanonical(virtAddr) {
		return 0, ErrInvalidMapping
	}

	pte, err := pteForAddress(as.pdtFrame, virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Activate loads this address space into CR3 and flushes the TLB.
func (as *AddressSpace) Activate() {
	switchPDTFn(as.pdtFrame.Address())
	activeSpace = as
}

// Destroy releases every frame held by the address space: leaf frames held by
// the owner, all page tables of the lower half and finally the top-level
// table. Mappings of frames held by other owners are dropped without
// releasing the frames. If the address space is active, the kernel address
// space is activated first.
func (as *AddressSpace) Destroy() {
	if as.owner == mm.OwnerKernel || !as.pdtFrame.Valid() {
		return
	}

	if as.isActive() && kernelSpace != nil {
		kernelSpace.Activate()
	}

	p4 := tableEntries(as.pdtFrame)
	for index := 0; index < kernelP4Start; index++ {
		if p4[index].HasFlags(FlagPresent) {
			as.releaseTable(1, p4[index].Frame())
		}
		p4[index] = 0
	}

	mm.FreeFrame(as.pdtFrame, as.owner)
	as.pdtFrame = mm.InvalidFrame
}

// releaseTable recursively releases the page table stored in tableFrame
// which lives at the specified page level.
func (as *AddressSpace) releaseTable(level uint8, tableFrame mm.Frame) {
	for _, pte := range tableEntries(tableFrame) {
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		frame := pte.Frame()
		if level < pageLevels-1 {
			as.releaseTable(level+1, frame)
			continue
		}

		if owner, reserved := frameOwnerFn(frame); reserved && owner == as.owner {
			mm.FreeFrame(frame, as.owner)
		}
	}

	mm.FreeFrame(tableFrame, as.owner)
}

// ActiveSpace returns the address space that is currently loaded in CR3.
func ActiveSpace() *AddressSpace {
	return activeSpace
}
