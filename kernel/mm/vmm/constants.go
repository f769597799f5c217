package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uint64(0x000ffffffffff000)

	// KernelPageOffset is the virtual address where the kernel half of
	// every address space begins (P4 entries 256 to 511). The kernel image
	// is linked at KernelPageOffset + its physical load address.
	KernelPageOffset = uintptr(0xffff800000000000)

	// kernelP4Start is the first P4 entry of the shared kernel half.
	kernelP4Start = 256

	// trapAreaP4Index is the P4 slot holding the per-task trap area. It is
	// the last slot of the lower half and is never user accessible.
	trapAreaP4Index = 255

	// TrapAreaBase is the virtual address of the per-task trap area that
	// holds the kernel stack window used while servicing traps.
	TrapAreaBase = uintptr(trapAreaP4Index) << 39

	// TrapAreaPages is the number of pages mapped at TrapAreaBase.
	TrapAreaPages = 2

	// UserSpaceEnd is the first virtual address that user code can never
	// map.
	UserSpaceEnd = TrapAreaBase
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
