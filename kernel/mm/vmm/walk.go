package vmm

import (
	"unsafe"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// tableEntries returns the entries of the page table stored in frame.
func tableEntries(frame mm.Frame) []pageTableEntry {
	words := mm.PhysMem().Words(frame)
	if words == nil {
		return nil
	}
	return unsafe.Slice((*pageTableEntry)(unsafe.Pointer(&words[0])), entriesPerTable)
}

// walk performs a page table walk for the given virtual address starting at
// the P4 table stored in pdtFrame. It calls the suppplied walkFn with the page
// table entry that corresponds to each page table level. If walkFn returns
// false then the walk is aborted.
//
// The walker may populate a non-present entry; walk follows whatever frame
// the entry points to after walkFn returns.
func walk(pdtFrame mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level      uint8
		tableFrame = pdtFrame
		entryIndex uintptr
	)

	for level = 0; level < pageLevels; level++ {
		table := tableEntries(tableFrame)
		if table == nil {
			return
		}

		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := &table[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func pteForAddress(pdtFrame mm.Frame, virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(pdtFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}

// isCanonical returns true if bits 48-63 of virtAddr are copies of bit 47.
func isCanonical(virtAddr uintptr) bool {
	upper := virtAddr >> 47
	return upper == 0 || upper == (1<<17)-1
}
