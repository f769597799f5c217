package cpu

// tlbEntries is the number of slots in the direct-mapped translation
// lookaside buffer. It must be a power of 2.
const tlbEntries = 64

type tlbSlot struct {
	valid bool
	page  uintptr
	entry uint64
}

var tlb [tlbEntries]tlbSlot

// TLBLookup returns the cached final page table entry for the virtual page
// number vpn.
func TLBLookup(vpn uintptr) (uint64, bool) {
	slot := &tlb[vpn&(tlbEntries-1)]
	if !slot.valid || slot.page != vpn {
		return 0, false
	}
	return slot.entry, true
}

// TLBFill caches the final page table entry for the virtual page number vpn,
// evicting whatever occupied its slot.
func TLBFill(vpn uintptr, entry uint64) {
	tlb[vpn&(tlbEntries-1)] = tlbSlot{valid: true, page: vpn, entry: entry}
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	vpn := virtAddr >> 12
	slot := &tlb[vpn&(tlbEntries-1)]
	if slot.page == vpn {
		slot.valid = false
	}
}

// FlushTLB invalidates every cached translation.
func FlushTLB() {
	for i := range tlb {
		tlb[i].valid = false
	}
}
