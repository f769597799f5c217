package mm

import (
	"unsafe"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/kfmt"
)

// wordsPerPage is the number of 64-bit words that fit in a page.
const wordsPerPage = PageSize >> PointerShift

var (
	// physMem is the machine RAM registered via SetPhysicalMemory.
	physMem *PhysicalMemory

	errFrameOutOfRange = &kernel.Error{Module: "mm", Message: "physical frame out of range"}
)

// PhysicalMemory models the machine RAM. Its contents are stored as
// page-aligned 64-bit words so page table entries can be accessed without
// any byte shuffling.
type PhysicalMemory struct {
	words []uint64
}

// NewPhysicalMemory allocates RAM with the requested size rounded up to a
// multiple of the page size.
func NewPhysicalMemory(size Size) *PhysicalMemory {
	return &PhysicalMemory{
		words: make([]uint64, size.Pages()*uint64(wordsPerPage)),
	}
}

// SetPhysicalMemory registers the machine RAM.
func SetPhysicalMemory(m *PhysicalMemory) { physMem = m }

// PhysMem returns the machine RAM registered via SetPhysicalMemory.
func PhysMem() *PhysicalMemory { return physMem }

// Size returns the amount of installed RAM.
func (m *PhysicalMemory) Size() Size {
	return Size(len(m.words)) << PointerShift
}

// FrameCount returns the number of physical frames backed by this RAM.
func (m *PhysicalMemory) FrameCount() uint64 {
	return uint64(len(m.words)) / uint64(wordsPerPage)
}

// Words returns the contents of frame as a slice of 64-bit words. Accessing a
// frame outside the installed RAM is a kernel panic.
func (m *PhysicalMemory) Words(frame Frame) []uint64 {
	if !frame.Valid() || uint64(frame) >= m.FrameCount() {
		kfmt.Panic(errFrameOutOfRange)
		return nil
	}

	start := uintptr(frame) * wordsPerPage
	return m.words[start : start+wordsPerPage : start+wordsPerPage]
}

// Bytes returns the contents of frame as a byte slice that aliases the
// words returned by Words.
func (m *PhysicalMemory) Bytes(frame Frame) []byte {
	words := m.Words(frame)
	if words == nil {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), PageSize)
}

// Zero clears the contents of frame.
func (m *PhysicalMemory) Zero(frame Frame) {
	Memset(m.Bytes(frame), 0)
}

// Memset sets every byte of target to value. Instead of using a for loop,
// this function uses log2(len(target)) copy calls.
func Memset(target []byte, value byte) {
	if len(target) == 0 {
		return
	}

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := 1; index < len(target); index *= 2 {
		copy(target[index:], target[:index])
	}
}
