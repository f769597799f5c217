package mm

import (
	"math"

	"github.com/shiiinji/wasabi/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Owner identifies the address space that holds a physical frame.
type Owner uint32

// OwnerKernel marks frames that belong to the kernel. Kernel frames are
// either used by kernel-global mappings shared by every address space or by
// kernel data structures.
const OwnerKernel = Owner(0)

var (
	// frameAllocator and frameReleaser point to the frame allocator
	// functions registered using SetFrameAllocator.
	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn
)

// FrameAllocatorFn is a function that can allocate physical frames on behalf
// of an owner.
type FrameAllocatorFn func(owner Owner) (Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a frame held by owner back to
// the free pool.
type FrameReleaserFn func(frame Frame, owner Owner)

// SetFrameAllocator registers the frame allocator functions that will be used
// by the vmm code when physical frames need to be allocated or released.
func SetFrameAllocator(allocFn FrameAllocatorFn, freeFn FrameReleaserFn) {
	frameAllocator = allocFn
	frameReleaser = freeFn
}

// AllocFrame allocates a new physical frame for owner using the currently
// active physical frame allocator.
func AllocFrame(owner Owner) (Frame, *kernel.Error) { return frameAllocator(owner) }

// FreeFrame releases a frame held by owner using the currently active
// physical frame allocator.
func FreeFrame(frame Frame, owner Owner) { frameReleaser(frame, owner) }

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}
