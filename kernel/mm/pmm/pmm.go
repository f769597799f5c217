// Package pmm implements the physical frame allocator.
package pmm

import (
	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/mm"
)

var (
	// bitmapAllocator is the standard allocator used by the kernel.
	bitmapAllocator BitmapAllocator
)

// Init sets up the kernel physical memory allocation sub-system using the
// memory map reported by the boot loader and registers the allocator with
// the mm package.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	if err := bitmapAllocator.init(kernelStart, kernelEnd, mm.PhysMem().FrameCount()); err != nil {
		return err
	}

	bitmapAllocator.printMemoryMap(kfmt.NewPrefixWriter("pmm"))
	mm.SetFrameAllocator(bitmapAllocFrame, bitmapFreeFrame)
	return nil
}

func bitmapAllocFrame(owner mm.Owner) (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame(owner)
}

func bitmapFreeFrame(frame mm.Frame, owner mm.Owner) {
	bitmapAllocator.FreeFrame(frame, owner)
}

// Transfer hands the ownership of a reserved frame from one owner to another.
func Transfer(frame mm.Frame, from, to mm.Owner) *kernel.Error {
	return bitmapAllocator.Transfer(frame, from, to)
}

// Share marks a frame held by owner as a kernel-global frame.
func Share(frame mm.Frame, owner mm.Owner) *kernel.Error {
	return bitmapAllocator.Share(frame, owner)
}

// OwnerOf returns the owner of a reserved frame.
func OwnerOf(frame mm.Frame) (mm.Owner, bool) {
	return bitmapAllocator.OwnerOf(frame)
}

// CountOwned returns the number of frames held by owner.
func CountOwned(owner mm.Owner) uint32 {
	return bitmapAllocator.CountOwned(owner)
}

// FrameStats returns the current frame usage counters.
func FrameStats() Stats {
	return bitmapAllocator.Stats()
}
