package pmm

import (
	"io"

	"github.com/shiiinji/wasabi/kernel"
	"github.com/shiiinji/wasabi/kernel/kfmt"
	"github.com/shiiinji/wasabi/kernel/mm"
	"github.com/shiiinji/wasabi/multiboot"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
	errBitmapAllocNotOwner        = &kernel.Error{Module: "bitmap_alloc", Message: "frame is not held by the releasing owner"}
	errBitmapAllocNoMemory        = &kernel.Error{Module: "bitmap_alloc", Message: "boot memory map reports no available memory"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. The MSB of each
	// block corresponds to the lowest frame in that block.
	freeBitmap []uint64
}

// Stats describes the frame usage reported by a BitmapAllocator.
type Stats struct {
	TotalFrames    uint32
	ReservedFrames uint32
	FreeFrames     uint32
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
//
// Every reserved frame additionally records its owner. A frame can only be
// released by the owner that holds it.
type BitmapAllocator struct {
	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool

	// owners is indexed by frame number.
	owners []mm.Owner

	// nextPool and nextBlock point to the bitmap block where the next
	// allocation scan begins.
	nextPool, nextBlock int
}

// init scans the boot memory map and sets up a pool for each available
// memory region. Regions (or parts of them) that lie outside the installed
// RAM are ignored. The frames that hold the kernel image are marked as
// reserved.
func (alloc *BitmapAllocator) init(kernelStart, kernelEnd uintptr, installedFrames uint64) *kernel.Error {
	var (
		pageSizeMinus1 = uint64(mm.PageSize - 1)
		maxFrame       mm.Frame
	)

	*alloc = BitmapAllocator{}

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		// Ignore reserved regions and regions smaller than a single page
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length) & ^pageSizeMinus1)>>mm.PageShift) - 1
		if uint64(regionEndFrame) >= installedFrames {
			regionEndFrame = mm.Frame(installedFrames) - 1
		}
		if regionEndFrame < regionStartFrame || uint64(regionStartFrame) >= installedFrames {
			return true
		}

		pageCount := uint32(regionEndFrame - regionStartFrame + 1)
		alloc.totalPages += pageCount
		alloc.pools = append(alloc.pools, framePool{
			startFrame: regionStartFrame,
			endFrame:   regionEndFrame,
			freeCount:  pageCount,
			// To represent the free page bitmap we need pageCount bits.
			// Round up so the bitmap is a multiple of 64 bits
			freeBitmap: make([]uint64, (pageCount+63)>>6),
		})

		if regionEndFrame > maxFrame {
			maxFrame = regionEndFrame
		}
		return true
	})

	if len(alloc.pools) == 0 {
		return errBitmapAllocNoMemory
	}

	// Bits past the end of each pool are marked as reserved so the
	// allocator never hands them out.
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if tail := uint32(pool.endFrame-pool.startFrame+1) & 63; tail != 0 {
			pool.freeBitmap[len(pool.freeBitmap)-1] = ^uint64(0) >> tail
		}
	}

	alloc.owners = make([]mm.Owner, maxFrame+1)
	alloc.reserveKernelFrames(kernelStart, kernelEnd)
	return nil
}

// reserveKernelFrames marks the frames occupied by the kernel image as
// reserved by the kernel.
func (alloc *BitmapAllocator) reserveKernelFrames(kernelStart, kernelEnd uintptr) {
	if kernelEnd <= kernelStart {
		return
	}

	lastFrame := mm.FrameFromAddress(kernelEnd - 1)
	for frame := mm.FrameFromAddress(kernelStart); frame <= lastFrame; frame++ {
		poolIndex := alloc.poolForFrame(frame)
		if poolIndex < 0 || alloc.isReserved(poolIndex, frame) {
			continue
		}

		alloc.markFrame(poolIndex, frame, markReserved)
		alloc.owners[frame] = mm.OwnerKernel
	}
}

// markFrame updates the reservation flag for the bitmap entry that corresponds
// to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame < alloc.pools[poolIndex].startFrame || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-ending representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// isReserved returns true if the bitmap entry for frame is set.
func (alloc *BitmapAllocator) isReserved(poolIndex int, frame mm.Frame) bool {
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.pools[poolIndex].freeBitmap[block]&mask != 0
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// AllocFrame reserves a free frame on behalf of owner. The search resumes
// from the block where the previous allocation succeeded, wrapping around
// the pool list once.
func (alloc *BitmapAllocator) AllocFrame(owner mm.Owner) (mm.Frame, *kernel.Error) {
	if alloc.reservedPages == alloc.totalPages {
		return mm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	for scanned := 0; scanned <= len(alloc.pools); scanned++ {
		poolIndex := alloc.nextPool
		pool := &alloc.pools[poolIndex]

		if pool.freeCount != 0 {
			for blockIndex := alloc.nextBlock; blockIndex < len(pool.freeBitmap); blockIndex++ {
				block := pool.freeBitmap[blockIndex]
				if block == ^uint64(0) {
					continue
				}

				// Scan the block from MSB to LSB for the first free bit
				for blockOffset, mask := 0, uint64(1<<63); mask > 0; blockOffset, mask = blockOffset+1, mask>>1 {
					if block&mask != 0 {
						continue
					}

					frame := pool.startFrame + mm.Frame((blockIndex<<6)+blockOffset)
					alloc.markFrame(poolIndex, frame, markReserved)
					alloc.owners[frame] = owner
					alloc.nextBlock = blockIndex
					return frame, nil
				}
			}
		}

		alloc.nextPool = (alloc.nextPool + 1) % len(alloc.pools)
		alloc.nextBlock = 0
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases a frame held by owner. Releasing a frame that is not
// managed by the allocator, is already free or is held by another owner
// indicates memory corruption and causes a kernel panic.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame, owner mm.Owner) {
	if err := alloc.checkOwner(frame, owner); err != nil {
		panicFn(err)
		return
	}

	alloc.markFrame(alloc.poolForFrame(frame), frame, markFree)
	alloc.owners[frame] = mm.OwnerKernel
}

// Transfer hands the ownership of a reserved frame from one owner to another.
func (alloc *BitmapAllocator) Transfer(frame mm.Frame, from, to mm.Owner) *kernel.Error {
	if err := alloc.checkOwner(frame, from); err != nil {
		return err
	}

	alloc.owners[frame] = to
	return nil
}

// Share marks a frame held by owner as kernel-global so that it can be
// mapped by every address space.
func (alloc *BitmapAllocator) Share(frame mm.Frame, owner mm.Owner) *kernel.Error {
	return alloc.Transfer(frame, owner, mm.OwnerKernel)
}

// OwnerOf returns the owner of frame. The second return value is false if
// the frame is free or not managed by this allocator.
func (alloc *BitmapAllocator) OwnerOf(frame mm.Frame) (mm.Owner, bool) {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 || !alloc.isReserved(poolIndex, frame) {
		return mm.OwnerKernel, false
	}

	return alloc.owners[frame], true
}

// CountOwned returns the number of frames held by owner.
func (alloc *BitmapAllocator) CountOwned(owner mm.Owner) uint32 {
	var count uint32
	for _, pool := range alloc.pools {
		for frame := pool.startFrame; frame <= pool.endFrame; frame++ {
			if got, reserved := alloc.OwnerOf(frame); reserved && got == owner {
				count++
			}
		}
	}

	return count
}

// Stats returns the current frame usage counters.
func (alloc *BitmapAllocator) Stats() Stats {
	return Stats{
		TotalFrames:    alloc.totalPages,
		ReservedFrames: alloc.reservedPages,
		FreeFrames:     alloc.totalPages - alloc.reservedPages,
	}
}

func (alloc *BitmapAllocator) checkOwner(frame mm.Frame, owner mm.Owner) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	switch {
	case poolIndex < 0:
		return errBitmapAllocFrameNotManaged
	case !alloc.isReserved(poolIndex, frame):
		return errBitmapAllocDoubleFree
	case alloc.owners[frame] != owner:
		return errBitmapAllocNotOwner
	}

	return nil
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *BitmapAllocator) printMemoryMap(w io.Writer) {
	kfmt.Fprintf(w, "system memory map:\n")
	var totalFree mm.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Fprintf(w, "available memory: %dKb\n", uint64(totalFree/mm.Kb))

	stats := alloc.Stats()
	kfmt.Fprintf(w, "page stats: free: %d/%d (%d reserved)\n", stats.FreeFrames, stats.TotalFrames, stats.ReservedFrames)
}
