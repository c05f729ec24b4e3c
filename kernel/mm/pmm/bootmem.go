// Package pmm hands out physical memory before the kernel takes over memory
// management.
package pmm

import (
	"github.com/AbleOS/sovos/efi"
	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/bootinfo"
	"github.com/AbleOS/sovos/kernel/kfmt"
	"github.com/AbleOS/sovos/kernel/mm"
)

// maxReserved is the number of ranges the allocator can keep away from
// allocations, including the ones it handed out itself.
const maxReserved = 16

var (
	// ErrOutOfMemory is returned when no conventional region holds the
	// requested run of megapages.
	ErrOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

	// ErrTooManyReserved is returned by Reserve when the reserved range table
	// is full.
	ErrTooManyReserved = &kernel.Error{Module: "boot_mem_alloc", Message: "too many reserved ranges"}
)

type physRange struct {
	start, end uint64
}

// ViewFn returns a writable view of size bytes of physical memory starting
// at addr.
type ViewFn func(addr, size uint64) []byte

// IdentityView accesses physical memory at the identical virtual address.
func IdentityView(addr, size uint64) []byte {
	return mm.NewPhysSlice(mm.PhysAddr[byte](addr), size).Bytes()
}

// BootMemAllocator implements a rudimentary physical memory allocator which
// is used to place the kernel image.
//
// The allocator uses the memory map recorded in the control block to locate
// conventional memory and returns the first run of 2 MiB frames that does
// not overlap a reserved range. The control block and the raw kernel image
// are reserved when the allocator is initialized; every allocation is
// reserved as well. Allocations cannot be freed; the kernel reclaims the
// memory once it has parsed the memory map itself.
type BootMemAllocator struct {
	memMap *bootinfo.MemoryMap
	view   ViewFn

	reserved    [maxReserved]physRange
	numReserved int

	// allocCount tracks the total number of allocated megapages.
	allocCount uint64
}

// Init sets up the allocator for the memory described by bi. Allocated
// frames are accessed through view; if it is nil, IdentityView is used.
func (alloc *BootMemAllocator) Init(bi *bootinfo.BootInfo, view ViewFn) *kernel.Error {
	if view == nil {
		view = IdentityView
	}
	*alloc = BootMemAllocator{memMap: &bi.MemoryMap, view: view}

	region := bi.Region()
	if err := alloc.Reserve(region.Addr.Uint64(), region.End().Uint64()); err != nil {
		return err
	}
	return alloc.Reserve(bi.Kernel.Addr.Uint64(), bi.Kernel.End().Uint64())
}

// Reserve excludes the physical range [start, end) from allocations.
func (alloc *BootMemAllocator) Reserve(start, end uint64) *kernel.Error {
	if start >= end {
		return nil
	}

	if alloc.numReserved == maxReserved {
		return ErrTooManyReserved
	}

	alloc.reserved[alloc.numReserved] = physRange{start, end}
	alloc.numReserved++
	return nil
}

// AllocCount returns the number of megapages allocated so far.
func (alloc *BootMemAllocator) AllocCount() uint64 { return alloc.allocCount }

// AllocMegapages reserves count contiguous, 2 MiB aligned frames.
func (alloc *BootMemAllocator) AllocMegapages(count uint64) (mm.PhysSlice[mm.Megapage], *kernel.Error) {
	if count == 0 {
		return mm.PhysSlice[mm.Megapage]{}, nil
	}

	if alloc.numReserved == maxReserved {
		return mm.PhysSlice[mm.Megapage]{}, ErrTooManyReserved
	}

	var (
		found bool
		start uint64
		size  = count * mm.MegapageSize
	)

	alloc.memMap.Visit(func(region *efi.MemoryDescriptor) bool {
		if region.Type != efi.ConventionalMemory || region.IsRuntime() {
			return true
		}

		// Reported regions are 4K aligned; round inwards to get the
		// range of usable megapages.
		start = mm.AlignUp(region.PhysicalStart, mm.MegapageSize)
		regionEnd := mm.AlignDown(region.End(), mm.MegapageSize)

		for start < regionEnd && regionEnd-start >= size {
			blocker, overlaps := alloc.overlap(start, start+size)
			if !overlaps {
				found = true
				return false
			}
			start = mm.AlignUp(blocker.end, mm.MegapageSize)
		}
		return true
	})

	if !found {
		return mm.PhysSlice[mm.Megapage]{}, ErrOutOfMemory
	}

	alloc.reserved[alloc.numReserved] = physRange{start, start + size}
	alloc.numReserved++
	alloc.allocCount += count

	return mm.NewPhysSlice(mm.PhysAddr[mm.Megapage](start), count), nil
}

// Bytes returns a writable view of frames.
func (alloc *BootMemAllocator) Bytes(frames mm.PhysSlice[mm.Megapage]) []byte {
	if frames.IsEmpty() {
		return nil
	}
	return alloc.view(frames.Addr.Uint64(), frames.Size())
}

// overlap returns the first reserved range intersecting [start, end).
func (alloc *BootMemAllocator) overlap(start, end uint64) (physRange, bool) {
	for _, r := range alloc.reserved[:alloc.numReserved] {
		if start < r.end && r.start < end {
			return r, true
		}
	}
	return physRange{}, false
}

// PrintMemoryMap prints the memory map used by the allocator.
func (alloc *BootMemAllocator) PrintMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	alloc.memMap.Visit(func(region *efi.MemoryDescriptor) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysicalStart, region.End(), region.Size(), region.Type.String())
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", alloc.memMap.TotalUsable()/mm.Kb)
}
