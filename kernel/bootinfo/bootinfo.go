// Package bootinfo defines the control block that the boot sequence
// populates before handing over to the kernel: the page tables of the new
// address space, the kernel image, the firmware memory map and the handles
// of the firmware services that are only usable before the switch.
package bootinfo

import (
	"unsafe"

	"github.com/AbleOS/sovos/efi"
	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/mm"
	"github.com/AbleOS/sovos/kernel/mm/vmm"
)

const (
	// KernelBase is the virtual address the kernel is linked at.
	KernelBase uintptr = 0xffffffffc0000000

	// ScratchSize is the size of the scratch area.
	ScratchSize = 2 * mm.PageSize

	// Size is the size of the control block in bytes.
	Size = uint64(unsafe.Sizeof(BootInfo{}))

	// Pages is the number of 4 KiB pages occupied by the control block.
	Pages = (Size + mm.PageSize - 1) / mm.PageSize
)

var (
	// ErrMisaligned is returned when a control block or frame address is not
	// aligned to its page size.
	ErrMisaligned = &kernel.Error{Module: "bootinfo", Message: "physical address is not suitably aligned"}

	// ErrTooSmall is returned by Place when the supplied memory cannot hold
	// the control block.
	ErrTooSmall = &kernel.Error{Module: "bootinfo", Message: "memory region is too small for the control block"}
)

// SerialHandle refers to a legacy serial port. The zero value means no port
// is available.
type SerialHandle struct {
	Port uint16
}

// Available returns true if the handle refers to a port.
func (h SerialHandle) Available() bool { return h.Port != 0 }

// BootInfo is the control block. It contains no Go pointers and is meant to
// be overlaid on page-aligned physical memory. All physical addresses of its
// own parts are derived from This.
type BootInfo struct {
	// The page table hierarchy of the kernel address space. Only one table
	// per level exists; see MapKernel and MapSelf for how they are shared.
	Root vmm.PML4Table
	PDP  vmm.PDPTable
	PD   vmm.PDTable
	PT   vmm.PTTable

	// Scratch holds the transition trampoline.
	Scratch [ScratchSize]byte

	// This is the physical address of the control block itself.
	This mm.PhysAddr[BootInfo]

	// Kernel describes the raw bytes of the kernel ELF image.
	Kernel mm.PhysSlice[byte]

	// MemoryMap holds the regions reported by the firmware.
	MemoryMap MemoryMap

	// Diagnostic handles; only valid before the address space switch.
	Runtime efi.RuntimeServices
	Serial  SerialHandle
}

// The tables and scratch area must start at page boundaries.
var (
	_ [0]struct{} = [unsafe.Offsetof(BootInfo{}.Root) % mm.PageSize]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(BootInfo{}.PDP) % mm.PageSize]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(BootInfo{}.PD) % mm.PageSize]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(BootInfo{}.PT) % mm.PageSize]struct{}{}
	_ [0]struct{} = [unsafe.Offsetof(BootInfo{}.Scratch) % mm.PageSize]struct{}{}
)

// At returns the control block located at addr. The address must be page
// aligned and identity-mapped by the active page tables.
func At(addr mm.PhysAddr[BootInfo]) (*BootInfo, *kernel.Error) {
	if !addr.IsAligned(mm.PageSize) {
		return nil, ErrMisaligned
	}
	return addr.Pointer(), nil
}

// Init clears the control block located at the identity-mapped, page
// aligned address addr and records its physical address.
func Init(addr mm.PhysAddr[BootInfo]) (*BootInfo, *kernel.Error) {
	if !addr.IsAligned(mm.PageSize) {
		return nil, ErrMisaligned
	}
	return Place(mm.NewPhysSlice(mm.Cast[byte](addr), Size).Bytes(), addr)
}

// Place clears a control block overlaid on mem and records phys as its
// physical address. It allows the control block to be built in memory that
// is not identity-mapped, e.g. by host tools.
func Place(mem []byte, phys mm.PhysAddr[BootInfo]) (*BootInfo, *kernel.Error) {
	switch {
	case uint64(len(mem)) < Size:
		return nil, ErrTooSmall
	case !phys.IsAligned(mm.PageSize), !mm.IsAligned(uintptr(unsafe.Pointer(&mem[0])), mm.PageSize):
		return nil, ErrMisaligned
	}

	mm.Memset(uintptr(unsafe.Pointer(&mem[0])), 0, uintptr(Size))

	bi := (*BootInfo)(unsafe.Pointer(&mem[0]))
	bi.This = phys
	return bi, nil
}

// physOf returns the physical address of a field located at ptr inside bi.
func physOf[T any](bi *BootInfo, ptr *T) mm.PhysAddr[T] {
	off := uintptr(unsafe.Pointer(ptr)) - uintptr(unsafe.Pointer(bi))
	return mm.Cast[T](bi.This).Add(uint64(off))
}

// RootPhys returns the physical address of the root table.
func (bi *BootInfo) RootPhys() mm.PhysAddr[vmm.PML4Table] { return physOf(bi, &bi.Root) }

// PDPPhys returns the physical address of the PDP table.
func (bi *BootInfo) PDPPhys() mm.PhysAddr[vmm.PDPTable] { return physOf(bi, &bi.PDP) }

// PDPhys returns the physical address of the page directory.
func (bi *BootInfo) PDPhys() mm.PhysAddr[vmm.PDTable] { return physOf(bi, &bi.PD) }

// PTPhys returns the physical address of the page table.
func (bi *BootInfo) PTPhys() mm.PhysAddr[vmm.PTTable] { return physOf(bi, &bi.PT) }

// ScratchPhys returns the physical address of the scratch area.
func (bi *BootInfo) ScratchPhys() mm.PhysAddr[byte] { return physOf(bi, &bi.Scratch[0]) }

// PhysOf returns the physical address of a location inside the control
// block, or false if ptr lies elsewhere.
func (bi *BootInfo) PhysOf(ptr unsafe.Pointer) (uint64, bool) {
	off := uintptr(ptr) - uintptr(unsafe.Pointer(bi))
	if uintptr(ptr) < uintptr(unsafe.Pointer(bi)) || uint64(off) >= Size {
		return 0, false
	}
	return bi.This.Uint64() + uint64(off), true
}

// Region returns the physical pages occupied by the control block.
func (bi *BootInfo) Region() mm.PhysSlice[mm.Page] {
	return mm.NewPhysSlice(mm.Cast[mm.Page](bi.This), Pages)
}

// Detach invalidates the diagnostic handles. It must be called before the
// address space switch since neither handle survives it.
func (bi *BootInfo) Detach() {
	bi.Serial = SerialHandle{}
	bi.Runtime = 0
}
