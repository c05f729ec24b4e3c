package efi

import (
	"unsafe"

	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/mm"
)

// MemoryType classifies a region reported by the firmware memory map.
type MemoryType uint32

// UEFI memory types.
const (
	ReservedMemory MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case ReservedMemory:
		return "reserved"
	case LoaderCode:
		return "loader code"
	case LoaderData:
		return "loader data"
	case BootServicesCode:
		return "boot services code"
	case BootServicesData:
		return "boot services data"
	case RuntimeServicesCode:
		return "runtime services code"
	case RuntimeServicesData:
		return "runtime services data"
	case ConventionalMemory:
		return "conventional"
	case UnusableMemory:
		return "unusable"
	case ACPIReclaimMemory:
		return "ACPI (reclaimable)"
	case ACPIMemoryNVS:
		return "ACPI NVS"
	case MemoryMappedIO:
		return "MMIO"
	case MemoryMappedIOPortSpace:
		return "MMIO port space"
	case PalCode:
		return "PAL code"
	case PersistentMemory:
		return "persistent"
	}
	return "unknown"
}

// Usable returns true if regions of this type become free memory once boot
// services have been exited.
func (t MemoryType) Usable() bool {
	switch t {
	case LoaderCode, LoaderData, BootServicesCode, BootServicesData, ConventionalMemory:
		return true
	}
	return false
}

// Runtime returns true if regions of this type belong to the firmware
// runtime services and must stay mapped for them to work.
func (t MemoryType) Runtime() bool {
	return t == RuntimeServicesCode || t == RuntimeServicesData
}

// Memory attribute bits.
const (
	MemoryUC      = uint64(0x0000000000000001)
	MemoryWC      = uint64(0x0000000000000002)
	MemoryWT      = uint64(0x0000000000000004)
	MemoryWB      = uint64(0x0000000000000008)
	MemoryRuntime = uint64(0x8000000000000000)
)

// MemoryDescriptorSize is the size of the descriptor layout defined by
// UEFI. Firmware may report a larger stride.
const MemoryDescriptorSize = 40

// MemoryDescriptor describes one region of the firmware memory map.
type MemoryDescriptor struct {
	Type          MemoryType
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

var (
	_ [MemoryDescriptorSize - unsafe.Sizeof(MemoryDescriptor{})]struct{}
	_ [unsafe.Sizeof(MemoryDescriptor{}) - MemoryDescriptorSize]struct{}
)

// Size returns the size of the region in bytes. Firmware pages are always
// 4 KiB regardless of the page size used by the OS.
func (d *MemoryDescriptor) Size() uint64 { return d.NumberOfPages * mm.PageSize }

// End returns the first physical address past the region.
func (d *MemoryDescriptor) End() uint64 { return d.PhysicalStart + d.Size() }

// IsRuntime returns true if the region is used by the firmware runtime,
// either by type or by attribute.
func (d *MemoryDescriptor) IsRuntime() bool {
	return d.Type.Runtime() || d.Attribute&MemoryRuntime != 0
}

// IsUsable returns true if the region can be handed out once boot services
// have been exited.
func (d *MemoryDescriptor) IsUsable() bool {
	return !d.IsRuntime() && d.Type.Usable()
}

// ErrDescriptorSize is returned when the firmware reports a descriptor
// stride smaller than the UEFI descriptor layout.
var ErrDescriptorSize = &kernel.Error{Module: "efi", Message: "memory descriptor size is smaller than the descriptor layout"}

// MemoryDescriptorVisitor is invoked by DecodeMemoryMap for each descriptor.
// Returning false aborts the scan.
type MemoryDescriptorVisitor func(*MemoryDescriptor) bool

// DecodeMemoryMap walks a raw memory map as returned by GetMemoryMap, where
// consecutive descriptors are descSize bytes apart. Trailing bytes that do
// not form a complete descriptor are ignored.
func DecodeMemoryMap(raw []byte, descSize uintptr, visitor MemoryDescriptorVisitor) *kernel.Error {
	if descSize < MemoryDescriptorSize {
		return ErrDescriptorSize
	}

	for off := uintptr(0); off+descSize <= uintptr(len(raw)); off += descSize {
		if !visitor((*MemoryDescriptor)(unsafe.Pointer(&raw[off]))) {
			break
		}
	}

	return nil
}

// CountDescriptors returns the number of complete descriptors in raw.
func CountDescriptors(raw []byte, descSize uintptr) int {
	if descSize < MemoryDescriptorSize {
		return 0
	}
	return len(raw) / int(descSize)
}

// RuntimeServices is the physical address of the firmware runtime services
// table. The zero value means the table is not available.
type RuntimeServices uint64

// Available returns true if the handle refers to a table.
func (r RuntimeServices) Available() bool { return r != 0 }
