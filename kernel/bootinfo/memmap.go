package bootinfo

import (
	"github.com/AbleOS/sovos/efi"
	"github.com/AbleOS/sovos/kernel"
)

// MemoryMapCapacity is the maximum number of regions the control block can
// record.
const MemoryMapCapacity = 192

// ErrMemoryMapFull is returned when a region does not fit in the memory map.
var ErrMemoryMapFull = &kernel.Error{Module: "bootinfo", Message: "memory map capacity exhausted"}

// MemoryMap is a fixed-capacity list of firmware memory regions.
type MemoryMap struct {
	len     uint64
	entries [MemoryMapCapacity]efi.MemoryDescriptor
}

// Len returns the number of recorded regions.
func (m *MemoryMap) Len() int { return int(m.len) }

// Cap returns MemoryMapCapacity.
func (m *MemoryMap) Cap() int { return MemoryMapCapacity }

// At returns the i-th region.
func (m *MemoryMap) At(i int) *efi.MemoryDescriptor { return &m.entries[:m.len][i] }

// Reset discards all recorded regions.
func (m *MemoryMap) Reset() {
	m.entries = [MemoryMapCapacity]efi.MemoryDescriptor{}
	m.len = 0
}

// Append records a copy of desc. The map is never truncated; if it is full
// desc is dropped and ErrMemoryMapFull is returned.
func (m *MemoryMap) Append(desc *efi.MemoryDescriptor) *kernel.Error {
	if m.len == MemoryMapCapacity {
		return ErrMemoryMapFull
	}

	m.entries[m.len] = *desc
	m.len++
	return nil
}

// Import appends the descriptors of a raw firmware memory map whose entries
// are descSize bytes apart. Either all descriptors are recorded or, if they
// do not fit, none.
func (m *MemoryMap) Import(raw []byte, descSize uintptr) *kernel.Error {
	if descSize < efi.MemoryDescriptorSize {
		return efi.ErrDescriptorSize
	}

	if m.len+uint64(efi.CountDescriptors(raw, descSize)) > MemoryMapCapacity {
		return ErrMemoryMapFull
	}

	return efi.DecodeMemoryMap(raw, descSize, func(desc *efi.MemoryDescriptor) bool {
		return m.Append(desc) == nil
	})
}

// Visit invokes fn for each recorded region in order until it returns false.
func (m *MemoryMap) Visit(fn efi.MemoryDescriptorVisitor) {
	for i := uint64(0); i < m.len; i++ {
		if !fn(&m.entries[i]) {
			return
		}
	}
}

// TotalUsable returns the number of bytes in regions usable by the kernel.
func (m *MemoryMap) TotalUsable() uint64 {
	var total uint64
	m.Visit(func(desc *efi.MemoryDescriptor) bool {
		if desc.IsUsable() {
			total += desc.Size()
		}
		return true
	})
	return total
}
