package vmm

import "github.com/AbleOS/sovos/kernel/mm"

// Entries pack a physical address and a set of flags into a single 64-bit
// word. Constructors never validate the alignment of the supplied address;
// callers must pass addresses aligned for the entry's level.

// PML4Entry is an entry of the root (PML4) table.
type PML4Entry uint64

// NewPML4Entry returns an entry pointing to the PDP table at addr.
func NewPML4Entry(addr mm.PhysAddr[PDPTable], flags PML4Flags) PML4Entry {
	return PML4Entry(uint64(addr) | uint64(flags))
}

// Uint64 returns the raw value of the entry.
func (e PML4Entry) Uint64() uint64 { return uint64(e) }

// Address returns the physical address of the PDP table.
func (e PML4Entry) Address() mm.PhysAddr[PDPTable] {
	return mm.PhysAddr[PDPTable](uint64(e) & physAddrMask)
}

// Flags returns the flags set for this entry.
func (e PML4Entry) Flags() PML4Flags { return PML4Flags(uint64(e) &^ physAddrMask) }

// HasFlags returns true if all of the supplied flags are set.
func (e PML4Entry) HasFlags(flags PML4Flags) bool { return PML4Flags(e)&flags == flags }

// Present returns true if the entry is marked present.
func (e PML4Entry) Present() bool { return e.HasFlags(PML4Present) }

// Set replaces the entry in place.
func (e *PML4Entry) Set(v PML4Entry) { *e = v }

// Clear resets the entry to the cleared (zero) value.
func (e *PML4Entry) Clear() { *e = 0 }

// PDPEntry is an entry of a page directory pointer table.
type PDPEntry uint64

// NewPDPEntry returns an entry pointing to the page directory at addr.
func NewPDPEntry(addr mm.PhysAddr[PDTable], flags PDPFlags) PDPEntry {
	return PDPEntry(uint64(addr) | uint64(flags))
}

func (e PDPEntry) Uint64() uint64 { return uint64(e) }

// Address returns the physical address of the page directory.
func (e PDPEntry) Address() mm.PhysAddr[PDTable] {
	return mm.PhysAddr[PDTable](uint64(e) & physAddrMask)
}

func (e PDPEntry) Flags() PDPFlags { return PDPFlags(uint64(e) &^ physAddrMask) }

func (e PDPEntry) HasFlags(flags PDPFlags) bool { return PDPFlags(e)&flags == flags }

func (e PDPEntry) Present() bool { return e.HasFlags(PDPPresent) }

// IsHuge returns true if the entry maps a 1 GiB page. Such entries are never
// created by this package but may be found in tables built by firmware.
func (e PDPEntry) IsHuge() bool { return uint64(e)&flagLargePage != 0 }

func (e *PDPEntry) Set(v PDPEntry) { *e = v }

func (e *PDPEntry) Clear() { *e = 0 }

// PDEntry is a page directory entry. It either points to a page table or,
// when PDLargePage is set, maps a 2 MiB frame directly.
type PDEntry uint64

// NewPDEntry returns an entry pointing to the page table at addr.
func NewPDEntry(addr mm.PhysAddr[PTTable], flags PDFlags) PDEntry {
	return PDEntry(uint64(addr) | uint64(flags))
}

// NewPDLargeEntry returns an entry mapping the 2 MiB frame at addr. The
// PDLargePage flag is always set.
func NewPDLargeEntry(addr mm.PhysAddr[mm.Megapage], flags PDFlags) PDEntry {
	return PDEntry(uint64(addr) | uint64(flags|PDLargePage))
}

func (e PDEntry) Uint64() uint64 { return uint64(e) }

// IsLarge returns true if the entry maps a 2 MiB frame.
func (e PDEntry) IsLarge() bool { return e.HasFlags(PDLargePage) }

// Address returns the physical address of the page table pointed to by a
// non-large entry.
func (e PDEntry) Address() mm.PhysAddr[PTTable] {
	return mm.PhysAddr[PTTable](uint64(e) & physAddrMask)
}

// FrameAddress returns the physical address of the frame mapped by a large
// entry.
func (e PDEntry) FrameAddress() mm.PhysAddr[mm.Megapage] {
	return mm.PhysAddr[mm.Megapage](uint64(e) & megapageAddrMask)
}

func (e PDEntry) Flags() PDFlags { return PDFlags(uint64(e) &^ physAddrMask) }

func (e PDEntry) HasFlags(flags PDFlags) bool { return PDFlags(e)&flags == flags }

func (e PDEntry) Present() bool { return e.HasFlags(PDPresent) }

func (e *PDEntry) Set(v PDEntry) { *e = v }

func (e *PDEntry) Clear() { *e = 0 }

// PTEntry is a page table entry mapping a 4 KiB frame.
type PTEntry uint64

// NewPTEntry returns an entry mapping the 4 KiB frame at addr.
func NewPTEntry(addr mm.PhysAddr[mm.Page], flags PTFlags) PTEntry {
	return PTEntry(uint64(addr) | uint64(flags))
}

func (e PTEntry) Uint64() uint64 { return uint64(e) }

// Address returns the physical address of the mapped frame.
func (e PTEntry) Address() mm.PhysAddr[mm.Page] {
	return mm.PhysAddr[mm.Page](uint64(e) & physAddrMask)
}

func (e PTEntry) Flags() PTFlags { return PTFlags(uint64(e) &^ physAddrMask) }

func (e PTEntry) HasFlags(flags PTFlags) bool { return PTFlags(e)&flags == flags }

func (e PTEntry) Present() bool { return e.HasFlags(PTPresent) }

func (e *PTEntry) Set(v PTEntry) { *e = v }

func (e *PTEntry) Clear() { *e = 0 }
