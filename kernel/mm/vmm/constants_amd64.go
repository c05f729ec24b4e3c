package vmm

import "github.com/AbleOS/sovos/kernel/mm"

const (
	// pageLevels indicates the number of page levels supported by the amd64
	// architecture.
	pageLevels = 4

	// pageLevelBits is the number of virtual address bits that index each
	// page table level.
	pageLevelBits = 9

	// physAddrMask extracts the physical address pointed to by an entry.
	// For this architecture, bits 12-51 contain the address.
	physAddrMask = uint64(0x000ffffffffff000)

	// megapageAddrMask extracts the frame address of a large PD entry.
	// Bit 12 is the PAT bit for large entries and is not part of the
	// address.
	megapageAddrMask = uint64(0x000fffffffe00000)

	// gigapageAddrMask extracts the frame address of a large PDP entry.
	gigapageAddrMask = uint64(0x000fffffc0000000)

	// canonicalBits is the number of implemented virtual address bits.
	canonicalBits = 48
)

// pageLevelShifts defines the shift required to access each page table
// component of a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, mm.PageShift}

// Bit positions shared by all entry variants.
const (
	flagPresent        = 1 << 0
	flagWritable       = 1 << 1
	flagUserAccessible = 1 << 2
	flagWriteThrough   = 1 << 3
	flagCacheDisabled  = 1 << 4
	flagAccessed       = 1 << 5
	flagDirty          = 1 << 6
	flagLargePage      = 1 << 7
	flagGlobal         = 1 << 8
	flagNoExecute      = 1 << 63
)
