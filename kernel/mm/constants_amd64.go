package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)).
	PointerShift = 3

	// PageShift is equal to log2(PageSize).
	PageShift = 12

	// PageSize defines the size of a regular page in bytes.
	PageSize = 1 << PageShift

	// MegapageShift is equal to log2(MegapageSize).
	MegapageShift = 21

	// MegapageSize defines the size of a large page mapped directly by a
	// page directory entry.
	MegapageSize = 1 << MegapageShift

	// EntriesPerTable is the number of entries in each page table level.
	EntriesPerTable = 512
)

// Common memory block sizes.
const (
	Kb = 1 << 10
	Mb = 1 << 20
	Gb = 1 << 30
)
