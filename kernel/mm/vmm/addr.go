package vmm

import "github.com/AbleOS/sovos/kernel/mm"

// Level identifies one of the page table levels.
type Level uint8

// Page table levels, from the root down.
const (
	LevelPML4 Level = iota
	LevelPDP
	LevelPD
	LevelPT
)

// String implements fmt.Stringer for Level.
func (l Level) String() string {
	switch l {
	case LevelPML4:
		return "PML4"
	case LevelPDP:
		return "PDP"
	case LevelPD:
		return "PD"
	case LevelPT:
		return "PT"
	}
	return "unknown"
}

// Index returns the index into the table at the given level that the
// virtual address translates through.
func Index(level Level, virtAddr uintptr) int {
	return int((virtAddr >> pageLevelShifts[level]) & (mm.EntriesPerTable - 1))
}

// VirtAddr assembles a canonical virtual address from per-level table
// indices and a page offset.
func VirtAddr(pml4, pdp, pd, pt int, offset uintptr) uintptr {
	addr := uintptr(pml4)<<pageLevelShifts[LevelPML4] |
		uintptr(pdp)<<pageLevelShifts[LevelPDP] |
		uintptr(pd)<<pageLevelShifts[LevelPD] |
		uintptr(pt)<<pageLevelShifts[LevelPT] |
		offset

	return signExtend(addr)
}

// Canonical returns true if bits 48-63 of the address are copies of bit 47.
func Canonical(virtAddr uintptr) bool {
	return signExtend(virtAddr) == virtAddr
}

// PageOffset returns the offset within the 4 KiB page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}

func signExtend(addr uintptr) uintptr {
	const shift = 64 - canonicalBits
	return uintptr(int64(addr<<shift) >> shift)
}
