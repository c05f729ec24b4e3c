package vmm

import (
	"unsafe"

	"github.com/AbleOS/sovos/kernel/mm"
)

// Entry is the set of page table entry variants.
type Entry interface {
	PML4Entry | PDPEntry | PDEntry | PTEntry
}

// Table is a page table for one level of the hierarchy. The zero value is a
// table with all entries cleared. Tables must be placed at page-aligned
// physical addresses.
type Table[E Entry] [mm.EntriesPerTable]E

// Tables for each level of the hierarchy.
type (
	PML4Table = Table[PML4Entry]
	PDPTable  = Table[PDPEntry]
	PDTable   = Table[PDEntry]
	PTTable   = Table[PTEntry]
)

// Every table must occupy exactly one page.
var (
	_ [mm.PageSize - unsafe.Sizeof(PML4Table{})]struct{}
	_ [unsafe.Sizeof(PML4Table{}) - mm.PageSize]struct{}
	_ [mm.PageSize - unsafe.Sizeof(PDPTable{})]struct{}
	_ [unsafe.Sizeof(PDPTable{}) - mm.PageSize]struct{}
	_ [mm.PageSize - unsafe.Sizeof(PDTable{})]struct{}
	_ [unsafe.Sizeof(PDTable{}) - mm.PageSize]struct{}
	_ [mm.PageSize - unsafe.Sizeof(PTTable{})]struct{}
	_ [unsafe.Sizeof(PTTable{}) - mm.PageSize]struct{}
)

// Clear resets every entry of the table.
func (t *Table[E]) Clear() {
	*t = Table[E]{}
}

// IsEmpty returns true if no entry has the present bit set.
func (t *Table[E]) IsEmpty() bool {
	for _, e := range t {
		if uint64(e)&flagPresent != 0 {
			return false
		}
	}
	return true
}
