package bootinfo

import (
	"unsafe"

	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/mm"
	"github.com/AbleOS/sovos/kernel/mm/vmm"
)

var (
	// ErrMappingConflict is returned when a requested entry would replace
	// a present entry with a different value.
	ErrMappingConflict = &kernel.Error{Module: "bootinfo", Message: "mapping conflicts with an existing entry"}

	// ErrSelfMapSpan is returned when the control block crosses a 2 MiB
	// boundary and thus cannot be covered by the single page table.
	ErrSelfMapSpan = &kernel.Error{Module: "bootinfo", Message: "control block straddles a 2 MiB boundary"}

	// ErrKernelTooLarge is returned when the kernel window does not fit in
	// the page directory.
	ErrKernelTooLarge = &kernel.Error{Module: "bootinfo", Message: "kernel does not fit in a single page directory"}
)

// Leaf permissions of the kernel windows and the control block.
const (
	textFlags   = vmm.PDPresent
	rodataFlags = vmm.PDPresent | vmm.PDNoExecute
	dataFlags   = vmm.PDPresent | vmm.PDWritable | vmm.PDNoExecute
	selfFlags   = vmm.PTPresent | vmm.PTWritable
)

// ignoredBits are set by the MMU and do not make two entries different.
const ignoredBits = uint64(vmm.PTAccessed | vmm.PTDirty)

// passes runs a mapping operation once to check every entry and once more
// to write them, so that a rejected request leaves the tables untouched.
var passes = [...]bool{false, true}

// place checks that want can be stored in slot and stores it if commit is
// set. Present slots holding the same value are left alone.
func place[E vmm.Entry](slot *E, want E, commit bool) *kernel.Error {
	cur := uint64(*slot)
	if cur&uint64(vmm.PTPresent) != 0 {
		if cur&^ignoredBits != uint64(want)&^ignoredBits {
			return ErrMappingConflict
		}
		return nil
	}

	if commit {
		*slot = want
	}
	return nil
}

// linkUpper points the root and PDP slots that translate virtAddr at the
// PDP table and the page directory respectively.
func (bi *BootInfo) linkUpper(virtAddr uintptr, commit bool) *kernel.Error {
	if err := place(&bi.Root[vmm.Index(vmm.LevelPML4, virtAddr)], vmm.NewPML4Entry(bi.PDPPhys(), vmm.PML4Present|vmm.PML4Writable), commit); err != nil {
		return err
	}
	return place(&bi.PDP[vmm.Index(vmm.LevelPDP, virtAddr)], vmm.NewPDPEntry(bi.PDPhys(), vmm.PDPPresent|vmm.PDPWritable), commit)
}

type window struct {
	frames mm.PhysSlice[mm.Megapage]
	flags  vmm.PDFlags
}

// MapKernel maps the text, rodata and data megapages back to back starting
// at KernelBase. Text is mapped executable and read-only, rodata read-only
// and data writable; neither rodata nor data is executable.
func (bi *BootInfo) MapKernel(text, rodata, data mm.PhysSlice[mm.Megapage]) *kernel.Error {
	windows := [...]window{{text, textFlags}, {rodata, rodataFlags}, {data, dataFlags}}

	var total uint64
	for _, w := range windows {
		if !w.frames.IsEmpty() && !w.frames.Addr.IsAligned(mm.MegapageSize) {
			return ErrMisaligned
		}
		if w.frames.Len > mm.EntriesPerTable {
			return ErrKernelTooLarge
		}
		total += w.frames.Len
	}

	if uint64(vmm.Index(vmm.LevelPD, KernelBase))+total > mm.EntriesPerTable {
		return ErrKernelTooLarge
	}

	for _, commit := range passes {
		if err := bi.mapKernel(&windows, commit); err != nil {
			return err
		}
	}
	return nil
}

func (bi *BootInfo) mapKernel(windows *[3]window, commit bool) *kernel.Error {
	if err := bi.linkUpper(KernelBase, commit); err != nil {
		return err
	}

	pdIndex := vmm.Index(vmm.LevelPD, KernelBase)
	for _, w := range windows {
		for i := uint64(0); i < w.frames.Len; i, pdIndex = i+1, pdIndex+1 {
			if err := place(&bi.PD[pdIndex], vmm.NewPDLargeEntry(w.frames.At(i), w.flags), commit); err != nil {
				return err
			}
		}
	}
	return nil
}

// MapSelf identity-maps every page of the control block. The pages stay
// executable since the trampoline fault handler runs from the scratch area.
func (bi *BootInfo) MapSelf() *kernel.Error {
	start := uintptr(bi.This)
	if mm.AlignDown(start, mm.MegapageSize) != mm.AlignDown(start+uintptr(Size)-1, mm.MegapageSize) {
		return ErrSelfMapSpan
	}

	for _, commit := range passes {
		if err := bi.mapSelf(start, commit); err != nil {
			return err
		}
	}
	return nil
}

func (bi *BootInfo) mapSelf(start uintptr, commit bool) *kernel.Error {
	if err := bi.linkUpper(start, commit); err != nil {
		return err
	}

	if err := place(&bi.PD[vmm.Index(vmm.LevelPD, start)], vmm.NewPDEntry(bi.PTPhys(), vmm.PDPresent|vmm.PDWritable), commit); err != nil {
		return err
	}

	first := vmm.Index(vmm.LevelPT, start)
	frames := bi.Region()
	for i := uint64(0); i < frames.Len; i++ {
		if err := place(&bi.PT[first+int(i)], vmm.NewPTEntry(frames.At(i), selfFlags), commit); err != nil {
			return err
		}
	}
	return nil
}

// zeroTable stands in for tables outside the control block. Such tables are
// never linked by the mapper, so they only show up in corrupted hierarchies.
var zeroTable [mm.PageSize]byte

// resolve locates a table of the hierarchy relative to the control block so
// that inspection works whether or not the block is identity-mapped.
func (bi *BootInfo) resolve(physAddr uint64) unsafe.Pointer {
	off := physAddr - bi.This.Uint64()
	if physAddr < bi.This.Uint64() || off+mm.PageSize > Size {
		return unsafe.Pointer(&zeroTable)
	}
	return unsafe.Add(unsafe.Pointer(bi), off)
}

// Translate returns the mapping of virtAddr in the hierarchy rooted at Root.
func (bi *BootInfo) Translate(virtAddr uintptr) (vmm.Mapping, *kernel.Error) {
	return vmm.Translate(&bi.Root, virtAddr, bi.resolve)
}

// VisitMappings invokes fn for every leaf mapping of the hierarchy rooted at
// Root.
func (bi *BootInfo) VisitMappings(fn vmm.VisitFn) {
	vmm.Visit(&bi.Root, bi.resolve, fn)
}
