package bootinfo

import (
	"testing"

	"github.com/AbleOS/sovos/kernel/mm"
	"github.com/AbleOS/sovos/kernel/mm/vmm"
	"github.com/google/go-cmp/cmp"
)

func megapages(addr uint64, n uint64) mm.PhysSlice[mm.Megapage] {
	return mm.NewPhysSlice(mm.PhysAddr[mm.Megapage](addr), n)
}

type tables struct {
	Root vmm.PML4Table
	PDP  vmm.PDPTable
	PD   vmm.PDTable
	PT   vmm.PTTable
}

func snapshot(bi *BootInfo) tables {
	return tables{bi.Root, bi.PDP, bi.PD, bi.PT}
}

func TestMapKernel(t *testing.T) {
	bi := newTestBootInfo(t, testPhys)

	// One text, one rodata and two data megapages.
	if err := bi.MapKernel(megapages(0x2000000, 1), megapages(0x4000000, 1), megapages(0x6000000, 2)); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		virt uintptr
		exp  vmm.Mapping
	}{
		{KernelBase, vmm.Mapping{Phys: 0x2000000, PageSize: mm.MegapageSize, Executable: true}},
		{KernelBase + 0x1ffff8, vmm.Mapping{Phys: 0x21ffff8, PageSize: mm.MegapageSize, Executable: true}},
		{KernelBase + 0x200123, vmm.Mapping{Phys: 0x4000123, PageSize: mm.MegapageSize}},
		{KernelBase + 0x400000, vmm.Mapping{Phys: 0x6000000, PageSize: mm.MegapageSize, Writable: true}},
		{KernelBase + 0x600005, vmm.Mapping{Phys: 0x6200005, PageSize: mm.MegapageSize, Writable: true}},
	}

	for specIndex, spec := range specs {
		got, err := bi.Translate(spec.virt)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if diff := cmp.Diff(spec.exp, got); diff != "" {
			t.Errorf("[spec %d] mapping mismatch (-want +got):\n%s", specIndex, diff)
		}
	}

	if _, err := bi.Translate(KernelBase + 0x800000); err != vmm.ErrInvalidMapping {
		t.Errorf("expected the address past the data window to be unmapped; got %v", err)
	}

	var leaves int
	bi.VisitMappings(func(uintptr, vmm.Mapping) bool {
		leaves++
		return true
	})
	if leaves != 4 {
		t.Errorf("expected 4 leaf mappings; got %d", leaves)
	}
}

func TestMapKernelIdempotent(t *testing.T) {
	bi := newTestBootInfo(t, testPhys)
	text, rodata, data := megapages(0x2000000, 2), megapages(0x4000000, 1), megapages(0x6000000, 1)

	if err := bi.MapKernel(text, rodata, data); err != nil {
		t.Fatal(err)
	}
	before := snapshot(bi)

	// Accessed and dirty bits set by the MMU do not count as a difference.
	bi.PD[0].Set(bi.PD[0] | vmm.PDEntry(vmm.PDAccessed|vmm.PDDirty))
	bi.Root[511].Set(bi.Root[511] | vmm.PML4Entry(vmm.PML4Accessed))

	if err := bi.MapKernel(text, rodata, data); err != nil {
		t.Fatalf("expected remapping the same ranges to succeed; got %v", err)
	}

	bi.PD[0].Set(before.PD[0])
	bi.Root[511].Set(before.Root[511])
	if snapshot(bi) != before {
		t.Fatal("expected remapping to leave the tables untouched")
	}
}

func TestMapKernelConflicts(t *testing.T) {
	t.Run("different frame", func(t *testing.T) {
		bi := newTestBootInfo(t, testPhys)
		if err := bi.MapKernel(megapages(0x2000000, 1), megapages(0x4000000, 1), megapages(0x6000000, 1)); err != nil {
			t.Fatal(err)
		}
		before := snapshot(bi)

		if err := bi.MapKernel(megapages(0x2000000, 1), megapages(0x4000000, 1), megapages(0x8000000, 2)); err != ErrMappingConflict {
			t.Fatalf("expected ErrMappingConflict; got %v", err)
		}

		if snapshot(bi) != before {
			t.Fatal("expected a rejected request to leave the tables untouched")
		}
	})

	t.Run("conflict in last window", func(t *testing.T) {
		bi := newTestBootInfo(t, testPhys)
		bi.PD[3].Set(vmm.NewPDLargeEntry(0xa000000, vmm.PDPresent))

		if err := bi.MapKernel(megapages(0x2000000, 1), megapages(0x4000000, 1), megapages(0x6000000, 2)); err != ErrMappingConflict {
			t.Fatalf("expected ErrMappingConflict; got %v", err)
		}

		if !bi.Root.IsEmpty() || !bi.PDP.IsEmpty() {
			t.Fatal("expected no upper level entry to be written")
		}

		for i := 0; i < 3; i++ {
			if bi.PD[i].Present() {
				t.Errorf("expected PD entry %d to remain clear", i)
			}
		}
	})

	t.Run("foreign upper level table", func(t *testing.T) {
		bi := newTestBootInfo(t, testPhys)
		bi.PDP[511].Set(vmm.NewPDPEntry(0xb000000, vmm.PDPPresent|vmm.PDPWritable))

		if err := bi.MapKernel(megapages(0x2000000, 1), mm.PhysSlice[mm.Megapage]{}, mm.PhysSlice[mm.Megapage]{}); err != ErrMappingConflict {
			t.Fatalf("expected ErrMappingConflict; got %v", err)
		}

		if bi.Root[511].Present() || bi.PD[0].Present() {
			t.Fatal("expected a rejected request to leave the tables untouched")
		}
	})
}

func TestMapKernelErrors(t *testing.T) {
	empty := mm.PhysSlice[mm.Megapage]{}

	specs := []struct {
		text, rodata, data mm.PhysSlice[mm.Megapage]
		expErr             error
	}{
		{megapages(0x2001000, 1), empty, empty, ErrMisaligned},
		{megapages(0x2000000, 1), empty, megapages(0x6100000, 1), ErrMisaligned},
		{megapages(0x2000000, 513), empty, empty, ErrKernelTooLarge},
		{megapages(0x2000000, 256), megapages(0x40000000, 200), megapages(0x80000000, 57), ErrKernelTooLarge},
	}

	for specIndex, spec := range specs {
		bi := newTestBootInfo(t, testPhys)
		if err := bi.MapKernel(spec.text, spec.rodata, spec.data); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}

		if !bi.Root.IsEmpty() {
			t.Errorf("[spec %d] expected the root table to remain empty", specIndex)
		}
	}
}

func TestMapSelf(t *testing.T) {
	bi := newTestBootInfo(t, testPhys)

	if err := bi.MapSelf(); err != nil {
		t.Fatal(err)
	}

	for page := uint64(0); page < Pages; page++ {
		virt := uintptr(testPhys + page*mm.PageSize + 0x10)
		got, err := bi.Translate(virt)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", page, err)
			continue
		}

		exp := vmm.Mapping{Phys: uint64(virt), PageSize: mm.PageSize, Writable: true, Executable: true}
		if got != exp {
			t.Errorf("[spec %d] expected %+v; got %+v", page, exp, got)
		}
	}

	if _, err := bi.Translate(uintptr(testPhys + Pages*mm.PageSize)); err != vmm.ErrInvalidMapping {
		t.Errorf("expected the page after the control block to be unmapped; got %v", err)
	}

	if _, err := bi.Translate(uintptr(testPhys - mm.PageSize)); err != vmm.ErrInvalidMapping {
		t.Errorf("expected the page before the control block to be unmapped; got %v", err)
	}

	before := snapshot(bi)
	if err := bi.MapSelf(); err != nil || snapshot(bi) != before {
		t.Errorf("expected MapSelf to be idempotent; got %v", err)
	}
}

func TestMapSelfSpan(t *testing.T) {
	bi := newTestBootInfo(t, mm.MegapageSize-mm.PageSize)

	if err := bi.MapSelf(); err != ErrSelfMapSpan {
		t.Fatalf("expected ErrSelfMapSpan; got %v", err)
	}

	if !bi.Root.IsEmpty() {
		t.Fatal("expected the root table to remain empty")
	}
}

func TestKernelAndSelfMappingsShareTables(t *testing.T) {
	bi := newTestBootInfo(t, testPhys)

	if err := bi.MapKernel(megapages(0x2000000, 1), megapages(0x4000000, 1), megapages(0x6000000, 1)); err != nil {
		t.Fatal(err)
	}
	if err := bi.MapSelf(); err != nil {
		t.Fatal(err)
	}

	if got, exp := bi.Root[511].Address(), bi.PDPPhys(); got != exp {
		t.Errorf("expected the kernel root entry to point to 0x%x; got 0x%x", exp, got)
	}
	if got, exp := bi.Root[0].Address(), bi.PDPPhys(); got != exp {
		t.Errorf("expected the identity root entry to point to 0x%x; got 0x%x", exp, got)
	}
	if got, exp := bi.PDP[0].Address(), bi.PDP[511].Address(); got != exp {
		t.Errorf("expected both PDP entries to point to the same page directory; got 0x%x and 0x%x", got, exp)
	}

	if m, err := bi.Translate(KernelBase + 0x200000); err != nil || m.Phys != 0x4000000 {
		t.Errorf("expected the rodata window to survive the self mapping; got %+v, %v", m, err)
	}
}

func TestKernelAndSelfMappingsCollide(t *testing.T) {
	// Slot 2 of the shared page directory is needed by both windows.
	const phys = 2 * mm.MegapageSize

	t.Run("self first", func(t *testing.T) {
		bi := newTestBootInfo(t, phys)
		if err := bi.MapSelf(); err != nil {
			t.Fatal(err)
		}
		before := snapshot(bi)

		if err := bi.MapKernel(megapages(0x2000000, 1), megapages(0x4000000, 1), megapages(0x6000000, 1)); err != ErrMappingConflict {
			t.Fatalf("expected ErrMappingConflict; got %v", err)
		}
		if snapshot(bi) != before {
			t.Fatal("expected a rejected request to leave the tables untouched")
		}
	})

	t.Run("kernel first", func(t *testing.T) {
		bi := newTestBootInfo(t, phys)
		if err := bi.MapKernel(megapages(0x2000000, 1), megapages(0x4000000, 1), megapages(0x6000000, 1)); err != nil {
			t.Fatal(err)
		}

		if err := bi.MapSelf(); err != ErrMappingConflict {
			t.Fatalf("expected ErrMappingConflict; got %v", err)
		}
		if bi.PT[0].Present() {
			t.Fatal("expected no page table entry to be written")
		}
	})
}
