package vmm

import (
	"testing"

	"github.com/AbleOS/sovos/kernel/mm"
)

func TestEntryRoundTrip(t *testing.T) {
	pageAddrs := []uint64{0, mm.PageSize, 0x1ff000, 0x000ffffffffff000}
	megapageAddrs := []uint64{0, mm.MegapageSize, 0x40000000, 0x000fffffffe00000}

	for _, addr := range pageAddrs {
		for _, flags := range []PML4Flags{0, PML4Present, PML4Present | PML4Writable, PML4Present | PML4Writable | PML4UserAccessible | PML4WriteThrough | PML4CacheDisabled | PML4Accessed | PML4NoExecute} {
			e := NewPML4Entry(mm.PhysAddr[PDPTable](addr), flags)
			if exp := addr | uint64(flags); e.Uint64() != exp {
				t.Errorf("expected PML4 entry(0x%x, 0x%x) to be 0x%x; got 0x%x", addr, flags, exp, e.Uint64())
			}
			if e.Address().Uint64() != addr || e.Flags() != flags {
				t.Errorf("expected PML4 entry 0x%x to read back (0x%x, 0x%x); got (0x%x, 0x%x)", e, addr, flags, e.Address(), e.Flags())
			}
		}

		for _, flags := range []PDPFlags{0, PDPPresent | PDPWritable, PDPPresent | PDPNoExecute | PDPAccessed} {
			e := NewPDPEntry(mm.PhysAddr[PDTable](addr), flags)
			if exp := addr | uint64(flags); e.Uint64() != exp {
				t.Errorf("expected PDP entry(0x%x, 0x%x) to be 0x%x; got 0x%x", addr, flags, exp, e.Uint64())
			}
			if e.Address().Uint64() != addr || e.Flags() != flags {
				t.Errorf("expected PDP entry 0x%x to read back (0x%x, 0x%x)", e, addr, flags)
			}
		}

		for _, flags := range []PDFlags{0, PDPresent, PDPresent | PDWritable | PDNoExecute} {
			e := NewPDEntry(mm.PhysAddr[PTTable](addr), flags)
			if exp := addr | uint64(flags); e.Uint64() != exp {
				t.Errorf("expected PD entry(0x%x, 0x%x) to be 0x%x; got 0x%x", addr, flags, exp, e.Uint64())
			}
			if e.IsLarge() {
				t.Errorf("expected PD entry 0x%x not to be large", e)
			}
		}

		for _, flags := range []PTFlags{0, PTPresent, PTPresent | PTWritable | PTDirty | PTGlobal | PTNoExecute} {
			e := NewPTEntry(mm.PhysAddr[mm.Page](addr), flags)
			if exp := addr | uint64(flags); e.Uint64() != exp {
				t.Errorf("expected PT entry(0x%x, 0x%x) to be 0x%x; got 0x%x", addr, flags, exp, e.Uint64())
			}
			if e.Address().Uint64() != addr || e.Flags() != flags {
				t.Errorf("expected PT entry 0x%x to read back (0x%x, 0x%x)", e, addr, flags)
			}
		}
	}

	for _, addr := range megapageAddrs {
		for _, flags := range []PDFlags{PDPresent, PDPresent | PDNoExecute, PDPresent | PDWritable | PDNoExecute | PDDirty | PDGlobal} {
			e := NewPDLargeEntry(mm.PhysAddr[mm.Megapage](addr), flags)
			if exp := addr | uint64(flags|PDLargePage); e.Uint64() != exp {
				t.Errorf("expected large PD entry(0x%x, 0x%x) to be 0x%x; got 0x%x", addr, flags, exp, e.Uint64())
			}
			if !e.IsLarge() || e.FrameAddress().Uint64() != addr {
				t.Errorf("expected large PD entry 0x%x to map frame 0x%x", e, addr)
			}
		}
	}
}

func TestEntryFlagBits(t *testing.T) {
	specs := []struct {
		got uint64
		exp uint64
	}{
		{uint64(PTPresent), 1 << 0},
		{uint64(PTWritable), 1 << 1},
		{uint64(PTUserAccessible), 1 << 2},
		{uint64(PTWriteThrough), 1 << 3},
		{uint64(PTCacheDisabled), 1 << 4},
		{uint64(PTAccessed), 1 << 5},
		{uint64(PTDirty), 1 << 6},
		{uint64(PDLargePage), 1 << 7},
		{uint64(PTGlobal), 1 << 8},
		{uint64(PTNoExecute), 1 << 63},
	}

	for specIndex, spec := range specs {
		if spec.got != spec.exp {
			t.Errorf("[spec %d] expected flag value 0x%x; got 0x%x", specIndex, spec.exp, spec.got)
		}
	}
}

func TestEntryMutation(t *testing.T) {
	var pd PDTable

	if !pd.IsEmpty() {
		t.Fatal("expected zero table to be empty")
	}

	pd[3].Set(NewPDLargeEntry(0x200000, PDPresent))
	if pd.IsEmpty() || !pd[3].Present() || !pd[3].HasFlags(PDPresent|PDLargePage) {
		t.Fatalf("expected entry 3 to be present and large; got 0x%x", pd[3])
	}

	if pd[3].HasFlags(PDPresent | PDWritable) {
		t.Fatal("expected HasFlags to require every flag")
	}

	pd[3].Clear()
	if pd[3] != 0 || !pd.IsEmpty() {
		t.Fatalf("expected cleared entry to be 0; got 0x%x", pd[3])
	}

	pd[7].Set(NewPDEntry(0x5000, PDPresent))
	pd.Clear()
	if !pd.IsEmpty() {
		t.Fatal("expected Clear to reset all entries")
	}
}
