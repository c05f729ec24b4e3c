package sim

import (
	"bytes"
	"errors"
	"testing"

	"github.com/AbleOS/sovos/efi"
	"github.com/AbleOS/sovos/elf"
	"github.com/AbleOS/sovos/elf/elftest"
	"github.com/AbleOS/sovos/kernel/bootinfo"
	"github.com/AbleOS/sovos/kernel/gate"
	"github.com/AbleOS/sovos/kernel/kfmt"
	"github.com/AbleOS/sovos/kernel/mm"
	"github.com/AbleOS/sovos/kernel/mm/pmm"
	"github.com/AbleOS/sovos/kernel/mm/vmm"
	"github.com/AbleOS/sovos/kernel/trampoline"
	"github.com/AbleOS/sovos/tools/bootplan/hostmem"
	"github.com/google/go-cmp/cmp"
)

const (
	testEntry      = uint64(bootinfo.KernelBase) + 0x10
	testSwitchCode = 0x3e001000
)

func testImage() []byte {
	base := uint64(bootinfo.KernelBase)
	return elftest.Image{
		Machine: elf.MachineX64,
		Entry:   testEntry,
		Segments: []elftest.Segment{
			{Type: elf.SegmentLoad, Flags: elf.FlagRead | elf.FlagExecute, VirtAddr: base, Data: bytes.Repeat([]byte{0x90}, 32), Align: mm.MegapageSize},
			{Type: elf.SegmentLoad, Flags: elf.FlagRead, VirtAddr: base + 0x200000, Data: []byte("hello"), Align: mm.MegapageSize},
			{Type: elf.SegmentLoad, Flags: elf.FlagRead | elf.FlagWrite, VirtAddr: base + 0x400000, Data: []byte{1, 2}, MemSize: 0x2000, Align: mm.MegapageSize},
		},
	}.Build()
}

func testMachine(t *testing.T) *Machine {
	t.Helper()

	mem, err := hostmem.New(32 * mm.Mb)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() {
		kfmt.SetOutputSink(nil)
		mem.Close()
	})

	return &Machine{
		Mem:          mem,
		ControlBlock: 0x1f00000,
		KernelImage:  0x80000,
		Regions: []Region{
			{Type: efi.LoaderData, Start: 0, Pages: 0x200},
			{Type: efi.ConventionalMemory, Start: 0x200000, Pages: 0x1e00},
		},
		Runtime: 0x7000,
	}
}

func TestBoot(t *testing.T) {
	m := testMachine(t)

	res, err := m.Boot(testImage())
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := uint64(3), res.AllocatedMegapages; got != exp {
		t.Errorf("expected %d megapages to be allocated; got %d", exp, got)
	}
	if exp, got := testEntry, res.Kernel.Entry; got != exp {
		t.Errorf("expected entry 0x%x; got 0x%x", exp, got)
	}

	specs := []struct {
		virt uintptr
		exp  vmm.Mapping
	}{
		{bootinfo.KernelBase + 0x10, vmm.Mapping{Phys: 0x200010, PageSize: mm.MegapageSize, Executable: true}},
		{bootinfo.KernelBase + 0x200000, vmm.Mapping{Phys: 0x400000, PageSize: mm.MegapageSize}},
		{bootinfo.KernelBase + 0x400001, vmm.Mapping{Phys: 0x600001, PageSize: mm.MegapageSize, Writable: true}},
		{0x1f00000, vmm.Mapping{Phys: 0x1f00000, PageSize: mm.PageSize, Writable: true, Executable: true}},
	}
	for specIndex, spec := range specs {
		got, kerr := res.BootInfo.Translate(spec.virt)
		if kerr != nil {
			t.Errorf("[spec %d] translating 0x%x: %v", specIndex, spec.virt, kerr)
			continue
		}
		if diff := cmp.Diff(spec.exp, got); diff != "" {
			t.Errorf("[spec %d] unexpected mapping for 0x%x (-want +got):\n%s", specIndex, spec.virt, diff)
		}
	}

	if got := m.Mem.View(0x400000, 5); string(got) != "hello" {
		t.Errorf("expected the read-only window to be loaded; got %q", got)
	}
}

func TestBootErrors(t *testing.T) {
	specs := []struct {
		desc   string
		mutate func(*Machine)
		expErr error
	}{
		{"region outside of memory", func(m *Machine) {
			m.Regions = append(m.Regions, Region{Type: efi.ConventionalMemory, Start: 0x2000000, Pages: 1})
		}, nil},
		{"empty region", func(m *Machine) {
			m.Regions[0].Pages = 0
		}, nil},
		{"control block outside of memory", func(m *Machine) {
			m.ControlBlock = 0x1fff000
		}, nil},
		{"misaligned control block", func(m *Machine) {
			m.ControlBlock = 0x1f00010
		}, bootinfo.ErrMisaligned},
		{"no conventional memory", func(m *Machine) {
			m.Regions = m.Regions[:1]
		}, pmm.ErrOutOfMemory},
		{"control block aliases the kernel window", func(m *Machine) {
			m.ControlBlock = 0x200000
		}, bootinfo.ErrMappingConflict},
	}

	for specIndex, spec := range specs {
		m := testMachine(t)
		spec.mutate(m)

		_, err := m.Boot(testImage())
		switch {
		case err == nil:
			t.Errorf("[spec %d] %s: expected an error", specIndex, spec.desc)
		case spec.expErr != nil && !errors.Is(err, spec.expErr):
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.desc, spec.expErr, err)
		}
	}
}

func TestSwitch(t *testing.T) {
	m := testMachine(t)
	res, err := m.Boot(testImage())
	if err != nil {
		t.Fatal(err)
	}

	if _, err = res.Fault(gate.FaultInstructionFetch, testSwitchCode); err != ErrNotSwitched {
		t.Fatalf("expected ErrNotSwitched; got %v", err)
	}

	cpu := &CPU{SwitchCode: testSwitchCode}
	if err = res.Switch(cpu); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"cli", "efer.nxe", "lgdt", "lidt", "mov cr3"}, cpu.Events); diff != "" {
		t.Errorf("unexpected processor operations (-want +got):\n%s", diff)
	}
	if exp := uint64(0x1f00000); cpu.Root != exp {
		t.Errorf("expected root table 0x%x; got 0x%x", exp, cpu.Root)
	}
	if exp := res.BootInfo.ScratchPhys().Uint64() + bootinfo.ScratchSize; cpu.StackTop > exp || cpu.StackTop <= res.BootInfo.ScratchPhys().Uint64() {
		t.Errorf("expected the stack to be inside the scratch area; got 0x%x", cpu.StackTop)
	}
	if res.BootInfo.Runtime.Available() {
		t.Error("expected the runtime handle to be detached")
	}
	if exp, got := trampoline.InTransition, res.State(); got != exp {
		t.Errorf("expected state %q; got %q", exp, got)
	}

	resume, err := res.Fault(gate.FaultInstructionFetch, testSwitchCode)
	if err != nil {
		t.Fatal(err)
	}
	if resume != testEntry {
		t.Errorf("expected execution to resume at 0x%x; got 0x%x", testEntry, resume)
	}
	if exp, got := trampoline.NewMappingActive, res.State(); got != exp {
		t.Errorf("expected state %q; got %q", exp, got)
	}

	if _, err = res.Fault(gate.FaultInstructionFetch, testEntry); !errors.Is(err, trampoline.ErrUnexpectedFault) {
		t.Errorf("expected a second fault to halt; got %v", err)
	}
	if exp, got := trampoline.Halted, res.State(); got != exp {
		t.Errorf("expected state %q; got %q", exp, got)
	}
}

func TestSwitchErrors(t *testing.T) {
	specs := []struct {
		cpu    CPU
		expErr error
	}{
		{CPU{SwitchCode: testSwitchCode, NoNX: true}, trampoline.ErrNXUnsupported},
		{CPU{SwitchCode: uint64(bootinfo.KernelBase)}, trampoline.ErrTrampolineMapped},
		{CPU{SwitchCode: 0x1f00000}, trampoline.ErrTrampolineMapped},
	}

	for specIndex, spec := range specs {
		m := testMachine(t)
		res, err := m.Boot(testImage())
		if err != nil {
			t.Fatal(err)
		}

		if err = res.Switch(&spec.cpu); !errors.Is(err, spec.expErr) {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestFaultDataAccess(t *testing.T) {
	m := testMachine(t)
	res, err := m.Boot(testImage())
	if err != nil {
		t.Fatal(err)
	}
	if err = res.Switch(&CPU{SwitchCode: testSwitchCode}); err != nil {
		t.Fatal(err)
	}

	if _, err = res.Fault(gate.FaultWrite, 0x1000); !errors.Is(err, trampoline.ErrUnexpectedFault) {
		t.Fatalf("expected a data access fault to halt; got %v", err)
	}
	if exp, got := trampoline.Halted, res.State(); got != exp {
		t.Errorf("expected state %q; got %q", exp, got)
	}
}
