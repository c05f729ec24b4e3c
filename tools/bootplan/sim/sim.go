// Package sim runs the boot sequence against simulated physical memory so
// that the resulting address space can be inspected on the host.
package sim

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/AbleOS/sovos/efi"
	"github.com/AbleOS/sovos/elf"
	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/bootinfo"
	"github.com/AbleOS/sovos/kernel/gate"
	"github.com/AbleOS/sovos/kernel/kfmt"
	"github.com/AbleOS/sovos/kernel/loader"
	"github.com/AbleOS/sovos/kernel/mm"
	"github.com/AbleOS/sovos/kernel/mm/pmm"
	"github.com/AbleOS/sovos/kernel/trampoline"
	"github.com/AbleOS/sovos/tools/bootplan/hostmem"
)

// ErrNotSwitched is returned by Fault before Switch succeeded.
var ErrNotSwitched = errors.New("sim: address space switch has not been performed")

// Region is a memory map entry reported by the simulated firmware.
type Region struct {
	Type  efi.MemoryType
	Start uint64
	Pages uint64
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Start + r.Pages*mm.PageSize }

// Machine describes the simulated hand-over state.
type Machine struct {
	Mem *hostmem.Memory

	// ControlBlock and KernelImage are the physical addresses of the
	// control block and of the raw kernel image.
	ControlBlock uint64
	KernelImage  uint64

	Regions []Region
	Runtime efi.RuntimeServices
}

// Result holds the state built by Boot.
type Result struct {
	Image    elf.Image
	Layout   loader.Layout
	Kernel   loader.Kernel
	BootInfo *bootinfo.BootInfo

	// AllocatedMegapages counts the frames taken by the kernel windows.
	AllocatedMegapages uint64

	tramp    trampoline.Trampoline
	switched bool
}

// MemoryMap encodes the regions in the firmware memory map format.
func (m *Machine) MemoryMap() []byte {
	raw := make([]byte, len(m.Regions)*efi.MemoryDescriptorSize)
	for i, r := range m.Regions {
		*(*efi.MemoryDescriptor)(unsafe.Pointer(&raw[i*efi.MemoryDescriptorSize])) = efi.MemoryDescriptor{
			Type:          r.Type,
			PhysicalStart: r.Start,
			NumberOfPages: r.Pages,
		}
	}
	return raw
}

func (m *Machine) validate(imageSize uint64) error {
	for i, r := range m.Regions {
		if r.Pages == 0 || !m.Mem.Contains(r.Start, r.Pages*mm.PageSize) {
			return fmt.Errorf("sim: region %d [0x%x - 0x%x) is empty or outside of simulated memory", i, r.Start, r.End())
		}
	}
	if !m.Mem.Contains(m.ControlBlock, bootinfo.Size) {
		return fmt.Errorf("sim: control block at 0x%x does not fit in simulated memory", m.ControlBlock)
	}
	if !m.Mem.Contains(m.KernelImage, imageSize) {
		return fmt.Errorf("sim: %d byte kernel image at 0x%x does not fit in simulated memory", imageSize, m.KernelImage)
	}
	return nil
}

// Boot places image in simulated memory and runs the boot sequence up to,
// but excluding, arming the trampoline: the image is validated and planned,
// its windows are loaded into frames from the memory map and the page
// tables of the control block are populated.
//
// Errors raised by the boot core wrap the corresponding *kernel.Error.
func (m *Machine) Boot(image []byte) (*Result, error) {
	if err := m.validate(uint64(len(image))); err != nil {
		return nil, err
	}
	if err := m.Mem.Write(m.KernelImage, image); err != nil {
		return nil, err
	}

	res := new(Result)
	bi, kerr := bootinfo.Place(m.Mem.From(m.ControlBlock), mm.PhysAddr[bootinfo.BootInfo](m.ControlBlock))
	if kerr != nil {
		return nil, wrap("placing control block", kerr)
	}
	res.BootInfo = bi
	bi.Runtime = m.Runtime
	bi.Kernel = mm.NewPhysSlice(mm.PhysAddr[byte](m.KernelImage), uint64(len(image)))

	if kerr = bi.MemoryMap.Import(m.MemoryMap(), efi.MemoryDescriptorSize); kerr != nil {
		return nil, wrap("importing memory map", kerr)
	}

	if res.Image, kerr = elf.Parse(m.Mem.View(m.KernelImage, uint64(len(image)))); kerr != nil {
		return nil, wrap("parsing kernel image", kerr)
	}
	if res.Layout, kerr = loader.Plan(res.Image); kerr != nil {
		return nil, wrap("planning kernel layout", kerr)
	}

	var alloc pmm.BootMemAllocator
	if kerr = alloc.Init(bi, m.Mem.View); kerr != nil {
		return nil, wrap("initializing allocator", kerr)
	}
	alloc.PrintMemoryMap()

	if res.Kernel, kerr = loader.Load(res.Image, res.Layout, &alloc); kerr != nil {
		return nil, wrap("loading kernel", kerr)
	}
	res.AllocatedMegapages = alloc.AllocCount()

	if kerr = bi.MapKernel(res.Kernel.Text(), res.Kernel.ReadOnlyData(), res.Kernel.Data()); kerr != nil {
		return nil, wrap("mapping kernel", kerr)
	}
	if kerr = bi.MapSelf(); kerr != nil {
		return nil, wrap("mapping control block", kerr)
	}

	return res, nil
}

// Switch arms the trampoline and performs the address space switch on cpu.
func (r *Result) Switch(cpu *CPU) error {
	tr, kerr := trampoline.Arm(r.BootInfo, r.Kernel.Entry, cpu.Hooks())
	if kerr != nil {
		return wrap("arming trampoline", kerr)
	}
	r.tramp = tr

	// Jump buffers kfmt output; keep forwarding it to the current sink.
	sink := kfmt.OutputSink()
	kerr = r.tramp.Jump()
	kfmt.SetOutputSink(sink)
	if kerr != nil {
		return wrap("switching address space", kerr)
	}

	r.switched = true
	return nil
}

// State returns the trampoline state.
func (r *Result) State() trampoline.State { return r.tramp.State() }

// Fault delivers a page fault for an access to addr with the given error
// code to the trampoline handler. It returns the address execution resumes
// at, or the error the handler halted the processor with.
func (r *Result) Fault(code gate.PageFaultCode, addr uint64) (resume uint64, err error) {
	if !r.switched {
		return 0, ErrNotSwitched
	}

	defer func() {
		if v := recover(); v != nil {
			kerr, ok := v.(*kernel.Error)
			if !ok {
				panic(v)
			}
			err = wrap("handling page fault", kerr)
		}
	}()

	frame := gate.Frame{
		ErrorCode: uint64(code),
		RIP:       addr,
		CS:        uint64(gate.KernelCodeSelector),
		RSP:       r.BootInfo.ScratchPhys().Uint64() + bootinfo.ScratchSize,
		SS:        uint64(gate.KernelDataSelector),
	}
	r.tramp.HandleFault(&frame, addr)
	return frame.RIP, nil
}

func wrap(step string, err *kernel.Error) error {
	return fmt.Errorf("%s: [%s] %w", step, err.Module, err)
}
