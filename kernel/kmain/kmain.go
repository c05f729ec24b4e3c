// Package kmain drives the boot sequence from the firmware hand-over to the
// jump into the kernel.
package kmain

import (
	"github.com/AbleOS/sovos/device"
	"github.com/AbleOS/sovos/device/serial"
	"github.com/AbleOS/sovos/efi"
	"github.com/AbleOS/sovos/elf"
	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/bootinfo"
	"github.com/AbleOS/sovos/kernel/kfmt"
	"github.com/AbleOS/sovos/kernel/loader"
	"github.com/AbleOS/sovos/kernel/mm"
	"github.com/AbleOS/sovos/kernel/mm/pmm"
	"github.com/AbleOS/sovos/kernel/trampoline"
)

var (
	errBootReturned = &kernel.Error{Module: "kmain", Message: "boot sequence returned"}

	// The collaborators of Boot; replaced by tests.
	initBootInfoFn = bootinfo.Init
	attachSerialFn = attachSerial
	physViewFn     = pmm.IdentityView
	mapKernelFn    = (*bootinfo.BootInfo).MapKernel
	mapSelfFn      = (*bootinfo.BootInfo).MapSelf
	armFn          = trampoline.Arm
	jumpFn         = (*trampoline.Trampoline).Jump

	// cpuHooks is passed to the trampoline; nil selects the processor.
	cpuHooks *trampoline.Hooks
)

// BootParams describes the state handed over by the firmware stage.
type BootParams struct {
	// ControlBlock is the page-aligned physical address reserved for the
	// control block. It must not cross a 2 MiB boundary.
	ControlBlock mm.PhysAddr[bootinfo.BootInfo]

	// Kernel holds the raw bytes of the kernel ELF image.
	Kernel mm.PhysSlice[byte]

	// MemoryMap is the raw firmware memory map and DescriptorSize the
	// distance between its entries.
	MemoryMap      []byte
	DescriptorSize uintptr

	// Runtime is the firmware runtime services table, if any.
	Runtime efi.RuntimeServices
}

// Kmain is invoked by the firmware stage once boot services have been
// exited. It never returns: on success control passes to the kernel, on
// failure the CPU is halted.
//
//go:noinline
func Kmain(params *BootParams) {
	if err := Boot(params); err != nil {
		panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errBootReturned)
}

// Boot builds the kernel address space described by params and jumps into
// it. Any error is returned before the address space switch; image format
// errors are detected before a single page table entry is written.
func Boot(params *BootParams) *kernel.Error {
	bi, err := initBootInfoFn(params.ControlBlock)
	if err != nil {
		return err
	}

	attachSerialFn(bi)
	bi.Runtime = params.Runtime
	bi.Kernel = params.Kernel

	kfmt.Printf("[kmain] control block at 0x%x (%d pages)\n", bi.This.Uint64(), bootinfo.Pages)

	if err = bi.MemoryMap.Import(params.MemoryMap, params.DescriptorSize); err != nil {
		return err
	}

	img, err := elf.Parse(physViewFn(params.Kernel.Addr.Uint64(), params.Kernel.Len))
	if err != nil {
		return err
	}

	layout, err := loader.Plan(img)
	if err != nil {
		return err
	}

	var alloc pmm.BootMemAllocator
	if err = alloc.Init(bi, physViewFn); err != nil {
		return err
	}
	alloc.PrintMemoryMap()

	k, err := loader.Load(img, layout, &alloc)
	if err != nil {
		return err
	}

	if err = mapKernelFn(bi, k.Text(), k.ReadOnlyData(), k.Data()); err != nil {
		return err
	}

	if err = mapSelfFn(bi); err != nil {
		return err
	}

	tr, err := armFn(bi, k.Entry, cpuHooks)
	if err != nil {
		return err
	}

	kfmt.Printf("[kmain] jumping to kernel entry 0x%16x\n", k.Entry)
	return jumpFn(&tr)
}

// attachSerial routes diagnostics to the first working serial port.
func attachSerial(bi *bootinfo.BootInfo) {
	drv := device.Probe(kfmt.OutputSink(), serial.HWProbes())
	if port, ok := drv.(*serial.Port); ok {
		bi.Serial = bootinfo.SerialHandle{Port: port.Base}
		kfmt.SetOutputSink(port)
	}
}
