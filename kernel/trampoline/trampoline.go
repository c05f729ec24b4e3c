// Package trampoline transfers control from the firmware address space to
// the kernel.
//
// The switch is performed by code that is not mapped in the new address
// space: as soon as the new root table is loaded, the next instruction fetch
// faults. The page fault handler installed by Arm treats exactly this fault
// as the signal that the new mapping is active and resumes execution at the
// kernel entry point. Any other fault halts the processor.
package trampoline

import (
	"unsafe"

	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/bootinfo"
	"github.com/AbleOS/sovos/kernel/cpu"
	"github.com/AbleOS/sovos/kernel/gate"
	"github.com/AbleOS/sovos/kernel/kfmt"
	"github.com/AbleOS/sovos/kernel/mm"
	"github.com/AbleOS/sovos/kernel/mm/vmm"
)

var (
	// ErrEntryNotMapped is returned by Arm when the kernel entry point does
	// not translate to an executable page.
	ErrEntryNotMapped = &kernel.Error{Module: "trampoline", Message: "kernel entry point is not mapped executable in the new address space"}

	// ErrTrampolineMapped is returned by Arm when any page of the switch
	// code is mapped, so loading the new root would not fault.
	ErrTrampolineMapped = &kernel.Error{Module: "trampoline", Message: "address space switch code is mapped in the new address space"}

	// ErrScratchNotMapped is returned by Arm when the fault handler or the
	// transition stack is not identity-mapped.
	ErrScratchNotMapped = &kernel.Error{Module: "trampoline", Message: "fault handler is not identity-mapped in the new address space"}

	// ErrRootActive is returned by Arm when the new root table is already
	// loaded in CR3.
	ErrRootActive = &kernel.Error{Module: "trampoline", Message: "new root table is already active"}

	// ErrNotArmed is returned by Jump on a trampoline that Arm did not
	// return or that already jumped.
	ErrNotArmed = &kernel.Error{Module: "trampoline", Message: "trampoline is not armed"}

	// ErrNXUnsupported is returned by Jump when EFER.NXE cannot be set.
	ErrNXUnsupported = &kernel.Error{Module: "trampoline", Message: "processor does not support no-execute pages"}

	// ErrUnexpectedFault is the panic value of HandleFault for any fault
	// other than the one completing the switch.
	ErrUnexpectedFault = &kernel.Error{Module: "trampoline", Message: "unexpected page fault during the address space switch"}
)

// State is the phase of the address space switch.
type State uint8

const (
	// OldMappingActive means the firmware page tables are active.
	OldMappingActive State = iota

	// InTransition means the new root table is about to be loaded or has
	// been loaded and the expected fault has not arrived yet.
	InTransition

	// NewMappingActive means the expected fault has been handled and the
	// kernel entry point is executing.
	NewMappingActive

	// Halted means an unexpected fault stopped the processor.
	Halted
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case OldMappingActive:
		return "old mapping active"
	case InTransition:
		return "in transition"
	case NewMappingActive:
		return "new mapping active"
	case Halted:
		return "halted"
	}
	return "unknown"
}

// Hooks are the processor operations the trampoline depends on.
type Hooks struct {
	DisableInterrupts func()
	EnableNX          func() bool
	LoadGDT           func(gdtrAddr uintptr, codeSel, dataSel uint16)
	LoadIDT           func(idtrAddr uintptr)
	SwitchStackAndPDT func(stackTop, pdtPhysAddr uintptr)

	// ActivePDT returns the physical address of the root table in CR3.
	ActivePDT func() uintptr

	// SwitchCodeAddr returns the address of the code executing
	// SwitchStackAndPDT. The code spans at most cpu.SwitchCodeSize bytes.
	SwitchCodeAddr func() uintptr
}

// ProcessorHooks returns hooks that operate on the current processor.
func ProcessorHooks() Hooks {
	return Hooks{
		DisableInterrupts: cpu.DisableInterrupts,
		EnableNX:          cpu.EnableNX,
		LoadGDT:           cpu.LoadGDT,
		LoadIDT:           cpu.LoadIDT,
		SwitchStackAndPDT: cpu.SwitchStackAndPDT,
		ActivePDT:         cpu.ActivePDT,
		SwitchCodeAddr:    cpu.SwitchStackAndPDTAddr,
	}
}

// Trampoline performs the one-shot switch into the address space described
// by a control block.
type Trampoline struct {
	bi    *bootinfo.BootInfo
	sc    *scratch
	hooks Hooks
	state State
}

// Arm prepares the scratch area of bi for the switch to the kernel entry
// point: it installs a GDT, an IDT whose only present gate is the page
// fault handler, the handler itself and the stack used across the switch.
//
// The page tables of bi must already be populated. Arm verifies that entry
// is mapped executable, that the handler is identity-mapped, that no page
// of the code performing the switch is mapped and that the new root is not
// the active one. If hooks is nil, ProcessorHooks is used.
func Arm(bi *bootinfo.BootInfo, entry uint64, hooks *Hooks) (Trampoline, *kernel.Error) {
	t := Trampoline{
		bi:    bi,
		sc:    (*scratch)(unsafe.Pointer(&bi.Scratch)),
		hooks: ProcessorHooks(),
		state: OldMappingActive,
	}
	if hooks != nil {
		t.hooks = *hooks
	}

	if m, err := bi.Translate(uintptr(entry)); err != nil || !m.Executable {
		return Trampoline{}, ErrEntryNotMapped
	}

	switchCode := uint64(t.hooks.SwitchCodeAddr())
	for page := switchCode &^ (mm.PageSize - 1); page < switchCode+cpu.SwitchCodeSize; page += mm.PageSize {
		if _, err := bi.Translate(uintptr(page)); err != vmm.ErrInvalidMapping {
			return Trampoline{}, ErrTrampolineMapped
		}
	}

	stub, stackTop := t.phys(unsafe.Pointer(&t.sc.Stub)), t.stackTop()
	if m, err := bi.Translate(uintptr(stub)); err != nil || m.Phys != stub || !m.Executable {
		return Trampoline{}, ErrScratchNotMapped
	}
	if m, err := bi.Translate(uintptr(stackTop - 1)); err != nil || m.Phys != stackTop-1 || !m.Writable {
		return Trampoline{}, ErrScratchNotMapped
	}

	firmwareRoot := uint64(t.hooks.ActivePDT())
	if firmwareRoot&^(mm.PageSize-1) == bi.RootPhys().Uint64() {
		return Trampoline{}, ErrRootActive
	}

	sc := t.sc
	sc.IDT = gate.IDT{}
	sc.IDT[gate.PageFaultException] = gate.NewInterruptGate(stub, gate.KernelCodeSelector)
	sc.GDT = gate.FlatGDT()
	sc.GDTR = gate.NewDescriptorTablePointer(t.phys(unsafe.Pointer(&sc.GDT)), uint16(unsafe.Sizeof(sc.GDT)))
	sc.IDTR = gate.NewDescriptorTablePointer(t.phys(unsafe.Pointer(&sc.IDT)), uint16(unsafe.Sizeof(sc.IDT)))
	sc.Faults = 0
	sc.Entry = entry
	sc.Arg = bi.This.Uint64()
	patchStub(sc)

	kfmt.Printf("[trampoline] armed: entry 0x%16x, handler 0x%x, stack 0x%x, firmware root 0x%x\n", entry, stub, stackTop, firmwareRoot)
	return t, nil
}

// phys returns the physical address of a location inside the scratch area.
func (t *Trampoline) phys(ptr unsafe.Pointer) uint64 {
	addr, _ := t.bi.PhysOf(ptr)
	return addr
}

func (t *Trampoline) stackTop() uint64 {
	return t.phys(unsafe.Pointer(&t.sc.Stack)) + uint64(len(t.sc.Stack))
}

// State returns the current phase of the switch.
func (t *Trampoline) State() State { return t.state }

// Jump switches to the new address space. Once the root table is loaded
// the call never returns on real hardware: the fault handler resumes
// execution at the kernel entry point. Errors are only returned for
// failures detected before the switch.
//
// The diagnostic handles of the control block are detached and kfmt output
// is buffered from now on since neither device survives the switch.
func (t *Trampoline) Jump() *kernel.Error {
	if t.state != OldMappingActive || t.bi == nil {
		return ErrNotArmed
	}

	t.hooks.DisableInterrupts()
	if !t.hooks.EnableNX() {
		return ErrNXUnsupported
	}

	kfmt.Printf("[trampoline] switching to root table at 0x%x\n", t.bi.RootPhys().Uint64())
	t.bi.Detach()
	kfmt.SetOutputSink(nil)

	t.hooks.LoadGDT(uintptr(t.phys(unsafe.Pointer(&t.sc.GDTR))), gate.KernelCodeSelector, gate.KernelDataSelector)
	t.hooks.LoadIDT(uintptr(t.phys(unsafe.Pointer(&t.sc.IDTR))))

	t.state = InTransition
	t.hooks.SwitchStackAndPDT(uintptr(t.stackTop()), uintptr(t.bi.RootPhys().Uint64()))
	return nil
}

// HandleFault carries out the steps of the page fault handler for a fault
// at faultAddr described by frame. The expected fault rewrites frame.RIP to
// the kernel entry point, which is also returned together with the value
// passed to the kernel in RDI.
//
// Any other fault moves the trampoline to the Halted state and panics with
// ErrUnexpectedFault, which halts the processor.
func (t *Trampoline) HandleFault(frame *gate.Frame, faultAddr uint64) (entry, arg uint64) {
	if t.sc == nil {
		t.state = Halted
		kfmt.Printf("[trampoline] page fault at 0x%16x on a trampoline that is not armed\n", faultAddr)
		frame.DumpTo(kfmt.OutputSink())
		panic(ErrUnexpectedFault)
	}

	t.sc.Faults++

	if prev := t.state; t.sc.Faults != 1 || prev != InTransition || !gate.PageFaultCode(frame.ErrorCode).InstructionFetch() {
		t.state = Halted
		kfmt.Printf("[trampoline] page fault #%d at 0x%16x while %s\n", t.sc.Faults, faultAddr, prev.String())
		frame.DumpTo(kfmt.OutputSink())
		panic(ErrUnexpectedFault)
	}

	frame.RIP = t.sc.Entry
	t.state = NewMappingActive
	return t.sc.Entry, t.sc.Arg
}
