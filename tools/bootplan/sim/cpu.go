package sim

import (
	"github.com/AbleOS/sovos/kernel/trampoline"
)

// CPU records the processor operations issued by the trampoline.
type CPU struct {
	// SwitchCode is the address reported for the code that loads the new
	// root table.
	SwitchCode uint64

	// FirmwareRoot is the root table active before the switch.
	FirmwareRoot uint64

	// NoNX makes the processor report that it cannot enable no-execute
	// pages.
	NoNX bool

	Events []string

	GDTR, IDTR uint64
	CodeSel    uint16
	DataSel    uint16
	StackTop   uint64
	Root       uint64
}

// Hooks returns trampoline hooks backed by c.
func (c *CPU) Hooks() *trampoline.Hooks {
	return &trampoline.Hooks{
		DisableInterrupts: func() {
			c.Events = append(c.Events, "cli")
		},
		EnableNX: func() bool {
			c.Events = append(c.Events, "efer.nxe")
			return !c.NoNX
		},
		LoadGDT: func(gdtrAddr uintptr, codeSel, dataSel uint16) {
			c.Events = append(c.Events, "lgdt")
			c.GDTR, c.CodeSel, c.DataSel = uint64(gdtrAddr), codeSel, dataSel
		},
		LoadIDT: func(idtrAddr uintptr) {
			c.Events = append(c.Events, "lidt")
			c.IDTR = uint64(idtrAddr)
		},
		SwitchStackAndPDT: func(stackTop, pdtPhysAddr uintptr) {
			c.Events = append(c.Events, "mov cr3")
			c.StackTop, c.Root = uint64(stackTop), uint64(pdtPhysAddr)
		},
		ActivePDT: func() uintptr {
			if c.Root != 0 {
				return uintptr(c.Root)
			}
			return uintptr(c.FirmwareRoot)
		},
		SwitchCodeAddr: func() uintptr {
			return uintptr(c.SwitchCode)
		},
	}
}
