// Package gate encodes the descriptor tables that route exceptions to their
// handlers and define the segments execution continues in.
package gate

import (
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/AbleOS/sovos/kernel/kfmt"
)

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an exception occurs while the CPU is trying
	// to deliver another one, e.g. because its gate is not present.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)
)

// Selectors of the flat GDT returned by FlatGDT.
const (
	NullSelector       uint16 = 0x00
	KernelCodeSelector uint16 = 0x08
	KernelDataSelector uint16 = 0x10
)

// SegmentDescriptor is a GDT entry.
type SegmentDescriptor uint64

const (
	// KernelCode is a present, ring 0, execute/read 64-bit code segment.
	KernelCode = SegmentDescriptor(0x00209a0000000000)

	// KernelData is a present, ring 0, read/write data segment.
	KernelData = SegmentDescriptor(0x0000920000000000)

	segmentPresent = SegmentDescriptor(1 << 47)
	segmentLong    = SegmentDescriptor(1 << 53)
)

// Present returns true if the descriptor is marked present.
func (d SegmentDescriptor) Present() bool { return d&segmentPresent != 0 }

// Long returns true for 64-bit code segments.
func (d SegmentDescriptor) Long() bool { return d&segmentLong != 0 }

// GDT is a global descriptor table with a null, a code and a data segment.
type GDT [3]SegmentDescriptor

// FlatGDT returns a GDT whose selectors match KernelCodeSelector and
// KernelDataSelector.
func FlatGDT() GDT {
	return GDT{0, KernelCode, KernelData}
}

const (
	gateTypeInterrupt = 0x0e
	gatePresent       = 0x80
)

// GateDescriptor is a 64-bit IDT entry.
type GateDescriptor struct {
	OffsetLow  uint16
	Selector   uint16
	IST        uint8
	TypeAttr   uint8
	OffsetMid  uint16
	OffsetHigh uint32
	_          uint32
}

var (
	_ [16 - unsafe.Sizeof(GateDescriptor{})]struct{}
	_ [unsafe.Sizeof(GateDescriptor{}) - 16]struct{}
)

// NewInterruptGate returns a present ring 0 interrupt gate that transfers
// control to handler in the code segment referenced by selector. Interrupts
// stay disabled while the handler runs.
func NewInterruptGate(handler uint64, selector uint16) GateDescriptor {
	return GateDescriptor{
		OffsetLow:  uint16(handler),
		Selector:   selector,
		TypeAttr:   gatePresent | gateTypeInterrupt,
		OffsetMid:  uint16(handler >> 16),
		OffsetHigh: uint32(handler >> 32),
	}
}

// Handler returns the address of the handler.
func (g *GateDescriptor) Handler() uint64 {
	return uint64(g.OffsetLow) | uint64(g.OffsetMid)<<16 | uint64(g.OffsetHigh)<<32
}

// Present returns true if the gate is marked present.
func (g *GateDescriptor) Present() bool { return g.TypeAttr&gatePresent != 0 }

// IDT is an interrupt descriptor table covering every vector. The zero value
// has no present gates.
type IDT [256]GateDescriptor

// DescriptorTablePointer is the 10-byte operand of the LGDT and LIDT
// instructions: a 16-bit limit followed by a 64-bit base address.
type DescriptorTablePointer [10]byte

// NewDescriptorTablePointer returns the operand for a table of size bytes
// located at base.
func NewDescriptorTablePointer(base uint64, size uint16) DescriptorTablePointer {
	var p DescriptorTablePointer
	binary.LittleEndian.PutUint16(p[0:2], size-1)
	binary.LittleEndian.PutUint64(p[2:10], base)
	return p
}

// Limit returns the offset of the last byte of the table.
func (p *DescriptorTablePointer) Limit() uint16 { return binary.LittleEndian.Uint16(p[0:2]) }

// Base returns the address of the table.
func (p *DescriptorTablePointer) Base() uint64 { return binary.LittleEndian.Uint64(p[2:10]) }

// PageFaultCode is the error code pushed by the CPU for page faults.
type PageFaultCode uint64

// Page fault error code bits.
const (
	FaultProtection       PageFaultCode = 1 << 0
	FaultWrite            PageFaultCode = 1 << 1
	FaultUser             PageFaultCode = 1 << 2
	FaultReservedBit      PageFaultCode = 1 << 3
	FaultInstructionFetch PageFaultCode = 1 << 4
)

// InstructionFetch returns true if the fault was caused by fetching an
// instruction from a non-present or non-executable page in ring 0.
func (c PageFaultCode) InstructionFetch() bool {
	return c&(FaultInstructionFetch|FaultUser|FaultReservedBit) == FaultInstructionFetch
}

// Frame is the stack frame pushed by the CPU when an exception that carries
// an error code is delivered.
type Frame struct {
	ErrorCode uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the frame contents to w.
func (f *Frame) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "ERR = %16x\n", f.ErrorCode)
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", f.RIP, f.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", f.RSP, f.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", f.RFlags)
}
