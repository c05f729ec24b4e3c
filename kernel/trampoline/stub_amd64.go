package trampoline

import (
	"encoding/binary"
	"unsafe"

	"github.com/AbleOS/sovos/kernel/bootinfo"
	"github.com/AbleOS/sovos/kernel/gate"
)

const stubSize = 64

// scratch is the layout of bootinfo.BootInfo.Scratch while the trampoline
// is armed. Everything in it is accessed through identity-mapped addresses.
type scratch struct {
	IDT  gate.IDT
	GDT  gate.GDT
	_    [8]byte
	GDTR gate.DescriptorTablePointer
	_    [6]byte
	IDTR gate.DescriptorTablePointer
	_    [6]byte

	// Variables used by the fault stub.
	Faults uint64
	Entry  uint64
	Arg    uint64
	_      [40]byte

	Stub  [stubSize]byte
	Stack [bootinfo.ScratchSize - 4288]byte
}

const (
	faultsOff = unsafe.Offsetof(scratch{}.Faults)
	entryOff  = unsafe.Offsetof(scratch{}.Entry)
	argOff    = unsafe.Offsetof(scratch{}.Arg)
	stubOff   = unsafe.Offsetof(scratch{}.Stub)
	stackOff  = unsafe.Offsetof(scratch{}.Stack)
)

var (
	_ [bootinfo.ScratchSize - unsafe.Sizeof(scratch{})]struct{}
	_ [unsafe.Sizeof(scratch{}) - bootinfo.ScratchSize]struct{}
	_ [0]struct{} = [stubOff % stubSize]struct{}{}
	_ [0]struct{} = [(stackOff + unsafe.Sizeof(scratch{}.Stack)) % 16]struct{}{}
)

// stubTemplate is the page fault handler. The first fault must be an
// instruction fetch: the handler then replaces the saved RIP with Entry,
// loads RDI with Arg and returns to it. Any other fault halts the CPU. The
// RIP-relative displacements are filled in by patchStub.
var stubTemplate = [...]byte{
	0x48, 0xff, 0x05, 0, 0, 0, 0, // inc qword [rip+Faults]
	0x48, 0x83, 0x3d, 0, 0, 0, 0, 0x01, // cmp qword [rip+Faults], 1
	0x75, 0x22, // jne fatal
	0x8a, 0x04, 0x24, // mov al, [rsp]
	0x24, 0x1c, // and al, U|RSVD|I/D
	0x3c, 0x10, // cmp al, I/D
	0x75, 0x19, // jne fatal
	0x48, 0x8b, 0x05, 0, 0, 0, 0, // mov rax, [rip+Entry]
	0x48, 0x89, 0x44, 0x24, 0x08, // mov [rsp+8], rax
	0x48, 0x8b, 0x3d, 0, 0, 0, 0, // mov rdi, [rip+Arg]
	0x48, 0x83, 0xc4, 0x08, // add rsp, 8
	0x48, 0xcf, // iretq
	0xfa,       // fatal: cli
	0xf4,       // hlt
	0xeb, 0xfd, // jmp hlt
}

var _ [stubSize - len(stubTemplate)]struct{}

// stubRefs lists the instructions of stubTemplate that reference a stub
// variable. The 32-bit displacement always starts at the fourth byte.
var stubRefs = [...]struct {
	at, size uintptr
	target   uintptr
}{
	{0, 7, faultsOff},
	{7, 8, faultsOff},
	{26, 7, entryOff},
	{38, 7, argOff},
}

const (
	opHLT      = 0xf4
	dispOffset = 3
)

// patchStub copies the fault handler into sc and resolves its references.
func patchStub(sc *scratch) {
	copy(sc.Stub[:], stubTemplate[:])
	for i := len(stubTemplate); i < stubSize; i++ {
		sc.Stub[i] = opHLT
	}

	for _, ref := range stubRefs {
		next := stubOff + ref.at + ref.size
		disp := int32(int64(ref.target) - int64(next))
		binary.LittleEndian.PutUint32(sc.Stub[ref.at+dispOffset:], uint32(disp))
	}
}
