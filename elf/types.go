package elf

import "strconv"

// Class is the word size of an ELF image (EI_CLASS).
type Class uint8

// Supported classes.
const (
	Class32 Class = 1
	Class64 Class = 2
)

// Valid returns true if c is a recognized class.
func (c Class) Valid() bool { return c == Class32 || c == Class64 }

// String implements fmt.Stringer for Class.
func (c Class) String() string {
	switch c {
	case Class32:
		return "ELF32"
	case Class64:
		return "ELF64"
	}
	return "unknown"
}

// Data is the byte order of an ELF image (EI_DATA).
type Data uint8

// Supported byte orders.
const (
	DataLSB Data = 1
	DataMSB Data = 2
)

// Valid returns true if d is a recognized encoding.
func (d Data) Valid() bool { return d == DataLSB || d == DataMSB }

// String implements fmt.Stringer for Data.
func (d Data) String() string {
	switch d {
	case DataLSB:
		return "2's complement, little endian"
	case DataMSB:
		return "2's complement, big endian"
	}
	return "unknown"
}

// Type is the object file type (e_type).
type Type uint16

// Object file types.
const (
	TypeNone         Type = 0
	TypeRelocatable  Type = 1
	TypeExecutable   Type = 2
	TypeSharedObject Type = 3
	TypeCore         Type = 4
)

// Valid returns true if t is a recognized object type.
func (t Type) Valid() bool { return t <= TypeCore }

// String implements fmt.Stringer for Type.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "NONE"
	case TypeRelocatable:
		return "REL"
	case TypeExecutable:
		return "EXEC"
	case TypeSharedObject:
		return "DYN"
	case TypeCore:
		return "CORE"
	}
	return "unknown"
}

// Machine is the target architecture (e_machine). Values outside the set
// below are not an error; Valid reports whether the value is recognized.
type Machine uint16

// Recognized machines.
const (
	MachineNone    Machine = 0
	MachineX86     Machine = 3
	MachinePowerPC Machine = 20
	MachinePower64 Machine = 21
	MachineArm     Machine = 40
	MachineX64     Machine = 62
	MachineAArch64 Machine = 183
	MachineAmdGpu  Machine = 224
	MachineRiscV   Machine = 243
)

// Valid returns true if m is a recognized machine.
func (m Machine) Valid() bool { return m.String() != "unknown" }

// String implements fmt.Stringer for Machine.
func (m Machine) String() string {
	switch m {
	case MachineNone:
		return "none"
	case MachineX86:
		return "x86"
	case MachinePowerPC:
		return "PowerPC"
	case MachinePower64:
		return "PowerPC64"
	case MachineArm:
		return "ARM"
	case MachineX64:
		return "x86-64"
	case MachineAArch64:
		return "AArch64"
	case MachineAmdGpu:
		return "AMD GPU"
	case MachineRiscV:
		return "RISC-V"
	}
	return "unknown"
}

// OsAbi identifies the ABI an image targets (EI_OSABI).
type OsAbi uint8

// Recognized ABIs.
const (
	OsAbiSystemV    OsAbi = 0
	OsAbiHPUX       OsAbi = 1
	OsAbiNetBSD     OsAbi = 2
	OsAbiGNULinux   OsAbi = 3
	OsAbiSolaris    OsAbi = 6
	OsAbiAIX        OsAbi = 7
	OsAbiIRIX       OsAbi = 8
	OsAbiFreeBSD    OsAbi = 9
	OsAbiTru64      OsAbi = 10
	OsAbiModesto    OsAbi = 11
	OsAbiOpenBSD    OsAbi = 12
	OsAbiArmAEABI   OsAbi = 64
	OsAbiArm        OsAbi = 97
	OsAbiStandalone OsAbi = 255
)

// Valid returns true if a is a recognized ABI.
func (a OsAbi) Valid() bool { return a.String() != "unknown" }

// String implements fmt.Stringer for OsAbi.
func (a OsAbi) String() string {
	switch a {
	case OsAbiSystemV:
		return "UNIX - System V"
	case OsAbiHPUX:
		return "HP-UX"
	case OsAbiNetBSD:
		return "NetBSD"
	case OsAbiGNULinux:
		return "GNU/Linux"
	case OsAbiSolaris:
		return "Solaris"
	case OsAbiAIX:
		return "AIX"
	case OsAbiIRIX:
		return "IRIX"
	case OsAbiFreeBSD:
		return "FreeBSD"
	case OsAbiTru64:
		return "Tru64"
	case OsAbiModesto:
		return "Modesto"
	case OsAbiOpenBSD:
		return "OpenBSD"
	case OsAbiArmAEABI:
		return "ARM EABI"
	case OsAbiArm:
		return "ARM"
	case OsAbiStandalone:
		return "Standalone"
	}
	return "unknown"
}

// SegmentType is the type of a program header (p_type).
type SegmentType uint32

// Segment types.
const (
	SegmentNull               SegmentType = 0
	SegmentLoad               SegmentType = 1
	SegmentDynamic            SegmentType = 2
	SegmentInterpreter        SegmentType = 3
	SegmentNote               SegmentType = 4
	SegmentSharedLib          SegmentType = 5
	SegmentProgramHeader      SegmentType = 6
	SegmentThreadLocalStorage SegmentType = 7

	// Types in [SegmentLoOS, SegmentHiOS] are reserved for OS-specific
	// semantics (e.g. PT_GNU_STACK).
	SegmentLoOS SegmentType = 0x60000000
	SegmentHiOS SegmentType = 0x6fffffff

	// Types in [SegmentLoProc, SegmentHiProc] are reserved for
	// processor-specific semantics.
	SegmentLoProc SegmentType = 0x70000000
	SegmentHiProc SegmentType = 0x7fffffff
)

// IsOSSpecific returns true if t lies in the OS-specific range.
func (t SegmentType) IsOSSpecific() bool { return t >= SegmentLoOS && t <= SegmentHiOS }

// IsCPUSpecific returns true if t lies in the processor-specific range.
func (t SegmentType) IsCPUSpecific() bool { return t >= SegmentLoProc && t <= SegmentHiProc }

// Valid returns true if t is one of the standard types or lies in one of
// the reserved extension ranges.
func (t SegmentType) Valid() bool {
	return t <= SegmentThreadLocalStorage || t.IsOSSpecific() || t.IsCPUSpecific()
}

// String implements fmt.Stringer for SegmentType.
func (t SegmentType) String() string {
	switch t {
	case SegmentNull:
		return "NULL"
	case SegmentLoad:
		return "LOAD"
	case SegmentDynamic:
		return "DYNAMIC"
	case SegmentInterpreter:
		return "INTERP"
	case SegmentNote:
		return "NOTE"
	case SegmentSharedLib:
		return "SHLIB"
	case SegmentProgramHeader:
		return "PHDR"
	case SegmentThreadLocalStorage:
		return "TLS"
	}

	switch {
	case t.IsOSSpecific():
		return "LOOS+0x" + strconv.FormatUint(uint64(t-SegmentLoOS), 16)
	case t.IsCPUSpecific():
		return "LOPROC+0x" + strconv.FormatUint(uint64(t-SegmentLoProc), 16)
	}
	return "unknown"
}

// SegmentFlags holds the permission and extension bits of a program header
// (p_flags).
type SegmentFlags uint32

// Permission bits.
const (
	FlagExecute SegmentFlags = 1 << 0
	FlagWrite   SegmentFlags = 1 << 1
	FlagRead    SegmentFlags = 1 << 2
)

// Executable returns true if the segment is executable.
func (f SegmentFlags) Executable() bool { return f&FlagExecute != 0 }

// Writable returns true if the segment is writable.
func (f SegmentFlags) Writable() bool { return f&FlagWrite != 0 }

// Readable returns true if the segment is readable.
func (f SegmentFlags) Readable() bool { return f&FlagRead != 0 }

// OSFlags returns the OS-specific flag bits.
func (f SegmentFlags) OSFlags() uint8 { return uint8(f >> 20) }

// CPUFlags returns the processor-specific flag bits.
func (f SegmentFlags) CPUFlags() uint8 { return uint8(f >> 28) }

// String returns the permissions the way readelf prints them, e.g. "R E".
func (f SegmentFlags) String() string {
	perm := []byte("   ")
	if f.Readable() {
		perm[0] = 'R'
	}
	if f.Writable() {
		perm[1] = 'W'
	}
	if f.Executable() {
		perm[2] = 'E'
	}
	return string(perm)
}

// SectionType is the type of a section header (sh_type).
type SectionType uint32

// Section types.
const (
	SectionNull          SectionType = 0
	SectionProgbits      SectionType = 1
	SectionSymtab        SectionType = 2
	SectionStrtab        SectionType = 3
	SectionRela          SectionType = 4
	SectionHash          SectionType = 5
	SectionDynamic       SectionType = 6
	SectionNote          SectionType = 7
	SectionNobits        SectionType = 8
	SectionRel           SectionType = 9
	SectionDynsym        SectionType = 11
	SectionInitArray     SectionType = 14
	SectionFiniArray     SectionType = 15
	SectionPreinitArray  SectionType = 16
	SectionGroup         SectionType = 17
	SectionSymtabShIndex SectionType = 18
)

// String implements fmt.Stringer for SectionType.
func (t SectionType) String() string {
	switch t {
	case SectionNull:
		return "NULL"
	case SectionProgbits:
		return "PROGBITS"
	case SectionSymtab:
		return "SYMTAB"
	case SectionStrtab:
		return "STRTAB"
	case SectionRela:
		return "RELA"
	case SectionHash:
		return "HASH"
	case SectionDynamic:
		return "DYNAMIC"
	case SectionNote:
		return "NOTE"
	case SectionNobits:
		return "NOBITS"
	case SectionRel:
		return "REL"
	case SectionDynsym:
		return "DYNSYM"
	case SectionInitArray:
		return "INIT_ARRAY"
	case SectionFiniArray:
		return "FINI_ARRAY"
	case SectionPreinitArray:
		return "PREINIT_ARRAY"
	case SectionGroup:
		return "GROUP"
	case SectionSymtabShIndex:
		return "SYMTAB_SHNDX"
	}
	return "unknown"
}
