package elf

import "unsafe"

// Magic is the identification prefix of every ELF image.
var Magic = [4]byte{0x7f, 'E', 'L', 'F'}

const (
	// VersionCurrent is the only defined ELF version.
	VersionCurrent = 1

	// HeaderSize is the size of an ELF64 file header.
	HeaderSize = 64

	// ProgramHeaderSize is the size of an ELF64 program header.
	ProgramHeaderSize = 56

	// SectionHeaderSize is the size of an ELF64 section header.
	SectionHeaderSize = 64
)

// Ident is the machine-independent identification block at the start of
// an ELF image.
type Ident struct {
	Magic      [4]byte
	Class      Class
	Data       Data
	Version    uint8
	OsAbi      OsAbi
	AbiVersion uint8
	_          [7]byte
}

// OptionalAddr is a 64-bit header field where zero means the value is
// absent.
type OptionalAddr uint64

// Get returns the value and whether it is present.
func (a OptionalAddr) Get() (uint64, bool) { return uint64(a), a != 0 }

// Header is the ELF64 file header. Its layout matches the on-disk format so
// it can be overlaid directly on image bytes.
type Header struct {
	Ident     Ident
	Type      Type
	Machine   Machine
	Version   uint32
	Entry     OptionalAddr
	PhOff     OptionalAddr
	ShOff     OptionalAddr
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

// ProgramHeader is an ELF64 program header.
type ProgramHeader struct {
	Type     SegmentType
	Flags    SegmentFlags
	Offset   uint64
	VirtAddr uint64

	// PhysAddr is informational only; some toolchains set it to the
	// virtual address, others leave it zero.
	PhysAddr uint64

	FileSize uint64
	MemSize  uint64
	Align    uint64
}

// SectionHeader is an ELF64 section header.
type SectionHeader struct {
	Name      uint32
	Type      SectionType
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

// The structures must match the on-disk layout exactly.
var (
	_ [16 - unsafe.Sizeof(Ident{})]struct{}
	_ [unsafe.Sizeof(Ident{}) - 16]struct{}
	_ [HeaderSize - unsafe.Sizeof(Header{})]struct{}
	_ [unsafe.Sizeof(Header{}) - HeaderSize]struct{}
	_ [ProgramHeaderSize - unsafe.Sizeof(ProgramHeader{})]struct{}
	_ [unsafe.Sizeof(ProgramHeader{}) - ProgramHeaderSize]struct{}
	_ [SectionHeaderSize - unsafe.Sizeof(SectionHeader{})]struct{}
	_ [unsafe.Sizeof(SectionHeader{}) - SectionHeaderSize]struct{}
	_ [24 - unsafe.Offsetof(Header{}.Entry)]struct{}
	_ [unsafe.Offsetof(Header{}.Entry) - 24]struct{}
)
