package elf

import (
	"unsafe"

	"github.com/AbleOS/sovos/kernel"
)

var (
	// ErrNotElf is returned by Parse when the magic bytes are missing.
	ErrNotElf = &kernel.Error{Module: "elf", Message: "bad magic: not an ELF image"}

	// ErrUnsupportedClass is returned by Parse for images that are not ELF64.
	ErrUnsupportedClass = &kernel.Error{Module: "elf", Message: "unsupported class: only ELF64 images are supported"}

	// ErrUnsupportedEncoding is returned by Parse for big-endian images.
	ErrUnsupportedEncoding = &kernel.Error{Module: "elf", Message: "unsupported data encoding: only little-endian images are supported"}

	// ErrUnsupportedVersion is returned by Parse for images whose ELF version
	// is not 1.
	ErrUnsupportedVersion = &kernel.Error{Module: "elf", Message: "unsupported ELF version"}

	// ErrTruncated is returned when a header or header table extends past the
	// image.
	ErrTruncated = &kernel.Error{Module: "elf", Message: "image is truncated"}

	// ErrBadProgramHeaderSize is returned by Parse when e_phentsize does not
	// match the ELF64 program header.
	ErrBadProgramHeaderSize = &kernel.Error{Module: "elf", Message: "unexpected program header entry size"}

	// ErrBadSectionHeaderSize is returned by VisitSectionHeaders when
	// e_shentsize does not match the ELF64 section header.
	ErrBadSectionHeaderSize = &kernel.Error{Module: "elf", Message: "unexpected section header entry size"}

	// ErrSegmentFileSize is returned by VisitLoadSegments when a segment has
	// more file bytes than memory bytes.
	ErrSegmentFileSize = &kernel.Error{Module: "elf", Message: "segment file size exceeds its memory size"}

	// ErrSegmentOutOfBounds is returned by VisitLoadSegments when a segment's
	// file bytes lie outside the image.
	ErrSegmentOutOfBounds = &kernel.Error{Module: "elf", Message: "segment file contents lie outside the image"}
)

// Image is a validated view over the bytes of an ELF64 image. Headers are
// accessed in place; nothing is copied or allocated.
type Image struct {
	data []byte
}

// Parse validates the identification block, the file header and the
// location of the program header table of the image stored in data.
//
// An unrecognized machine is not an error: callers that can only execute
// particular architectures must check Header().Machine themselves.
func Parse(data []byte) (Image, *kernel.Error) {
	if len(data) < len(Magic) || [4]byte(data[:4]) != Magic {
		return Image{}, ErrNotElf
	}

	if len(data) < HeaderSize {
		return Image{}, ErrTruncated
	}

	img := Image{data: data}
	hdr := img.Header()

	switch {
	case hdr.Ident.Class != Class64:
		return Image{}, ErrUnsupportedClass
	case hdr.Ident.Data != DataLSB:
		return Image{}, ErrUnsupportedEncoding
	case hdr.Ident.Version != VersionCurrent:
		return Image{}, ErrUnsupportedVersion
	}

	if hdr.PhNum != 0 {
		if hdr.PhEntSize != ProgramHeaderSize {
			return Image{}, ErrBadProgramHeaderSize
		}

		phOff, ok := hdr.PhOff.Get()
		if !ok || !img.inBounds(phOff, uint64(hdr.PhNum)*ProgramHeaderSize) {
			return Image{}, ErrTruncated
		}
	}

	return img, nil
}

// inBounds returns true if [off, off+size) lies within the image.
func (img Image) inBounds(off, size uint64) bool {
	imgLen := uint64(len(img.data))
	return off <= imgLen && size <= imgLen-off
}

// Bytes returns the raw image.
func (img Image) Bytes() []byte { return img.data }

// Header returns the file header.
func (img Image) Header() *Header {
	return (*Header)(unsafe.Pointer(&img.data[0]))
}

// NumProgramHeaders returns the number of program headers.
func (img Image) NumProgramHeaders() int { return int(img.Header().PhNum) }

// ProgramHeader returns the i-th program header. It panics if i is out of
// range.
func (img Image) ProgramHeader(i int) *ProgramHeader {
	if i < 0 || i >= img.NumProgramHeaders() {
		panic(ErrTruncated)
	}

	off := uint64(img.Header().PhOff) + uint64(i)*ProgramHeaderSize
	return (*ProgramHeader)(unsafe.Pointer(&img.data[off]))
}

// ProgramHeaderVisitor is invoked by VisitProgramHeaders for each program
// header. Returning false aborts the scan.
type ProgramHeaderVisitor func(index int, ph *ProgramHeader) bool

// VisitProgramHeaders invokes visitor for each program header in table
// order.
func (img Image) VisitProgramHeaders(visitor ProgramHeaderVisitor) {
	for i := 0; i < img.NumProgramHeaders(); i++ {
		if !visitor(i, img.ProgramHeader(i)) {
			return
		}
	}
}

// Segment describes a Load segment.
type Segment struct {
	// Index of the program header describing this segment.
	Index int

	Offset   uint64
	VirtAddr uint64
	PhysAddr uint64
	FileSize uint64
	MemSize  uint64
	Align    uint64
	Perm     SegmentFlags
}

// End returns the first virtual address past the segment's memory image.
func (s Segment) End() uint64 { return s.VirtAddr + s.MemSize }

// SegmentVisitor is invoked by VisitLoadSegments for each Load segment.
// Returning false aborts the scan.
type SegmentVisitor func(Segment) bool

// VisitLoadSegments validates and visits each Load segment in program
// header order. A segment whose file size exceeds its memory size, or whose
// file contents lie outside the image, aborts the scan with an error; the
// visitor has been invoked for all preceding segments.
func (img Image) VisitLoadSegments(visitor SegmentVisitor) *kernel.Error {
	var err *kernel.Error

	img.VisitProgramHeaders(func(index int, ph *ProgramHeader) bool {
		if ph.Type != SegmentLoad {
			return true
		}

		if err = img.checkSegment(ph); err != nil {
			return false
		}

		return visitor(Segment{
			Index:    index,
			Offset:   ph.Offset,
			VirtAddr: ph.VirtAddr,
			PhysAddr: ph.PhysAddr,
			FileSize: ph.FileSize,
			MemSize:  ph.MemSize,
			Align:    ph.Align,
			Perm:     ph.Flags,
		})
	})

	return err
}

func (img Image) checkSegment(ph *ProgramHeader) *kernel.Error {
	if ph.FileSize > ph.MemSize {
		return ErrSegmentFileSize
	}

	if !img.inBounds(ph.Offset, ph.FileSize) {
		return ErrSegmentOutOfBounds
	}

	return nil
}

// SegmentData returns the file contents of a segment previously returned by
// VisitLoadSegments.
func (img Image) SegmentData(s Segment) []byte {
	return img.data[s.Offset : s.Offset+s.FileSize]
}

// NumSectionHeaders returns the number of section headers.
func (img Image) NumSectionHeaders() int { return int(img.Header().ShNum) }

// SectionHeaderVisitor is invoked by VisitSectionHeaders for each section
// header. Returning false aborts the scan.
type SectionHeaderVisitor func(index int, sh *SectionHeader) bool

// VisitSectionHeaders invokes visitor for each section header. Unlike
// program headers, the section header table is only validated here since
// booting never needs it.
func (img Image) VisitSectionHeaders(visitor SectionHeaderVisitor) *kernel.Error {
	hdr := img.Header()
	if hdr.ShNum == 0 {
		return nil
	}

	if hdr.ShEntSize != SectionHeaderSize {
		return ErrBadSectionHeaderSize
	}

	shOff, ok := hdr.ShOff.Get()
	if !ok || !img.inBounds(shOff, uint64(hdr.ShNum)*SectionHeaderSize) {
		return ErrTruncated
	}

	for i := 0; i < int(hdr.ShNum); i++ {
		sh := (*SectionHeader)(unsafe.Pointer(&img.data[shOff+uint64(i)*SectionHeaderSize]))
		if !visitor(i, sh) {
			break
		}
	}

	return nil
}
