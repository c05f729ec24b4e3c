// Package elftest builds small ELF64 images for tests.
package elftest

import (
	"bytes"
	"encoding/binary"

	"github.com/AbleOS/sovos/elf"
	"github.com/AbleOS/sovos/kernel/mm"
)

// Segment describes a program header to emit. Data is placed in the file
// and referenced by the header; MemSize defaults to len(Data).
type Segment struct {
	Type     elf.SegmentType
	Flags    elf.SegmentFlags
	VirtAddr uint64
	PhysAddr uint64
	Data     []byte
	MemSize  uint64
	Align    uint64
}

// Image describes an image to emit.
type Image struct {
	Machine  elf.Machine
	Entry    uint64
	Segments []Segment

	// WithSections adds a section header table with a PROGBITS section
	// for each segment and a section name string table.
	WithSections bool
}

const dataAlign = 16

// Build encodes the image.
func (img Image) Build() []byte {
	var (
		phOff    = uint64(elf.HeaderSize)
		dataOff  = mm.AlignUp(phOff+uint64(len(img.Segments))*elf.ProgramHeaderSize, uint64(dataAlign))
		payload  bytes.Buffer
		phdrs    []elf.ProgramHeader
		sections []elf.SectionHeader
		shstrtab = []byte{0}
	)

	for i, seg := range img.Segments {
		off := dataOff + uint64(payload.Len())
		payload.Write(seg.Data)
		payload.Write(make([]byte, mm.AlignUp(uint64(payload.Len()), uint64(dataAlign))-uint64(payload.Len())))

		memSize := seg.MemSize
		if memSize == 0 {
			memSize = uint64(len(seg.Data))
		}

		phdrs = append(phdrs, elf.ProgramHeader{
			Type:     seg.Type,
			Flags:    seg.Flags,
			Offset:   off,
			VirtAddr: seg.VirtAddr,
			PhysAddr: seg.PhysAddr,
			FileSize: uint64(len(seg.Data)),
			MemSize:  memSize,
			Align:    seg.Align,
		})

		if img.WithSections {
			sections = append(sections, elf.SectionHeader{
				Name:      uint32(len(shstrtab)),
				Type:      elf.SectionProgbits,
				Addr:      seg.VirtAddr,
				Offset:    off,
				Size:      uint64(len(seg.Data)),
				AddrAlign: dataAlign,
			})
			shstrtab = append(shstrtab, []byte(sectionName(i))...)
			shstrtab = append(shstrtab, 0)
		}
	}

	hdr := elf.Header{
		Ident: elf.Ident{
			Magic:   elf.Magic,
			Class:   elf.Class64,
			Data:    elf.DataLSB,
			Version: elf.VersionCurrent,
			OsAbi:   elf.OsAbiSystemV,
		},
		Type:      elf.TypeExecutable,
		Machine:   img.Machine,
		Version:   elf.VersionCurrent,
		Entry:     elf.OptionalAddr(img.Entry),
		EhSize:    elf.HeaderSize,
		PhEntSize: elf.ProgramHeaderSize,
		PhNum:     uint16(len(phdrs)),
	}
	if len(phdrs) != 0 {
		hdr.PhOff = elf.OptionalAddr(phOff)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, &hdr)
	for i := range phdrs {
		binary.Write(&out, binary.LittleEndian, &phdrs[i])
	}
	out.Write(make([]byte, dataOff-uint64(out.Len())))
	out.Write(payload.Bytes())

	if !img.WithSections {
		return out.Bytes()
	}

	nameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab\x00"...)
	strOff := uint64(out.Len())
	out.Write(shstrtab)
	out.Write(make([]byte, mm.AlignUp(uint64(out.Len()), uint64(dataAlign))-uint64(out.Len())))

	sections = append([]elf.SectionHeader{{}}, sections...)
	sections = append(sections, elf.SectionHeader{
		Name:      nameOff,
		Type:      elf.SectionStrtab,
		Offset:    strOff,
		Size:      uint64(len(shstrtab)),
		AddrAlign: 1,
	})

	shOff := uint64(out.Len())
	for i := range sections {
		binary.Write(&out, binary.LittleEndian, &sections[i])
	}

	raw := out.Bytes()
	patch := elf.Header{}
	binary.Read(bytes.NewReader(raw), binary.LittleEndian, &patch)
	patch.ShOff = elf.OptionalAddr(shOff)
	patch.ShEntSize = elf.SectionHeaderSize
	patch.ShNum = uint16(len(sections))
	patch.ShStrNdx = uint16(len(sections) - 1)

	var hdrBuf bytes.Buffer
	binary.Write(&hdrBuf, binary.LittleEndian, &patch)
	copy(raw, hdrBuf.Bytes())

	return raw
}

func sectionName(i int) string {
	return ".seg" + string(rune('0'+i))
}
