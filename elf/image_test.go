package elf_test

import (
	"bytes"
	stdelf "debug/elf"
	"encoding/binary"
	"os"
	"runtime"
	"testing"

	"github.com/AbleOS/sovos/elf"
	"github.com/AbleOS/sovos/elf/elftest"
	"github.com/google/go-cmp/cmp"
)

func threeSegmentImage() elftest.Image {
	return elftest.Image{
		Machine: elf.MachineX64,
		Entry:   0xffffffffc0000010,
		Segments: []elftest.Segment{
			{Type: elf.SegmentLoad, Flags: elf.FlagRead | elf.FlagExecute, VirtAddr: 0xffffffffc0000000, PhysAddr: 0x200000, Data: bytes.Repeat([]byte{0x90}, 64), Align: 0x200000},
			{Type: elf.SegmentLoad, Flags: elf.FlagRead, VirtAddr: 0xffffffffc0200000, PhysAddr: 0x400000, Data: []byte("rodata"), Align: 0x200000},
			{Type: elf.SegmentLoad, Flags: elf.FlagRead | elf.FlagWrite, VirtAddr: 0xffffffffc0400000, PhysAddr: 0x600000, Data: []byte{1, 2, 3, 4}, MemSize: 0x1000, Align: 0x200000},
			{Type: 0x6474e551, Flags: elf.FlagRead | elf.FlagWrite},
		},
		WithSections: true,
	}
}

func TestParse(t *testing.T) {
	raw := threeSegmentImage().Build()

	img, err := elf.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	hdr := img.Header()
	if hdr.Machine != elf.MachineX64 || !hdr.Machine.Valid() {
		t.Errorf("expected machine x86-64; got %s", hdr.Machine)
	}

	if entry, ok := hdr.Entry.Get(); !ok || entry != 0xffffffffc0000010 {
		t.Errorf("expected entry 0xffffffffc0000010; got 0x%x (present: %t)", entry, ok)
	}

	if got := img.NumProgramHeaders(); got != 4 {
		t.Errorf("expected 4 program headers; got %d", got)
	}

	var got []elf.Segment
	if err := img.VisitLoadSegments(func(s elf.Segment) bool {
		got = append(got, s)
		return true
	}); err != nil {
		t.Fatal(err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 load segments; got %d", len(got))
	}

	if got[2].FileSize != 4 || got[2].MemSize != 0x1000 || !got[2].Perm.Writable() || got[2].Perm.Executable() {
		t.Errorf("unexpected data segment: %+v", got[2])
	}

	if data := img.SegmentData(got[1]); string(data) != "rodata" {
		t.Errorf("expected rodata segment contents %q; got %q", "rodata", data)
	}

	var sections []elf.SectionType
	if err := img.VisitSectionHeaders(func(_ int, sh *elf.SectionHeader) bool {
		sections = append(sections, sh.Type)
		return true
	}); err != nil {
		t.Fatal(err)
	}

	expSections := []elf.SectionType{elf.SectionNull, elf.SectionProgbits, elf.SectionProgbits, elf.SectionProgbits, elf.SectionProgbits, elf.SectionStrtab}
	if diff := cmp.Diff(expSections, sections); diff != "" {
		t.Errorf("section types mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	valid := threeSegmentImage().Build()

	corrupt := func(fn func([]byte) []byte) []byte {
		raw := append([]byte(nil), valid...)
		return fn(raw)
	}

	specs := []struct {
		descr  string
		raw    []byte
		expErr error
	}{
		{"empty", nil, elf.ErrNotElf},
		{"bad magic", corrupt(func(b []byte) []byte { b[1] = 'e'; return b }), elf.ErrNotElf},
		{"magic only", valid[:4], elf.ErrTruncated},
		{"32-bit class", corrupt(func(b []byte) []byte { b[4] = byte(elf.Class32); return b }), elf.ErrUnsupportedClass},
		{"unknown class", corrupt(func(b []byte) []byte { b[4] = 7; return b }), elf.ErrUnsupportedClass},
		{"big endian", corrupt(func(b []byte) []byte { b[5] = byte(elf.DataMSB); return b }), elf.ErrUnsupportedEncoding},
		{"bad version", corrupt(func(b []byte) []byte { b[6] = 2; return b }), elf.ErrUnsupportedVersion},
		{"bad phentsize", corrupt(func(b []byte) []byte { binary.LittleEndian.PutUint16(b[54:], 32); return b }), elf.ErrBadProgramHeaderSize},
		{"truncated program headers", valid[:elf.HeaderSize+elf.ProgramHeaderSize], elf.ErrTruncated},
		{"absent phoff", corrupt(func(b []byte) []byte { binary.LittleEndian.PutUint64(b[32:], 0); return b }), elf.ErrTruncated},
		{"overflowing phoff", corrupt(func(b []byte) []byte { binary.LittleEndian.PutUint64(b[32:], ^uint64(0)-8); return b }), elf.ErrTruncated},
	}

	for specIndex, spec := range specs {
		if _, err := elf.Parse(spec.raw); err != spec.expErr {
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.descr, spec.expErr, err)
		}
	}
}

func TestParseUnknownMachine(t *testing.T) {
	img := threeSegmentImage()
	img.Machine = 0x1234

	parsed, err := elf.Parse(img.Build())
	if err != nil {
		t.Fatalf("expected unknown machine to be accepted; got %v", err)
	}

	if m := parsed.Header().Machine; m.Valid() || m.String() != "unknown" {
		t.Fatalf("expected machine 0x%x to be reported as unrecognized; got %s", uint16(m), m)
	}
}

func TestLoadSegmentErrors(t *testing.T) {
	specs := []struct {
		descr  string
		patch  func(*elftest.Segment)
		expErr error
	}{
		{"filesz > memsz", func(s *elftest.Segment) { s.MemSize = 1 }, elf.ErrSegmentFileSize},
	}

	for specIndex, spec := range specs {
		img := threeSegmentImage()
		spec.patch(&img.Segments[1])

		parsed, err := elf.Parse(img.Build())
		if err != nil {
			t.Fatal(err)
		}

		var visited int
		err = parsed.VisitLoadSegments(func(elf.Segment) bool {
			visited++
			return true
		})

		if err != spec.expErr {
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.descr, spec.expErr, err)
		}

		if visited != 1 {
			t.Errorf("[spec %d] %s: expected visitor to see only the preceding segment; got %d calls", specIndex, spec.descr, visited)
		}
	}

	// Point the second segment's file contents past the end of the image.
	raw := threeSegmentImage().Build()
	binary.LittleEndian.PutUint64(raw[elf.HeaderSize+elf.ProgramHeaderSize+8:], uint64(len(raw)))

	parsed, err := elf.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	if err := parsed.VisitLoadSegments(func(elf.Segment) bool { return true }); err != elf.ErrSegmentOutOfBounds {
		t.Fatalf("expected error %v; got %v", elf.ErrSegmentOutOfBounds, err)
	}
}

// crossCheck compares the load segments reported by Parse against the ones
// reported by debug/elf.
func crossCheck(t *testing.T, raw []byte) {
	ref, refErr := stdelf.NewFile(bytes.NewReader(raw))
	if refErr != nil {
		t.Fatal(refErr)
	}

	img, err := elf.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := uint64(ref.Entry), uint64(img.Header().Entry); got != exp {
		t.Errorf("expected entry 0x%x; got 0x%x", exp, got)
	}

	if exp, got := uint16(ref.Machine), uint16(img.Header().Machine); got != exp {
		t.Errorf("expected machine %d; got %d", exp, got)
	}

	var exp, got []elf.Segment
	for i, prog := range ref.Progs {
		if prog.Type != stdelf.PT_LOAD {
			continue
		}
		exp = append(exp, elf.Segment{
			Index:    i,
			Offset:   prog.Off,
			VirtAddr: prog.Vaddr,
			PhysAddr: prog.Paddr,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			Align:    prog.Align,
			Perm:     elf.SegmentFlags(prog.Flags),
		})
	}

	if err := img.VisitLoadSegments(func(s elf.Segment) bool {
		got = append(got, s)
		return true
	}); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(exp, got); diff != "" {
		t.Errorf("load segments mismatch (-debug/elf +elf):\n%s", diff)
	}

	img.VisitProgramHeaders(func(i int, ph *elf.ProgramHeader) bool {
		if exp := uint32(ref.Progs[i].Type); uint32(ph.Type) != exp {
			t.Errorf("program header %d: expected type 0x%x; got 0x%x", i, exp, uint32(ph.Type))
		}
		return true
	})
}

func TestCrossCheckSynthetic(t *testing.T) {
	crossCheck(t, threeSegmentImage().Build())
}

func TestCrossCheckTestBinary(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not an ELF image on this platform")
	}

	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}

	raw, err := os.ReadFile(exe)
	if err != nil {
		t.Skip(err)
	}

	crossCheck(t, raw)
}
