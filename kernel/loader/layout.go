// Package loader places the segments of the kernel ELF image into physical
// memory so that they can be mapped at the kernel's link address.
package loader

import (
	"github.com/AbleOS/sovos/elf"
	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/bootinfo"
	"github.com/AbleOS/sovos/kernel/mm"
)

var (
	// ErrWrongMachine is returned by Plan for images not built for x86-64.
	ErrWrongMachine = &kernel.Error{Module: "loader", Message: "kernel image is not built for x86-64"}

	// ErrNoLoadSegments is returned by Plan for images without Load segments.
	ErrNoLoadSegments = &kernel.Error{Module: "loader", Message: "kernel image has no loadable segments"}

	// ErrLayout is returned when the segments do not fit the text, rodata and
	// data windows.
	ErrLayout = &kernel.Error{Module: "loader", Message: "kernel segments do not form contiguous text, rodata and data windows at the kernel base"}

	// ErrWritableText is returned by Plan for segments that are both writable
	// and executable.
	ErrWritableText = &kernel.Error{Module: "loader", Message: "kernel image contains a writable and executable segment"}

	// ErrNoEntry is returned by Plan for images whose entry point is absent.
	ErrNoEntry = &kernel.Error{Module: "loader", Message: "kernel image has no entry point"}

	// ErrEntryOutsideText is returned by Plan when the entry point is not
	// inside the text window.
	ErrEntryOutsideText = &kernel.Error{Module: "loader", Message: "kernel entry point lies outside the text window"}
)

// WindowKind identifies one of the windows the kernel is mapped through.
type WindowKind uint8

// Kernel windows in mapping order.
const (
	TextWindow WindowKind = iota
	ReadOnlyDataWindow
	DataWindow

	numWindows
)

// String implements fmt.Stringer for WindowKind.
func (k WindowKind) String() string {
	switch k {
	case TextWindow:
		return "text"
	case ReadOnlyDataWindow:
		return "rodata"
	case DataWindow:
		return "data"
	}
	return "unknown"
}

// kindOf classifies a Load segment by its permissions.
func kindOf(perm elf.SegmentFlags) WindowKind {
	switch {
	case perm.Executable():
		return TextWindow
	case perm.Writable():
		return DataWindow
	}
	return ReadOnlyDataWindow
}

// Window is a 2 MiB aligned range of the kernel's virtual address space
// holding all segments of one kind.
type Window struct {
	Start     uint64
	Megapages uint64
}

// Size returns the size of the window in bytes.
func (w Window) Size() uint64 { return w.Megapages * mm.MegapageSize }

// End returns the first virtual address past the window.
func (w Window) End() uint64 { return w.Start + w.Size() }

// Contains returns true if virtAddr lies within the window.
func (w Window) Contains(virtAddr uint64) bool {
	return virtAddr >= w.Start && virtAddr-w.Start < w.Size()
}

// Layout describes where the kernel expects its segments to be mapped.
type Layout struct {
	Entry   uint64
	Windows [numWindows]Window
}

// Window returns the window of the given kind.
func (l *Layout) Window(kind WindowKind) Window { return l.Windows[kind] }

// Megapages returns the total number of megapages of all windows.
func (l *Layout) Megapages() uint64 {
	var total uint64
	for _, w := range l.Windows {
		total += w.Megapages
	}
	return total
}

// span accumulates the virtual range covered by the segments of one kind.
type span struct {
	lo, hi uint64
	used   bool
}

func (s *span) add(seg elf.Segment) {
	if !s.used || seg.VirtAddr < s.lo {
		s.lo = seg.VirtAddr
	}
	if !s.used || seg.End() > s.hi {
		s.hi = seg.End()
	}
	s.used = true
}

// Plan classifies the Load segments of img into text, rodata and data
// windows. The windows must follow each other in this order starting at
// bootinfo.KernelBase, and the entry point must lie inside the text window.
// Empty segments are ignored.
func Plan(img elf.Image) (Layout, *kernel.Error) {
	hdr := img.Header()
	if hdr.Machine != elf.MachineX64 {
		return Layout{}, ErrWrongMachine
	}

	var (
		spans    [numWindows]span
		loadable int
		err      *kernel.Error
	)

	visitErr := img.VisitLoadSegments(func(seg elf.Segment) bool {
		loadable++
		switch {
		case seg.MemSize == 0:
			return true
		case seg.End() < seg.VirtAddr:
			err = ErrLayout
			return false
		case seg.Perm.Executable() && seg.Perm.Writable():
			err = ErrWritableText
			return false
		}

		spans[kindOf(seg.Perm)].add(seg)
		return true
	})

	switch {
	case visitErr != nil:
		return Layout{}, visitErr
	case err != nil:
		return Layout{}, err
	case loadable == 0:
		return Layout{}, ErrNoLoadSegments
	}

	var (
		layout Layout
		cursor = uint64(bootinfo.KernelBase)
	)

	for kind, s := range spans {
		if !s.used {
			continue
		}

		start := mm.AlignDown(s.lo, mm.MegapageSize)
		end := mm.AlignUp(s.hi, mm.MegapageSize)

		// end wraps to zero for windows reaching the top of the address
		// space.
		if start != cursor || (end != 0 && end <= start) {
			return Layout{}, ErrLayout
		}

		layout.Windows[kind] = Window{Start: start, Megapages: (end - start) / mm.MegapageSize}
		cursor = end
	}

	entry, ok := hdr.Entry.Get()
	if !ok {
		return Layout{}, ErrNoEntry
	}

	if !layout.Windows[TextWindow].Contains(entry) {
		return Layout{}, ErrEntryOutsideText
	}

	layout.Entry = entry
	return layout, nil
}
