package loader

import (
	"unsafe"

	"github.com/AbleOS/sovos/elf"
	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/kfmt"
	"github.com/AbleOS/sovos/kernel/mm"
)

// MegapageAllocator provides the physical memory that the kernel windows are
// loaded into.
type MegapageAllocator interface {
	// AllocMegapages reserves count contiguous 2 MiB frames.
	AllocMegapages(count uint64) (mm.PhysSlice[mm.Megapage], *kernel.Error)

	// Bytes returns a writable view of frames previously returned by
	// AllocMegapages.
	Bytes(frames mm.PhysSlice[mm.Megapage]) []byte
}

// Kernel describes a kernel image that has been placed in physical memory.
type Kernel struct {
	Entry  uint64
	Frames [numWindows]mm.PhysSlice[mm.Megapage]
}

// Text returns the frames backing the text window.
func (k *Kernel) Text() mm.PhysSlice[mm.Megapage] { return k.Frames[TextWindow] }

// ReadOnlyData returns the frames backing the rodata window.
func (k *Kernel) ReadOnlyData() mm.PhysSlice[mm.Megapage] { return k.Frames[ReadOnlyDataWindow] }

// Data returns the frames backing the data window.
func (k *Kernel) Data() mm.PhysSlice[mm.Megapage] { return k.Frames[DataWindow] }

// Load allocates the frames for each window of layout, clears them and
// copies the file contents of every Load segment of img to its offset in
// the window. The part of a segment's memory image that is not backed by
// the file thus reads as zero.
func Load(img elf.Image, layout Layout, alloc MegapageAllocator) (Kernel, *kernel.Error) {
	k := Kernel{Entry: layout.Entry}

	for kind, w := range layout.Windows {
		if w.Megapages == 0 {
			continue
		}

		frames, err := alloc.AllocMegapages(w.Megapages)
		if err != nil {
			return Kernel{}, err
		}

		clear(alloc.Bytes(frames))
		k.Frames[kind] = frames

		kfmt.Printf("[loader] %s window: 0x%16x -> 0x%16x (%d megapages)\n",
			WindowKind(kind).String(), w.Start, frames.Addr.Uint64(), w.Megapages)
	}

	var err *kernel.Error
	visitErr := img.VisitLoadSegments(func(seg elf.Segment) bool {
		if seg.FileSize == 0 {
			return true
		}

		kind := kindOf(seg.Perm)
		w := layout.Windows[kind]
		if !w.Contains(seg.VirtAddr) || seg.End()-w.Start > w.Size() {
			err = ErrLayout
			return false
		}

		off := seg.VirtAddr - w.Start
		dst, src := alloc.Bytes(k.Frames[kind])[off:off+seg.FileSize], img.SegmentData(seg)
		mm.Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), uintptr(seg.FileSize))
		return true
	})

	switch {
	case visitErr != nil:
		return Kernel{}, visitErr
	case err != nil:
		return Kernel{}, err
	}

	return k, nil
}
