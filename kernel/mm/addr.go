package mm

import "unsafe"

// PhysAddr is the physical address of a value of type T. The type parameter
// only exists to keep addresses of different things (and virtual addresses,
// which are plain uintptr values) from being mixed up; it carries no
// ownership.
type PhysAddr[T any] uint64

// Null returns the zero physical address for T.
func Null[T any]() PhysAddr[T] { return 0 }

// Cast reinterprets a physical address as pointing to a value of type U.
func Cast[U, T any](addr PhysAddr[T]) PhysAddr[U] { return PhysAddr[U](addr) }

// AddrOf returns the physical address of the value p points to. The caller
// must ensure that p lives in identity-mapped memory.
func AddrOf[T any](p *T) PhysAddr[T] {
	return PhysAddr[T](uintptr(unsafe.Pointer(p)))
}

// Uint64 returns the raw address.
func (a PhysAddr[T]) Uint64() uint64 { return uint64(a) }

// IsNull returns true if a is the zero address.
func (a PhysAddr[T]) IsNull() bool { return a == 0 }

// Add returns a advanced by off bytes.
func (a PhysAddr[T]) Add(off uint64) PhysAddr[T] { return a + PhysAddr[T](off) }

// Index returns the address of the i-th element of type T starting at a.
func (a PhysAddr[T]) Index(i uint64) PhysAddr[T] {
	return a + PhysAddr[T](i*SizeOf[T]())
}

// IsAligned returns true if a is a multiple of align which must be a power
// of 2.
func (a PhysAddr[T]) IsAligned(align uint64) bool {
	return IsAligned(uint64(a), align)
}

// Pointer returns a pointer to the value at a. The caller must ensure that
// a is identity-mapped by the active page tables.
func (a PhysAddr[T]) Pointer() *T {
	return (*T)(unsafe.Pointer(uintptr(a)))
}

// Sizer is implemented by zero-size tag types that stand for a larger unit
// of physical memory. The method must not dereference its receiver as it
// is invoked on a nil pointer.
type Sizer interface {
	Size() uint64
}

// SizeOf returns the number of bytes occupied by one T. If *T implements
// Sizer its reported size is used instead of the in-memory size.
func SizeOf[T any]() uint64 {
	if s, ok := any((*T)(nil)).(Sizer); ok {
		return s.Size()
	}
	return uint64(unsafe.Sizeof(*(*T)(nil)))
}

// Megapage tags physical memory as a run of 2 MiB large-page frames.
type Megapage struct{}

// Size returns MegapageSize.
func (*Megapage) Size() uint64 { return MegapageSize }

// Page tags physical memory as a run of 4 KiB page frames.
type Page struct{}

// Size returns PageSize.
func (*Page) Size() uint64 { return PageSize }

// PhysSlice describes Len contiguous values of type T starting at Addr.
type PhysSlice[T any] struct {
	Addr PhysAddr[T]
	Len  uint64
}

// NewPhysSlice returns a PhysSlice of n elements starting at addr.
func NewPhysSlice[T any](addr PhysAddr[T], n uint64) PhysSlice[T] {
	return PhysSlice[T]{Addr: addr, Len: n}
}

// Size returns the size of the slice in bytes.
func (s PhysSlice[T]) Size() uint64 { return s.Len * SizeOf[T]() }

// End returns the first address past the end of the slice.
func (s PhysSlice[T]) End() PhysAddr[T] { return s.Addr.Add(s.Size()) }

// IsEmpty returns true if the slice has no elements.
func (s PhysSlice[T]) IsEmpty() bool { return s.Len == 0 }

// At returns the address of the i-th element.
func (s PhysSlice[T]) At(i uint64) PhysAddr[T] { return s.Addr.Index(i) }

// Contains returns true if the byte at addr lies within the slice.
func (s PhysSlice[T]) Contains(addr uint64) bool {
	return addr >= s.Addr.Uint64() && addr < s.End().Uint64()
}

// Overlaps returns true if the byte ranges covered by s and [start, end)
// intersect.
func (s PhysSlice[T]) Overlaps(start, end uint64) bool {
	return !s.IsEmpty() && start < s.End().Uint64() && s.Addr.Uint64() < end
}

// Bytes overlays a byte slice on the memory described by s. The caller must
// ensure that the range is identity-mapped.
func (s PhysSlice[T]) Bytes() []byte {
	if s.IsEmpty() {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(s.Addr))), s.Size())
}
