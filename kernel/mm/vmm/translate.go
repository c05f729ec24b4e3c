package vmm

import (
	"unsafe"

	"github.com/AbleOS/sovos/kernel"
	"github.com/AbleOS/sovos/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrNonCanonical is returned for virtual addresses that the MMU cannot
	// translate at all.
	ErrNonCanonical = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}
)

// Resolver returns a pointer through which the page table stored at the
// given physical address can be accessed.
type Resolver func(physAddr uint64) unsafe.Pointer

// IdentityResolver accesses tables directly at their physical address. It
// can only be used while the tables are identity-mapped.
func IdentityResolver(physAddr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(physAddr))
}

// Mapping describes the translation of a virtual address.
type Mapping struct {
	// Phys is the physical address that the virtual address translates to.
	Phys uint64

	// PageSize is the size of the page containing the address.
	PageSize uint64

	// Effective permissions, combining the flags of every level.
	Writable   bool
	Executable bool
	User       bool
	Global     bool
}

// access accumulates effective permissions while walking down the levels.
type access struct {
	writable, noExec, user bool
}

func (a *access) add(raw uint64) {
	a.writable = a.writable && raw&flagWritable != 0
	a.user = a.user && raw&flagUserAccessible != 0
	a.noExec = a.noExec || raw&flagNoExecute != 0
}

func (a access) mapping(phys, pageSize uint64, global bool) Mapping {
	return Mapping{
		Phys:       phys,
		PageSize:   pageSize,
		Writable:   a.writable,
		Executable: !a.noExec,
		User:       a.user,
		Global:     global,
	}
}

// Translate walks the hierarchy rooted at root and returns the mapping for
// virtAddr. Tables below the root are accessed through resolve; if resolve
// is nil, IdentityResolver is used.
func Translate(root *PML4Table, virtAddr uintptr, resolve Resolver) (Mapping, *kernel.Error) {
	if !Canonical(virtAddr) {
		return Mapping{}, ErrNonCanonical
	}

	if resolve == nil {
		resolve = IdentityResolver
	}

	acc := access{writable: true, user: true}

	pml4e := root[Index(LevelPML4, virtAddr)]
	if !pml4e.Present() {
		return Mapping{}, ErrInvalidMapping
	}
	acc.add(pml4e.Uint64())

	pdpe := (*PDPTable)(resolve(pml4e.Address().Uint64()))[Index(LevelPDP, virtAddr)]
	if !pdpe.Present() {
		return Mapping{}, ErrInvalidMapping
	}
	acc.add(pdpe.Uint64())

	if pdpe.IsHuge() {
		offset := uint64(virtAddr) & (mm.Gb - 1)
		return acc.mapping((pdpe.Uint64()&gigapageAddrMask)+offset, mm.Gb, pdpe.Uint64()&flagGlobal != 0), nil
	}

	pde := (*PDTable)(resolve(pdpe.Address().Uint64()))[Index(LevelPD, virtAddr)]
	if !pde.Present() {
		return Mapping{}, ErrInvalidMapping
	}
	acc.add(pde.Uint64())

	if pde.IsLarge() {
		offset := uint64(virtAddr) & (mm.MegapageSize - 1)
		return acc.mapping(pde.FrameAddress().Uint64()+offset, mm.MegapageSize, pde.HasFlags(PDGlobal)), nil
	}

	pte := (*PTTable)(resolve(pde.Address().Uint64()))[Index(LevelPT, virtAddr)]
	if !pte.Present() {
		return Mapping{}, ErrInvalidMapping
	}
	acc.add(pte.Uint64())

	return acc.mapping(pte.Address().Uint64()+uint64(PageOffset(virtAddr)), mm.PageSize, pte.HasFlags(PTGlobal)), nil
}

// VisitFn is invoked by Visit for each leaf mapping. Returning false stops
// the walk.
type VisitFn func(virtAddr uintptr, m Mapping) bool

// Visit walks the hierarchy rooted at root in ascending virtual address
// order and invokes fn for every present leaf entry. Tables reachable
// through more than one path are visited once per path.
func Visit(root *PML4Table, resolve Resolver, fn VisitFn) {
	if resolve == nil {
		resolve = IdentityResolver
	}

	rootAcc := access{writable: true, user: true}

	for i4, pml4e := range root {
		if !pml4e.Present() {
			continue
		}
		acc4 := rootAcc
		acc4.add(pml4e.Uint64())

		pdp := (*PDPTable)(resolve(pml4e.Address().Uint64()))
		for i3, pdpe := range pdp {
			if !pdpe.Present() {
				continue
			}
			acc3 := acc4
			acc3.add(pdpe.Uint64())

			if pdpe.IsHuge() {
				m := acc3.mapping(pdpe.Uint64()&gigapageAddrMask, mm.Gb, pdpe.Uint64()&flagGlobal != 0)
				if !fn(VirtAddr(i4, i3, 0, 0, 0), m) {
					return
				}
				continue
			}

			pd := (*PDTable)(resolve(pdpe.Address().Uint64()))
			for i2, pde := range pd {
				if !pde.Present() {
					continue
				}
				acc2 := acc3
				acc2.add(pde.Uint64())

				if pde.IsLarge() {
					m := acc2.mapping(pde.FrameAddress().Uint64(), mm.MegapageSize, pde.HasFlags(PDGlobal))
					if !fn(VirtAddr(i4, i3, i2, 0, 0), m) {
						return
					}
					continue
				}

				pt := (*PTTable)(resolve(pde.Address().Uint64()))
				for i1, pte := range pt {
					if !pte.Present() {
						continue
					}
					acc1 := acc2
					acc1.add(pte.Uint64())

					if !fn(VirtAddr(i4, i3, i2, i1, 0), acc1.mapping(pte.Address().Uint64(), mm.PageSize, pte.HasFlags(PTGlobal))) {
						return
					}
				}
			}
		}
	}
}
