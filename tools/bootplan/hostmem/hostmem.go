// Package hostmem emulates a machine's physical memory with an anonymous
// host mapping. Physical address p is backed by byte p of the mapping, so
// page-aligned physical addresses are page-aligned host addresses too.
package hostmem

import (
	"fmt"

	"github.com/AbleOS/sovos/kernel/mm"
	"golang.org/x/sys/unix"
)

// Memory is a simulated physical address space starting at address zero.
type Memory struct {
	mem []byte
}

// New maps size bytes of zeroed memory. The size is rounded up to a
// multiple of the 2 MiB frame size.
func New(size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("hostmem: empty memory")
	}

	size = mm.AlignUp(size, uint64(mm.MegapageSize))
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mapping %d bytes: %w", size, err)
	}

	return &Memory{mem: mem}, nil
}

// Size returns the amount of simulated physical memory.
func (m *Memory) Size() uint64 { return uint64(len(m.mem)) }

// Contains reports whether [addr, addr+size) lies inside the memory.
func (m *Memory) Contains(addr, size uint64) bool {
	return addr <= m.Size() && size <= m.Size()-addr
}

// View returns the bytes backing [addr, addr+size). It has the signature of
// pmm.ViewFn and panics if the range is not backed, like an access to
// missing memory would fault on hardware.
func (m *Memory) View(addr, size uint64) []byte {
	if !m.Contains(addr, size) {
		panic(fmt.Sprintf("hostmem: access to [0x%x, 0x%x) outside of %d bytes of memory", addr, addr+size, m.Size()))
	}
	return m.mem[addr : addr+size : addr+size]
}

// From returns the memory from addr to the end. It is used to place
// structures that compute their own extent.
func (m *Memory) From(addr uint64) []byte {
	return m.View(addr, m.Size()-addr)
}

// Write copies data to physical address addr.
func (m *Memory) Write(addr uint64, data []byte) error {
	if !m.Contains(addr, uint64(len(data))) {
		return fmt.Errorf("hostmem: %d bytes at 0x%x do not fit in %d bytes of memory", len(data), addr, m.Size())
	}
	copy(m.mem[addr:], data)
	return nil
}

// Close releases the host mapping. The memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
