package efi

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func encodeMap(stride int, descs ...MemoryDescriptor) []byte {
	var buf bytes.Buffer
	for i := range descs {
		binary.Write(&buf, binary.LittleEndian, &descs[i])
		buf.Write(make([]byte, stride-MemoryDescriptorSize))
	}
	return buf.Bytes()
}

func TestDecodeMemoryMap(t *testing.T) {
	descs := []MemoryDescriptor{
		{Type: ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 0x700, Attribute: MemoryWB},
		{Type: RuntimeServicesData, PhysicalStart: 0x800000, NumberOfPages: 4, Attribute: MemoryWB | MemoryRuntime},
		{Type: BootServicesData, PhysicalStart: 0x900000, NumberOfPages: 16},
	}

	for _, stride := range []int{MemoryDescriptorSize, 48, 64} {
		raw := encodeMap(stride, descs...)
		// trailing partial descriptor
		raw = append(raw, 0xff, 0xff)

		var got []MemoryDescriptor
		if err := DecodeMemoryMap(raw, uintptr(stride), func(d *MemoryDescriptor) bool {
			got = append(got, *d)
			return true
		}); err != nil {
			t.Fatalf("[stride %d] unexpected error: %v", stride, err)
		}

		if diff := cmp.Diff(descs, got, cmp.AllowUnexported(MemoryDescriptor{})); diff != "" {
			t.Errorf("[stride %d] descriptor mismatch (-want +got):\n%s", stride, diff)
		}

		if exp, got := len(descs), CountDescriptors(raw, uintptr(stride)); got != exp {
			t.Errorf("[stride %d] expected %d descriptors; got %d", stride, exp, got)
		}
	}
}

func TestDecodeMemoryMapAbort(t *testing.T) {
	raw := encodeMap(MemoryDescriptorSize,
		MemoryDescriptor{Type: ConventionalMemory},
		MemoryDescriptor{Type: LoaderData},
	)

	var calls int
	DecodeMemoryMap(raw, MemoryDescriptorSize, func(*MemoryDescriptor) bool {
		calls++
		return false
	})

	if calls != 1 {
		t.Fatalf("expected scan to stop after the first descriptor; got %d calls", calls)
	}
}

func TestDecodeMemoryMapBadStride(t *testing.T) {
	if err := DecodeMemoryMap(make([]byte, 64), 32, nil); err != ErrDescriptorSize {
		t.Fatalf("expected error %v; got %v", ErrDescriptorSize, err)
	}

	if got := CountDescriptors(make([]byte, 64), 32); got != 0 {
		t.Fatalf("expected no descriptors for a bad stride; got %d", got)
	}
}

func TestMemoryDescriptor(t *testing.T) {
	specs := []struct {
		desc       MemoryDescriptor
		expUsable  bool
		expRuntime bool
	}{
		{MemoryDescriptor{Type: ConventionalMemory}, true, false},
		{MemoryDescriptor{Type: LoaderCode}, true, false},
		{MemoryDescriptor{Type: BootServicesCode}, true, false},
		{MemoryDescriptor{Type: BootServicesData, Attribute: MemoryRuntime}, false, true},
		{MemoryDescriptor{Type: RuntimeServicesCode}, false, true},
		{MemoryDescriptor{Type: ACPIReclaimMemory}, false, false},
		{MemoryDescriptor{Type: MemoryMappedIO}, false, false},
		{MemoryDescriptor{Type: 0x70000000}, false, false},
	}

	for specIndex, spec := range specs {
		if got := spec.desc.IsUsable(); got != spec.expUsable {
			t.Errorf("[spec %d] expected %s region usable = %t; got %t", specIndex, spec.desc.Type, spec.expUsable, got)
		}
		if got := spec.desc.IsRuntime(); got != spec.expRuntime {
			t.Errorf("[spec %d] expected %s region runtime = %t; got %t", specIndex, spec.desc.Type, spec.expRuntime, got)
		}
	}

	d := MemoryDescriptor{PhysicalStart: 0x200000, NumberOfPages: 512}
	if exp := uint64(0x400000); d.End() != exp {
		t.Fatalf("expected End() to return 0x%x; got 0x%x", exp, d.End())
	}
}
