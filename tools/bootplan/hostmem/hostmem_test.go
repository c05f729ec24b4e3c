package hostmem

import (
	"testing"
	"unsafe"

	"github.com/AbleOS/sovos/kernel/mm"
)

func TestMemory(t *testing.T) {
	m, err := New(3 * mm.Mb)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if exp, got := uint64(4*mm.Mb), m.Size(); got != exp {
		t.Fatalf("expected size to be rounded up to %d; got %d", exp, got)
	}

	if addr := uintptr(unsafe.Pointer(&m.View(0, 1)[0])); addr%mm.PageSize != 0 {
		t.Fatalf("expected the backing memory to be page-aligned; got 0x%x", addr)
	}

	if err := m.Write(0x1000, []byte("sovos")); err != nil {
		t.Fatal(err)
	}
	if got := string(m.View(0x1000, 5)); got != "sovos" {
		t.Fatalf("expected to read back the written data; got %q", got)
	}
	if got := len(m.From(0x3ff000)); got != 0x1000 {
		t.Fatalf("expected From to extend to the end of memory; got %d bytes", got)
	}

	specs := []struct {
		addr, size uint64
		exp        bool
	}{
		{0, 4 * mm.Mb, true},
		{4 * mm.Mb, 0, true},
		{4*mm.Mb - 1, 2, false},
		{^uint64(0), 2, false},
	}
	for specIndex, spec := range specs {
		if got := m.Contains(spec.addr, spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(0x%x, %d) to be %t", specIndex, spec.addr, spec.size, spec.exp)
		}
	}

	if err := m.Write(4*mm.Mb-2, []byte("abc")); err == nil {
		t.Error("expected an error writing past the end of memory")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected a view outside of memory to panic")
			}
		}()
		m.View(4*mm.Mb, 1)
	}()

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("expected a second Close to be a no-op; got %v", err)
	}
}

func TestNewEmpty(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected an error for empty memory")
	}
}
