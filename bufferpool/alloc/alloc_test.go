package alloc

import "testing"

func TestNormalAllocateDeallocate(t *testing.T) {
	n := NewNormal()
	if n.Name() != "normal" {
		t.Fatalf("Name() = %q, want normal", n.Name())
	}

	virt, _, err := n.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(virt) != 100 {
		t.Fatalf("len(virt) = %d, want 100", len(virt))
	}
	for i, b := range virt {
		if b != 0 {
			t.Fatalf("byte %d = %d, want zeroed memory", i, b)
		}
	}
	virt[0] = 0xFF
	virt[99] = 0xFF

	n.Deallocate(virt)
}

func TestNormalAllocateRejectsNonPositiveSize(t *testing.T) {
	n := NewNormal()
	if _, _, err := n.Allocate(0); err == nil {
		t.Fatal("expected error for zero size")
	}
	if _, _, err := n.Allocate(-1); err == nil {
		t.Fatal("expected error for negative size")
	}
}

func TestNormalExportShareableUnsupported(t *testing.T) {
	n := NewNormal()
	virt, _, err := n.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer n.Deallocate(virt)

	if _, err := n.ExportShareable(virt); err != ErrUnsupported {
		t.Fatalf("ExportShareable error = %v, want ErrUnsupported", err)
	}
}

func TestRoundUpToPage(t *testing.T) {
	cases := map[int]int{
		1:    pageSize,
		4096: pageSize,
		4097: pageSize * 2,
		0:    0,
	}
	for size, want := range cases {
		if got := roundUpToPage(size); got != want {
			t.Errorf("roundUpToPage(%d) = %d, want %d", size, got, want)
		}
	}
}

func TestExternalAllocatorRejectsAllocate(t *testing.T) {
	e := NewExternal()
	if e.Name() != "external" {
		t.Fatalf("Name() = %q, want external", e.Name())
	}
	if _, _, err := e.Allocate(16); err != ErrExternalAllocate {
		t.Fatalf("Allocate error = %v, want ErrExternalAllocate", err)
	}
	// Deallocate and ExportShareable must tolerate any input without panicking.
	e.Deallocate(make([]byte, 16))
	e.Deallocate(nil)
	if _, err := e.ExportShareable(make([]byte, 16)); err != ErrUnsupported {
		t.Fatalf("ExportShareable error = %v, want ErrUnsupported", err)
	}
}
