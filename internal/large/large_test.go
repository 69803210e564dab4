package large

import (
	"testing"
	"unsafe"

	"github.com/embergine/allocore/internal/vm"
)

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	a := New(false)
	p := a.Allocate(8192, 16, nil)
	if p == nil {
		t.Fatal("allocate returned nil")
	}
	if uintptr(p)%16 != 0 {
		t.Fatalf("pointer %#x not aligned to 16", p)
	}

	buf := unsafe.Slice((*byte)(p), 8192)
	for i := range buf {
		buf[i] = byte(i)
	}

	a.Deallocate(p, 8192)
}

func TestAllocateAlignmentSpill(t *testing.T) {
	a := New(false)
	p := a.Allocate(64, 4096, nil)
	if p == nil {
		t.Fatal("allocate returned nil")
	}
	if uintptr(p)%4096 != 0 {
		t.Fatalf("pointer %#x not 4096-aligned", p)
	}
	if !a.MaybeDeallocate(p) {
		t.Fatal("maybeDeallocate should recognize a large-tier pointer")
	}
}

func TestMaybeDeallocateRejectsForeignPointer(t *testing.T) {
	a := New(false)
	var stackVar [64]byte
	if a.MaybeDeallocate(unsafe.Pointer(&stackVar[0])) {
		t.Fatal("maybeDeallocate should not claim a foreign pointer")
	}
}

func TestMaybeDeallocateNearPageBoundaryIsSafe(t *testing.T) {
	a := New(false)
	// A pointer at the very start of a page can't have a valid header
	// before it without reading into a preceding page; MaybeDeallocate must
	// reject this without faulting rather than dereference garbage.
	region, err := vm.Reserve(vm.PageSize(), vm.PageSize())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer region.Release()
	if err := region.Commit(0, vm.PageSize()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	p := unsafe.Pointer(region.Base())
	if a.MaybeDeallocate(p) {
		t.Fatal("maybeDeallocate should not claim a page-boundary pointer with no room for a header")
	}
}

func TestGuardPagesTrap(t *testing.T) {
	a := New(true)
	p := a.Allocate(8192, 16, nil)
	if p == nil {
		t.Fatal("allocate returned nil")
	}
	defer a.Deallocate(p, 8192)

	// Reads within the interior must succeed.
	buf := unsafe.Slice((*byte)(p), 8192)
	_ = buf[0]
	_ = buf[8191]

	// We can't safely execute a faulting read here without crashing the
	// test binary; guard-page enforcement is exercised end-to-end by
	// cmd/allocbench's "guardfault" subcommand run in a subprocess.
}
