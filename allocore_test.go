package allocore

import (
	"testing"
	"unsafe"
)

func TestAllocateDeallocateThroughDefaultHandle(t *testing.T) {
	p := Allocate(128, 8)
	if p == nil {
		t.Fatal("expected non-nil allocation")
	}
	buf := unsafe.Slice((*byte)(p), 128)
	buf[0] = 42
	Deallocate(p, 128)
}

func TestNewAllocatorIsIndependentOfDefault(t *testing.T) {
	a := New(WithDebug(8))
	p := a.Allocate(64, 8)
	if p == nil {
		t.Fatal("expected non-nil allocation")
	}
	a.Deallocate(p, 64)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected double-free panic from a debug-enabled instance")
		}
	}()
	a.Deallocate(p, 64)
}

func TestWithFrameArenaAdvancesOffsetInsideBody(t *testing.T) {
	var firstBase uintptr
	err := WithFrameArena(1<<20, func(fa *FrameArena) error {
		p := fa.Alloc(64, 8)
		if p == nil {
			t.Fatal("expected non-nil arena allocation")
		}
		firstBase = fa.Offset()
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if firstBase == 0 {
		t.Fatal("expected arena to have advanced its offset during body")
	}
}

func TestStatsExposesPerClassOccupancy(t *testing.T) {
	a := New()
	p := a.Allocate(32, 8)
	a.Deallocate(p, 32)
	a.FlushTLS()

	stats := a.Stats()
	if len(stats.Classes) == 0 {
		t.Fatal("expected non-empty class stats")
	}
}
