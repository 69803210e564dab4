package vm

import (
	"testing"
	"unsafe"
)

func TestPageSizeIsPowerOfTwo(t *testing.T) {
	ps := PageSize()
	if ps == 0 || ps&(ps-1) != 0 {
		t.Fatalf("page size %d is not a power of two", ps)
	}
	if AllocationGranularity() < ps {
		t.Fatalf("allocation granularity %d smaller than page size %d", AllocationGranularity(), ps)
	}
}

func TestReserveCommitRoundTrip(t *testing.T) {
	r, err := Reserve(64*1024, PageSize())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer r.Release()

	if r.Base()%PageSize() != 0 {
		t.Fatalf("base %#x is not page-aligned", r.Base())
	}

	if err := r.Commit(0, 4096); err != nil {
		t.Fatalf("commit: %v", err)
	}

	p := unsafe.Pointer(r.Base())
	buf := unsafe.Slice((*byte)(p), 4096)
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("data mismatch at %d", i)
		}
	}
}

func TestReserveAlignment(t *testing.T) {
	const alignment = 1 << 20 // 1MiB, larger than typical granularity
	r, err := Reserve(64*1024, alignment)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer r.Release()

	if r.Base()%alignment != 0 {
		t.Fatalf("base %#x is not aligned to %#x", r.Base(), alignment)
	}
}

func TestDecommitOutOfBoundsIsSilent(t *testing.T) {
	r, err := Reserve(4096, PageSize())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	defer r.Release()

	r.Decommit(1<<30, 4096) // must not panic or error
}

func TestReleaseIdempotent(t *testing.T) {
	r, err := Reserve(4096, PageSize())
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := r.Release(); err != nil {
		t.Fatalf("second release should be a no-op, got: %v", err)
	}
}

func TestInvalidReserveParameters(t *testing.T) {
	if _, err := Reserve(0, PageSize()); err != ErrInvalidParameters {
		t.Fatalf("expected ErrInvalidParameters for zero size, got %v", err)
	}
	if _, err := Reserve(4096, 3); err != ErrInvalidParameters {
		t.Fatalf("expected ErrInvalidParameters for non-power-of-two alignment, got %v", err)
	}
}
