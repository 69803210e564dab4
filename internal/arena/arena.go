// Package arena implements the monotonic/frame arena (spec component C2):
// a bump-pointer allocator over a single VM region that commits pages on
// demand and resets in one shot at frame boundaries.
package arena

import (
	"sync"
	"unsafe"

	"github.com/embergine/allocore/internal/vm"
)

// CommitCounter receives notifications when an arena commits or decommits
// pages, so the debug layer's commit/decommit totals (spec section 4.6)
// cover arena activity as well as binned-allocator growth, without arena
// depending on the debugalloc package directly. *debugalloc.Layer already
// satisfies this interface.
type CommitCounter interface {
	IncCommit()
	IncDecommit()
}

// Option configures an Arena at construction time.
type Option func(*Arena)

// WithCommitCounter attaches a counter that Alloc and Reset notify on every
// commit and decommit, respectively.
func WithCommitCounter(c CommitCounter) Option {
	return func(a *Arena) { a.counters = c }
}

// Arena is a single reserved region used as a bump buffer. It never frees
// individual allocations; callers must not retain pointers past Reset.
type Arena struct {
	mu sync.Mutex

	region    *vm.Region
	committed uintptr
	offset    uintptr
	pageSize  uintptr
	counters  CommitCounter // nil unless WithCommitCounter is passed
}

// New reserves reserveSize bytes of address space for the arena. Nothing is
// committed until the first Alloc.
func New(reserveSize uintptr, opts ...Option) (*Arena, error) {
	region, err := vm.Reserve(reserveSize, vm.PageSize())
	if err != nil {
		return nil, err
	}
	a := &Arena{region: region, pageSize: vm.PageSize()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func alignUp(v, a uintptr) uintptr { return (v + a - 1) &^ (a - 1) }

// Alloc bump-allocates size bytes aligned to align, committing pages as
// needed. Returns nil (never panics) if the arena's reservation is
// exhausted or the commit fails.
func (a *Arena) Alloc(size, align uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if align == 0 {
		align = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	alignedOffset := alignUp(a.offset, align)
	end := alignedOffset + size
	if end > a.region.Size() {
		return nil
	}
	if end > a.committed {
		newCommitted := alignUp(end, a.pageSize)
		if newCommitted > a.region.Size() {
			newCommitted = a.region.Size()
		}
		if err := a.region.Commit(a.committed, newCommitted-a.committed); err != nil {
			return nil
		}
		if a.counters != nil {
			a.counters.IncCommit()
		}
		a.committed = newCommitted
	}

	a.offset = end
	return unsafe.Pointer(a.region.Base() + alignedOffset)
}

// Reset decommits everything allocated so far and rewinds the bump pointer
// to the start of the region. The OS may reclaim the RSS backing the
// decommitted range immediately.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.committed > 0 {
		a.region.Decommit(0, a.committed)
		if a.counters != nil {
			a.counters.IncDecommit()
		}
	}
	a.offset, a.committed = 0, 0
}

// Release tears down the arena's VM reservation entirely. The arena must
// not be used afterward.
func (a *Arena) Release() error {
	return a.region.Release()
}

// Offset reports the current bump-pointer offset, mainly for tests and
// diagnostics.
func (a *Arena) Offset() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

// Base returns the arena's underlying region base address.
func (a *Arena) Base() uintptr { return a.region.Base() }

// FrameArena is a thin wrapper communicating that an Arena's lifetime is
// scoped to a single frame; EndFrame is spelled Reset.
type FrameArena struct {
	*Arena
}

// EndFrame resets the underlying arena, invalidating every pointer handed
// out during the frame.
func (f *FrameArena) EndFrame() { f.Reset() }

// WithFrameArena reserves a frame arena of reserveSize bytes, runs body,
// and resets the arena before releasing its VM reservation, regardless of
// whether body returns an error.
func WithFrameArena(reserveSize uintptr, body func(*FrameArena) error, opts ...Option) error {
	a, err := New(reserveSize, opts...)
	if err != nil {
		return err
	}
	fa := &FrameArena{a}
	defer func() {
		fa.EndFrame()
		_ = a.Release()
	}()
	return body(fa)
}
