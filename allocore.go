// Package allocore is the public entry point of the allocator subsystem
// (spec component C7): a process-wide RawAllocator handle backed by the
// binned small-object allocator, plus the frame arena escape hatch for
// scoped bump allocation.
package allocore

import (
	"unsafe"

	"github.com/embergine/allocore/internal/arena"
	"github.com/embergine/allocore/internal/binned"
	"github.com/embergine/allocore/internal/debugalloc"
)

// RawAllocator is the abstract byte allocator contract every buffer type
// in this module is built against. Implementations must treat alignment 0
// as 1 and must return nil, never panic, on transient inability to
// satisfy a request.
type RawAllocator interface {
	Allocate(size, alignment uintptr) unsafe.Pointer
	Deallocate(p unsafe.Pointer, size uintptr)
}

// Option configures the process-wide allocator. It is a direct alias of
// binned.Option: allocore adds no policy of its own on top of the binned
// allocator's configuration surface.
type Option = binned.Option

// WithDebug enables canary poisoning, double-free/UAF detection, leak
// tagging, and a bounded quarantine of the given capacity.
func WithDebug(quarantineCap int) Option { return binned.WithDebug(quarantineCap) }

// WithGuardPagesByDefault sets whether large allocations install guard
// pages when the caller doesn't explicitly say otherwise.
func WithGuardPagesByDefault(v bool) Option { return binned.WithGuardPagesByDefault(v) }

// WithMagazineCapacity overrides the per-class TLS magazine size.
func WithMagazineCapacity(n int) Option { return binned.WithMagazineCapacity(n) }

// Allocator is a concrete RawAllocator: the binned small-object allocator
// with large-object fallback baked in, matching spec section 4.7's
// "process-wide handle exposes the binned allocator as the default."
type Allocator struct {
	small *binned.Allocator
}

// New constructs a standalone allocator. Most callers should use Default
// instead; New exists for tests and for callers that want isolated debug
// instrumentation or class tuning.
func New(opts ...Option) *Allocator {
	return &Allocator{small: binned.New(opts...)}
}

// Allocate satisfies RawAllocator.
func (a *Allocator) Allocate(size, alignment uintptr) unsafe.Pointer {
	return a.small.Allocate(size, alignment)
}

// Deallocate satisfies RawAllocator.
func (a *Allocator) Deallocate(p unsafe.Pointer, size uintptr) {
	a.small.Deallocate(p, size)
}

// FlushTLS drains every thread-local magazine this allocator has handed
// out back to the global free lists.
func (a *Allocator) FlushTLS() { a.small.FlushTLS() }

// Stats snapshots allocator counters and per-class free-list occupancy.
func (a *Allocator) Stats() binned.Stats { return a.small.Stats() }

// DumpLeaks reports allocations tagged but never freed. Empty unless
// WithDebug was used to construct this allocator.
func (a *Allocator) DumpLeaks() []debugalloc.LeakRecord { return a.small.DumpLeaks() }

// SetMemoryPressureHandler installs a callback invoked each time a size
// class fails to grow.
func (a *Allocator) SetMemoryPressureHandler(fn binned.PressureHandler) {
	a.small.SetMemoryPressureHandler(fn)
}

var defaultAllocator = New()

// Default returns the process-wide allocator handle used by package-level
// Allocate/Deallocate.
func Default() *Allocator { return defaultAllocator }

// Allocate delegates to the process-wide default allocator.
func Allocate(size, alignment uintptr) unsafe.Pointer {
	return defaultAllocator.Allocate(size, alignment)
}

// Deallocate delegates to the process-wide default allocator.
func Deallocate(p unsafe.Pointer, size uintptr) {
	defaultAllocator.Deallocate(p, size)
}

// FrameArena re-exports the frame arena escape hatch (spec component C2)
// for callers that need scoped bump allocation instead of the binned
// allocator's individually-freeable bins.
type FrameArena = arena.FrameArena

// WithFrameArena reserves reserveSize bytes, runs body against a fresh
// FrameArena, and resets it before releasing the reservation.
func WithFrameArena(reserveSize uintptr, body func(*FrameArena) error) error {
	return arena.WithFrameArena(reserveSize, body)
}
