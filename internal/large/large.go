// Package large implements the large-object allocator (spec component C3):
// direct VM-backed allocations with alignment support and optional guard
// pages, distinguished from small-tier pointers by a magic-cookie header
// stored immediately before the user pointer.
package large

import (
	"sync"
	"unsafe"

	"github.com/embergine/allocore/internal/vm"
)

// sentinel is the magic cookie written into every live large-allocation
// header. Chosen to be unlikely to occur by chance in ordinary heap data.
const sentinel uint64 = 0xA11A5CADEBADC0DE

type header struct {
	magic      uint64
	vmBase     uintptr
	regionSize uintptr
	userSize   uintptr
	guardPages uint32
	_          uint32 // padding to keep offset 8-byte aligned
	offset     uintptr
}

var headerSize = unsafe.Sizeof(header{})

// Allocator hands out VM-backed allocations for requests too large (or too
// oddly aligned) for the binned allocator.
type Allocator struct {
	guardsByDefault bool

	// regions keeps the *vm.Region behind every live user pointer alive and
	// reachable for release. The on-disk header (below) is the spec-mandated
	// probe surface for maybeDeallocate; this map is what actually lets us
	// hand the exact Region object back to Release, including the
	// platform-native allocation handle Windows needs that the trimmed
	// base/size pair in the header does not carry.
	regions sync.Map // uintptr(userPtr) -> *vm.Region
}

// New creates a large-object allocator. guardsByDefault controls whether
// Allocate installs guard pages when the caller doesn't say otherwise; it
// should be true in debug builds and false in release, per spec section
// 4.3.
func New(guardsByDefault bool) *Allocator {
	return &Allocator{guardsByDefault: guardsByDefault}
}

// Allocate returns a user pointer of at least size bytes aligned to
// alignment (raised to 16 if smaller), or nil on failure. When guards is
// non-nil it overrides the allocator's default guard-page policy.
func (a *Allocator) Allocate(size, alignment uintptr, guards *bool) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if alignment < 16 {
		alignment = 16
	}

	useGuards := a.guardsByDefault
	if guards != nil {
		useGuards = *guards
	}

	pageSize := vm.PageSize()
	var guardBytes uintptr
	if useGuards {
		guardBytes = pageSize
	}

	// over reserves room for the header plus the worst-case slack that
	// alignDown below can eat into while flushing the user region against
	// the trailing guard: up to alignment-1 bytes, regardless of whether
	// alignment is bigger or smaller than a page.
	over := headerSize + alignment - 1
	total := alignUp(size+over+2*guardBytes, pageSize)

	region, err := vm.Reserve(total, alignment)
	if err != nil {
		return nil
	}

	interiorOffset := guardBytes
	interiorSize := total - 2*guardBytes
	if err := region.Commit(interiorOffset, interiorSize); err != nil {
		_ = region.Release()
		return nil
	}
	if useGuards {
		if err := region.Protect(0, guardBytes, vm.NoAccess); err != nil {
			_ = region.Release()
			return nil
		}
		if err := region.Protect(total-guardBytes, guardBytes, vm.NoAccess); err != nil {
			_ = region.Release()
			return nil
		}
	}

	base := region.Base()
	// Flush the user region against the trailing guard rather than the
	// leading one: the overrun this guards against is a write past the end
	// of the allocation. When size is a multiple of alignment, p+size lands
	// exactly on the trailing guard's first byte; otherwise alignDown leaves
	// up to alignment-1 bytes of committed slack between p+size and the
	// guard.
	boundary := base + total - guardBytes
	candidate := alignDown(boundary-size, alignment)
	if candidate < base+guardBytes+headerSize {
		_ = region.Release()
		return nil
	}
	userPtr := unsafe.Pointer(candidate)

	h := (*header)(unsafe.Pointer(candidate - headerSize))
	h.magic = sentinel
	h.vmBase = base
	h.regionSize = total
	h.userSize = size
	if useGuards {
		h.guardPages = 1
	}
	h.offset = candidate - base

	a.regions.Store(uintptr(userPtr), region)

	return userPtr
}

// Deallocate releases the large allocation previously returned by Allocate.
// size is accepted for symmetry with the RawAllocator contract but is not
// required: the header carries the truth. Deallocating a pointer whose
// header magic doesn't match is a no-op (the caller passed a foreign or
// already-freed pointer).
func (a *Allocator) Deallocate(p unsafe.Pointer, size uintptr) {
	if p == nil {
		return
	}
	h := (*header)(unsafe.Pointer(uintptr(p) - headerSize))
	if h.magic != sentinel {
		return
	}
	a.freeHeader(p, h)
}

// MaybeDeallocate is the safe probe used by the small allocator to decide
// whether p belongs to the large tier. It returns false without touching
// memory it isn't sure is safe to read: if p sits close enough to the start
// of its page that the header would lie on the preceding page, the header
// is read only when p is a live pointer recorded by Allocate; any other
// such pointer gets false rather than a fault.
func (a *Allocator) MaybeDeallocate(p unsafe.Pointer) bool {
	if p == nil {
		return false
	}
	pageSize := vm.PageSize()
	if uintptr(p)%pageSize < headerSize {
		// The header would lie on the preceding page, which may be an
		// unmapped guard or another mapping: read it only if p is a live
		// pointer this allocator handed out.
		if _, ok := a.regions.Load(uintptr(p)); !ok {
			return false
		}
	}
	h := (*header)(unsafe.Pointer(uintptr(p) - headerSize))
	if h.magic != sentinel {
		return false
	}
	a.freeHeader(p, h)
	return true
}

func (a *Allocator) freeHeader(p unsafe.Pointer, h *header) {
	h.magic = 0 // best-effort double-free guard: a repeat probe sees a mismatch
	v, ok := a.regions.LoadAndDelete(uintptr(p))
	if !ok {
		return
	}
	region := v.(*vm.Region)
	_ = region.Release()
}

func alignUp(v, a uintptr) uintptr { return (v + a - 1) &^ (a - 1) }

func alignDown(v, a uintptr) uintptr { return v &^ (a - 1) }
