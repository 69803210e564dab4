//go:build linux || darwin || freebsd

package vm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func queryPageSize() (pageSize, granularity uintptr) {
	ps := uintptr(unix.Getpagesize())
	return ps, ps
}

func reserve(size, alignment uintptr) (*Region, error) {
	gran := AllocationGranularity()
	reserveSize := size
	overAligned := alignment > gran
	if overAligned {
		reserveSize = size + alignment
	}

	b, err := unix.Mmap(-1, 0, int(reserveSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReserveFailed, err)
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	allocBase, allocSize := base, reserveSize

	if overAligned {
		alignedBase := alignUp(base, alignment)
		headSlack := alignedBase - base
		tailSlack := reserveSize - headSlack - size
		if headSlack > 0 {
			_ = unix.Munmap(b[:headSlack])
		}
		if tailSlack > 0 {
			_ = unix.Munmap(b[headSlack+size:])
		}
		base = alignedBase
		allocBase, allocSize = base, size
	}

	return &Region{
		base:      base,
		size:      size,
		allocBase: allocBase,
		allocSize: allocSize,
	}, nil
}

func addrSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func commit(r *Region, offset, size uintptr) error {
	sl := addrSlice(r.base+offset, size)
	return unix.Mprotect(sl, unix.PROT_READ|unix.PROT_WRITE)
}

func decommit(r *Region, offset, size uintptr) {
	sl := addrSlice(r.base+offset, size)
	_ = unix.Mprotect(sl, unix.PROT_NONE)
	// Best-effort: let the OS reclaim the physical pages. Never fatal.
	_ = unix.Madvise(sl, unix.MADV_DONTNEED)
}

func protect(r *Region, offset, size uintptr, prot Protection) error {
	sl := addrSlice(r.base+offset, size)
	var native int
	switch prot {
	case NoAccess:
		native = unix.PROT_NONE
	case ReadOnly:
		native = unix.PROT_READ
	case ReadWrite:
		native = unix.PROT_READ | unix.PROT_WRITE
	default:
		return ErrInvalidParameters
	}
	return unix.Mprotect(sl, native)
}

func release(r *Region) error {
	sl := addrSlice(r.allocBase, r.allocSize)
	if err := unix.Munmap(sl); err != nil {
		return fmt.Errorf("vm: release: %w", err)
	}
	return nil
}
