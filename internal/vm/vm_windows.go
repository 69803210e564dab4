//go:build windows

package vm

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func queryPageSize() (pageSize, granularity uintptr) {
	var info windows.SystemInfo
	windows.GetSystemInfo(&info)
	return uintptr(info.PageSize), uintptr(info.AllocationGranularity)
}

func reserve(size, alignment uintptr) (*Region, error) {
	gran := AllocationGranularity()
	reserveSize := size
	overAligned := alignment > gran
	if overAligned {
		reserveSize = size + alignment
	}

	addr, err := windows.VirtualAlloc(0, reserveSize, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReserveFailed, err)
	}

	base := addr
	if overAligned {
		// Windows cannot release a partial VirtualAlloc region, so unlike
		// the POSIX path we keep the entire over-reservation alive and only
		// move the usable base upward. This wastes up to alignment-1 bytes
		// of address space per aligned large/arena reservation, which is
		// the same trade-off mimalloc and tcmalloc make on this platform.
		base = alignUp(addr, alignment)
	}

	return &Region{
		base:      base,
		size:      size,
		allocBase: addr,
		allocSize: reserveSize,
	}, nil
}

func commit(r *Region, offset, size uintptr) error {
	addr := r.base + offset
	_, err := windows.VirtualAlloc(addr, size, windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return err
	}
	return nil
}

func decommit(r *Region, offset, size uintptr) {
	addr := r.base + offset
	_ = windows.VirtualFree(addr, size, windows.MEM_DECOMMIT)
}

func protect(r *Region, offset, size uintptr, prot Protection) error {
	addr := r.base + offset
	var native uint32
	switch prot {
	case NoAccess:
		native = windows.PAGE_NOACCESS
	case ReadOnly:
		native = windows.PAGE_READONLY
	case ReadWrite:
		native = windows.PAGE_READWRITE
	default:
		return ErrInvalidParameters
	}
	var old uint32
	return windows.VirtualProtect(addr, size, native, &old)
}

func release(r *Region) error {
	if err := windows.VirtualFree(r.allocBase, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("vm: release: %w", err)
	}
	return nil
}
