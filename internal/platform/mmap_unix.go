//go:build linux || darwin

package platform

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uint64(unix.Getpagesize())

// reserve maps size bytes of inaccessible, unbacked address space whose start
// is a multiple of align.
func reserve(size, align uint64) (unsafe.Pointer, error) {
	if align <= pageSize {
		return unix.MmapPtr(-1, 0, nil, uintptr(size), unix.PROT_NONE, reserveFlags)
	}

	// Over-reserve, then give back the misaligned head and the unused tail.
	p, err := unix.MmapPtr(-1, 0, nil, uintptr(size+align), unix.PROT_NONE, reserveFlags)
	if err != nil {
		return nil, err
	}
	start := uint64(uintptr(p))
	aligned := AlignUp(start, align)
	if head := aligned - start; head > 0 {
		if err = unix.MunmapPtr(p, uintptr(head)); err != nil {
			_ = unix.MunmapPtr(p, uintptr(size+align))
			return nil, err
		}
	}
	base := unsafe.Add(p, aligned-start)
	if tail := start + size + align - (aligned + size); tail > 0 {
		if err = unix.MunmapPtr(unsafe.Add(base, size), uintptr(tail)); err != nil {
			_ = unix.MunmapPtr(base, uintptr(size))
			return nil, err
		}
	}
	return base, nil
}

func commit(p unsafe.Pointer, n uint64) error {
	return unix.Mprotect(unsafe.Slice((*byte)(p), n), unix.PROT_READ|unix.PROT_WRITE)
}

// decommit drops the physical pages before revoking access, so the range
// stops counting against resident memory.
func decommit(p unsafe.Pointer, n uint64) error {
	b := unsafe.Slice((*byte)(p), n)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

func release(p unsafe.Pointer, n uint64) error {
	return unix.MunmapPtr(p, uintptr(n))
}
