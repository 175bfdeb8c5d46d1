//go:build !(linux || darwin)

package platform

import (
	"os"
	"unsafe"
)

var pageSize = uint64(os.Getpagesize())

func reserve(size, align uint64) (unsafe.Pointer, error) {
	return nil, errUnsupported
}

func commit(p unsafe.Pointer, n uint64) error {
	return errUnsupported
}

func decommit(p unsafe.Pointer, n uint64) error {
	return errUnsupported
}

func release(p unsafe.Pointer, n uint64) error {
	return errUnsupported
}
