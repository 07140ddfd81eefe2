//go:build unix

package secret

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocate maps anonymous memory and locks it. When mmap or mlock are not
// permitted (RLIMIT_MEMLOCK, containers) it falls back to the heap.
func allocate(size int) ([]byte, func([]byte) error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return heapAllocate(size)
	}

	if err := unix.Mlock(data); err != nil {
		_ = unix.Munmap(data)
		return heapAllocate(size)
	}
	excludeFromCoreDump(data)

	return data, func(p []byte) error {
		var firstErr error
		if err := unix.Munlock(p); err != nil {
			firstErr = fmt.Errorf("secret: munlock failed: %w", err)
		}
		if err := unix.Munmap(p); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("secret: munmap failed: %w", err)
		}
		return firstErr
	}
}
