//go:build linux

package rdma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// hugePageShift encodes 2 MiB pages (log2 = 21) into the mmap flags.
const hugePageShift = 21 << unix.MAP_HUGE_SHIFT

func osMapAnon(size int, huge bool) ([]byte, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_ANON | unix.MAP_PRIVATE

	if huge {
		flags |= unix.MAP_HUGETLB | hugePageShift
	}

	data, err := unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		if huge {
			return nil, fmt.Errorf("mmap %d bytes: %w: %w", size, ErrHugePagesUnavailable, err)
		}

		return nil, fmt.Errorf("mmap %d bytes: %w: %w", size, ErrAllocationFailed, err)
	}

	return data, nil
}

func osUnmap(data []byte) error {
	return unix.Munmap(data)
}
