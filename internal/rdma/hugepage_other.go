//go:build !linux && unix

package rdma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Huge page mappings are only requested on Linux; other platforms fall back
// to regular anonymous pages.
func osMapAnon(size int, huge bool) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w: %w", size, ErrAllocationFailed, err)
	}

	return data, nil
}

func osUnmap(data []byte) error {
	return unix.Munmap(data)
}
