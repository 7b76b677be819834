//go:build linux

package iomgr

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

const ALIGN = uint64(0x1000)
const MMAP_MODE = unix.MAP_ANON | unix.MAP_PRIVATE
const MMAP_PROT = unix.PROT_READ | unix.PROT_WRITE
const F_OPEN_PERM = 0b_000_110_100_000

// For fixed/aligned buffers. This allocation will be aligned to the system page size (check
// using: `getconf PAGESIZE`. This will basically always be 0x1000 (4096)), which is what O_DIRECT
// wants. The memory is outside the Go heap, so the kernel can hold on to it for as long as an
// operation is in flight without the GC caring.
func AllocSlab(size int) ([]byte, error) {
	raw, err := unix.Mmap(-1, 0, size, MMAP_PROT, MMAP_MODE)
	if err != nil {
		slog.Error("AllocSlab", "size", size, "err", err)
	}
	return raw, err
}

func DeallocSlab(ptr []byte) error {
	err := unix.Munmap(ptr)
	if err != nil {
		slog.Error("DeallocSlab", "err", err)
	}
	return err
}
