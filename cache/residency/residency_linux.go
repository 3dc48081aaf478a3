//go:build linux

// Package residency answers whether pages backing a decompressed block
// are still resident in RAM, and hints to the OS that a buffer's pages can
// be dropped. The cache's swapped-out tidy strategy and the MmRelease knob
// are both built on it.
package residency

import "golang.org/x/sys/unix"

// AnySwappedOut reports whether any page backing data is not currently
// resident in RAM, using mincore(2).
func AnySwappedOut(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	n := (len(data) + pageSize - 1) / pageSize
	vec := make([]byte, n)
	if err := unix.Mincore(data, vec); err != nil {
		// Can't determine residency (e.g. not page-aligned on this
		// platform); assume resident rather than false-triggering tidy.
		return false
	}
	for _, b := range vec {
		if b&1 == 0 {
			return true
		}
	}
	return false
}

// Release hints to the OS that data's pages can be dropped (MADV_DONTNEED),
// used when mm_release is enabled after a block has been fully consumed.
func Release(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_DONTNEED)
}

const pageSize = 4096
