//go:build !linux

package residency

// AnySwappedOut always reports false on platforms without mincore(2); the
// cache's tidy-on-swap strategy simply never fires there.
func AnySwappedOut(data []byte) bool { return false }

// Release is a no-op on platforms without madvise(2).
func Release(data []byte) {}
