// Package cache implements the cached block and block cache: the
// random-access, partially-decompressible, LRU-bounded layer between the
// codec registry and the inode reader. Concurrent requests for the same
// block coalesce so a block is never decompressed twice, and a block only
// ever decompresses as far as the furthest request into it needs.
package cache

import (
	"errors"
	"sync"

	"github.com/dwarfsgo/dwarfs/codec"
)

// ErrDecompressionFailed wraps a decompressor error encountered while
// extending a cached block.
var ErrDecompressionFailed = errors.New("cache: decompression failed")

// blockState tracks a CachedBlock's lifecycle.
type blockState int32

const (
	stateUninitialized blockState = iota
	stateDecompressing
	stateReady
	stateEvicted
)

// CachedBlock holds one block's decompression progress. Bytes
// [0:ready) of Data are valid; the remainder is not yet populated.
type CachedBlock struct {
	mu sync.Mutex

	block            int
	dec              codec.Decompressor
	uncompressedSize int
	data             []byte
	ready            int
	state            blockState

	lastUse int64 // unix nanoseconds, touch()-updated
}

// newCachedBlock wraps dec and the output buffer it was constructed over;
// data fills in place as decompression advances.
func newCachedBlock(block int, dec codec.Decompressor, data []byte) *CachedBlock {
	return &CachedBlock{
		block:            block,
		dec:              dec,
		uncompressedSize: len(data),
		data:             data,
		state:            stateUninitialized,
	}
}

// DecompressUntil ensures at least target bytes are available, invoking the
// decompressor's DecompressFrame in a loop as needed.
func (b *CachedBlock) DecompressUntil(target int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decompressUntilLocked(target)
}

func (b *CachedBlock) decompressUntilLocked(target int) error {
	if target > b.uncompressedSize {
		target = b.uncompressedSize
	}
	if b.ready >= target {
		return nil
	}
	b.state = stateDecompressing
	for b.ready < target {
		done, err := b.dec.DecompressFrame(target)
		if err != nil {
			return errors.Join(ErrDecompressionFailed, err)
		}
		if done {
			b.ready = b.uncompressedSize
			b.state = stateReady
			return nil
		}
		// DecompressFrame doesn't report how many bytes it actually
		// produced; re-check against the caller's target each pass, since
		// the underlying stream writes directly into b.data.
		if target > b.ready {
			b.ready = target
		}
	}
	if b.ready >= b.uncompressedSize {
		b.state = stateReady
	}
	return nil
}

// Ready reports how many bytes are currently decompressed.
func (b *CachedBlock) Ready() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Size returns the block's full uncompressed size.
func (b *CachedBlock) Size() int { return b.uncompressedSize }

// Bytes returns a view of data[offset:offset+size]; callers must have
// already called DecompressUntil(offset+size).
func (b *CachedBlock) Bytes(offset, size int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < 0 || offset+size > b.ready {
		return nil
	}
	return b.data[offset : offset+size]
}

// Touch records a use for expiry-based tidying.
func (b *CachedBlock) Touch(nowNano int64) {
	b.mu.Lock()
	b.lastUse = nowNano
	b.mu.Unlock()
}

func (b *CachedBlock) touchedAt() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUse
}

// AnyPagesSwappedOut consults residency, an OS-residency hint callback, over
// the block's decompressed data. residency being nil means
// "no residency information available", which is treated as "not swapped".
func (b *CachedBlock) AnyPagesSwappedOut(residency func([]byte) bool) bool {
	if residency == nil {
		return false
	}
	b.mu.Lock()
	data := b.data[:b.ready]
	b.mu.Unlock()
	if len(data) == 0 {
		return false
	}
	return residency(data)
}
