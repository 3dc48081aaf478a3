package cache

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarfsgo/dwarfs/codec"
)

// fakeSource compresses deterministic per-block payloads with zstd on
// demand, the way a real reader.Source would pull section payloads off
// disk and hand the cache a fresh Decompressor per block.
type fakeSource struct {
	blockSize int
	loads     int
}

func (s *fakeSource) payload(block int) []byte {
	buf := make([]byte, s.blockSize)
	for i := range buf {
		buf[i] = byte((block*7 + i) % 256)
	}
	return buf
}

func (s *fakeSource) LoadBlock(block int) (codec.Decompressor, []byte, error) {
	s.loads++
	data := s.payload(block)
	c, err := codec.NewCompressor(codec.ZSTD, nil)
	if err != nil {
		return nil, nil, err
	}
	compressed, err := c.Compress(data, nil)
	if err != nil {
		return nil, nil, err
	}
	out := make([]byte, len(data))
	dec, err := codec.NewDecompressor(codec.ZSTD, compressed, out)
	if err != nil {
		return nil, nil, err
	}
	return dec, out, nil
}

func TestGetReturnsCorrectBytes(t *testing.T) {
	src := &fakeSource{blockSize: 4096}
	c := New(src, Config{MaxBytes: 1 << 20, NumWorkers: 2})
	defer c.Close()

	got, err := c.Get(context.Background(), 3, 10, 16)
	require.NoError(t, err)
	want := src.payload(3)[10:26]
	assert.Equal(t, want, got)
}

func TestPartialDecompressionAmortisation(t *testing.T) {
	// 16 MiB single block, zstd, decompress_ratio=0.8. First read is a
	// small partial read; a later read past the ratio threshold must bring
	// the block fully ready in one more call.
	const blockSize = 16 << 20
	src := &fakeSource{blockSize: blockSize}
	c := New(src, Config{MaxBytes: 64 << 20, NumWorkers: 1, DecompressRatio: 0.8})
	defer c.Close()

	_, err := c.Get(context.Background(), 1, 0, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Stats().PartialDecompressions)
	assert.EqualValues(t, 0, c.Stats().FullDecompressions)

	_, err = c.Get(context.Background(), 1, 15_728_640, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Stats().FullDecompressions)
}

func TestConcurrentRequestsCoalesceToOneDecompression(t *testing.T) {
	src := &fakeSource{blockSize: 1 << 20}
	c := New(src, Config{MaxBytes: 64 << 20, NumWorkers: 4, DecompressRatio: 1})
	defer c.Close()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Get(context.Background(), 5, 0, 100)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	assert.EqualValues(t, 1, src.loads)
}

func TestSequentialPrefetch(t *testing.T) {
	src := &fakeSource{blockSize: 4096}
	c := New(src, Config{MaxBytes: 1 << 30, NumWorkers: 2, SequentialAccessDetectorThreshold: 3})
	defer c.Close()

	for _, b := range []int{7, 8, 9} {
		_, err := c.Get(context.Background(), b, 0, 4)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return c.Stats().Prefetches >= 1
	}, time.Second, 5*time.Millisecond, "expected a background prefetch after 3 sequential reads")
}

func TestEvictionRespectsMaxBytes(t *testing.T) {
	src := &fakeSource{blockSize: 4096}
	c := New(src, Config{MaxBytes: 4096 * 2, NumWorkers: 1})
	defer c.Close()

	for b := 0; b < 5; b++ {
		_, err := c.Get(context.Background(), b, 0, 1)
		require.NoError(t, err)
	}
	assert.True(t, c.Stats().Evictions > 0)
}

func TestCachedBlockDecompressUntilIsIncremental(t *testing.T) {
	data := bytes.Repeat([]byte("hello world "), 10000)
	comp, err := codec.NewCompressor(codec.ZSTD, nil)
	require.NoError(t, err)
	compressed, err := comp.Compress(data, nil)
	require.NoError(t, err)

	out := make([]byte, len(data))
	dec, err := codec.NewDecompressor(codec.ZSTD, compressed, out)
	require.NoError(t, err)

	cb := newCachedBlock(0, dec, out)
	require.NoError(t, cb.DecompressUntil(100))
	assert.True(t, cb.Ready() >= 100)

	require.NoError(t, cb.DecompressUntil(len(data)))
	assert.Equal(t, len(data), cb.Ready())
	assert.Equal(t, data, cb.Bytes(0, len(data)))
}

func TestGetPropagatesSourceError(t *testing.T) {
	src := &erroringSource{}
	c := New(src, Config{MaxBytes: 1 << 20, NumWorkers: 1})
	defer c.Close()
	_, err := c.Get(context.Background(), 0, 0, 1)
	assert.Error(t, err)
}

type erroringSource struct{}

func (erroringSource) LoadBlock(block int) (codec.Decompressor, []byte, error) {
	return nil, nil, fmt.Errorf("boom")
}

func TestSetNumWorkersKeepsServingReads(t *testing.T) {
	src := &fakeSource{blockSize: 4096}
	c := New(src, Config{MaxBytes: 1 << 20, NumWorkers: 1})
	defer c.Close()

	_, err := c.Get(context.Background(), 0, 0, 16)
	require.NoError(t, err)

	c.SetNumWorkers(4)

	for b := 1; b < 5; b++ {
		got, err := c.Get(context.Background(), b, 0, 16)
		require.NoError(t, err)
		assert.Equal(t, src.payload(b)[:16], got)
	}
}

func TestSetTidyExpiryEvictsIdleBlocks(t *testing.T) {
	src := &fakeSource{blockSize: 4096}
	c := New(src, Config{MaxBytes: 1 << 20, NumWorkers: 1})
	defer c.Close()

	_, err := c.Get(context.Background(), 0, 0, 16)
	require.NoError(t, err)

	c.SetTidy(TidyExpiryTime, 5*time.Millisecond, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.Stats().Evictions >= 1
	}, time.Second, 5*time.Millisecond, "expected the tidy loop to evict the idle block")

	// reads after a tidy eviction reload the block transparently
	got, err := c.Get(context.Background(), 0, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, src.payload(0)[:16], got)

	c.SetTidy(TidyNone, 0, 0)
}
