package reader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dwarfsgo/dwarfs/metadata"
)

// ErrInvalidOffset is returned for a negative read offset.
var ErrInvalidOffset = fmt.Errorf("reader: negative offset")

// defaultOffsetCacheChunkIndexInterval: inodes with fewer chunks than
// this are walked linearly, since a linear scan over a short chunk list is
// cheaper than maintaining an index for it.
const defaultOffsetCacheChunkIndexInterval = 256

// defaultMaxIov bounds how many block-cache fetches a single Read/Readv
// call keeps outstanding at once.
const defaultMaxIov = 64

// InodeReader translates (inode, offset, size) reads into block-range
// futures served by a cache.Cache, walking the inode's chunk list with a
// per-inode offset cache, a sequential-read fast path, and optional
// readahead.
type InodeReader struct {
	view  *metadata.View
	cache blockGetter

	offsetCacheChunkIndexInterval int
	maxIov                        int
	readahead                     int64

	mu     sync.Mutex
	states map[uint32]*inodeReadState
}

// Option configures an InodeReader.
type Option func(*InodeReader)

// WithOffsetCacheInterval overrides defaultOffsetCacheChunkIndexInterval.
func WithOffsetCacheInterval(n int) Option {
	return func(r *InodeReader) { r.offsetCacheChunkIndexInterval = n }
}

// WithMaxIov overrides defaultMaxIov.
func WithMaxIov(n int) Option {
	return func(r *InodeReader) { r.maxIov = n }
}

// WithReadahead sets how many bytes past a request's end are speculatively
// prefetched (0 disables readahead).
func WithReadahead(n int64) Option {
	return func(r *InodeReader) { r.readahead = n }
}

// NewInodeReader constructs an InodeReader over view, fetching block
// ranges from cache.
func NewInodeReader(view *metadata.View, cache blockGetter, opts ...Option) *InodeReader {
	r := &InodeReader{
		view:                          view,
		cache:                         cache,
		offsetCacheChunkIndexInterval: defaultOffsetCacheChunkIndexInterval,
		maxIov:                        defaultMaxIov,
		states:                        map[uint32]*inodeReadState{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// offsetCacheEntry records one {file_offset_at_chunk_start -> chunk_index}
// sample.
type offsetCacheEntry struct {
	fileOffset int64
	chunkIndex int
}

// inodeReadState is the per-inode offset cache and readahead bookkeeping.
// Lazily created on first access.
type inodeReadState struct {
	mu sync.Mutex

	// entries is a bounded, file-offset-sorted sample of chunk starts,
	// grown incrementally as reads locate new positions.
	entries    []offsetCacheEntry
	hasRecent  bool
	recent     offsetCacheEntry
	recentSize int64 // chunk size at recent.chunkIndex, for the O(1) sequential test

	prefetched map[int]bool // block numbers already readahead-fetched
}

const maxOffsetCacheEntries = 256

func (s *inodeReadState) noteEntry(e offsetCacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].fileOffset >= e.fileOffset })
	if i < len(s.entries) && s.entries[i].fileOffset == e.fileOffset {
		return
	}
	s.entries = append(s.entries, offsetCacheEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	if len(s.entries) > maxOffsetCacheEntries {
		// drop the lower-offset half of the sample (entries are sorted by
		// file offset) rather than the whole thing, keeping the index usable
		// instead of resetting to a full scan.
		s.entries = append([]offsetCacheEntry(nil), s.entries[len(s.entries)/2:]...)
	}
}

func (s *inodeReadState) noteRecent(e offsetCacheEntry, chunkSize int64) {
	s.mu.Lock()
	s.hasRecent = true
	s.recent = e
	s.recentSize = chunkSize
	s.mu.Unlock()
}

func (s *inodeReadState) lookup(fileOffset int64) (offsetCacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasRecent && fileOffset >= s.recent.fileOffset && fileOffset < s.recent.fileOffset+s.recentSize {
		return s.recent, true
	}
	if len(s.entries) == 0 {
		return offsetCacheEntry{}, false
	}
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].fileOffset > fileOffset }) - 1
	if i < 0 {
		return offsetCacheEntry{}, false
	}
	return s.entries[i], true
}

func (r *InodeReader) stateFor(inode uint32) *inodeReadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[inode]
	if !ok {
		s = &inodeReadState{prefetched: map[int]bool{}}
		r.states[inode] = s
	}
	return s
}

// chunkRead is one overlapping-chunk slice of a planned read.
type chunkRead struct {
	block         uint32
	offsetInBlock uint32
	sizeInBlock   uint32
}

// plan resolves (inode, offset, size) into the ordered list of chunkReads
// that satisfy it, clamped to EOF. Negative offset is an error; an offset
// at or past EOF returns an empty, error-free plan.
func (r *InodeReader) plan(iv metadata.InodeView, offset int64, size int64) ([]chunkRead, error) {
	if offset < 0 {
		return nil, ErrInvalidOffset
	}
	if size <= 0 {
		return nil, nil
	}
	chunks := r.view.Chunks(iv)
	var fileSize int64
	for _, c := range chunks {
		fileSize += int64(c.Size)
	}
	if offset >= fileSize {
		return nil, nil
	}
	end := offset + size
	if end > fileSize {
		end = fileSize
	}

	startIdx, startOff := r.locateChunk(iv, chunks, offset)

	var reads []chunkRead
	pos := startOff
	lastIdx, lastStart := startIdx, startOff
	for i := startIdx; i < len(chunks) && pos < end; i++ {
		c := chunks[i]
		chunkEnd := pos + int64(c.Size)
		lastIdx, lastStart = i, pos
		if chunkEnd <= offset {
			pos = chunkEnd
			continue
		}
		lo := int64(0)
		if offset > pos {
			lo = offset - pos
		}
		hi := int64(c.Size)
		if chunkEnd > end {
			hi = hi - (chunkEnd - end)
		}
		if hi > lo {
			reads = append(reads, chunkRead{
				block:         c.Block,
				offsetInBlock: c.Offset + uint32(lo),
				sizeInBlock:   uint32(hi - lo),
			})
		}
		pos = chunkEnd
	}

	if len(chunks) >= r.offsetCacheChunkIndexInterval {
		s := r.stateFor(iv.Num)
		s.noteEntry(offsetCacheEntry{fileOffset: startOff, chunkIndex: startIdx})
	}
	if len(chunks) > 0 {
		s := r.stateFor(iv.Num)
		s.noteRecent(offsetCacheEntry{fileOffset: lastStart, chunkIndex: lastIdx}, int64(chunks[lastIdx].Size))
	}

	return reads, nil
}

// locateChunk finds the chunk containing fileOffset, consulting the
// per-inode offset cache when the inode has enough chunks to make one
// worthwhile.
func (r *InodeReader) locateChunk(iv metadata.InodeView, chunks []metadata.Chunk, fileOffset int64) (index int, chunkStart int64) {
	if len(chunks) >= r.offsetCacheChunkIndexInterval {
		s := r.stateFor(iv.Num)
		if e, ok := s.lookup(fileOffset); ok {
			idx, pos := e.chunkIndex, e.fileOffset
			for idx < len(chunks) {
				end := pos + int64(chunks[idx].Size)
				if fileOffset < end {
					return idx, pos
				}
				pos = end
				idx++
			}
			return len(chunks) - 1, pos - int64(chunks[len(chunks)-1].Size)
		}
	}

	var pos int64
	for i, c := range chunks {
		end := pos + int64(c.Size)
		if fileOffset < end {
			return i, pos
		}
		pos = end
	}
	if len(chunks) == 0 {
		return 0, 0
	}
	return len(chunks) - 1, pos - int64(chunks[len(chunks)-1].Size)
}

// Future is a handle to one in-flight block_range fetch.
type Future struct {
	done chan struct{}
	data []byte
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(data []byte, err error) {
	f.data, f.err = data, err
	close(f.done)
}

// Wait blocks until the fetch completes, or ctx is canceled.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read fulfils a single contiguous (inode, offset, size) request, blocking
// until every overlapping chunk has been fetched and concatenated.
func (r *InodeReader) Read(ctx context.Context, iv metadata.InodeView, offset, size int64) ([]byte, error) {
	parts, err := r.Readv(ctx, iv, offset, size)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Readv fulfils the request and returns one []byte per overlapping chunk,
// in chunk_table order, without concatenating them.
func (r *InodeReader) Readv(ctx context.Context, iv metadata.InodeView, offset, size int64) ([][]byte, error) {
	futures, err := r.ReadvFutures(ctx, iv, offset, size)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(futures))
	for i, f := range futures {
		data, err := f.Wait(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// ReadvFutures is the core routine Read and Readv share: it plans the
// chunk list, issues cache.Get calls in batches no larger than maxIov
// concurrently outstanding, kicks off readahead, and returns one Future
// per overlapping chunk in order.
func (r *InodeReader) ReadvFutures(ctx context.Context, iv metadata.InodeView, offset, size int64) ([]*Future, error) {
	reads, err := r.plan(iv, offset, size)
	if err != nil {
		return nil, err
	}

	futures := make([]*Future, len(reads))
	for batchStart := 0; batchStart < len(reads); batchStart += r.maxIov {
		batchEnd := batchStart + r.maxIov
		if batchEnd > len(reads) {
			batchEnd = len(reads)
		}
		var wg sync.WaitGroup
		for i := batchStart; i < batchEnd; i++ {
			f := newFuture()
			futures[i] = f
			wg.Add(1)
			go func(cr chunkRead, f *Future) {
				defer wg.Done()
				data, err := r.cache.Get(ctx, int(cr.block), int(cr.offsetInBlock), int(cr.sizeInBlock))
				f.resolve(data, err)
			}(reads[i], f)
		}
		wg.Wait()
	}

	if r.readahead > 0 && len(reads) > 0 {
		r.prefetch(iv, offset+size)
	}

	return futures, nil
}

// prefetch walks chunks past the satisfied request, up to r.readahead
// bytes, issuing fire-and-forget cache.Get calls for each. A per-inode
// prefetched-blocks set avoids redundant work on repeated sequential
// scans.
func (r *InodeReader) prefetch(iv metadata.InodeView, from int64) {
	chunks := r.view.Chunks(iv)
	idx, pos := r.locateChunk(iv, chunks, from)
	if idx >= len(chunks) {
		return
	}
	s := r.stateFor(iv.Num)

	end := from + r.readahead
	for i := idx; i < len(chunks) && pos < end; i++ {
		c := chunks[i]
		s.mu.Lock()
		already := s.prefetched[int(c.Block)]
		if !already {
			s.prefetched[int(c.Block)] = true
		}
		s.mu.Unlock()
		if !already {
			go func(block, off, sz uint32) {
				_, _ = r.cache.Get(context.Background(), int(block), int(off), int(sz))
			}(c.Block, c.Offset, c.Size)
		}
		pos += int64(c.Size)
	}
}
