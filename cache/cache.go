package cache

import (
	"container/list"
	"context"
	"log"
	"sync"
	"time"

	"github.com/dwarfsgo/dwarfs/codec"
	"github.com/dwarfsgo/dwarfs/internal/workerpool"
)

// TidyStrategy selects how the cache's background tidy loop reclaims
// decompressed blocks early.
type TidyStrategy int

const (
	TidyNone TidyStrategy = iota
	TidyExpiryTime
	TidyBlockSwappedOut
)

// Source loads the compressed payload for a block and hands back a
// Decompressor bound to out, the full-size output buffer it decompresses
// into. The cache takes ownership of out: the cached block serves reads
// straight from it as the decompressor fills it. Implementations are
// expected to have already verified the section per the cache's
// DisableBlockIntegrityCheck setting.
type Source interface {
	LoadBlock(block int) (dec codec.Decompressor, out []byte, err error)
}

// Config carries the cache's tuning knobs.
type Config struct {
	MaxBytes                          int64
	NumWorkers                        int
	DecompressRatio                   float64
	MMRelease                         bool
	DisableBlockIntegrityCheck        bool
	SequentialAccessDetectorThreshold int
	Tidy                              TidyStrategy
	TidyInterval                      time.Duration
	TidyExpiry                        time.Duration
	Residency                         func([]byte) bool
}

func (c *Config) setDefaults() {
	if c.DecompressRatio <= 0 || c.DecompressRatio > 1 {
		c.DecompressRatio = 0.8
	}
	if c.NumWorkers < 1 {
		c.NumWorkers = 1
	}
	if c.TidyInterval <= 0 {
		c.TidyInterval = time.Second
	}
}

// Stats is a snapshot of cache counters, consulted by tests and
// check/info_as_json.
type Stats struct {
	Hits                 int64
	PartialDecompressions int64
	FullDecompressions    int64
	Evictions             int64
	Prefetches            int64
}

type entry struct {
	mu       sync.Mutex
	cond     *sync.Cond
	cb       *CachedBlock
	inflight bool
	elem     *list.Element // element in Cache.lru, Value is the block number
}

// Cache is the LRU-bounded, request-coalescing block cache.
type Cache struct {
	cfg    Config
	source Source
	pool   *workerpool.Pool

	mu         sync.Mutex
	blocks     map[int]*entry
	lru        *list.List
	totalBytes int64

	seqMu      sync.Mutex
	seqRecent  []int
	prefetched map[int]bool

	statsMu sync.Mutex
	stats   Stats

	now func() int64

	// tidyMu guards the tidy loop's lifecycle; the loop itself reads the
	// strategy/expiry under c.mu so SetTidy can swap them safely.
	tidyMu   sync.Mutex
	tidyQuit chan struct{} // nil when no loop is running
	tidyDone chan struct{}
	closed   bool
}

// New constructs a Cache backed by src, with decompression jobs run on a
// cfg.NumWorkers-sized pool.
func New(src Source, cfg Config) *Cache {
	cfg.setDefaults()
	c := &Cache{
		cfg:        cfg,
		source:     src,
		pool:       workerpool.New(cfg.NumWorkers, cfg.NumWorkers*4),
		blocks:     map[int]*entry{},
		lru:        list.New(),
		prefetched: map[int]bool{},
		now:        func() int64 { return time.Now().UnixNano() },
	}
	if cfg.Tidy != TidyNone {
		c.tidyMu.Lock()
		c.startTidyLocked(cfg.TidyInterval)
		c.tidyMu.Unlock()
	}
	return c
}

// Close stops the tidy loop and worker pool. Safe to call more than once.
func (c *Cache) Close() {
	c.tidyMu.Lock()
	c.closed = true
	c.stopTidyLocked()
	c.tidyMu.Unlock()

	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	pool.Close()
}

// startTidyLocked spawns a tidy loop ticking at interval. Called with
// tidyMu held.
func (c *Cache) startTidyLocked(interval time.Duration) {
	quit := make(chan struct{})
	done := make(chan struct{})
	c.tidyQuit = quit
	c.tidyDone = done
	go c.tidyLoop(interval, quit, done)
}

// stopTidyLocked stops the running tidy loop, if any. Called with tidyMu
// held.
func (c *Cache) stopTidyLocked() {
	if c.tidyQuit == nil {
		return
	}
	close(c.tidyQuit)
	<-c.tidyDone
	c.tidyQuit = nil
	c.tidyDone = nil
}

// SetNumWorkers replaces the decompression pool with one of n workers at
// runtime. Jobs already submitted finish on the old pool.
func (c *Cache) SetNumWorkers(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	old := c.pool
	c.pool = workerpool.New(n, n*4)
	c.cfg.NumWorkers = n
	c.mu.Unlock()
	go old.Close()
}

// SetTidy reconfigures the tidy strategy at runtime, restarting (or
// stopping) the background loop as needed.
func (c *Cache) SetTidy(strategy TidyStrategy, interval, expiry time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	c.tidyMu.Lock()
	defer c.tidyMu.Unlock()
	c.stopTidyLocked()

	c.mu.Lock()
	c.cfg.Tidy = strategy
	c.cfg.TidyInterval = interval
	c.cfg.TidyExpiry = expiry
	c.mu.Unlock()

	if strategy != TidyNone && !c.closed {
		c.startTidyLocked(interval)
	}
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// BlockSize returns block's uncompressed size, loading its header (but not
// decompressing its body) if it isn't already tracked. Used by the rewriter
// to size re-streamed blocks without paying for a full decompression.
func (c *Cache) BlockSize(block int) (int, error) {
	e, err := c.entryFor(block)
	if err != nil {
		return 0, err
	}
	return e.cb.Size(), nil
}

// Get returns uncompressed bytes [offset, offset+size) of block, blocking
// until they've been decompressed. At most one decompression runs per block
// at a time; concurrent callers for the same block share its progress.
func (c *Cache) Get(ctx context.Context, block, offset, size int) ([]byte, error) {
	e, err := c.entryFor(block)
	if err != nil {
		return nil, err
	}

	target := offset + size
	if err := c.ensureDecompressed(ctx, e, target); err != nil {
		return nil, err
	}

	e.cb.Touch(c.now())
	c.touchLRU(block)
	c.noteSequentialAccess(block)

	data := e.cb.Bytes(offset, size)
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
	return data, nil
}

func (c *Cache) entryFor(block int) (*entry, error) {
	c.mu.Lock()
	if e, ok := c.blocks[block]; ok {
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	dec, out, err := c.source.LoadBlock(block)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.blocks[block]; ok {
		// lost the race with another loader; discard the redundant decode
		return e, nil
	}
	e := &entry{cb: newCachedBlock(block, dec, out)}
	e.cond = sync.NewCond(&e.mu)
	e.elem = c.lru.PushFront(block)
	c.blocks[block] = e
	c.totalBytes += int64(len(out))
	c.evictLocked()
	return e, nil
}

// ensureDecompressed drives e's CachedBlock to target, coalescing
// concurrent callers into a single in-flight decompression job per block.
func (c *Cache) ensureDecompressed(ctx context.Context, e *entry, target int) error {
	for {
		e.mu.Lock()
		if e.cb.Ready() >= target || e.cb.Ready() >= e.cb.Size() {
			e.mu.Unlock()
			return nil
		}
		if e.inflight {
			e.cond.Wait()
			e.mu.Unlock()
			continue
		}
		e.inflight = true
		e.mu.Unlock()

		jobTarget := target
		if e.cb.Size() > 0 && float64(jobTarget)/float64(e.cb.Size()) > c.cfg.DecompressRatio {
			jobTarget = e.cb.Size()
		}

		c.mu.Lock()
		pool := c.pool
		c.mu.Unlock()

		errCh := make(chan error, 1)
		job := func() {
			errCh <- e.cb.DecompressUntil(jobTarget)
		}
		submitErr := pool.Submit(ctx, job)
		if submitErr == workerpool.ErrClosed {
			// the pool was swapped out under us; run inline rather than
			// losing the job
			job()
			submitErr = nil
		}
		if submitErr != nil {
			e.mu.Lock()
			e.inflight = false
			e.cond.Broadcast()
			e.mu.Unlock()
			return submitErr
		}

		var jobErr error
		select {
		case jobErr = <-errCh:
		case <-ctx.Done():
			jobErr = <-errCh // decompression still owns the block; wait it out
			if jobErr == nil {
				jobErr = ctx.Err()
			}
		}

		c.statsMu.Lock()
		if jobTarget >= e.cb.Size() {
			c.stats.FullDecompressions++
		} else {
			c.stats.PartialDecompressions++
		}
		c.statsMu.Unlock()

		e.mu.Lock()
		e.inflight = false
		e.cond.Broadcast()
		e.mu.Unlock()

		if jobErr != nil {
			return jobErr
		}
	}
}

func (c *Cache) touchLRU(block int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.blocks[block]; ok {
		c.lru.MoveToFront(e.elem)
	}
}

// evictLocked drops least-recently-used blocks until totalBytes fits within
// MaxBytes. Eviction stops at the first block, oldest first, that is
// mid-decompression. Called with c.mu held.
func (c *Cache) evictLocked() {
	if c.cfg.MaxBytes <= 0 {
		return
	}
	for c.totalBytes > c.cfg.MaxBytes {
		elem := c.lru.Back()
		if elem == nil {
			return
		}
		block := elem.Value.(int)
		e := c.blocks[block]
		if e == nil {
			c.lru.Remove(elem)
			continue
		}
		e.mu.Lock()
		busy := e.inflight
		e.mu.Unlock()
		if busy {
			// Don't evict a block mid-decompression; stop scanning rather
			// than spin on it since eviction order is oldest-first.
			return
		}
		c.lru.Remove(elem)
		delete(c.blocks, block)
		c.totalBytes -= int64(e.cb.Size())
		c.statsMu.Lock()
		c.stats.Evictions++
		c.statsMu.Unlock()
	}
}

// noteSequentialAccess feeds the sequential-access detector: once
// SequentialAccessDetectorThreshold consecutive touches land on
// strictly increasing, contiguous block numbers, the next block is
// prefetched in the background.
func (c *Cache) noteSequentialAccess(block int) {
	threshold := c.cfg.SequentialAccessDetectorThreshold
	if threshold <= 0 {
		return
	}
	c.seqMu.Lock()
	if len(c.seqRecent) == 0 || c.seqRecent[len(c.seqRecent)-1] != block {
		c.seqRecent = append(c.seqRecent, block)
		if len(c.seqRecent) > threshold {
			c.seqRecent = c.seqRecent[len(c.seqRecent)-threshold:]
		}
	}
	sequential := len(c.seqRecent) == threshold
	if sequential {
		for i := 1; i < len(c.seqRecent); i++ {
			if c.seqRecent[i] != c.seqRecent[i-1]+1 {
				sequential = false
				break
			}
		}
	}
	next := block + 1
	already := c.prefetched[next]
	if sequential && !already {
		c.prefetched[next] = true
	}
	c.seqMu.Unlock()

	if sequential && !already {
		c.prefetch(next)
	}
}

// prefetch fires a fire-and-forget background read of one byte of block, to
// warm the cache ahead of a detected sequential scan. Errors are logged and
// never propagated.
func (c *Cache) prefetch(block int) {
	c.statsMu.Lock()
	c.stats.Prefetches++
	c.statsMu.Unlock()
	go func() {
		if _, err := c.Get(context.Background(), block, 0, 1); err != nil {
			log.Printf("dwarfs: cache: background prefetch of block %d failed: %v", block, err)
		}
	}()
}

func (c *Cache) tidyLoop(interval time.Duration, quit, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			c.tidyOnce()
		}
	}
}

func (c *Cache) tidyOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		block := elem.Value.(int)
		e := c.blocks[block]
		if e == nil {
			elem = prev
			continue
		}
		e.mu.Lock()
		busy := e.inflight
		e.mu.Unlock()
		if busy {
			elem = prev
			continue
		}

		var shouldTidy bool
		switch c.cfg.Tidy {
		case TidyExpiryTime:
			shouldTidy = now-e.cb.touchedAt() > c.cfg.TidyExpiry.Nanoseconds()
		case TidyBlockSwappedOut:
			shouldTidy = e.cb.AnyPagesSwappedOut(c.cfg.Residency)
		}
		if shouldTidy {
			c.lru.Remove(elem)
			delete(c.blocks, block)
			c.totalBytes -= int64(e.cb.Size())
			c.statsMu.Lock()
			c.stats.Evictions++
			c.statsMu.Unlock()
		}
		elem = prev
	}
}
