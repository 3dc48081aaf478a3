// Package merger implements the multi-queue block merger:
// parallel producers feed per-source queues, and the merger emits blocks in
// an order fixed solely by the configured source list and a rotating
// active-slot cursor, independent of producer scheduling. This is what
// makes parallel image builds bit-reproducible.
package merger

import (
	"context"
	"fmt"
	"sync"
)

// Holder wraps one emitted block. The consumer must call Release once it's
// done with the block's bytes; Release credits the merger's num_queueable
// counter, letting the originating source's producer make more progress.
type Holder[B any] struct {
	Source string
	Block  B
	IsLast bool

	release func()
	once    sync.Once
}

// Release returns the holder's slot to the pipeline. Safe to call more than
// once; only the first call has effect.
func (h *Holder[B]) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

type queuedBlock[B any] struct {
	block  B
	isLast bool
}

// Merger emits blocks produced concurrently by a fixed set of named sources
// in a deterministic order.
type Merger[B any] struct {
	sources        []string
	numActiveSlots int
	maxQueued      int
	emit           func(Holder[B])

	mu   sync.Mutex
	cond *sync.Cond

	// drainMu serializes the pop-emit loop across concurrent Add callers so
	// emit is invoked in strict, deterministic order even though it's
	// called with mu released (letting a consumer call Holder.Release
	// synchronously from inside emit without deadlocking on mu).
	drainMu sync.Mutex

	slots           []string // len == numActiveSlots; "" means the slot is empty/exhausted
	waiting         []string // FIFO of sources not yet assigned a slot
	known           map[string]bool
	queues          map[string][]queuedBlock[B]
	activeSlotIndex int

	numQueueable   int
	numReleaseable int

	done bool
}

// New constructs a Merger over sources (in emission-priority order), with
// numActiveSlots concurrently drainable slots and a pipeline budget of
// maxQueuedBlocks unreleased blocks. emit is called synchronously, in
// emission order, for every block the merger releases to the consumer.
func New[B any](sources []string, numActiveSlots, maxQueuedBlocks int, emit func(Holder[B])) *Merger[B] {
	if numActiveSlots < 1 {
		numActiveSlots = 1
	}
	if numActiveSlots > len(sources) {
		numActiveSlots = len(sources)
	}
	if maxQueuedBlocks < 1 {
		maxQueuedBlocks = 1
	}
	m := &Merger[B]{
		sources:        append([]string(nil), sources...),
		numActiveSlots: numActiveSlots,
		maxQueued:      maxQueuedBlocks,
		emit:           emit,
		slots:          make([]string, numActiveSlots),
		known:          make(map[string]bool, len(sources)),
		queues:         map[string][]queuedBlock[B]{},
		numQueueable:   maxQueuedBlocks,
	}
	for _, s := range sources {
		m.known[s] = true
	}
	m.cond = sync.NewCond(&m.mu)
	copy(m.slots, sources[:numActiveSlots])
	m.waiting = append(m.waiting, sources[numActiveSlots:]...)
	return m
}

// sourceDistance returns the number of slot rotations (plus wait-queue
// offset for sources not yet occupying a slot) between the current cursor
// and src. Called with m.mu held.
func (m *Merger[B]) sourceDistance(src string) int {
	n := len(m.slots)
	for i, s := range m.slots {
		if s == src {
			return (i - m.activeSlotIndex + n) % n
		}
	}
	for i, s := range m.waiting {
		if s == src {
			return n + i
		}
	}
	return n + len(m.waiting)
}

// Add enqueues blk for src, blocking while source_distance(src) ≥
// num_queueable, then drains whatever blocks are now ready to emit in
// cursor order. The queue credit is consumed here, at enqueue time, so at
// most maxQueuedBlocks unreleased blocks ever coexist in the pipeline.
func (m *Merger[B]) Add(ctx context.Context, src string, blk B, isLast bool) error {
	m.mu.Lock()
	if !m.known[src] {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSource, src)
	}
	for m.sourceDistance(src) >= m.numQueueable {
		if err := m.waitLocked(ctx); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.numQueueable--
	m.queues[src] = append(m.queues[src], queuedBlock[B]{block: blk, isLast: isLast})
	m.mu.Unlock()
	m.drain()
	return nil
}

// waitLocked blocks on m.cond, waking early if ctx is canceled. m.mu must
// be held on entry and is held again on return.
func (m *Merger[B]) waitLocked(ctx context.Context) error {
	if ctx == nil {
		m.cond.Wait()
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		close(woken)
		m.cond.Broadcast()
	})
	defer stop()
	m.cond.Wait()
	select {
	case <-woken:
		return ctx.Err()
	default:
		return nil
	}
}

// drain emits every block currently available at the active cursor,
// rotating the cursor to the next occupied slot after each emitted block,
// and stops when the source under the cursor has nothing queued. It serializes against
// other drain callers via drainMu, but only holds mu for the short
// bookkeeping sections around each emit call, so a consumer invoking
// Holder.Release synchronously from inside emit can safely re-lock mu.
func (m *Merger[B]) drain() {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	for {
		m.mu.Lock()
		if m.done {
			m.mu.Unlock()
			return
		}
		cur := m.slots[m.activeSlotIndex]
		if cur == "" {
			if !m.advanceLocked() {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			continue
		}
		q := m.queues[cur]
		if len(q) == 0 {
			m.mu.Unlock()
			return // active source has nothing queued yet; stop draining
		}
		next := q[0]
		m.queues[cur] = q[1:]
		m.numReleaseable++

		if next.isLast {
			// the source is exhausted: refill its slot from the wait queue
			delete(m.queues, cur)
			m.slots[m.activeSlotIndex] = ""
			if len(m.waiting) > 0 {
				m.slots[m.activeSlotIndex] = m.waiting[0]
				m.waiting = m.waiting[1:]
			}
		}
		// the cursor rotates after every emitted block, not just when a
		// source finishes; this is what interleaves the per-source streams
		alive := m.advanceLocked()
		m.mu.Unlock()

		h := Holder[B]{Source: cur, Block: next.block, IsLast: next.isLast, release: m.makeReleaser()}
		if m.emit != nil {
			m.emit(h)
		}

		if !alive {
			return
		}
	}
}

// advanceLocked moves the cursor to the next slot, or marks the merger done
// if every slot is empty and no sources remain waiting. Returns false when
// done. m.mu must be held.
func (m *Merger[B]) advanceLocked() bool {
	n := len(m.slots)
	for i := 1; i <= n; i++ {
		idx := (m.activeSlotIndex + i) % n
		if m.slots[idx] != "" {
			m.activeSlotIndex = idx
			m.cond.Broadcast()
			return true
		}
	}
	if len(m.waiting) == 0 {
		m.done = true
		m.cond.Broadcast()
		return false
	}
	// All slots empty but sources are still waiting: shouldn't happen
	// since finishing a slot immediately refills it from m.waiting, but
	// guard against it to avoid spinning forever.
	m.done = true
	m.cond.Broadcast()
	return false
}

func (m *Merger[B]) makeReleaser() func() {
	return func() {
		m.mu.Lock()
		m.numReleaseable--
		m.numQueueable++
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

// Done reports whether every source has delivered its is_last block and the
// merger has emitted everything it will ever emit.
func (m *Merger[B]) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Stats returns the current queueable/releaseable counters, for tests and
// diagnostics.
func (m *Merger[B]) Stats() (numQueueable, numReleaseable int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numQueueable, m.numReleaseable
}

// ErrUnknownSource is returned by Add if src was never part of the fixed
// sources list the Merger was constructed with.
var ErrUnknownSource = fmt.Errorf("merger: unknown source")
