package merger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runProducers feeds each source's blocks through m concurrently, in
// whatever goroutine-scheduling order the runtime picks.
func runProducers(t *testing.T, m *Merger[string], perSource map[string][]string) {
	t.Helper()
	var wg sync.WaitGroup
	for src, blocks := range perSource {
		src, blocks := src, blocks
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, b := range blocks {
				err := m.Add(context.Background(), src, b, i == len(blocks)-1)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestMergerEmitsInSourceOrderRegardlessOfProducerTiming(t *testing.T) {
	sources := []string{"a", "b", "c"}
	perSource := map[string][]string{
		"a": {"a0", "a1", "a2"},
		"b": {"b0", "b1"},
		"c": {"c0", "c1", "c2", "c3"},
	}

	var mu sync.Mutex
	var emitted []Holder[string]
	m := New(sources, 3, 10, func(h Holder[string]) {
		mu.Lock()
		emitted = append(emitted, h)
		mu.Unlock()
	})

	runProducers(t, m, perSource)

	require.Eventually(t, func() bool {
		return m.Done()
	}, time.Second, time.Millisecond)

	// Determinism: for a fixed sources order and 3 active slots (== len(sources)),
	// every source occupies a slot from the start, so emission order must be
	// exactly each source's own block order, interleaved only by per-source
	// completion — but since all sources are active simultaneously here, the
	// content of each source's run must appear in that source's own order.
	bySource := map[string][]string{}
	for _, h := range emitted {
		bySource[h.Source] = append(bySource[h.Source], h.Block)
		h.Release()
	}
	for src, want := range perSource {
		assert.Equal(t, want, bySource[src], "source %s blocks out of order", src)
	}
	assert.Equal(t, 9, len(emitted))
}

func TestMergerRotatesCursorPerBlock(t *testing.T) {
	// Two always-active sources: emission must interleave their streams
	// block by block, not drain one source to exhaustion first.
	sources := []string{"s0", "s1"}
	var emitted []string
	m := New(sources, 2, 8, func(h Holder[string]) {
		emitted = append(emitted, h.Block)
		h.Release()
	})

	ctx := context.Background()
	require.NoError(t, m.Add(ctx, "s0", "x0", false))
	require.NoError(t, m.Add(ctx, "s0", "x1", false))
	require.NoError(t, m.Add(ctx, "s1", "y0", false))
	require.NoError(t, m.Add(ctx, "s1", "y1", true))
	require.NoError(t, m.Add(ctx, "s0", "x2", true))

	require.True(t, m.Done())
	assert.Equal(t, []string{"x0", "y0", "x1", "y1", "x2"}, emitted)
}

func TestMergerRefillsSlotsFromWaitingSources(t *testing.T) {
	sources := []string{"a", "b", "c", "d"}
	perSource := map[string][]string{
		"a": {"a0"},
		"b": {"b0"},
		"c": {"c0"},
		"d": {"d0"},
	}

	var mu sync.Mutex
	var emitted []string
	m := New(sources, 2, 10, func(h Holder[string]) {
		mu.Lock()
		emitted = append(emitted, h.Block)
		mu.Unlock()
		h.Release()
	})

	runProducers(t, m, perSource)

	require.Eventually(t, func() bool {
		return m.Done()
	}, time.Second, time.Millisecond)

	assert.ElementsMatch(t, []string{"a0", "b0", "c0", "d0"}, emitted)
}

func TestMergerBackpressureBlocksFastProducer(t *testing.T) {
	// Single active slot, maxQueued=1: "a" gets the slot, "b" waits. Emitted
	// holders are captured rather than released immediately, so the test
	// controls exactly when numQueueable is credited back.
	sources := []string{"a", "b"}
	var mu sync.Mutex
	var held []Holder[string]

	m := New(sources, 1, 1, func(h Holder[string]) {
		mu.Lock()
		held = append(held, h)
		mu.Unlock()
	})

	require.NoError(t, m.Add(context.Background(), "a", "a0", false))

	nq, _ := m.Stats()
	require.Equal(t, 0, nq, "the single queue credit should be consumed by a0")

	done := make(chan struct{})
	go func() {
		// distance(a) == 0 >= numQueueable (0): must block until a0 is released.
		require.NoError(t, m.Add(context.Background(), "a", "a1", true))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected second Add on source a to block on backpressure")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	require.Len(t, held, 1)
	held[0].Release()
	mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer never unblocked after release")
	}
}

func TestSourceDistanceForWaitingSource(t *testing.T) {
	m := New([]string{"a", "b", "c"}, 1, 5, func(Holder[string]) {})
	m.mu.Lock()
	defer m.mu.Unlock()
	// "a" occupies the only active slot; "b" and "c" wait.
	assert.Equal(t, 0, m.sourceDistance("a"))
	assert.Equal(t, 1, m.sourceDistance("b"))
	assert.Equal(t, 2, m.sourceDistance("c"))
}
