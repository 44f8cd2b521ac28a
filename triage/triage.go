// Package triage implements the sparse-cache barrier protocol: before
// any zone is allowed to search a sparse chapter
// that might not yet be decoded into the shared sparsecache, every zone
// must reach the same barrier point. This guarantees all zones agree on
// which chapter is being admitted or evicted, so the cache never holds
// two different decodings of the same chapter, and no zone searches a
// half-admitted one.
package triage

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/openvdo/uds/chunkname"
	"github.com/openvdo/uds/deltaindex"
	"github.com/openvdo/uds/sparsecache"
	"github.com/openvdo/uds/volumeindex"
)

// Barrier synchronizes zoneCount goroutines at a rendezvous point: every
// caller of Await blocks until all zoneCount have arrived, then all are
// released together. It is reusable across many rounds.
type Barrier struct {
	zoneCount int

	mu      sync.Mutex
	arrived int
	gen     uint64
	cond    *sync.Cond
}

// NewBarrier returns a Barrier for the given number of zones. A
// zoneCount of 1 makes Await a no-op, so single-zone configurations never
// block.
func NewBarrier(zoneCount int) *Barrier {
	b := &Barrier{zoneCount: zoneCount}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Await blocks until zoneCount callers (across all zones) have called
// Await for the current generation, then releases them all at once. It
// returns ctx.Err() if ctx is cancelled before release.
func (b *Barrier) Await(ctx context.Context) error {
	if b.zoneCount <= 1 {
		return nil
	}
	b.mu.Lock()
	gen := b.gen
	b.arrived++
	if b.arrived == b.zoneCount {
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		b.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	go func() {
		b.mu.Lock()
		for b.gen == gen {
			b.cond.Wait()
		}
		b.mu.Unlock()
		close(done)
	}()
	b.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator ties the volume index's cheap sparse-membership lookup to
// the barrier and the shared sparse cache: the single request stage used
// by every zone's dispatch_index_request before it is allowed to search
// a sparse chapter.
type Coordinator struct {
	barrier *Barrier
	cache   *sparsecache.Cache

	mu      sync.Mutex
	pending map[uint64]*sync.WaitGroup
	loaded  atomic.Int64
}

// NewCoordinator builds a Coordinator over an existing Barrier and
// sparsecache.Cache.
func NewCoordinator(barrier *Barrier, cache *sparsecache.Cache) *Coordinator {
	return &Coordinator{barrier: barrier, cache: cache, pending: make(map[uint64]*sync.WaitGroup)}
}

// Decode loads and decodes a sparse chapter's index, called by whichever
// zone wins the race to admit a chapter the barrier just cleared.
type Decode func(vcn uint64) (*deltaindex.DeltaIndex, error)

// Triage runs the barrier protocol for one name lookup. vi.Lookup(name)
// determines whether a barrier is even needed (only sampled names
// resolving into the sparse tier require one); if the chapter is already
// cached, every zone proceeds without synchronizing at all. decode is
// invoked by exactly one zone per chapter miss; every other zone
// concurrently triaging the same chapter waits for that one load instead
// of decoding it again.
func (c *Coordinator) Triage(ctx context.Context, vi *volumeindex.VolumeIndex, name chunkname.Name, decode Decode) (volumeindex.Triage, error) {
	t := vi.Lookup(name)
	if !t.InSampledChapter {
		return t, nil
	}
	if c.cache.Contains(t.VirtualChapter) {
		return t, nil
	}

	if err := c.barrier.Await(ctx); err != nil {
		return volumeindex.Triage{}, err
	}

	c.mu.Lock()
	if c.cache.Contains(t.VirtualChapter) {
		// Another zone admitted it between our cache check and here.
		c.mu.Unlock()
		return t, nil
	}
	wg, loading := c.pending[t.VirtualChapter]
	if !loading {
		wg = &sync.WaitGroup{}
		wg.Add(1)
		c.pending[t.VirtualChapter] = wg
	}
	c.mu.Unlock()

	if loading {
		wg.Wait()
		return t, nil
	}

	idx, err := decode(t.VirtualChapter)
	if err == nil {
		c.cache.Admit(t.VirtualChapter, idx)
		c.loaded.Inc()
	}

	c.mu.Lock()
	delete(c.pending, t.VirtualChapter)
	c.mu.Unlock()
	wg.Done()

	return t, err
}

// LoadCount reports how many distinct sparse chapters this coordinator
// has decoded and admitted, for GetStats.
func (c *Coordinator) LoadCount() int64 {
	return c.loaded.Load()
}

// CachedIndex returns the decoded chapter index Triage admitted for vcn,
// if any is currently cached. A zone calls this after Triage to actually
// probe the sparse cache on a dense-tier miss, instead of letting the
// admitted decode go unused.
func (c *Coordinator) CachedIndex(vcn uint64) (*deltaindex.DeltaIndex, bool) {
	return c.cache.Get(vcn)
}
