// Package pagecache implements the volume's cache of recently used
// on-disk pages, keyed by absolute physical page number.
// It also implements the deferred invalidation handshake used when a
// physical chapter is about to be overwritten: pages are marked
// "expiring" rather than evicted immediately, so a reader that is still
// mid-lookup against the old chapter keeps seeing consistent data until
// the chapter writer confirms the replacement is durable.
package pagecache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Kind distinguishes a decoded delta-index page from a raw record page;
// record pages are kept undecoded since callers binary-search them
// directly.
type Kind int

const (
	IndexPage Kind = iota
	RecordPage
)

// Page is a cached page payload.
type Page struct {
	Kind Kind
	Raw  []byte
}

// Cache is the shared, internally-locked page cache. Different physical
// pages may be fetched concurrently; a given page's cache line is
// serialized by the underlying LRU's own lock.
type Cache struct {
	lru *lru.Cache

	mu       sync.Mutex
	expiring map[uint64]struct{}

	logger *zap.Logger

	hits, misses uint64
}

// New allocates a Cache holding up to capacity pages.
func New(capacity int, logger *zap.Logger) (*Cache, error) {
	l, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{lru: l, expiring: make(map[uint64]struct{}), logger: logger}, nil
}

// Get returns the cached page at physical page number p, if resident.
func (c *Cache) Get(p uint64) (Page, bool) {
	v, ok := c.lru.Get(p)
	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		c.logger.Debug("page cache miss", zap.Uint64("page", p))
		return Page{}, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return v.(Page), true
}

// Put installs page at physical page number p.
func (c *Cache) Put(p uint64, page Page) {
	c.lru.Add(p, page)
}

// MarkExpiring flags every page in [firstPage, firstPage+count) as
// belonging to a chapter that is about to be overwritten. They remain
// servable from cache until ConfirmExpired is called.
func (c *Cache) MarkExpiring(firstPage uint64, count uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := firstPage; p < firstPage+count; p++ {
		c.expiring[p] = struct{}{}
	}
}

// ConfirmExpired evicts every page in [firstPage, firstPage+count) that
// was previously marked expiring, once the chapter writer has confirmed
// the replacement chapter is durably written.
func (c *Cache) ConfirmExpired(firstPage uint64, count uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := firstPage; p < firstPage+count; p++ {
		if _, ok := c.expiring[p]; ok {
			delete(c.expiring, p)
			c.lru.Remove(p)
		}
	}
	c.logger.Debug("page cache expired chapter range", zap.Uint64("first_page", firstPage), zap.Uint64("count", count))
}

// Stats returns cumulative hit/miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
