// Package sparsecache implements the cache of decoded sparse chapter
// indexes shared across every zone. Unlike the dense
// window, which each zone keeps privately, sparse chapters are numerous
// and expensive to decode, so at most a handful are held in memory at
// once, evicted least-recently-used, and admitted only through the
// barrier protocol in package triage: every zone must agree a chapter
// is worth caching before any zone searches it, so the decoded copy
// stays identical across zones.
package sparsecache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/openvdo/uds/deltaindex"
)

// Entry is one decoded sparse chapter index, keyed by virtual chapter
// number.
type Entry struct {
	VCN   uint64
	Index *deltaindex.DeltaIndex
}

// Cache is the shared LRU of decoded sparse chapter indexes.
type Cache struct {
	lru *lru.Cache
}

// New allocates a Cache holding up to capacity decoded sparse chapters.
// capacity is ordinarily geometry.Geometry.SparseChaptersPerVolume,
// matching the sparse tier's full window.
func New(capacity int) (*Cache, error) {
	l, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// Get returns the decoded index for vcn, if resident.
func (c *Cache) Get(vcn uint64) (*deltaindex.DeltaIndex, bool) {
	v, ok := c.lru.Get(vcn)
	if !ok {
		return nil, false
	}
	return v.(*deltaindex.DeltaIndex), true
}

// Admit installs the decoded index for vcn. Callers must only call this
// after a barrier has confirmed every zone wants vcn cached (see
// package triage), so the cache never holds two different decodings of
// the same chapter across zones.
func (c *Cache) Admit(vcn uint64, idx *deltaindex.DeltaIndex) {
	c.lru.Add(vcn, idx)
}

// Evict removes vcn from the cache, e.g. once it ages out of the sparse
// tier entirely and is no longer part of the volume's window.
func (c *Cache) Evict(vcn uint64) {
	c.lru.Remove(vcn)
}

// Contains reports whether vcn is currently cached, without affecting
// its recency.
func (c *Cache) Contains(vcn uint64) bool {
	return c.lru.Contains(vcn)
}

// Len reports how many chapters are currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}
