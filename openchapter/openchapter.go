// Package openchapter implements the zone-local, in-memory hash table
// that absorbs puts until it fills and is handed to the chapter writer.
package openchapter

import "github.com/openvdo/uds/chunkname"

type slotState uint8

const (
	slotEmpty slotState = iota
	slotUsed
	slotDeleted
)

type slot struct {
	state    slotState
	name     chunkname.Name
	metadata []byte
}

// OpenChapter is a zone-local hash-addressed table with linear-probing
// open addressing, insertion order preserved in a dense array so Snapshot
// can hand records to the chapter writer in arrival order.
type OpenChapter struct {
	capacity int
	table    []slot
	order    []chunkname.Name // insertion order, for packing
	size     int              // live (non-deleted) entries
}

// New allocates an OpenChapter with room for capacity records. The
// backing table is oversized relative to capacity to keep linear probing
// short even near full occupancy.
func New(capacity int) *OpenChapter {
	tableSize := capacity * 2
	if tableSize < 8 {
		tableSize = 8
	}
	return &OpenChapter{
		capacity: capacity,
		table:    make([]slot, tableSize),
		order:    make([]chunkname.Name, 0, capacity),
	}
}

func (c *OpenChapter) probe(name chunkname.Name) int {
	start := int(name.HashSlot(uint32(len(c.table))))
	i := start
	firstDeleted := -1
	for {
		s := &c.table[i]
		switch s.state {
		case slotEmpty:
			if firstDeleted >= 0 {
				return firstDeleted
			}
			return i
		case slotDeleted:
			if firstDeleted < 0 {
				firstDeleted = i
			}
		case slotUsed:
			if s.name == name {
				return i
			}
		}
		i = (i + 1) % len(c.table)
		if i == start {
			// Table is saturated with tombstones/collisions; caller must
			// never let this happen (capacity bounds remaining slots).
			if firstDeleted >= 0 {
				return firstDeleted
			}
			return -1
		}
	}
}

// Put inserts or overwrites name's metadata and returns the number of
// slots remaining before the chapter must be closed. Capacity is measured
// in live records, not table slots.
func (c *OpenChapter) Put(name chunkname.Name, metadata []byte) (remaining int) {
	i := c.probe(name)
	s := &c.table[i]
	if s.state != slotUsed {
		s.state = slotUsed
		s.name = name
		c.order = append(c.order, name)
		c.size++
	}
	s.metadata = metadata
	return c.capacity - c.size
}

// Search looks up name, returning its metadata if present.
func (c *OpenChapter) Search(name chunkname.Name) (metadata []byte, found bool) {
	i := c.probe(name)
	if i < 0 || c.table[i].state != slotUsed || c.table[i].name != name {
		return nil, false
	}
	return c.table[i].metadata, true
}

// Remove marks name's slot deleted; the slot itself is reclaimed only on
// Reset.
func (c *OpenChapter) Remove(name chunkname.Name) (found bool) {
	i := c.probe(name)
	if i < 0 || c.table[i].state != slotUsed || c.table[i].name != name {
		return false
	}
	c.table[i] = slot{state: slotDeleted}
	c.size--
	return true
}

// Size reports the number of live records.
func (c *OpenChapter) Size() int { return c.size }

// Capacity reports the configured record capacity.
func (c *OpenChapter) Capacity() int { return c.capacity }

// Full reports whether the chapter already holds capacity live records.
func (c *OpenChapter) Full() bool { return c.size >= c.capacity }

// Record is a single (name, metadata) pair, exposed in insertion order for
// packing by the chapter writer.
type Record struct {
	Name     chunkname.Name
	Metadata []byte
}

// Snapshot copies out every live record in insertion order. The chapter
// writer owns this copy; the open chapter keeps its own table untouched
// so the zone can keep using it until Reset is called.
func (c *OpenChapter) Snapshot() []Record {
	out := make([]Record, 0, c.size)
	seen := make(map[chunkname.Name]bool, c.size)
	for _, name := range c.order {
		if seen[name] {
			// A name removed and put again appears twice in order.
			continue
		}
		if md, found := c.Search(name); found {
			seen[name] = true
			out = append(out, Record{Name: name, Metadata: md})
		}
	}
	return out
}

// Reset clears the chapter for reuse, reclaiming deleted and used slots.
func (c *OpenChapter) Reset() {
	for i := range c.table {
		c.table[i] = slot{}
	}
	c.order = c.order[:0]
	c.size = 0
}
