// Package deltaindex implements the packed delta-list associative array
// that backs the volume index (both its dense and sparse variants): a
// name's hashed address is stored as the delta from the previous address
// in the same list, Golomb-Rice coded into a bit-packed page.
//
// A DeltaIndex is organized into a fixed number of delta lists; the caller
// (package volumeindex) selects the list with chunkname.Name.DeltaAddress.
// Each list holds an ordered sequence of entries. An entry may be a plain
// hint (the most recent chapter known to contain some name that hashed to
// this address) or a collision marker (this address was shared by two
// distinct names within the same chapter, so the remaining name bytes are
// stored to disambiguate).
package deltaindex

import (
	"sort"

	"github.com/openvdo/uds/errs"
)

// Entry is one (delta-addressed) binding in a delta list.
type Entry struct {
	Address   uint64
	VCNLow    uint32
	Collision bool
	Remainder [6]byte
}

// DeltaList holds entries for a single hashed address range, sorted
// ascending by Address (and, for equal addresses, hint before collision).
type DeltaList struct {
	entries []Entry
}

func (dl *DeltaList) lowerBound(address uint64) int {
	return sort.Search(len(dl.entries), func(i int) bool {
		return dl.entries[i].Address >= address
	})
}

// Len reports how many entries this list currently holds.
func (dl *DeltaList) Len() int { return len(dl.entries) }

// Entries returns a read-only view of this list's entries.
func (dl *DeltaList) Entries() []Entry { return dl.entries }

func (dl *DeltaList) findHint(address uint64) (int, bool) {
	i := dl.lowerBound(address)
	for ; i < len(dl.entries) && dl.entries[i].Address == address; i++ {
		if !dl.entries[i].Collision {
			return i, true
		}
	}
	return -1, false
}

func (dl *DeltaList) findCollision(address uint64, remainder [6]byte) (int, bool) {
	i := dl.lowerBound(address)
	for ; i < len(dl.entries) && dl.entries[i].Address == address; i++ {
		if dl.entries[i].Collision && dl.entries[i].Remainder == remainder {
			return i, true
		}
	}
	return -1, false
}

func (dl *DeltaList) insertAt(i int, e Entry) {
	dl.entries = append(dl.entries, Entry{})
	copy(dl.entries[i+1:], dl.entries[i:])
	dl.entries[i] = e
}

func (dl *DeltaList) removeAt(i int) {
	dl.entries = append(dl.entries[:i], dl.entries[i+1:]...)
}

// DeltaIndex is a sharded collection of DeltaList, addressed by a list
// index computed externally from a chunk name.
type DeltaIndex struct {
	lists           []DeltaList
	maxEntriesPerList int
}

// New allocates a DeltaIndex with the given number of lists. maxEntries
// bounds how many entries a single list may hold before Insert reports
// errs.Overflow, standing in for the C implementation's fixed bit budget
// per list.
func New(numLists int, maxEntriesPerList int) *DeltaIndex {
	return &DeltaIndex{
		lists:           make([]DeltaList, numLists),
		maxEntriesPerList: maxEntriesPerList,
	}
}

// NumLists reports the configured list count.
func (d *DeltaIndex) NumLists() int { return len(d.lists) }

// List exposes list i directly, for packing and rebuild scans.
func (d *DeltaIndex) List(i int) *DeltaList { return &d.lists[i] }

// LookupHint returns the non-collision entry at address in list i, if any.
func (d *DeltaIndex) LookupHint(listIndex int, address uint64) (Entry, bool) {
	dl := &d.lists[listIndex]
	i, ok := dl.findHint(address)
	if !ok {
		return Entry{}, false
	}
	return dl.entries[i], true
}

// LookupCollision returns the collision entry at address with the given
// remainder bytes, if any.
func (d *DeltaIndex) LookupCollision(listIndex int, address uint64, remainder [6]byte) (Entry, bool) {
	dl := &d.lists[listIndex]
	i, ok := dl.findCollision(address, remainder)
	if !ok {
		return Entry{}, false
	}
	return dl.entries[i], true
}

// InsertHint adds a non-collision hint at address, or returns
// errs.Overflow if the list is full. Overflow must be treated by the
// caller as "drop this write silently".
func (d *DeltaIndex) InsertHint(listIndex int, address uint64, vcnLow uint32) error {
	dl := &d.lists[listIndex]
	if i, ok := dl.findHint(address); ok {
		dl.entries[i].VCNLow = vcnLow
		return nil
	}
	if d.maxEntriesPerList > 0 && len(dl.entries) >= d.maxEntriesPerList {
		return errs.New(errs.Overflow, "delta list full")
	}
	i := dl.lowerBound(address)
	dl.insertAt(i, Entry{Address: address, VCNLow: vcnLow})
	return nil
}

// InsertCollision records a collision entry, authoritative regardless of
// staleness.
func (d *DeltaIndex) InsertCollision(listIndex int, address uint64, remainder [6]byte, vcnLow uint32) error {
	dl := &d.lists[listIndex]
	if i, ok := dl.findCollision(address, remainder); ok {
		dl.entries[i].VCNLow = vcnLow
		return nil
	}
	if d.maxEntriesPerList > 0 && len(dl.entries) >= d.maxEntriesPerList {
		return errs.New(errs.Overflow, "delta list full")
	}
	// Collisions sort after the hint (and any other collisions) sharing
	// the same address, so findHint always finds the plain hint first.
	i := dl.lowerBound(address)
	for i < len(dl.entries) && dl.entries[i].Address == address {
		i++
	}
	dl.insertAt(i, Entry{Address: address, VCNLow: vcnLow, Collision: true, Remainder: remainder})
	return nil
}

// RemoveHint deletes the non-collision entry at address, if present.
func (d *DeltaIndex) RemoveHint(listIndex int, address uint64) bool {
	dl := &d.lists[listIndex]
	i, ok := dl.findHint(address)
	if !ok {
		return false
	}
	dl.removeAt(i)
	return true
}

// RemoveCollision deletes the matching collision entry, if present.
func (d *DeltaIndex) RemoveCollision(listIndex int, address uint64, remainder [6]byte) bool {
	dl := &d.lists[listIndex]
	i, ok := dl.findCollision(address, remainder)
	if !ok {
		return false
	}
	dl.removeAt(i)
	return true
}

// PurgeWhere removes every entry (in every list) for which pred returns
// true, used when a physical chapter is reused and its old bindings must
// be invalidated.
func (d *DeltaIndex) PurgeWhere(pred func(Entry) bool) int {
	removed := 0
	for li := range d.lists {
		dl := &d.lists[li]
		kept := dl.entries[:0]
		for _, e := range dl.entries {
			if pred(e) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		dl.entries = kept
	}
	return removed
}

// EntryCount sums entries across every list.
func (d *DeltaIndex) EntryCount() int {
	n := 0
	for i := range d.lists {
		n += len(d.lists[i].entries)
	}
	return n
}
