// Package volumeindex implements the name→chapter hint structure: a dense
// delta index covering the dense tier of the active window, and a sparse
// delta index covering sampled names across the whole window (dense and
// sparse tiers alike). It is sharded into zone-local sub-indexes; routing
// from a name to its owning zone is a pure function of the name alone.
package volumeindex

import (
	"math/bits"

	"github.com/openvdo/uds/chunkname"
	"github.com/openvdo/uds/deltaindex"
	"github.com/openvdo/uds/geometry"
)

// Triage is the cheap, read-only result used by the triage stage to
// decide whether a sparse-cache barrier must precede this request.
type Triage struct {
	InSampledChapter bool
	VirtualChapter   uint64
}

// Record is the result of a zone-local lookup.
type Record struct {
	Found       bool
	IsCollision bool
	VCN         uint64
}

type zoneSubIndex struct {
	dense  *deltaindex.DeltaIndex
	sparse *deltaindex.DeltaIndex
}

// VolumeIndex is the sharded name→VCN hint structure.
type VolumeIndex struct {
	geo       geometry.Geometry
	zoneCount uint32
	vcnBits   uint
	zones     []zoneSubIndex

	newestVCN uint64
	oldestVCN uint64
}

// New allocates a VolumeIndex for zoneCount zones, each with its own dense
// and sparse delta index. listsPerZone and maxEntriesPerList size each
// delta index's memory budget.
func New(geo geometry.Geometry, zoneCount uint32, listsPerZone, maxEntriesPerList int) *VolumeIndex {
	vi := &VolumeIndex{
		geo:       geo,
		zoneCount: zoneCount,
		// Enough bits to reconstruct a VCN from the window it could be in,
		// with margin so a wrapped counter is never ambiguous.
		vcnBits: uint(bits.Len32(geo.ChaptersPerVolume)) + 2,
		zones:   make([]zoneSubIndex, zoneCount),
	}
	for i := range vi.zones {
		vi.zones[i] = zoneSubIndex{
			dense:  deltaindex.New(listsPerZone, maxEntriesPerList),
			sparse: deltaindex.New(listsPerZone, maxEntriesPerList),
		}
	}
	return vi
}

func (vi *VolumeIndex) zoneOf(name chunkname.Name) *zoneSubIndex {
	return &vi.zones[name.Zone(vi.zoneCount)]
}

func (vi *VolumeIndex) listOf(name chunkname.Name, sub *deltaindex.DeltaIndex) int {
	return int(name.DeltaAddress(uint32(sub.NumLists())))
}

func (vi *VolumeIndex) reconstructVCN(low uint32) uint64 {
	mask := uint64(1)<<vi.vcnBits - 1
	base := vi.newestVCN &^ mask
	candidate := base | uint64(low)
	if candidate > vi.newestVCN && candidate >= mask+1 {
		candidate -= mask + 1
	}
	return candidate
}

func (vi *VolumeIndex) truncateVCN(vcn uint64) uint32 {
	mask := uint64(1)<<vi.vcnBits - 1
	return uint32(vcn & mask)
}

// Lookup is the cheap, non-mutating call used by the triage stage. It
// only consults the sparse index, since only sparse membership can
// require a barrier.
func (vi *VolumeIndex) Lookup(name chunkname.Name) Triage {
	if !name.IsSample(vi.geo.SparseSampleRate) {
		return Triage{}
	}
	sub := vi.zoneOf(name)
	list := vi.listOf(name, sub.sparse)
	e, ok := sub.sparse.LookupHint(list, name.Address())
	if !ok {
		return Triage{}
	}
	vcn := vi.reconstructVCN(e.VCNLow)
	return Triage{InSampledChapter: vi.isSparseChapter(vcn), VirtualChapter: vcn}
}

func (vi *VolumeIndex) isSparseChapter(vcn uint64) bool {
	if vcn > vi.newestVCN {
		return false
	}
	offset := vi.newestVCN - vcn
	return vi.geo.IsSparse(uint32(offset))
}

// GetRecord resolves a name to its most recent hint, consulting the
// collision entry first (authoritative) and falling back to the plain
// hint (possibly stale — the caller must confirm against the record page).
func (vi *VolumeIndex) GetRecord(name chunkname.Name) Record {
	sub := vi.zoneOf(name)
	addr := name.Address()
	rem := name.Remainder()

	list := vi.listOf(name, sub.dense)
	if e, ok := sub.dense.LookupCollision(list, addr, rem); ok {
		return Record{Found: true, IsCollision: true, VCN: vi.reconstructVCN(e.VCNLow)}
	}
	if e, ok := sub.dense.LookupHint(list, addr); ok {
		return Record{Found: true, VCN: vi.reconstructVCN(e.VCNLow)}
	}

	if name.IsSample(vi.geo.SparseSampleRate) {
		slist := vi.listOf(name, sub.sparse)
		if e, ok := sub.sparse.LookupCollision(slist, addr, rem); ok {
			return Record{Found: true, IsCollision: true, VCN: vi.reconstructVCN(e.VCNLow)}
		}
		if e, ok := sub.sparse.LookupHint(slist, addr); ok {
			return Record{Found: true, VCN: vi.reconstructVCN(e.VCNLow)}
		}
	}
	return Record{}
}

// Put inserts a non-collision hint pointing at vcn. If the address is
// already occupied by a different name (detected by the caller's confirm
// step against the record page), the caller should call PutCollision
// instead.
func (vi *VolumeIndex) Put(name chunkname.Name, vcn uint64) error {
	sub := vi.zoneOf(name)
	low := vi.truncateVCN(vcn)
	list := vi.listOf(name, sub.dense)
	if err := sub.dense.InsertHint(list, name.Address(), low); err != nil {
		return err
	}
	if name.IsSample(vi.geo.SparseSampleRate) {
		slist := vi.listOf(name, sub.sparse)
		if err := sub.sparse.InsertHint(slist, name.Address(), low); err != nil {
			return err
		}
	}
	return nil
}

// PutCollision records name as a collision at its address, authoritative
// regardless of any later hint overwriting the shared slot.
func (vi *VolumeIndex) PutCollision(name chunkname.Name, vcn uint64) error {
	sub := vi.zoneOf(name)
	low := vi.truncateVCN(vcn)
	rem := name.Remainder()
	list := vi.listOf(name, sub.dense)
	if err := sub.dense.InsertCollision(list, name.Address(), rem, low); err != nil {
		return err
	}
	if name.IsSample(vi.geo.SparseSampleRate) {
		slist := vi.listOf(name, sub.sparse)
		if err := sub.sparse.InsertCollision(slist, name.Address(), rem, low); err != nil {
			return err
		}
	}
	return nil
}

// SetChapter updates an existing hint's VCN, used when a query with
// update=true promotes a record into the open chapter.
func (vi *VolumeIndex) SetChapter(name chunkname.Name, vcn uint64) error {
	return vi.Put(name, vcn)
}

// Remove deletes any hint and collision entry for name.
func (vi *VolumeIndex) Remove(name chunkname.Name) {
	sub := vi.zoneOf(name)
	addr := name.Address()
	rem := name.Remainder()
	list := vi.listOf(name, sub.dense)
	sub.dense.RemoveHint(list, addr)
	sub.dense.RemoveCollision(list, addr, rem)
	if name.IsSample(vi.geo.SparseSampleRate) {
		slist := vi.listOf(name, sub.sparse)
		sub.sparse.RemoveHint(slist, addr)
		sub.sparse.RemoveCollision(slist, addr, rem)
	}
}

// SetOpenChapter advances the rolling window to newestVCN across every
// zone, purging dense-index entries for the chapter that just transitioned
// from the dense tier into the sparse tier, and purging both dense and
// sparse entries for any chapter whose physical slot is being reused.
func (vi *VolumeIndex) SetOpenChapter(newestVCN uint64) {
	vi.newestVCN = newestVCN
	if vi.newestVCN >= uint64(vi.geo.ChaptersPerVolume) {
		vi.oldestVCN = vi.newestVCN - uint64(vi.geo.ChaptersPerVolume) + 1
	}

	denseTierSize := uint64(vi.geo.DenseChaptersPerVolume())
	if newestVCN >= denseTierSize {
		vi.purgeVCN(newestVCN-denseTierSize, false)
	}
	if newestVCN >= uint64(vi.geo.ChaptersPerVolume) {
		vi.purgeVCN(newestVCN-uint64(vi.geo.ChaptersPerVolume), true)
	}
}

// SetZoneOpenChapter is the per-zone variant used when zones advance their
// windows independently between chapter-closed broadcasts.
func (vi *VolumeIndex) SetZoneOpenChapter(zone uint32, newestVCN uint64) {
	denseTierSize := uint64(vi.geo.DenseChaptersPerVolume())
	if newestVCN >= denseTierSize {
		vi.purgeZoneVCN(zone, newestVCN-denseTierSize, false)
	}
	if newestVCN >= uint64(vi.geo.ChaptersPerVolume) {
		vi.purgeZoneVCN(zone, newestVCN-uint64(vi.geo.ChaptersPerVolume), true)
	}
}

func (vi *VolumeIndex) purgeVCN(vcn uint64, includeSparse bool) {
	for z := range vi.zones {
		vi.purgeZoneVCN(uint32(z), vcn, includeSparse)
	}
}

func (vi *VolumeIndex) purgeZoneVCN(zone uint32, vcn uint64, includeSparse bool) {
	low := vi.truncateVCN(vcn)
	matches := func(e deltaindex.Entry) bool { return e.VCNLow == low }
	vi.zones[zone].dense.PurgeWhere(matches)
	if includeSparse {
		vi.zones[zone].sparse.PurgeWhere(matches)
	}
}

// OldestVCN and NewestVCN report the active window bounds.
func (vi *VolumeIndex) OldestVCN() uint64 { return vi.oldestVCN }
func (vi *VolumeIndex) NewestVCN() uint64 { return vi.newestVCN }

// DenseEntryCount and SparseEntryCount report live entry counts across all
// zones, for GetStats.
func (vi *VolumeIndex) DenseEntryCount() int {
	n := 0
	for i := range vi.zones {
		n += vi.zones[i].dense.EntryCount()
	}
	return n
}

func (vi *VolumeIndex) SparseEntryCount() int {
	n := 0
	for i := range vi.zones {
		n += vi.zones[i].sparse.EntryCount()
	}
	return n
}
