package volume

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/openvdo/uds/chunkname"
	"github.com/openvdo/uds/deltaindex"
	"github.com/openvdo/uds/geometry"
)

// chapterIndex is the miniature deltaindex.DeltaIndex that lives inside a
// single written chapter: it maps a name's address to the record page
// that holds it, exactly the same delta-coded shape the volume index
// uses to map a name's address to a chapter, with the "VCN" field
// repurposed as a record-page number (see deltaindex.Entry.VCNLow).
//
// The index has exactly IndexPagesPerChapter lists, one per on-disk
// index page, so a reader need only decode the single list its name
// hashes to rather than the whole chapter index.
type chapterIndex struct {
	geo geometry.Geometry
	di  *deltaindex.DeltaIndex
}

func recordPageBits(geo geometry.Geometry) uint {
	n := bits.Len32(geo.RecordPagesPerChapter)
	if n == 0 {
		n = 1
	}
	return uint(n)
}

func newChapterIndex(geo geometry.Geometry) *chapterIndex {
	return &chapterIndex{geo: geo, di: deltaindex.New(int(geo.IndexPagesPerChapter), 0)}
}

func (ci *chapterIndex) listFor(name chunkname.Name) int {
	return int(name.DeltaAddress(ci.geo.IndexPagesPerChapter))
}

// insert records that name lives in recordPage. A name already present
// at the same address is recorded as a collision, mirroring how the
// volume index disambiguates two names that hash to the same address.
func (ci *chapterIndex) insert(name chunkname.Name, recordPage uint32) error {
	list := ci.listFor(name)
	addr := name.Address()
	if _, ok := ci.di.LookupHint(list, addr); ok {
		return ci.di.InsertCollision(list, addr, name.Remainder(), recordPage)
	}
	return ci.di.InsertHint(list, addr, recordPage)
}

// lookup returns every candidate record page for name: the plain hint
// (if any) and, if this address collided while packing the chapter, the
// collision entry whose remainder matches name exactly.
func (ci *chapterIndex) lookup(name chunkname.Name) (recordPage uint32, found bool) {
	list := ci.listFor(name)
	addr := name.Address()
	if e, ok := ci.di.LookupCollision(list, addr, name.Remainder()); ok {
		return e.VCNLow, true
	}
	if e, ok := ci.di.LookupHint(list, addr); ok {
		return e.VCNLow, true
	}
	return 0, false
}

// LookupInDeltaIndex resolves name against a chapter index's raw
// deltaindex.DeltaIndex directly, for the sparse-cache probe: the cache
// holds exactly this decoded form (see sparsecache.Cache / triage
// package), keyed by VCN rather than physical chapter, so a cache hit
// lets a lookup skip the index-page read entirely.
func LookupInDeltaIndex(geo geometry.Geometry, di *deltaindex.DeltaIndex, name chunkname.Name) (recordPage uint32, found bool) {
	list := int(name.DeltaAddress(geo.IndexPagesPerChapter))
	addr := name.Address()
	if e, ok := di.LookupCollision(list, addr, name.Remainder()); ok {
		return e.VCNLow, true
	}
	if e, ok := di.LookupHint(list, addr); ok {
		return e.VCNLow, true
	}
	return 0, false
}

// indexPageHeaderLen is the fixed prefix of an index page: the number of
// delta entries packed into it, needed by DecodeList before it can read
// a variable-length bitstream.
const indexPageHeaderLen = 4

// encodePages renders the chapter index as IndexPagesPerChapter
// fixed-size pages, one per list.
func (ci *chapterIndex) encodePages() ([][]byte, error) {
	meanDelta := meanAddressDelta(ci.geo)
	vcnBits := recordPageBits(ci.geo)
	pages := make([][]byte, ci.geo.IndexPagesPerChapter)
	for i := range pages {
		dl := ci.di.List(i)
		packed := deltaindex.EncodeList(dl, meanDelta, vcnBits)
		if len(packed)+indexPageHeaderLen > geometry.BytesPerPage {
			return nil, fmt.Errorf("volume: index page %d overflowed page size (%d bytes packed)", i, len(packed))
		}
		page := make([]byte, geometry.BytesPerPage)
		binary.LittleEndian.PutUint32(page[0:4], uint32(dl.Len()))
		copy(page[indexPageHeaderLen:], packed)
		pages[i] = page
	}
	return pages, nil
}

// decodeChapterIndex reconstructs a chapterIndex from its on-disk pages.
func decodeChapterIndex(geo geometry.Geometry, pages [][]byte) (*chapterIndex, error) {
	if uint32(len(pages)) != geo.IndexPagesPerChapter {
		return nil, fmt.Errorf("volume: expected %d index pages, got %d", geo.IndexPagesPerChapter, len(pages))
	}
	meanDelta := meanAddressDelta(geo)
	vcnBits := recordPageBits(geo)
	ci := newChapterIndex(geo)
	for i, page := range pages {
		if len(page) < indexPageHeaderLen {
			return nil, fmt.Errorf("volume: index page %d too short", i)
		}
		count := int(binary.LittleEndian.Uint32(page[0:4]))
		dl := deltaindex.DecodeList(page[indexPageHeaderLen:], count, meanDelta, vcnBits)
		*ci.di.List(i) = *dl
	}
	return ci, nil
}

// meanAddressDelta estimates the average gap between consecutive
// addresses within one list, used to pick a near-optimal Golomb-Rice
// shift: the full 64-bit address space divided among the chapter's
// records and lists.
func meanAddressDelta(geo geometry.Geometry) uint64 {
	entries := uint64(geo.RecordsPerChapter()) / uint64(geo.IndexPagesPerChapter)
	if entries == 0 {
		entries = 1
	}
	return (uint64(1) << 63) / entries
}
