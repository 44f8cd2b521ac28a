package volume

// Boundaries describes what FindVolumeChapterBoundaries discovered by
// scanning every physical chapter's header: the VCN window the volume
// currently holds, and which physical chapter backs each VCN in it.
type Boundaries struct {
	OldestVCN     uint64
	NewestVCN     uint64
	HasChapters   bool
	PhysicalOf    map[uint64]uint32
}

// FindVolumeChapterBoundaries scans every physical chapter's header (never
// a record or index page) and reconstructs the live VCN window, for use
// by rebuild when no save slot can be trusted. A physical
// chapter that was never written, or whose header fails its checksum, is
// treated as not yet part of the window; rebuild only trusts what it can
// verify.
func FindVolumeChapterBoundaries(store *Store, chaptersPerVolume uint32) (Boundaries, error) {
	b := Boundaries{PhysicalOf: make(map[uint64]uint32)}
	var haveNewest, haveOldest bool

	for p := uint32(0); p < chaptersPerVolume; p++ {
		h, err := store.ReadChapterHeader(p)
		if err == ErrEmptyChapter {
			continue
		}
		if err != nil {
			// A corrupt chapter header is skipped rather than failing the
			// whole rebuild: the chapter it would have described is simply
			// treated as absent from the recovered window.
			continue
		}
		b.PhysicalOf[h.VCN] = p
		b.HasChapters = true
		if !haveNewest || h.VCN > b.NewestVCN {
			b.NewestVCN = h.VCN
			haveNewest = true
		}
		if !haveOldest || h.VCN < b.OldestVCN {
			b.OldestVCN = h.VCN
			haveOldest = true
		}
	}

	if !b.HasChapters {
		return b, nil
	}
	if b.NewestVCN-b.OldestVCN+1 > uint64(chaptersPerVolume) {
		// More distinct VCNs were recovered than the volume can hold: the
		// window must have wrapped and some of what we read is stale
		// data left behind in a physical slot since reused. Trust only the
		// most recent chaptersPerVolume chapters.
		b.OldestVCN = b.NewestVCN - uint64(chaptersPerVolume) + 1
		for vcn := range b.PhysicalOf {
			if vcn < b.OldestVCN {
				delete(b.PhysicalOf, vcn)
			}
		}
	}
	return b, nil
}
