// Package geometry holds the immutable parameters that define chapter and
// page sizes for a UDS volume, and the values derived from them.
//
// A Geometry is fixed for the lifetime of an index instance: it is written
// once into the on-disk config region (see package layout) and loaded back
// unchanged on every subsequent open.
package geometry

import "fmt"

// BytesPerPage is fixed across all geometries.
const BytesPerPage = 4096

// Geometry is immutable per index instance.
type Geometry struct {
	RecordsPerPage       uint32
	RecordPagesPerChapter uint32
	IndexPagesPerChapter  uint32
	ChaptersPerVolume     uint32
	SparseChaptersPerVolume uint32

	// SparseSampleRate selects which names are tracked in the sparse
	// portion of the volume index; 1-in-SparseSampleRate names sample.
	SparseSampleRate uint32
}

// PagesPerChapter is index pages plus record pages.
func (g Geometry) PagesPerChapter() uint32 {
	return g.IndexPagesPerChapter + g.RecordPagesPerChapter
}

// RecordsPerChapter is the open-chapter and on-disk record capacity.
func (g Geometry) RecordsPerChapter() uint32 {
	return g.RecordsPerPage * g.RecordPagesPerChapter
}

// DenseChaptersPerVolume is the non-sparse portion of the window.
func (g Geometry) DenseChaptersPerVolume() uint32 {
	if g.SparseChaptersPerVolume >= g.ChaptersPerVolume {
		return 0
	}
	return g.ChaptersPerVolume - g.SparseChaptersPerVolume
}

// BytesPerChapter is the on-disk footprint of one chapter.
func (g Geometry) BytesPerChapter() uint64 {
	return uint64(g.PagesPerChapter()) * BytesPerPage
}

// Validate checks the geometry for internal consistency. It is run once at
// construction and again whenever a geometry is decoded from an on-disk
// config record.
func (g Geometry) Validate() error {
	switch {
	case g.RecordsPerPage == 0:
		return fmt.Errorf("geometry: records per page must be positive")
	case g.RecordPagesPerChapter == 0:
		return fmt.Errorf("geometry: record pages per chapter must be positive")
	case g.IndexPagesPerChapter == 0:
		return fmt.Errorf("geometry: index pages per chapter must be positive")
	case g.ChaptersPerVolume == 0:
		return fmt.Errorf("geometry: chapters per volume must be positive")
	case g.SparseChaptersPerVolume >= g.ChaptersPerVolume:
		return fmt.Errorf("geometry: sparse chapters (%d) must be fewer than chapters per volume (%d)",
			g.SparseChaptersPerVolume, g.ChaptersPerVolume)
	case g.SparseSampleRate == 0:
		return fmt.Errorf("geometry: sparse sample rate must be positive")
	}
	return nil
}

// IsSparse reports whether the chapter at windowOffset slots behind
// newest (0 == the open chapter itself) falls in the sparse tail of the
// window.
func (g Geometry) IsSparse(windowOffset uint32) bool {
	return windowOffset >= g.DenseChaptersPerVolume()
}

// ChaptersToExpire returns how many chapters should be reaped from the
// oldest end of the window after closing the chapter at newest. In the
// steady state (window already full) this is always 1; during the initial
// fill of the volume it is 0.
func ChaptersToExpire(g Geometry, newestVCN uint64) uint32 {
	if newestVCN+1 <= uint64(g.ChaptersPerVolume) {
		return 0
	}
	return 1
}

// Default returns a small geometry convenient for tests and examples
// (16 records/page, 4 record pages/chapter, 2 index pages/chapter,
// 8 chapters/volume, 2 sparse, sample rate 4).
func Default() Geometry {
	return Geometry{
		RecordsPerPage:          16,
		RecordPagesPerChapter:   4,
		IndexPagesPerChapter:    2,
		ChaptersPerVolume:       8,
		SparseChaptersPerVolume: 2,
		SparseSampleRate:        4,
	}
}
