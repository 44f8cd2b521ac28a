package volume

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/exp/mmap"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/openvdo/uds/chunkname"
	"github.com/openvdo/uds/deltaindex"
	"github.com/openvdo/uds/errs"
	"github.com/openvdo/uds/geometry"
	"github.com/openvdo/uds/layout"
	"github.com/openvdo/uds/pagecache"
)

// Store is the backing chapter store for one open volume: a read path
// over an mmap'd view of the file (cheap, concurrent random reads) and a
// write path over a regular *os.File (sequential chapter writes), both
// guarded by a lock that only the write path needs to hold exclusively.
//
// The read and write paths share one underlying file instead of being
// layered, since the volume is always read-write once opened.
type Store struct {
	mu sync.RWMutex

	geo    geometry.Geometry
	layout layout.Layout

	reader *mmap.ReaderAt
	writer *os.File

	cache  *pagecache.Cache
	logger *zap.Logger
}

// Open maps path for reading and opens it for writing. The file must
// already be sized to at least lay.TotalSize() (the caller is
// responsible for creating/truncating it as part of CREATE/LOAD).
func Open(path string, geo geometry.Geometry, lay layout.Layout, cache *pagecache.Cache, logger *zap.Logger) (*Store, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.CorruptFile, "volume: mmap open", err)
	}
	writer, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		reader.Close()
		return nil, errs.Wrap(errs.CorruptFile, "volume: open for writing", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{geo: geo, layout: lay, reader: reader, writer: writer, cache: cache, logger: logger}, nil
}

// Close releases the mmap and the backing file descriptor. Both are
// closed even if the first fails, and both errors are reported.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	werr := s.writer.Close()
	rerr := s.reader.Close()
	return multierr.Combine(werr, rerr)
}

func (s *Store) pagesPerChapter() uint32 {
	return s.geo.IndexPagesPerChapter + s.geo.RecordPagesPerChapter
}

func (s *Store) absolutePage(physicalChapter uint32, pageInChapter uint32) uint64 {
	return uint64(physicalChapter)*uint64(s.pagesPerChapter()) + uint64(pageInChapter)
}

func (s *Store) readPage(physicalChapter, pageInChapter uint32, kind pagecache.Kind) ([]byte, error) {
	abs := s.absolutePage(physicalChapter, pageInChapter)
	if s.cache != nil {
		if p, ok := s.cache.Get(abs); ok {
			return p.Raw, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	offset := s.layout.ChapterOffset(physicalChapter) + layout.ChapterHeaderSize + int64(pageInChapter)*geometry.BytesPerPage
	buf := make([]byte, geometry.BytesPerPage)
	if _, err := s.reader.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, errs.Wrap(errs.ShortRead, "volume: read page", err)
	}
	if s.cache != nil {
		s.cache.Put(abs, pagecache.Page{Kind: kind, Raw: buf})
	}
	return buf, nil
}

// ReadIndexPage returns index page pageIndex of physical chapter.
func (s *Store) ReadIndexPage(physicalChapter, pageIndex uint32) ([]byte, error) {
	if pageIndex >= s.geo.IndexPagesPerChapter {
		return nil, fmt.Errorf("volume: index page %d out of range", pageIndex)
	}
	return s.readPage(physicalChapter, pageIndex, pagecache.IndexPage)
}

// ReadRecordPage returns record page pageIndex of physical chapter.
func (s *Store) ReadRecordPage(physicalChapter, pageIndex uint32) ([]byte, error) {
	if pageIndex >= s.geo.RecordPagesPerChapter {
		return nil, fmt.Errorf("volume: record page %d out of range", pageIndex)
	}
	return s.readPage(physicalChapter, s.geo.IndexPagesPerChapter+pageIndex, pagecache.RecordPage)
}

// ReadChapterHeader returns the header region of physical chapter,
// ErrEmptyChapter if the chapter was never written.
func (s *Store) ReadChapterHeader(physicalChapter uint32) (ChapterHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset := s.layout.ChapterOffset(physicalChapter)
	buf := make([]byte, layout.ChapterHeaderSize)
	if _, err := s.reader.ReadAt(buf, offset); err != nil && err != io.EOF {
		return ChapterHeader{}, errs.Wrap(errs.ShortRead, "volume: read chapter header", err)
	}
	return DecodeChapterHeader(buf)
}

// readChapterIndex loads and decodes every index page of physical
// chapter into a chapterIndex usable for lookups.
func (s *Store) readChapterIndex(physicalChapter uint32) (*chapterIndex, error) {
	pages := make([][]byte, s.geo.IndexPagesPerChapter)
	for i := range pages {
		p, err := s.ReadIndexPage(physicalChapter, uint32(i))
		if err != nil {
			return nil, err
		}
		pages[i] = p
	}
	return decodeChapterIndex(s.geo, pages)
}

// ReadChapterDeltaIndex loads and decodes physical chapter's index pages
// into the raw deltaindex.DeltaIndex backing them, for admission into
// the shared sparse cache (see package sparsecache / triage). Only index
// pages are read; record pages are fetched later, on demand, once a
// lookup actually resolves to a record within this chapter.
func (s *Store) ReadChapterDeltaIndex(physicalChapter uint32) (*deltaindex.DeltaIndex, error) {
	ci, err := s.readChapterIndex(physicalChapter)
	if err != nil {
		return nil, err
	}
	return ci.di, nil
}

// WriteChapter durably writes packed at physicalChapter, overwriting
// whatever was there before. Pages previously cached for this physical
// chapter are marked expiring before the write and confirmed expired
// once the write (and the caller's metadata update, e.g. advancing
// newestVCN) is complete, via ConfirmChapterWritten.
func (s *Store) WriteChapter(physicalChapter uint32, packed PackedChapter) error {
	if s.cache != nil {
		s.cache.MarkExpiring(s.absolutePage(physicalChapter, 0), uint64(s.pagesPerChapter()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.layout.ChapterOffset(physicalChapter)
	buf := packed.Bytes()
	if _, err := s.writer.WriteAt(buf, offset); err != nil {
		return errs.Wrap(errs.BadState, "volume: write chapter", err)
	}
	if err := s.writer.Sync(); err != nil {
		return errs.Wrap(errs.BadState, "volume: sync chapter write", err)
	}
	s.logger.Debug("wrote chapter", zap.Uint32("physical_chapter", physicalChapter), zap.Uint64("vcn", packed.Header.VCN))
	return nil
}

// ConfirmChapterWritten evicts any stale cached pages for physicalChapter
// left over from before WriteChapter. Split from WriteChapter so the
// caller can sequence it after the volume index has finished purging
// entries for the chapter being replaced.
func (s *Store) ConfirmChapterWritten(physicalChapter uint32) {
	if s.cache == nil {
		return
	}
	s.cache.ConfirmExpired(s.absolutePage(physicalChapter, 0), uint64(s.pagesPerChapter()))
}

// Lookup resolves name within physicalChapter using its chapter index to
// find the candidate record page, then confirms against the record page
// itself. found is false if the chapter index has no entry, or if the
// candidate record page does not actually contain name (a stale dense
// hint pointed here but the record was since deleted or overwritten).
func (s *Store) Lookup(physicalChapter uint32, name chunkname.Name) (Record, bool, error) {
	ci, err := s.readChapterIndex(physicalChapter)
	if err != nil {
		return Record{}, false, err
	}
	pageIndex, ok := ci.lookup(name)
	if !ok {
		return Record{}, false, nil
	}
	page, err := s.ReadRecordPage(physicalChapter, pageIndex)
	if err != nil {
		return Record{}, false, err
	}
	records, err := DecodeRecordPage(s.geo, page)
	if err != nil {
		return Record{}, false, err
	}
	r, found := FindInRecordPage(records, name)
	return r, found, nil
}
