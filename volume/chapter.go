package volume

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/openvdo/uds/chunkname"
	"github.com/openvdo/uds/geometry"
	"github.com/openvdo/uds/layout"
)

var chapterMagic = [4]byte{'U', 'D', 'C', 'H'}

// ChapterHeader is the fixed-size region written at the start of every
// physical chapter, ahead of its index and record pages. Rebuild scans
// only these headers to recover the VCN-to-physical-chapter mapping,
// never touching a record page.
type ChapterHeader struct {
	VCN         uint64
	RecordCount uint32
}

const chapterHeaderPayloadLen = 8 + 4

func (h ChapterHeader) payload() []byte {
	buf := make([]byte, chapterHeaderPayloadLen)
	binary.LittleEndian.PutUint64(buf[0:8], h.VCN)
	binary.LittleEndian.PutUint32(buf[8:12], h.RecordCount)
	return buf
}

// Encode renders the chapter header as a fixed layout.ChapterHeaderSize
// byte region.
func (h ChapterHeader) Encode() []byte {
	payload := h.payload()
	rh := layout.NewRegionHeader(chapterMagic, 1, 0, payload)
	buf := rh.Encode()
	buf = append(buf, payload...)
	if len(buf) < int(layout.ChapterHeaderSize) {
		buf = append(buf, make([]byte, int(layout.ChapterHeaderSize)-len(buf))...)
	}
	return buf
}

// DecodeChapterHeader parses a chapter header region. An all-zero region
// (a physical chapter never written) is reported via ErrEmptyChapter.
var ErrEmptyChapter = fmt.Errorf("volume: physical chapter is empty")

func DecodeChapterHeader(buf []byte) (ChapterHeader, error) {
	if len(buf) < layout.HeaderSize {
		return ChapterHeader{}, fmt.Errorf("volume: chapter header region too short")
	}
	allZero := true
	for _, b := range buf[:layout.HeaderSize] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return ChapterHeader{}, ErrEmptyChapter
	}
	rh, err := layout.DecodeRegionHeader(buf)
	if err != nil {
		return ChapterHeader{}, err
	}
	payload := buf[layout.HeaderSize:]
	if uint64(len(payload)) < rh.Size || rh.Size < chapterHeaderPayloadLen {
		return ChapterHeader{}, fmt.Errorf("volume: chapter header payload truncated")
	}
	payload = payload[:rh.Size]
	if err := rh.Verify(chapterMagic, payload); err != nil {
		return ChapterHeader{}, err
	}
	return ChapterHeader{
		VCN:         binary.LittleEndian.Uint64(payload[0:8]),
		RecordCount: binary.LittleEndian.Uint32(payload[8:12]),
	}, nil
}

// PackedChapter is the fully encoded on-disk form of one chapter, ready
// to be written out as a single contiguous region.
type PackedChapter struct {
	Header     ChapterHeader
	IndexPages [][]byte
	RecordPages [][]byte
}

// PackChapter lays out records (already a full open-chapter snapshot, at
// most geo.RecordsPerChapter entries) into a chapter's on-disk pages:
// records are sorted by name so record pages can be binary-searched
// directly if the chapter index is ever unavailable, and a chapter-local
// deltaindex is built mapping each name to the record page it lands on.
func PackChapter(geo geometry.Geometry, vcn uint64, records []Record) (PackedChapter, error) {
	capacity := int(geo.RecordsPerChapter())
	if len(records) > capacity {
		return PackedChapter{}, fmt.Errorf("volume: %d records exceeds chapter capacity %d", len(records), capacity)
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return chunkname.Less(sorted[i].Name, sorted[j].Name) })

	ci := newChapterIndex(geo)
	recordPages := make([][]Record, geo.RecordPagesPerChapter)
	perPage := int(geo.RecordsPerPage)
	for i, r := range sorted {
		page := i / perPage
		recordPages[page] = append(recordPages[page], r)
		if err := ci.insert(r.Name, uint32(page)); err != nil {
			return PackedChapter{}, fmt.Errorf("volume: packing chapter index: %w", err)
		}
	}

	encodedRecordPages := make([][]byte, geo.RecordPagesPerChapter)
	for i, page := range recordPages {
		enc, err := EncodeRecordPage(geo, page)
		if err != nil {
			return PackedChapter{}, err
		}
		encodedRecordPages[i] = enc
	}

	indexPages, err := ci.encodePages()
	if err != nil {
		return PackedChapter{}, err
	}

	return PackedChapter{
		Header:      ChapterHeader{VCN: vcn, RecordCount: uint32(len(sorted))},
		IndexPages:  indexPages,
		RecordPages: encodedRecordPages,
	}, nil
}

// Bytes concatenates a packed chapter into the single contiguous region
// layout.Layout.ChapterStride reserves for it: header, then index
// pages, then record pages.
func (p PackedChapter) Bytes() []byte {
	out := make([]byte, 0, int(layout.ChapterHeaderSize)+len(p.IndexPages)*geometry.BytesPerPage+len(p.RecordPages)*geometry.BytesPerPage)
	out = append(out, p.Header.Encode()...)
	for _, pg := range p.IndexPages {
		out = append(out, pg...)
	}
	for _, pg := range p.RecordPages {
		out = append(out, pg...)
	}
	return out
}
