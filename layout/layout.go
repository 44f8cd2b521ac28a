package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/openvdo/uds/geometry"
)

var superblockMagic = [4]byte{'U', 'D', 'S', 'S'}

// ReleaseVersion is stamped into every superblock; bump it when the
// on-disk format changes incompatibly.
const ReleaseVersion = 1

// Nonce identifies one volume instance; every derived structure (saves,
// checkpoints) carries it so a stale structure from a previous volume at
// the same path is detected rather than silently accepted.
type Nonce uint64

// SuperBlock is region 0: magic, release version, nonce, and the number of
// save slots.
type SuperBlock struct {
	ReleaseVersion uint32
	VolumeNonce    Nonce
	NumSaveSlots   uint32
}

func (s SuperBlock) payload() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], s.ReleaseVersion)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(s.VolumeNonce))
	binary.LittleEndian.PutUint32(buf[12:16], s.NumSaveSlots)
	return buf
}

// Encode returns the region bytes (header + payload).
func (s SuperBlock) Encode() []byte {
	payload := s.payload()
	h := NewRegionHeader(superblockMagic, 1, 0, payload)
	return append(h.Encode(), payload...)
}

// DecodeSuperBlock parses a superblock region.
func DecodeSuperBlock(buf []byte) (SuperBlock, error) {
	if len(buf) < HeaderSize {
		return SuperBlock{}, fmt.Errorf("layout: superblock region too short")
	}
	h, err := DecodeRegionHeader(buf)
	if err != nil {
		return SuperBlock{}, err
	}
	payload := buf[HeaderSize:]
	if uint64(len(payload)) < h.Size || h.Size < 16 {
		return SuperBlock{}, fmt.Errorf("layout: superblock payload truncated")
	}
	payload = payload[:h.Size]
	if err := h.Verify(superblockMagic, payload); err != nil {
		return SuperBlock{}, err
	}
	return SuperBlock{
		ReleaseVersion: binary.LittleEndian.Uint32(payload[0:4]),
		VolumeNonce:    Nonce(binary.LittleEndian.Uint64(payload[4:12])),
		NumSaveSlots:   binary.LittleEndian.Uint32(payload[12:16]),
	}, nil
}

// ChapterHeaderSize is the fixed per-physical-chapter header reserved
// ahead of a chapter's index and record pages: a region header plus the
// chapter's own VCN and record count, so find_volume_chapter_boundaries
// can rebuild the VCN-to-physical-chapter mapping without decoding a
// single record (see package volume).
const ChapterHeaderSize = HeaderSize + 16

// Layout computes the byte offset of every region for a given geometry
// and save-slot count. Offsets are stable for the lifetime of the volume;
// only the save slots' contents rotate.
type Layout struct {
	Geo geometry.Geometry

	SuperBlockOffset int64
	ConfigOffset     int64
	IndexOffset      int64
	IndexSize        int64
	SaveSlotOffsets  []int64
	SaveSlotSize     int64
	SealOffset       int64
}

// perSlotBudget is a rough per-save-slot size budget: enough for a
// flattened volume-index snapshot, index-page map, open-chapter image and
// metadata. It is sized generously since saves are infrequent and the
// budget is just reserved address space, not allocated memory.
func perSlotBudget(geo geometry.Geometry, zoneCount uint32) int64 {
	recordBytes := int64(geo.RecordsPerChapter()) * int64(zoneCount) * 32
	indexBytes := int64(geo.ChaptersPerVolume) * 4096
	return 65536 + recordBytes + indexBytes
}

// New computes a Layout. numSaveSlots must be at least 2 so saves can
// rotate without clobbering the slot a crash might still need.
func New(geo geometry.Geometry, numSaveSlots int, zoneCount uint32) (Layout, error) {
	if numSaveSlots < 2 {
		return Layout{}, fmt.Errorf("layout: need at least 2 save slots, got %d", numSaveSlots)
	}
	l := Layout{Geo: geo}
	offset := int64(0)

	l.SuperBlockOffset = offset
	offset += HeaderSize + 4096 // fixed superblock region size, padded

	l.ConfigOffset = offset
	offset += HeaderSize + 4096

	l.IndexOffset = offset
	l.IndexSize = int64(geo.ChaptersPerVolume) * (int64(geo.BytesPerChapter()) + ChapterHeaderSize)
	offset += l.IndexSize

	slotSize := perSlotBudget(geo, zoneCount)
	l.SaveSlotSize = slotSize
	l.SaveSlotOffsets = make([]int64, numSaveSlots)
	for i := range l.SaveSlotOffsets {
		l.SaveSlotOffsets[i] = offset
		offset += slotSize
	}

	l.SealOffset = offset
	return l, nil
}

// TotalSize is the full extent of the on-disk layout, including the
// trailing seal marker.
func (l Layout) TotalSize() int64 {
	return l.SealOffset + HeaderSize
}

// ChapterStride is the byte distance between the start of one physical
// chapter's region and the next.
func (l Layout) ChapterStride() int64 {
	return ChapterHeaderSize + int64(l.Geo.BytesPerChapter())
}

// ChapterOffset returns the byte offset of physical chapter p's region,
// relative to the start of the file.
func (l Layout) ChapterOffset(physicalChapter uint32) int64 {
	return l.IndexOffset + int64(physicalChapter)*l.ChapterStride()
}

// NewVolumeNonce derives a volume nonce by folding a random UUID down to
// 64 bits, giving each fresh CREATE a distinct identity without needing a
// global counter.
func NewVolumeNonce() Nonce {
	id := uuid.New()
	var n uint64
	for i, b := range id {
		n ^= uint64(b) << uint((i%8)*8)
	}
	return Nonce(n)
}
