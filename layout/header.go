// Package layout describes the on-disk region map: the superblock, the
// config record, the circular chapter store, and the rotating save slots.
// Every region begins with a fixed header; this file implements that
// header's encode/decode, including the payload checksum.
package layout

import (
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// HeaderSize is the encoded size of a RegionHeader in bytes.
const HeaderSize = 4 + 4 + 4 + 8 + 32

// RegionHeader precedes every region on disk: magic, version, payload
// size, and a blake3 checksum of the payload that follows it.
type RegionHeader struct {
	Magic        [4]byte
	VersionMajor uint32
	VersionMinor uint32
	Size         uint64
	Checksum     [32]byte
}

// NewRegionHeader computes a header for payload, stamped with magic and
// version.
func NewRegionHeader(magic [4]byte, versionMajor, versionMinor uint32, payload []byte) RegionHeader {
	return RegionHeader{
		Magic:        magic,
		VersionMajor: versionMajor,
		VersionMinor: versionMinor,
		Size:         uint64(len(payload)),
		Checksum:     blake3.Sum256(payload),
	}
}

// Encode writes the header in little-endian fixed layout.
func (h RegionHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.VersionMajor)
	binary.LittleEndian.PutUint32(buf[8:12], h.VersionMinor)
	binary.LittleEndian.PutUint64(buf[12:20], h.Size)
	copy(buf[20:52], h.Checksum[:])
	return buf
}

// DecodeRegionHeader parses a header from buf, which must be at least
// HeaderSize bytes.
func DecodeRegionHeader(buf []byte) (RegionHeader, error) {
	if len(buf) < HeaderSize {
		return RegionHeader{}, fmt.Errorf("layout: short region header: %d bytes", len(buf))
	}
	var h RegionHeader
	copy(h.Magic[:], buf[0:4])
	h.VersionMajor = binary.LittleEndian.Uint32(buf[4:8])
	h.VersionMinor = binary.LittleEndian.Uint32(buf[8:12])
	h.Size = binary.LittleEndian.Uint64(buf[12:20])
	copy(h.Checksum[:], buf[20:52])
	return h, nil
}

// Verify recomputes the checksum of payload and compares it against the
// header, and checks the magic.
func (h RegionHeader) Verify(magic [4]byte, payload []byte) error {
	if h.Magic != magic {
		return fmt.Errorf("layout: bad magic %q, want %q", h.Magic, magic)
	}
	if h.Size != uint64(len(payload)) {
		return fmt.Errorf("layout: payload size mismatch: header says %d, got %d", h.Size, len(payload))
	}
	if got := blake3.Sum256(payload); got != h.Checksum {
		return fmt.Errorf("layout: payload checksum mismatch")
	}
	return nil
}
