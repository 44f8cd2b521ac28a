package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/openvdo/uds/geometry"
)

// ConfigVersion distinguishes the two on-disk config record layouts.
type ConfigVersion uint8

const (
	// ConfigV602 is the original geometry-only record.
	ConfigV602 ConfigVersion = iota
	// ConfigV802 adds the chapter-remap fields that tolerate a
	// one-chapter volume shrink.
	ConfigV802
)

var configMagic = [4]byte{'U', 'D', 'S', 'C'}

// ConfigRecord is the immutable geometry plus (in the 8.02 variant) the
// remap fields. A non-default remap is rejected rather than honored,
// since its semantics are under-specified.
type ConfigRecord struct {
	Version           ConfigVersion
	Geometry          geometry.Geometry
	RemappedVirtual   uint64
	RemappedPhysical  uint64
}

// HasRemap reports whether this record declares a non-default chapter
// remap.
func (c ConfigRecord) HasRemap() bool {
	return c.Version == ConfigV802 && (c.RemappedVirtual != 0 || c.RemappedPhysical != 0)
}

const configPayloadLen602 = 4*6 + 0
const configPayloadLen802 = configPayloadLen602 + 16

func (c ConfigRecord) payload() []byte {
	n := configPayloadLen602
	if c.Version == ConfigV802 {
		n = configPayloadLen802
	}
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf[0:4], c.Geometry.RecordsPerPage)
	binary.LittleEndian.PutUint32(buf[4:8], c.Geometry.RecordPagesPerChapter)
	binary.LittleEndian.PutUint32(buf[8:12], c.Geometry.IndexPagesPerChapter)
	binary.LittleEndian.PutUint32(buf[12:16], c.Geometry.ChaptersPerVolume)
	binary.LittleEndian.PutUint32(buf[16:20], c.Geometry.SparseChaptersPerVolume)
	binary.LittleEndian.PutUint32(buf[20:24], c.Geometry.SparseSampleRate)
	if c.Version == ConfigV802 {
		binary.LittleEndian.PutUint64(buf[24:32], c.RemappedVirtual)
		binary.LittleEndian.PutUint64(buf[32:40], c.RemappedPhysical)
	}
	return buf
}

// Encode returns the region bytes (header + payload) for this record.
func (c ConfigRecord) Encode() []byte {
	payload := c.payload()
	versionMinor := uint32(2)
	versionMajor := uint32(6)
	if c.Version == ConfigV802 {
		versionMajor = 8
	}
	h := NewRegionHeader(configMagic, versionMajor, versionMinor, payload)
	return append(h.Encode(), payload...)
}

// DecodeConfig parses a config region previously produced by Encode.
func DecodeConfig(buf []byte) (ConfigRecord, error) {
	if len(buf) < HeaderSize {
		return ConfigRecord{}, fmt.Errorf("layout: config region too short")
	}
	h, err := DecodeRegionHeader(buf)
	if err != nil {
		return ConfigRecord{}, err
	}
	payload := buf[HeaderSize:]
	if uint64(len(payload)) < h.Size {
		return ConfigRecord{}, fmt.Errorf("layout: config payload truncated")
	}
	payload = payload[:h.Size]
	if err := h.Verify(configMagic, payload); err != nil {
		return ConfigRecord{}, err
	}

	var c ConfigRecord
	switch h.VersionMajor {
	case 6:
		c.Version = ConfigV602
	case 8:
		c.Version = ConfigV802
	default:
		return ConfigRecord{}, fmt.Errorf("layout: unsupported config version %d.%02d", h.VersionMajor, h.VersionMinor)
	}
	minLen := configPayloadLen602
	if c.Version == ConfigV802 {
		minLen = configPayloadLen802
	}
	if len(payload) < minLen {
		return ConfigRecord{}, fmt.Errorf("layout: config payload too short for version")
	}

	c.Geometry = geometry.Geometry{
		RecordsPerPage:          binary.LittleEndian.Uint32(payload[0:4]),
		RecordPagesPerChapter:   binary.LittleEndian.Uint32(payload[4:8]),
		IndexPagesPerChapter:    binary.LittleEndian.Uint32(payload[8:12]),
		ChaptersPerVolume:       binary.LittleEndian.Uint32(payload[12:16]),
		SparseChaptersPerVolume: binary.LittleEndian.Uint32(payload[16:20]),
		SparseSampleRate:        binary.LittleEndian.Uint32(payload[20:24]),
	}
	if err := c.Geometry.Validate(); err != nil {
		return ConfigRecord{}, err
	}
	if c.Version == ConfigV802 {
		c.RemappedVirtual = binary.LittleEndian.Uint64(payload[24:32])
		c.RemappedPhysical = binary.LittleEndian.Uint64(payload[32:40])
		if c.HasRemap() {
			return ConfigRecord{}, fmt.Errorf("layout: non-default chapter remap is not supported")
		}
	}
	return c, nil
}
