// Package volume implements the on-disk chapter store: the circular log
// of physical chapters, each holding a chapter header, a set of index
// pages (a miniature, chapter-local deltaindex mapping a name's address
// to the record page that holds it), and a set of record pages (the
// names and metadata themselves).
package volume

import (
	"fmt"

	"github.com/openvdo/uds/chunkname"
	"github.com/openvdo/uds/geometry"
)

// MetadataSize is the fixed width reserved for a record's associated
// metadata (the caller's opaque payload describing where the chunk lives
// in the block store).
const MetadataSize = 32

// recordHeaderLen is the one-byte header preceding every record slot: 0
// marks an empty slot, so a partially filled record page's trailing slots
// are distinguishable from real records; otherwise it holds one more than
// the record's metadata length.
const recordHeaderLen = 1

// RecordSize is the fixed on-disk width of one record slot.
const RecordSize = recordHeaderLen + chunkname.Size + MetadataSize

// Record is a single (name, metadata) binding as stored in a record
// page.
type Record struct {
	Name     chunkname.Name
	Metadata []byte
}

// EncodeRecordPage packs up to geo.RecordsPerPage records, in the order
// given, into one fixed-size record page. Unused trailing slots are left
// zeroed (occupied flag 0).
func EncodeRecordPage(geo geometry.Geometry, records []Record) ([]byte, error) {
	capacity := int(geo.RecordsPerPage)
	if len(records) > capacity {
		return nil, fmt.Errorf("volume: %d records exceeds page capacity %d", len(records), capacity)
	}
	buf := make([]byte, geometry.BytesPerPage)
	off := 0
	for _, r := range records {
		if len(r.Metadata) > MetadataSize {
			return nil, fmt.Errorf("volume: metadata too large: %d bytes", len(r.Metadata))
		}
		buf[off] = byte(1 + len(r.Metadata))
		copy(buf[off+recordHeaderLen:off+recordHeaderLen+chunkname.Size], r.Name[:])
		copy(buf[off+recordHeaderLen+chunkname.Size:off+RecordSize], r.Metadata)
		off += RecordSize
	}
	return buf, nil
}

// DecodeRecordPage reverses EncodeRecordPage, returning every occupied
// record slot in on-disk order.
func DecodeRecordPage(geo geometry.Geometry, page []byte) ([]Record, error) {
	capacity := int(geo.RecordsPerPage)
	if len(page) < capacity*RecordSize {
		return nil, fmt.Errorf("volume: record page too short: %d bytes", len(page))
	}
	out := make([]Record, 0, capacity)
	for i := 0; i < capacity; i++ {
		off := i * RecordSize
		if page[off] == 0 {
			continue
		}
		var name chunkname.Name
		copy(name[:], page[off+recordHeaderLen:off+recordHeaderLen+chunkname.Size])
		n := int(page[off]) - 1
		if n > MetadataSize {
			return nil, fmt.Errorf("volume: record %d metadata length %d exceeds %d", i, n, MetadataSize)
		}
		metadata := make([]byte, n)
		start := off + recordHeaderLen + chunkname.Size
		copy(metadata, page[start:start+n])
		out = append(out, Record{Name: name, Metadata: metadata})
	}
	return out, nil
}

// FindInRecordPage linear-scans a decoded record page for name. Record
// pages are small (RecordsPerPage is typically a few dozen) so a linear
// scan after the index-page hint beats maintaining a second sorted order.
func FindInRecordPage(records []Record, name chunkname.Name) (Record, bool) {
	for _, r := range records {
		if r.Name == name {
			return r, true
		}
	}
	return Record{}, false
}
