// Package chunkname implements the 16-byte chunk name and the pure,
// restart-stable functions derived from it: volume-index sampling, zone
// routing, and delta-index/open-chapter hash seeding.
package chunkname

import "encoding/binary"

// Size is the fixed width of a chunk name in bytes.
const Size = 16

// Name is a 16-byte chunk identifier, typically a strong hash of a data
// block. It is treated as a random bit string; no byte range is ever
// reinterpreted as anything but opaque entropy.
type Name [Size]byte

// String renders the name as hex, for logs and error messages.
func (n Name) String() string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 2*Size)
	for i, b := range n {
		buf[2*i] = hexdigits[b>>4]
		buf[2*i+1] = hexdigits[b&0xf]
	}
	return string(buf)
}

// sampleField is bytes 0..5, the bit pattern that selects volume-index
// sampling.
func (n Name) sampleField() uint64 {
	var buf [8]byte
	copy(buf[:6], n[0:6])
	return binary.LittleEndian.Uint64(buf[:])
}

// zoneField is bytes 6..9, the bit pattern that selects a zone.
func (n Name) zoneField() uint32 {
	return binary.LittleEndian.Uint32(n[6:10])
}

// Zone returns the zone that owns this name. It is a pure function of the
// name and zoneCount: stable across restarts because it depends on
// neither nonce nor volume contents, only geometry-independent name bits.
func (n Name) Zone(zoneCount uint32) uint32 {
	if zoneCount == 0 {
		return 0
	}
	return n.zoneField() % zoneCount
}

// IsSample reports whether this name is tracked by the sparse portion of
// the volume index at the given sample rate (1-in-rate names sample).
// A rate of 0 or 1 samples every name.
func (n Name) IsSample(sampleRate uint32) bool {
	if sampleRate <= 1 {
		return true
	}
	return n.sampleField()%uint64(sampleRate) == 0
}

// DeltaAddress is the hashed address used to place this name within a
// delta index's delta lists, reduced to listCount lists.
func (n Name) DeltaAddress(listCount uint32) uint32 {
	if listCount == 0 {
		return 0
	}
	// Bytes 10..15 seed delta-list selection, distinct from
	// the sample and zone fields so the three selections are independent.
	var buf [8]byte
	copy(buf[:6], n[10:16])
	h := binary.LittleEndian.Uint64(buf[:])
	return uint32(h % uint64(listCount))
}

// HashSlot is the seed used by the open chapter's linear-probing hash
// table, reduced to a table of the given capacity.
func (n Name) HashSlot(capacity uint32) uint32 {
	if capacity == 0 {
		return 0
	}
	h := binary.LittleEndian.Uint64(n[0:8]) ^ binary.LittleEndian.Uint64(n[8:16])
	return uint32(h % uint64(capacity))
}

// Address is a full-width hash of the name used as the delta-coded key
// within a single delta list (distinct from the list selector itself, so
// entries within one list still spread across the full address space).
func (n Name) Address() uint64 {
	lo := binary.LittleEndian.Uint64(n[0:8])
	hi := binary.LittleEndian.Uint64(n[8:16])
	return lo ^ (hi * 0x9E3779B97F4A7C15)
}

// Remainder returns the bytes stored alongside a collision entry to
// disambiguate two names that share both a zone and a delta-list address.
func (n Name) Remainder() [6]byte {
	var r [6]byte
	copy(r[:], n[10:16])
	return r
}

// Less orders names for sorted record pages (ascending by raw bytes).
func Less(a, b Name) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Compare is a three-way comparator consistent with Less.
func Compare(a, b Name) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
