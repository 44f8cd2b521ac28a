package deltaindex

// EncodeList packs a single delta list into a Golomb-Rice coded bit
// stream: address deltas, then for each entry a collision bit, a
// vcnBits-wide VCN field, and (for collisions only) the 48-bit remainder.
// meanDelta should be the expected address gap (addressSpace/listCount);
// it picks the Rice shift that minimizes the packed size.
func EncodeList(dl *DeltaList, meanDelta uint64, vcnBits uint) []byte {
	k := golombShift(meanDelta)
	w := NewBitWriter(len(dl.entries) * (int(k) + int(vcnBits) + 8))

	var prev uint64
	for _, e := range dl.entries {
		writeGolomb(w, e.Address-prev, k)
		prev = e.Address

		if e.Collision {
			w.WriteBits(1, 1)
		} else {
			w.WriteBits(0, 1)
		}
		w.WriteBits(uint64(e.VCNLow), int(vcnBits))
		if e.Collision {
			for _, b := range e.Remainder {
				w.WriteBits(uint64(b), 8)
			}
		}
	}
	return w.Bytes()
}

// DecodeList reverses EncodeList, given the number of entries the list is
// known to hold (carried alongside the packed bytes, e.g. in a chapter
// index page header's per-list entry count).
func DecodeList(data []byte, count int, meanDelta uint64, vcnBits uint) *DeltaList {
	k := golombShift(meanDelta)
	r := NewBitReader(data)

	dl := &DeltaList{entries: make([]Entry, 0, count)}
	var addr uint64
	for i := 0; i < count; i++ {
		delta := readGolomb(r, k)
		addr += delta

		collision := r.ReadBits(1) != 0
		vcnLow := uint32(r.ReadBits(int(vcnBits)))
		e := Entry{Address: addr, VCNLow: vcnLow, Collision: collision}
		if collision {
			for j := 0; j < 6; j++ {
				e.Remainder[j] = byte(r.ReadBits(8))
			}
		}
		dl.entries = append(dl.entries, e)
	}
	return dl
}
