package layout

import (
	"testing"

	"github.com/google/uuid"

	"github.com/openvdo/uds/geometry"
)

func TestRegionHeaderRoundTrip(t *testing.T) {
	payload := []byte("hello region")
	h := NewRegionHeader([4]byte{'T', 'E', 'S', 'T'}, 1, 2, payload)
	buf := append(h.Encode(), payload...)

	got, err := DecodeRegionHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := got.Verify([4]byte{'T', 'E', 'S', 'T'}, payload); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestRegionHeaderDetectsCorruption(t *testing.T) {
	payload := []byte("hello region")
	h := NewRegionHeader([4]byte{'T', 'E', 'S', 'T'}, 1, 2, payload)
	buf := append(h.Encode(), payload...)
	buf[len(buf)-1] ^= 0xff // corrupt last payload byte

	got, err := DecodeRegionHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := got.Verify([4]byte{'T', 'E', 'S', 'T'}, buf[HeaderSize:]); err == nil {
		t.Fatal("expected checksum mismatch to be detected")
	}
}

func TestConfigRecordRoundTrip602(t *testing.T) {
	geo := geometry.Default()
	c := ConfigRecord{Version: ConfigV602, Geometry: geo}
	buf := c.Encode()
	got, err := DecodeConfig(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Geometry != geo {
		t.Fatalf("geometry mismatch: got %+v want %+v", got.Geometry, geo)
	}
}

func TestConfigRecord802RejectsNonDefaultRemap(t *testing.T) {
	geo := geometry.Default()
	c := ConfigRecord{Version: ConfigV802, Geometry: geo, RemappedVirtual: 1, RemappedPhysical: 2}
	buf := c.Encode()
	if _, err := DecodeConfig(buf); err == nil {
		t.Fatal("expected non-default remap to be rejected")
	}
}

func TestSlotSelectorPicksHighestSequenceAsLatest(t *testing.T) {
	headers := make([]SaveSlotHeader, 3)
	present := make([]bool, 3)
	headers[0] = SaveSlotHeader{Kind: KindSave, Sequence: 5, Complete: true, NumZones: 2}
	present[0] = true
	headers[1] = SaveSlotHeader{Kind: KindCheckpoint, Sequence: 7, Complete: false, NumZones: 2}
	present[1] = true
	headers[2] = SaveSlotHeader{Kind: KindSave, Sequence: 6, Complete: true, NumZones: 2}
	present[2] = true

	sel := NewSlotSelector(headers, present)
	slot, numZones, ok := sel.FindLatestSaveSlot()
	if !ok {
		t.Fatal("expected a valid slot")
	}
	if slot != 2 || numZones != 2 {
		t.Fatalf("expected slot 2 (seq 6, complete), got slot %d numZones %d", slot, numZones)
	}
}

func TestSlotSelectorRejectsIncompleteCheckpoint(t *testing.T) {
	headers := []SaveSlotHeader{{Kind: KindCheckpoint, Sequence: 9, Complete: false}}
	present := []bool{true}
	sel := NewSlotSelector(headers, present)
	if _, _, ok := sel.FindLatestSaveSlot(); ok {
		t.Fatal("incomplete checkpoint must not be reported as the latest valid save")
	}
}

func TestSaveSlotHeaderRoundTrip(t *testing.T) {
	h := SaveSlotHeader{
		Kind:       KindSave,
		Sequence:   42,
		Nonce:      Nonce(1234),
		NumZones:   3,
		OldestVCN:  10,
		NewestVCN:  20,
		InProgress: uuid.New(),
		Complete:   true,
	}
	buf := h.Encode()
	got, err := DecodeSaveSlotHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestDecodeSaveSlotHeaderReportsEmpty(t *testing.T) {
	buf := make([]byte, HeaderSize+saveSlotHeaderPayloadLen)
	if _, err := DecodeSaveSlotHeader(buf); err != ErrEmptySlot {
		t.Fatalf("expected ErrEmptySlot, got %v", err)
	}
}

func TestLayoutOffsetsAreOrdered(t *testing.T) {
	geo := geometry.Default()
	l, err := New(geo, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !(l.SuperBlockOffset < l.ConfigOffset && l.ConfigOffset < l.IndexOffset && l.IndexOffset < l.SaveSlotOffsets[0]) {
		t.Fatalf("expected strictly increasing region offsets, got %+v", l)
	}
	if l.SaveSlotOffsets[1] <= l.SaveSlotOffsets[0] {
		t.Fatal("expected save slots to be laid out back to back")
	}
	if l.SealOffset <= l.SaveSlotOffsets[len(l.SaveSlotOffsets)-1] {
		t.Fatal("expected seal after the last save slot")
	}
}

func TestLayoutRejectsTooFewSaveSlots(t *testing.T) {
	if _, err := New(geometry.Default(), 1, 2); err == nil {
		t.Fatal("expected error with fewer than 2 save slots")
	}
}
