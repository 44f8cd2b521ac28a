package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

var saveSlotMagic = [4]byte{'U', 'D', 'S', 'V'}

// SaveKind distinguishes a clean-shutdown save (always valid on load) from
// a periodic checkpoint (valid only if it completed).
type SaveKind uint8

const (
	KindNone SaveKind = iota
	KindSave
	KindCheckpoint
)

// SaveSlotHeader is the metadata stored alongside each rotating save
// slot's snapshot payload. InProgress carries a random
// marker so a slot left behind mid-write by a crash is distinguishable
// from both an empty slot and a completed one: a reader that sees
// InProgress set and Complete unset knows this slot's payload is garbage.
type SaveSlotHeader struct {
	Kind        SaveKind
	Sequence    uint64
	Nonce       Nonce
	NumZones    uint32
	OldestVCN   uint64
	NewestVCN   uint64
	InProgress  uuid.UUID
	Complete    bool
}

const saveSlotHeaderPayloadLen = 1 + 8 + 8 + 4 + 8 + 8 + 16 + 1

func (h SaveSlotHeader) payload() []byte {
	buf := make([]byte, saveSlotHeaderPayloadLen)
	buf[0] = byte(h.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], h.Sequence)
	binary.LittleEndian.PutUint64(buf[9:17], uint64(h.Nonce))
	binary.LittleEndian.PutUint32(buf[17:21], h.NumZones)
	binary.LittleEndian.PutUint64(buf[21:29], h.OldestVCN)
	binary.LittleEndian.PutUint64(buf[29:37], h.NewestVCN)
	copy(buf[37:53], h.InProgress[:])
	if h.Complete {
		buf[53] = 1
	}
	return buf
}

// Encode returns the region bytes (header + payload) for this slot
// header.
func (h SaveSlotHeader) Encode() []byte {
	payload := h.payload()
	rh := NewRegionHeader(saveSlotMagic, 1, 0, payload)
	return append(rh.Encode(), payload...)
}

// DecodeSaveSlotHeader parses a slot header, or reports an error if the
// slot is empty or corrupt. An empty (all-zero) region is reported via
// ErrEmptySlot so callers can tell "never written" apart from "corrupt".
var ErrEmptySlot = fmt.Errorf("layout: save slot is empty")

// DecodeSaveSlotHeader parses a slot header written by Encode.
func DecodeSaveSlotHeader(buf []byte) (SaveSlotHeader, error) {
	if len(buf) < HeaderSize {
		return SaveSlotHeader{}, fmt.Errorf("layout: save slot region too short")
	}
	allZero := true
	for _, b := range buf[:HeaderSize] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return SaveSlotHeader{}, ErrEmptySlot
	}
	rh, err := DecodeRegionHeader(buf)
	if err != nil {
		return SaveSlotHeader{}, err
	}
	payload := buf[HeaderSize:]
	if uint64(len(payload)) < rh.Size || rh.Size < saveSlotHeaderPayloadLen {
		return SaveSlotHeader{}, fmt.Errorf("layout: save slot payload truncated")
	}
	payload = payload[:rh.Size]
	if err := rh.Verify(saveSlotMagic, payload); err != nil {
		return SaveSlotHeader{}, err
	}

	h := SaveSlotHeader{
		Kind:      SaveKind(payload[0]),
		Sequence:  binary.LittleEndian.Uint64(payload[1:9]),
		Nonce:     Nonce(binary.LittleEndian.Uint64(payload[9:17])),
		NumZones:  binary.LittleEndian.Uint32(payload[17:21]),
		OldestVCN: binary.LittleEndian.Uint64(payload[21:29]),
		NewestVCN: binary.LittleEndian.Uint64(payload[29:37]),
	}
	copy(h.InProgress[:], payload[37:53])
	h.Complete = payload[53] != 0
	return h, nil
}

// Valid reports whether this header describes data a loader may trust:
// a clean save is always valid once complete; a checkpoint is valid only
// if complete (an incomplete checkpoint is ignored by load).
func (h SaveSlotHeader) Valid() bool {
	return h.Kind != KindNone && h.Complete
}

// SlotSelector tracks save-slot rotation across a volume's lifetime: which
// slot holds the most recent valid save, and which slot a new save should
// target next.
type SlotSelector struct {
	headers []SaveSlotHeader
	present []bool
}

// NewSlotSelector wraps the headers read back from every save slot at
// open time (present[i] false where DecodeSaveSlotHeader returned
// ErrEmptySlot).
func NewSlotSelector(headers []SaveSlotHeader, present []bool) *SlotSelector {
	return &SlotSelector{headers: headers, present: present}
}

// FindLatestSaveSlot returns the slot index holding the highest-sequence
// valid header, and the zone count it was saved with.
func (s *SlotSelector) FindLatestSaveSlot() (slot int, numZones uint32, ok bool) {
	best := -1
	for i, present := range s.present {
		if !present || !s.headers[i].Valid() {
			continue
		}
		if best == -1 || s.headers[i].Sequence > s.headers[best].Sequence {
			best = i
		}
	}
	if best == -1 {
		return 0, 0, false
	}
	return best, s.headers[best].NumZones, true
}

// SetupSaveSlot picks the next slot to write a new save/checkpoint into:
// the least-recently-used slot by sequence number (so rotation cycles
// through every slot, bounding how much history a single bad write can
// destroy).
func (s *SlotSelector) SetupSaveSlot() (slot int, nextSequence uint64) {
	worst := 0
	var maxSeq uint64
	for i, present := range s.present {
		if !present {
			return i, s.nextSequence() + 1
		}
		if s.headers[i].Sequence > maxSeq {
			maxSeq = s.headers[i].Sequence
		}
	}
	// All slots occupied: evict the oldest by sequence number.
	minSeq := s.headers[0].Sequence
	for i, h := range s.headers {
		if h.Sequence < minSeq {
			minSeq = h.Sequence
			worst = i
		}
	}
	return worst, maxSeq + 1
}

func (s *SlotSelector) nextSequence() uint64 {
	var max uint64
	for i, present := range s.present {
		if present && s.headers[i].Sequence > max {
			max = s.headers[i].Sequence
		}
	}
	return max
}

// CommitSave records that slot now holds a valid header, so future
// FindLatestSaveSlot/SetupSaveSlot calls see it.
func (s *SlotSelector) CommitSave(slot int, h SaveSlotHeader) {
	h.Complete = true
	s.headers[slot] = h
	s.present[slot] = true
}

// CancelSave discards an in-progress write to slot, leaving whatever was
// there before untouched in memory (the caller is responsible for not
// having overwritten the slot's prior on-disk contents before cancelling).
func (s *SlotSelector) CancelSave(slot int) {}

// DiscardSaves forgets every slot, as if the volume had never been saved.
func (s *SlotSelector) DiscardSaves() {
	for i := range s.present {
		s.present[i] = false
		s.headers[i] = SaveSlotHeader{}
	}
}
