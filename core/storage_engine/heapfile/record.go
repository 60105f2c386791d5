package heapfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
)

const (
	// NameSize is the fixed, zero-padded width of a record name on disk.
	NameSize = 256
	// TombstoneID marks a deleted (or never used) slot.
	TombstoneID int64 = -1

	liveCountSize = 4
	idSize        = 8
	coordSize     = 8
)

// Record is one stored point.
type Record struct {
	ID     int64
	Name   string
	Coords []float64
}

// IsTombstone reports whether the record came from a deleted slot.
func (r Record) IsTombstone() bool { return r.ID == TombstoneID }

// RecordPointer addresses a slot in the heap file. Data pages start at block 1,
// so the zero value never points at a record.
type RecordPointer struct {
	BlockID pagemanager.PageID
	SlotID  int32
}

// String formats the pointer as (block,slot).
func (p RecordPointer) String() string {
	return fmt.Sprintf("(%d,%d)", p.BlockID, p.SlotID)
}

func (p RecordPointer) cacheKey() uint64 {
	return uint64(uint32(p.BlockID))<<32 | uint64(uint32(p.SlotID))
}

// SlotSize is the on-disk width of one record slot for the given dimension.
func SlotSize(dim int) int {
	return idSize + NameSize + coordSize*dim
}

// SlotsPerPage is how many slots fit behind the live-count header.
func SlotsPerPage(dim int) int {
	return (pagemanager.PageSize - liveCountSize) / SlotSize(dim)
}

// truncateName cuts a name to NameSize bytes without splitting a UTF-8
// sequence. Bytes with no rune start in range are cut at NameSize.
func truncateName(name string) []byte {
	b := []byte(name)
	if len(b) <= NameSize {
		return b
	}
	cut := NameSize
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	if cut == 0 {
		cut = NameSize
	}
	return b[:cut]
}

// --- Slot codec (little endian) ---

func slotOffset(slot int, slotSize int) int {
	return liveCountSize + slot*slotSize
}

func readLiveCount(data []byte) int {
	return int(binary.LittleEndian.Uint32(data[0:liveCountSize]))
}

func writeLiveCount(data []byte, live int) {
	binary.LittleEndian.PutUint32(data[0:liveCountSize], uint32(live))
}

func readSlotID(data []byte, off int) int64 {
	return int64(binary.LittleEndian.Uint64(data[off : off+idSize]))
}

func encodeSlot(dst []byte, rec Record) {
	clear(dst)
	binary.LittleEndian.PutUint64(dst[0:idSize], uint64(rec.ID))
	copy(dst[idSize:idSize+NameSize], truncateName(rec.Name))
	off := idSize + NameSize
	for _, c := range rec.Coords {
		binary.LittleEndian.PutUint64(dst[off:off+coordSize], math.Float64bits(c))
		off += coordSize
	}
}

func decodeSlot(src []byte, dim int) Record {
	rec := Record{
		ID:     int64(binary.LittleEndian.Uint64(src[0:idSize])),
		Name:   string(bytes.TrimRight(src[idSize:idSize+NameSize], "\x00")),
		Coords: make([]float64, dim),
	}
	off := idSize + NameSize
	for i := range rec.Coords {
		rec.Coords[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[off : off+coordSize]))
		off += coordSize
	}
	return rec
}

// tombstoneSlot clears a slot and stamps it with the tombstone id.
func tombstoneSlot(dst []byte) {
	clear(dst)
	id := TombstoneID
	binary.LittleEndian.PutUint64(dst[0:idSize], uint64(id))
}
