package heapfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

func setupHeapFile(t *testing.T, dim int, cacheSize int64) (*HeapFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.heap")
	hf, err := Open(path, dim, Options{RecordCacheSize: cacheSize, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return hf, path
}

func rec(id int64, name string, coords ...float64) Record {
	return Record{ID: id, Name: name, Coords: coords}
}

// --- Test Cases ---

func TestHeapFile_InsertAndRead(t *testing.T) {
	hf, _ := setupHeapFile(t, 2, 0)
	defer hf.Close()

	want := []Record{
		rec(1, "alpha", 1.5, -2.25),
		rec(2, "", 0, 0),
		rec(3, "γειά σου", 100, 200),
	}
	ptrs := make([]RecordPointer, len(want))
	for i, r := range want {
		ptr, err := hf.InsertRecord(r)
		require.NoError(t, err)
		ptrs[i] = ptr
	}

	// The first data page is block 1; block 0 holds the header.
	require.Equal(t, RecordPointer{BlockID: 1, SlotID: 0}, ptrs[0])
	require.Equal(t, RecordPointer{BlockID: 1, SlotID: 2}, ptrs[2])

	for i, ptr := range ptrs {
		got, err := hf.ReadRecord(ptr)
		require.NoError(t, err)
		require.Equal(t, want[i], got)
	}
	require.Equal(t, int64(3), hf.Stats().LiveRecords)
}

func TestHeapFile_DeleteLeavesTombstoneAndReusesSlot(t *testing.T) {
	hf, _ := setupHeapFile(t, 2, 0)
	defer hf.Close()

	p1, err := hf.InsertRecord(rec(10, "a", 1, 1))
	require.NoError(t, err)
	p2, err := hf.InsertRecord(rec(11, "b", 2, 2))
	require.NoError(t, err)

	require.NoError(t, hf.DeleteRecord(p1))
	got, err := hf.ReadRecord(p1)
	require.NoError(t, err)
	require.True(t, got.IsTombstone())
	require.Equal(t, TombstoneID, got.ID)

	require.ErrorIs(t, hf.DeleteRecord(p1), flushmanager.ErrRecordNotFound)

	// The tombstoned slot is the first free one, so it is reused.
	p3, err := hf.InsertRecord(rec(12, "c", 3, 3))
	require.NoError(t, err)
	require.Equal(t, p1, p3)

	got, err = hf.ReadRecord(p2)
	require.NoError(t, err)
	require.Equal(t, int64(11), got.ID)
	require.Equal(t, int64(2), hf.Stats().LiveRecords)
}

func TestHeapFile_FillsPagesBeforeAppending(t *testing.T) {
	hf, _ := setupHeapFile(t, 2, 0)
	defer hf.Close()

	perPage := hf.SlotsPerPage()
	require.Equal(t, (pagemanager.PageSize-4)/(8+256+16), perPage)

	var last RecordPointer
	for i := 0; i <= perPage; i++ {
		ptr, err := hf.InsertRecord(rec(int64(i), "p", float64(i), 0))
		require.NoError(t, err)
		last = ptr
	}
	require.Equal(t, RecordPointer{BlockID: 2, SlotID: 0}, last)
	require.Equal(t, 2, hf.Stats().DataPages)

	// Freeing a slot on page 1 makes it the preferred target again.
	require.NoError(t, hf.DeleteRecord(RecordPointer{BlockID: 1, SlotID: 7}))
	ptr, err := hf.InsertRecord(rec(999, "again", 9, 9))
	require.NoError(t, err)
	require.Equal(t, RecordPointer{BlockID: 1, SlotID: 7}, ptr)
}

func TestHeapFile_RejectsBadInput(t *testing.T) {
	hf, _ := setupHeapFile(t, 3, 0)
	defer hf.Close()

	_, err := hf.InsertRecord(rec(TombstoneID, "x", 1, 2, 3))
	require.ErrorIs(t, err, flushmanager.ErrInvalidInput)

	_, err = hf.InsertRecord(rec(1, "x", 1, 2))
	require.ErrorIs(t, err, flushmanager.ErrDimensionMismatch)

	_, err = hf.ReadRecord(RecordPointer{BlockID: 0, SlotID: 0})
	require.ErrorIs(t, err, flushmanager.ErrInvalidPointer)
	_, err = hf.ReadRecord(RecordPointer{BlockID: 1, SlotID: 0})
	require.ErrorIs(t, err, flushmanager.ErrInvalidPointer, "no data page allocated yet")
	require.ErrorIs(t, hf.DeleteRecord(RecordPointer{BlockID: 1, SlotID: -1}), flushmanager.ErrInvalidPointer)
}

func TestHeapFile_LongNamesAreTruncatedOnRuneBoundary(t *testing.T) {
	hf, _ := setupHeapFile(t, 1, 0)
	defer hf.Close()

	name := strings.Repeat("é", 200) // 400 bytes
	ptr, err := hf.InsertRecord(rec(1, name, 5))
	require.NoError(t, err)

	got, err := hf.ReadRecord(ptr)
	require.NoError(t, err)
	require.LessOrEqual(t, len(got.Name), NameSize)
	require.True(t, utf8.ValidString(got.Name))
	require.Equal(t, strings.Repeat("é", 128), got.Name)
}

func TestTruncateName_NoRuneStartCutsAtNameSize(t *testing.T) {
	name := strings.Repeat("\x80", NameSize+44)
	require.Len(t, truncateName(name), NameSize)

	short := strings.Repeat("\x80", NameSize)
	require.Equal(t, []byte(short), truncateName(short))
}

func TestHeapFile_AppendedPageIsTombstoned(t *testing.T) {
	hf, path := setupHeapFile(t, 3, 0)
	defer hf.Close()

	ptr, err := hf.InsertRecord(rec(7, "first", 1, 2, 3))
	require.NoError(t, err)
	require.Equal(t, RecordPointer{BlockID: 1, SlotID: 0}, ptr)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, 2*pagemanager.PageSize)
	data := raw[pagemanager.PageSize:]
	require.Equal(t, 1, readLiveCount(data))

	slotSize := SlotSize(3)
	for slot := 0; slot < SlotsPerPage(3); slot++ {
		off := slotOffset(slot, slotSize)
		got := decodeSlot(data[off:off+slotSize], 3)
		if slot == 0 {
			require.Equal(t, rec(7, "first", 1, 2, 3), got)
			continue
		}
		require.Equal(t, TombstoneID, got.ID, "slot %d", slot)
		require.True(t, got.IsTombstone())
	}

	unused, err := hf.ReadRecord(RecordPointer{BlockID: 1, SlotID: 1})
	require.NoError(t, err)
	require.True(t, unused.IsTombstone())
}

func TestHeapFile_ScanVisitsLiveRecords(t *testing.T) {
	hf, _ := setupHeapFile(t, 2, 0)
	defer hf.Close()

	var ptrs []RecordPointer
	for i := 0; i < 5; i++ {
		ptr, err := hf.InsertRecord(rec(int64(i), "s", float64(i), float64(-i)))
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	require.NoError(t, hf.DeleteRecord(ptrs[1]))
	require.NoError(t, hf.DeleteRecord(ptrs[3]))

	var seen []int64
	require.NoError(t, hf.Scan(func(ptr RecordPointer, r Record) error {
		seen = append(seen, r.ID)
		return nil
	}))
	require.Equal(t, []int64{0, 2, 4}, seen)
}

func TestHeapFile_Reopen(t *testing.T) {
	hf, path := setupHeapFile(t, 2, 0)
	ptr, err := hf.InsertRecord(rec(42, "persist", 3, 4))
	require.NoError(t, err)
	_, err = hf.InsertRecord(rec(43, "other", 5, 6))
	require.NoError(t, err)
	require.NoError(t, hf.Close())

	reopened, err := Open(path, 2, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadRecord(ptr)
	require.NoError(t, err)
	require.Equal(t, rec(42, "persist", 3, 4), got)
	require.Equal(t, int64(2), reopened.Stats().LiveRecords)

	next, err := reopened.InsertRecord(rec(44, "next", 0, 0))
	require.NoError(t, err)
	require.Equal(t, RecordPointer{BlockID: 1, SlotID: 2}, next)

	_, err = Open(path, 3, Options{})
	require.ErrorIs(t, err, flushmanager.ErrDimensionMismatch)
}

func TestHeapFile_TruncatedFileIsIOError(t *testing.T) {
	hf, path := setupHeapFile(t, 2, 0)
	_, err := hf.InsertRecord(rec(1, "a", 1, 1))
	require.NoError(t, err)
	require.NoError(t, hf.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-100))

	_, err = Open(path, 2, Options{})
	require.ErrorIs(t, err, flushmanager.ErrIO)
}

func TestHeapFile_RecordCacheIsInvalidatedOnDelete(t *testing.T) {
	hf, _ := setupHeapFile(t, 2, 128)
	defer hf.Close()

	ptr, err := hf.InsertRecord(rec(7, "cached", 1, 2))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := hf.ReadRecord(ptr)
		require.NoError(t, err)
		require.Equal(t, int64(7), got.ID)
	}

	require.NoError(t, hf.DeleteRecord(ptr))
	got, err := hf.ReadRecord(ptr)
	require.NoError(t, err)
	require.True(t, got.IsTombstone())

	reused, err := hf.InsertRecord(rec(8, "fresh", 3, 4))
	require.NoError(t, err)
	require.Equal(t, ptr, reused)
	got, err = hf.ReadRecord(reused)
	require.NoError(t, err)
	require.Equal(t, rec(8, "fresh", 3, 4), got)
}
