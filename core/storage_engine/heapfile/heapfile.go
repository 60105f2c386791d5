// Package heapfile stores fixed-size point records in a slotted page file.
//
// Page 0 is a header page. Every data page starts with a 4-byte live-record
// count followed by SlotsPerPage(dim) slots of SlotSize(dim) bytes. A slot is
// free iff its id is TombstoneID; fresh pages are laid down fully tombstoned.
package heapfile

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/btree"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const (
	heapMagic   uint32 = 0x52535448 // "RSTH"
	heapVersion uint32 = 1
)

// fileHeader is the fixed layout of page 0.
type fileHeader struct {
	Magic     uint32
	Version   uint32
	PageSize  uint32
	Dimension uint32
	SlotSize  uint32
}

// Options tune an opened heap file.
type Options struct {
	// RecordCacheSize bounds the number of decoded records kept in memory.
	// Zero disables the cache.
	RecordCacheSize int64
	Logger          *zap.Logger
}

// Stats is a point-in-time summary of the file.
type Stats struct {
	DataPages    int
	LiveRecords  int64
	PagesWithGap int
	SlotsPerPage int
}

// HeapFile is a single-owner slotted record file. It is not safe for
// concurrent use.
type HeapFile struct {
	dm           *flushmanager.DiskManager
	dim          int
	slotSize     int
	slotsPerPage int
	page         *pagemanager.Page
	// freePages holds every data page that still has a tombstoned slot,
	// ordered so inserts fill the lowest page first.
	freePages   *btree.BTreeG[pagemanager.PageID]
	liveRecords int64
	cache       *ristretto.Cache[uint64, Record]
	logger      *zap.Logger
}

// Open opens (or creates) the heap file at path for records of dimension dim.
func Open(path string, dim int, opts Options) (*HeapFile, error) {
	if dim < 1 {
		return nil, fmt.Errorf("%w: dimension must be at least 1, got %d", flushmanager.ErrInvalidInput, dim)
	}
	if SlotsPerPage(dim) < 1 {
		return nil, fmt.Errorf("%w: dimension %d does not fit a single slot in a page", flushmanager.ErrInvalidInput, dim)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hf := &HeapFile{
		dm:           flushmanager.NewDiskManager(path, pagemanager.PageSize, logger),
		dim:          dim,
		slotSize:     SlotSize(dim),
		slotsPerPage: SlotsPerPage(dim),
		page:         pagemanager.NewPage(pagemanager.InvalidPageID, pagemanager.PageSize),
		freePages: btree.NewG[pagemanager.PageID](8, func(a, b pagemanager.PageID) bool {
			return a < b
		}),
		logger: logger.With(zap.String("component", "heapfile"), zap.String("path", path)),
	}

	created, err := hf.dm.Open()
	if err != nil {
		return nil, err
	}
	if created {
		err = hf.writeHeader()
	} else {
		err = hf.load()
	}
	if err != nil {
		_ = hf.dm.Close()
		return nil, err
	}

	if opts.RecordCacheSize > 0 {
		hf.cache, err = ristretto.NewCache(&ristretto.Config[uint64, Record]{
			NumCounters: opts.RecordCacheSize * 10,
			MaxCost:     opts.RecordCacheSize,
			BufferItems: 64,
		})
		if err != nil {
			_ = hf.dm.Close()
			return nil, fmt.Errorf("failed to create record cache: %w", err)
		}
	}

	hf.logger.Info("heap file opened",
		zap.Bool("created", created),
		zap.Int("dimension", dim),
		zap.Int("slots_per_page", hf.slotsPerPage),
		zap.Int64("live_records", hf.liveRecords))
	return hf, nil
}

func (hf *HeapFile) writeHeader() error {
	id, err := hf.dm.AllocatePage()
	if err != nil {
		return err
	}
	if id != pagemanager.MetaPageID {
		return fmt.Errorf("%w: header allocated at page %d", flushmanager.ErrInvalidPageData, id)
	}
	hf.page.Reset()
	var buf bytes.Buffer
	header := fileHeader{
		Magic:     heapMagic,
		Version:   heapVersion,
		PageSize:  pagemanager.PageSize,
		Dimension: uint32(hf.dim),
		SlotSize:  uint32(hf.slotSize),
	}
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: encoding heap header: %v", flushmanager.ErrSerialization, err)
	}
	copy(hf.page.GetData(), buf.Bytes())
	return hf.dm.WritePage(pagemanager.MetaPageID, hf.page.GetData())
}

// load validates the header and rebuilds the free-page set and live count.
func (hf *HeapFile) load() error {
	if err := hf.readPage(pagemanager.MetaPageID); err != nil {
		return err
	}
	var header fileHeader
	if err := binary.Read(bytes.NewReader(hf.page.GetData()), binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: decoding heap header: %v", flushmanager.ErrDeserialization, err)
	}
	switch {
	case header.Magic != heapMagic:
		return fmt.Errorf("%w: bad heap file magic %#x", flushmanager.ErrInvalidPageData, header.Magic)
	case header.Version != heapVersion:
		return fmt.Errorf("%w: unsupported heap file version %d", flushmanager.ErrInvalidPageData, header.Version)
	case header.PageSize != pagemanager.PageSize:
		return fmt.Errorf("%w: heap file page size %d", flushmanager.ErrInvalidPageData, header.PageSize)
	case int(header.Dimension) != hf.dim:
		return fmt.Errorf("%w: heap file has dimension %d, want %d", flushmanager.ErrDimensionMismatch, header.Dimension, hf.dim)
	}

	for id := pagemanager.FirstDataPageID; id < hf.dm.NumPages(); id++ {
		if err := hf.readPage(id); err != nil {
			return err
		}
		live := readLiveCount(hf.page.GetData())
		if live > hf.slotsPerPage {
			return fmt.Errorf("%w: page %d claims %d live records", flushmanager.ErrInvalidPageData, id, live)
		}
		hf.liveRecords += int64(live)
		if live < hf.slotsPerPage {
			hf.freePages.ReplaceOrInsert(id)
		}
	}
	return nil
}

func (hf *HeapFile) readPage(id pagemanager.PageID) error {
	if err := hf.dm.ReadPage(id, hf.page.GetData()); err != nil {
		return err
	}
	hf.page.SetPageID(id)
	hf.page.SetDirty(false)
	return nil
}

func (hf *HeapFile) writePage() error {
	if err := hf.dm.WritePage(hf.page.GetPageID(), hf.page.GetData()); err != nil {
		return err
	}
	hf.page.SetDirty(false)
	return nil
}

// appendPage lays down a new data page with every slot tombstoned.
func (hf *HeapFile) appendPage() (pagemanager.PageID, error) {
	id, err := hf.dm.AllocatePage()
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	hf.page.Reset()
	hf.page.SetPageID(id)
	data := hf.page.GetData()
	for slot := 0; slot < hf.slotsPerPage; slot++ {
		off := slotOffset(slot, hf.slotSize)
		tombstoneSlot(data[off : off+hf.slotSize])
	}
	if err := hf.writePage(); err != nil {
		return pagemanager.InvalidPageID, err
	}
	hf.freePages.ReplaceOrInsert(id)
	hf.logger.Debug("heap page appended", zap.Int32("page_id", int32(id)))
	return id, nil
}

func (hf *HeapFile) validatePointer(ptr RecordPointer) error {
	if ptr.BlockID < pagemanager.FirstDataPageID || ptr.BlockID >= hf.dm.NumPages() ||
		ptr.SlotID < 0 || int(ptr.SlotID) >= hf.slotsPerPage {
		return fmt.Errorf("%w: %s", flushmanager.ErrInvalidPointer, ptr)
	}
	return nil
}

// InsertRecord stores rec in the lowest page with a free slot, appending a
// page when none has room.
func (hf *HeapFile) InsertRecord(rec Record) (RecordPointer, error) {
	if rec.ID == TombstoneID {
		return RecordPointer{}, fmt.Errorf("%w: record id %d is reserved for tombstones", flushmanager.ErrInvalidInput, TombstoneID)
	}
	if len(rec.Coords) != hf.dim {
		return RecordPointer{}, fmt.Errorf("%w: record has %d coordinates, want %d", flushmanager.ErrDimensionMismatch, len(rec.Coords), hf.dim)
	}

	pageID, ok := hf.freePages.Min()
	if !ok {
		var err error
		if pageID, err = hf.appendPage(); err != nil {
			return RecordPointer{}, err
		}
	} else if err := hf.readPage(pageID); err != nil {
		return RecordPointer{}, err
	}

	data := hf.page.GetData()
	slot := -1
	for i := 0; i < hf.slotsPerPage; i++ {
		if readSlotID(data, slotOffset(i, hf.slotSize)) == TombstoneID {
			slot = i
			break
		}
	}
	if slot < 0 {
		return RecordPointer{}, fmt.Errorf("%w: page %d is in the free set but has no free slot", flushmanager.ErrInvalidPageData, pageID)
	}

	off := slotOffset(slot, hf.slotSize)
	encodeSlot(data[off:off+hf.slotSize], rec)
	live := readLiveCount(data) + 1
	writeLiveCount(data, live)
	hf.page.SetDirty(true)
	if err := hf.writePage(); err != nil {
		return RecordPointer{}, err
	}

	if live >= hf.slotsPerPage {
		hf.freePages.Delete(pageID)
	}
	hf.liveRecords++
	ptr := RecordPointer{BlockID: pageID, SlotID: int32(slot)}
	hf.invalidate(ptr)
	return ptr, nil
}

// ReadRecord decodes the slot at ptr. A deleted slot decodes to a record whose
// ID is TombstoneID; that is not an error.
func (hf *HeapFile) ReadRecord(ptr RecordPointer) (Record, error) {
	if err := hf.validatePointer(ptr); err != nil {
		return Record{}, err
	}
	if hf.cache != nil {
		if rec, ok := hf.cache.Get(ptr.cacheKey()); ok {
			return cloneRecord(rec), nil
		}
	}
	if err := hf.readPage(ptr.BlockID); err != nil {
		return Record{}, err
	}
	off := slotOffset(int(ptr.SlotID), hf.slotSize)
	rec := decodeSlot(hf.page.GetData()[off:off+hf.slotSize], hf.dim)
	if hf.cache != nil && !rec.IsTombstone() {
		hf.cache.Set(ptr.cacheKey(), cloneRecord(rec), 1)
	}
	return rec, nil
}

// DeleteRecord tombstones the slot at ptr. The slot is reused by a later insert.
func (hf *HeapFile) DeleteRecord(ptr RecordPointer) error {
	if err := hf.validatePointer(ptr); err != nil {
		return err
	}
	if err := hf.readPage(ptr.BlockID); err != nil {
		return err
	}
	data := hf.page.GetData()
	off := slotOffset(int(ptr.SlotID), hf.slotSize)
	if readSlotID(data, off) == TombstoneID {
		return fmt.Errorf("%w: slot %s is already deleted", flushmanager.ErrRecordNotFound, ptr)
	}
	tombstoneSlot(data[off : off+hf.slotSize])
	writeLiveCount(data, readLiveCount(data)-1)
	hf.page.SetDirty(true)
	if err := hf.writePage(); err != nil {
		return err
	}
	hf.freePages.ReplaceOrInsert(ptr.BlockID)
	hf.liveRecords--
	hf.invalidate(ptr)
	return nil
}

// Scan calls fn for every live record in page and slot order. Returning an
// error from fn stops the scan and is passed through.
func (hf *HeapFile) Scan(fn func(ptr RecordPointer, rec Record) error) error {
	for id := pagemanager.FirstDataPageID; id < hf.dm.NumPages(); id++ {
		if err := hf.readPage(id); err != nil {
			return err
		}
		data := hf.page.GetData()
		if readLiveCount(data) == 0 {
			continue
		}
		// Decode the whole page first; fn may call back into the heap file.
		type hit struct {
			ptr RecordPointer
			rec Record
		}
		hits := make([]hit, 0, readLiveCount(data))
		for slot := 0; slot < hf.slotsPerPage; slot++ {
			off := slotOffset(slot, hf.slotSize)
			if readSlotID(data, off) == TombstoneID {
				continue
			}
			hits = append(hits, hit{
				ptr: RecordPointer{BlockID: id, SlotID: int32(slot)},
				rec: decodeSlot(data[off:off+hf.slotSize], hf.dim),
			})
		}
		for _, h := range hits {
			if err := fn(h.ptr, h.rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (hf *HeapFile) invalidate(ptr RecordPointer) {
	if hf.cache == nil {
		return
	}
	hf.cache.Del(ptr.cacheKey())
	hf.cache.Wait()
}

// Dimension is the number of coordinates per record.
func (hf *HeapFile) Dimension() int    { return hf.dim }
func (hf *HeapFile) SlotsPerPage() int { return hf.slotsPerPage }
func (hf *HeapFile) Path() string      { return hf.dm.Path() }

// Stats reports page and record counts.
func (hf *HeapFile) Stats() Stats {
	return Stats{
		DataPages:    int(hf.dm.NumPages()) - 1,
		LiveRecords:  hf.liveRecords,
		PagesWithGap: hf.freePages.Len(),
		SlotsPerPage: hf.slotsPerPage,
	}
}

// Sync flushes the heap file to stable storage.
func (hf *HeapFile) Sync() error {
	return hf.dm.Sync()
}

// Close syncs and closes the heap file.
func (hf *HeapFile) Close() error {
	if hf.cache != nil {
		hf.cache.Close()
		hf.cache = nil
	}
	hf.logger.Info("heap file closed", zap.Int64("live_records", hf.liveRecords))
	return hf.dm.Close()
}

func cloneRecord(rec Record) Record {
	coords := make([]float64, len(rec.Coords))
	copy(coords, rec.Coords)
	rec.Coords = coords
	return rec
}
