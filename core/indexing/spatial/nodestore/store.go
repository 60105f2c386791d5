package nodestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const (
	indexMagic   uint32 = 0x52535449 // "RSTI"
	indexVersion uint32 = 1

	// nodeHeaderSize covers isLeaf (1 byte), level (int32) and parent (int32).
	nodeHeaderSize = 1 + 4 + 4
)

// Meta is the decoded header page of an index file.
type Meta struct {
	Dimension  int
	MaxEntries int
	MinEntries int
	RootPageID pagemanager.PageID
}

// fileHeader is the fixed layout of page 0.
type fileHeader struct {
	Magic      uint32
	Version    uint32
	PageSize   uint32
	Dimension  uint32
	MaxEntries uint32
	MinEntries uint32
	RootPageID int32
}

// EntrySize is the on-disk width of one entry slot.
func EntrySize(dim int) int {
	return 16*dim + 8
}

// MaxFanout is the largest M whose M+1 slots still fit in one page. The extra
// slot lets a node that is transiently one entry over capacity be written back.
func MaxFanout(dim int) int {
	return (pagemanager.PageSize-nodeHeaderSize)/EntrySize(dim) - 1
}

// PagedNodeStore serializes one Node per fixed-size page of the index file.
// Page 0 holds Meta, so a zero child id or a zero block id marks an empty slot.
type PagedNodeStore struct {
	dm        *flushmanager.DiskManager
	meta      Meta
	entrySize int
	slots     int
	page      *pagemanager.Page
	logger    *zap.Logger
}

// Open opens (or creates) the index file at path. An existing file must have
// been created with the same dimension and fanout.
func Open(path string, dim, maxEntries, minEntries int, logger *zap.Logger) (*PagedNodeStore, error) {
	if dim < 1 {
		return nil, fmt.Errorf("%w: dimension must be at least 1, got %d", flushmanager.ErrInvalidInput, dim)
	}
	if maxEntries < 2 || maxEntries > MaxFanout(dim) {
		return nil, fmt.Errorf("%w: max entries %d outside [2, %d] for dimension %d",
			flushmanager.ErrInvalidInput, maxEntries, MaxFanout(dim), dim)
	}
	if minEntries < 1 || minEntries > maxEntries/2 {
		return nil, fmt.Errorf("%w: min entries %d outside [1, %d]", flushmanager.ErrInvalidInput, minEntries, maxEntries/2)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PagedNodeStore{
		dm:        flushmanager.NewDiskManager(path, pagemanager.PageSize, logger),
		entrySize: EntrySize(dim),
		slots:     maxEntries + 1,
		page:      pagemanager.NewPage(pagemanager.InvalidPageID, pagemanager.PageSize),
		logger:    logger.With(zap.String("component", "nodestore"), zap.String("path", path)),
	}
	want := Meta{Dimension: dim, MaxEntries: maxEntries, MinEntries: minEntries, RootPageID: pagemanager.InvalidPageID}

	created, err := s.dm.Open()
	if err != nil {
		return nil, err
	}
	if created {
		if _, err = s.dm.AllocatePage(); err == nil {
			err = s.writeMeta(want)
		}
	} else {
		err = s.readMeta(want)
	}
	if err != nil {
		_ = s.dm.Close()
		return nil, err
	}
	s.logger.Info("node store opened",
		zap.Bool("created", created),
		zap.Int("dimension", dim),
		zap.Int("max_entries", maxEntries),
		zap.Int32("root_page_id", int32(s.meta.RootPageID)))
	return s, nil
}

func (s *PagedNodeStore) writeMeta(meta Meta) error {
	var buf bytes.Buffer
	header := fileHeader{
		Magic:      indexMagic,
		Version:    indexVersion,
		PageSize:   pagemanager.PageSize,
		Dimension:  uint32(meta.Dimension),
		MaxEntries: uint32(meta.MaxEntries),
		MinEntries: uint32(meta.MinEntries),
		RootPageID: int32(meta.RootPageID),
	}
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: encoding index header: %v", flushmanager.ErrSerialization, err)
	}
	s.page.Reset()
	copy(s.page.GetData(), buf.Bytes())
	if err := s.dm.WritePage(pagemanager.MetaPageID, s.page.GetData()); err != nil {
		return err
	}
	s.meta = meta
	return nil
}

func (s *PagedNodeStore) readMeta(want Meta) error {
	if err := s.dm.ReadPage(pagemanager.MetaPageID, s.page.GetData()); err != nil {
		return err
	}
	var header fileHeader
	if err := binary.Read(bytes.NewReader(s.page.GetData()), binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: decoding index header: %v", flushmanager.ErrDeserialization, err)
	}
	switch {
	case header.Magic != indexMagic:
		return fmt.Errorf("%w: bad index file magic %#x", flushmanager.ErrInvalidPageData, header.Magic)
	case header.Version != indexVersion:
		return fmt.Errorf("%w: unsupported index file version %d", flushmanager.ErrInvalidPageData, header.Version)
	case header.PageSize != pagemanager.PageSize:
		return fmt.Errorf("%w: index file page size %d", flushmanager.ErrInvalidPageData, header.PageSize)
	case int(header.Dimension) != want.Dimension:
		return fmt.Errorf("%w: index file has dimension %d, want %d", flushmanager.ErrDimensionMismatch, header.Dimension, want.Dimension)
	case int(header.MaxEntries) != want.MaxEntries || int(header.MinEntries) != want.MinEntries:
		return fmt.Errorf("%w: index file fanout is %d/%d, want %d/%d", flushmanager.ErrInvalidInput,
			header.MaxEntries, header.MinEntries, want.MaxEntries, want.MinEntries)
	}
	s.meta = Meta{
		Dimension:  int(header.Dimension),
		MaxEntries: int(header.MaxEntries),
		MinEntries: int(header.MinEntries),
		RootPageID: pagemanager.PageID(header.RootPageID),
	}
	return nil
}

// Meta returns the index header as last read or written.
func (s *PagedNodeStore) Meta() Meta { return s.meta }

// SetRoot persists the root page id in the header page.
func (s *PagedNodeStore) SetRoot(root pagemanager.PageID) error {
	if s.meta.RootPageID == root {
		return nil
	}
	meta := s.meta
	meta.RootPageID = root
	return s.writeMeta(meta)
}

// WriteNode encodes n into pageID. A negative pageID appends a new page. The
// assigned page id is returned and stamped into n.
func (s *PagedNodeStore) WriteNode(pageID pagemanager.PageID, n *Node) (pagemanager.PageID, error) {
	if pageID == pagemanager.MetaPageID {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: page 0 is the index header", flushmanager.ErrInvalidInput)
	}
	s.page.Reset()
	if err := s.encode(n, s.page.GetData()); err != nil {
		return pagemanager.InvalidPageID, err
	}
	if pageID < 0 {
		var err error
		if pageID, err = s.dm.AllocatePage(); err != nil {
			return pagemanager.InvalidPageID, err
		}
	}
	if err := s.dm.WritePage(pageID, s.page.GetData()); err != nil {
		return pagemanager.InvalidPageID, err
	}
	n.PageID = pageID
	return pageID, nil
}

// ReadNode decodes the node stored at pageID, skipping empty slots.
func (s *PagedNodeStore) ReadNode(pageID pagemanager.PageID) (*Node, error) {
	if !pageID.IsData() {
		return nil, fmt.Errorf("%w: page %d cannot hold a node", flushmanager.ErrPageNotFound, pageID)
	}
	if err := s.dm.ReadPage(pageID, s.page.GetData()); err != nil {
		return nil, err
	}
	n, err := s.decode(s.page.GetData())
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", pageID, err)
	}
	n.PageID = pageID
	return n, nil
}

func (s *PagedNodeStore) encode(n *Node, data []byte) error {
	if len(n.Entries) > s.slots {
		return fmt.Errorf("%w: node has %d entries, page holds %d", flushmanager.ErrSerialization, len(n.Entries), s.slots)
	}
	if n.IsLeaf() {
		data[0] = 1
	}
	binary.LittleEndian.PutUint32(data[1:5], uint32(int32(n.Level)))
	binary.LittleEndian.PutUint32(data[5:9], uint32(int32(n.ParentPageID)))

	dim := s.meta.Dimension
	off := nodeHeaderSize
	for i, e := range n.Entries {
		if e.IsLeaf() != n.IsLeaf() {
			return fmt.Errorf("%w: entry %d kind does not match node level %d", flushmanager.ErrSerialization, i, n.Level)
		}
		if e.MBR().Dim() != dim {
			return fmt.Errorf("%w: entry %d has dimension %d", flushmanager.ErrDimensionMismatch, i, e.MBR().Dim())
		}
		for _, v := range e.MBR().Min {
			binary.LittleEndian.PutUint64(data[off:off+8], math.Float64bits(v))
			off += 8
		}
		for _, v := range e.MBR().Max {
			binary.LittleEndian.PutUint64(data[off:off+8], math.Float64bits(v))
			off += 8
		}
		if e.IsLeaf() {
			binary.LittleEndian.PutUint32(data[off:off+4], uint32(int32(e.Pointer().BlockID)))
			binary.LittleEndian.PutUint32(data[off+4:off+8], uint32(e.Pointer().SlotID))
		} else {
			binary.LittleEndian.PutUint32(data[off:off+4], uint32(int32(e.Child())))
		}
		off += 8
	}
	return nil
}

func (s *PagedNodeStore) decode(data []byte) (*Node, error) {
	isLeaf := data[0] == 1
	n := &Node{
		Level:        int(int32(binary.LittleEndian.Uint32(data[1:5]))),
		ParentPageID: pagemanager.PageID(int32(binary.LittleEndian.Uint32(data[5:9]))),
	}
	if n.Level < 0 || isLeaf != (n.Level == 0) {
		return nil, fmt.Errorf("%w: isLeaf=%v with level %d", flushmanager.ErrInvalidPageData, isLeaf, n.Level)
	}

	dim := s.meta.Dimension
	for slot := 0; slot < s.slots; slot++ {
		off := nodeHeaderSize + slot*s.entrySize
		tail := off + 16*dim
		a := int32(binary.LittleEndian.Uint32(data[tail : tail+4]))
		b := int32(binary.LittleEndian.Uint32(data[tail+4 : tail+8]))
		if a == 0 && (!isLeaf || b == 0) {
			continue
		}
		mbr := geom.MBR{Min: make([]float64, dim), Max: make([]float64, dim)}
		for i := 0; i < dim; i++ {
			mbr.Min[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off+8*i:]))
			mbr.Max[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off+8*(dim+i):]))
		}
		if isLeaf {
			ptr := heapfile.RecordPointer{BlockID: pagemanager.PageID(a), SlotID: b}
			n.Entries = append(n.Entries, NewLeafEntry(mbr, ptr))
		} else {
			n.Entries = append(n.Entries, NewInternalEntry(mbr, pagemanager.PageID(a)))
		}
	}
	return n, nil
}

// NumPages counts every page in the file, the header included.
func (s *PagedNodeStore) NumPages() pagemanager.PageID { return s.dm.NumPages() }

// Path is the index file location.
func (s *PagedNodeStore) Path() string { return s.dm.Path() }

// Sync flushes the index file to stable storage.
func (s *PagedNodeStore) Sync() error {
	return s.dm.Sync()
}

// Close syncs and closes the index file.
func (s *PagedNodeStore) Close() error {
	s.logger.Info("node store closed", zap.Int32("root_page_id", int32(s.meta.RootPageID)))
	return s.dm.Close()
}
