package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"

	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager reads and writes fixed-size pages of a single file. Page i lives
// at offset i*pageSize. It does no caching and no locking: the heap file and
// the node store each own exactly one DiskManager.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages pagemanager.PageID
	logger   *zap.Logger
}

// NewDiskManager describes a page file; Open creates or opens it.
func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) *DiskManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskManager{
		filePath: filePath,
		pageSize: pageSize,
		logger:   logger,
	}
}

// Open opens the backing file, creating it when missing. It reports whether the
// file was empty, i.e. whether the caller has to lay down a header page.
func (dm *DiskManager) Open() (bool, error) {
	file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return false, fmt.Errorf("%w: opening %s: %v", ErrIO, dm.filePath, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return false, fmt.Errorf("%w: stat %s: %v", ErrIO, dm.filePath, err)
	}
	dm.file = file

	// A trailing partial page still counts, so reading it fails loudly with a
	// short read instead of silently disappearing.
	size := info.Size()
	pages := size / int64(dm.pageSize)
	if size%int64(dm.pageSize) != 0 {
		pages++
		dm.logger.Warn("file size is not a multiple of the page size",
			zap.String("path", dm.filePath), zap.Int64("size", size), zap.Int("page_size", dm.pageSize))
	}
	dm.numPages = pagemanager.PageID(pages)
	dm.logger.Debug("disk manager opened",
		zap.String("path", dm.filePath), zap.Int32("num_pages", int32(dm.numPages)))
	return size == 0, nil
}

// ReadPage fills pageData with the contents of pageID.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	if dm.file == nil {
		return ErrFileClosed
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	if pageID < 0 || pageID >= dm.numPages {
		return fmt.Errorf("%w: page %d (file has %d pages)", ErrPageNotFound, pageID, dm.numPages)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if bytesRead != dm.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, dm.pageSize, bytesRead)
	}
	return nil
}

// WritePage writes pageData at pageID, which must already be allocated.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	if dm.file == nil {
		return ErrFileClosed
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	if pageID < 0 || pageID >= dm.numPages {
		return fmt.Errorf("%w: page %d (file has %d pages)", ErrPageNotFound, pageID, dm.numPages)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// AllocatePage appends a zero-filled page and returns its id.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	if dm.file == nil {
		return pagemanager.InvalidPageID, ErrFileClosed
	}
	pageID := dm.numPages
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(make([]byte, dm.pageSize), offset); err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: allocating page %d: %v", ErrIO, pageID, err)
	}
	dm.numPages++
	return pageID, nil
}

// NumPages is the number of allocated pages.
func (dm *DiskManager) NumPages() pagemanager.PageID { return dm.numPages }
func (dm *DiskManager) PageSize() int                { return dm.pageSize }
func (dm *DiskManager) Path() string                 { return dm.filePath }

// Sync flushes the file to stable storage.
func (dm *DiskManager) Sync() error {
	if dm.file == nil {
		return ErrFileClosed
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (dm *DiskManager) Close() error {
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	closeErr := dm.file.Close()
	dm.file = nil
	if syncErr != nil {
		return fmt.Errorf("%w: syncing %s on close: %v", ErrIO, dm.filePath, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, closeErr)
	}
	return nil
}
