package pagemanager

// --- Page Management ---

// PageSize is the size of every page in both the heap file and the index file.
const PageSize = 32 * 1024

// PageID represents a unique identifier for a page on disk. It doubles as the
// block id of a heap record pointer and the child id of an internal tree entry.
type PageID int32

const (
	// InvalidPageID marks "no page": an unset parent link or an unallocated node.
	InvalidPageID PageID = -1
	// MetaPageID is the file header page. It never holds records or nodes, so a
	// zero-filled id can always be read as "empty".
	MetaPageID PageID = 0
	// FirstDataPageID is the first page that holds records or nodes.
	FirstDataPageID PageID = 1
)

// IsData reports whether id can address a record or node page.
func (id PageID) IsData() bool { return id >= FirstDataPageID }

// Page represents an in-memory copy of a disk page.
type Page struct {
	id      PageID
	data    []byte
	isDirty bool
}

// NewPage creates a new Page instance.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

// Reset zeroes the page contents so a stale page never leaks into a new one.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.isDirty = false
	clear(p.data)
}

func (p *Page) GetData() []byte     { return p.data }
func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) IsDirty() bool       { return p.isDirty }
func (p *Page) SetDirty(dirty bool) { p.isDirty = dirty }
