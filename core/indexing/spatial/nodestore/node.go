// Package nodestore holds the R*-tree node model and its fixed-size page codec.
package nodestore

import (
	"fmt"

	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
)

type entryKind uint8

const (
	leafEntry entryKind = iota + 1
	internalEntry
)

// Entry is either a leaf entry (box + record pointer) or an internal entry
// (box + child page). The fields are unexported so only the two constructors
// can build one.
type Entry struct {
	mbr   geom.MBR
	kind  entryKind
	ptr   heapfile.RecordPointer
	child pagemanager.PageID
}

// NewLeafEntry builds a leaf entry pointing at a heap record.
func NewLeafEntry(mbr geom.MBR, ptr heapfile.RecordPointer) Entry {
	return Entry{mbr: mbr, kind: leafEntry, ptr: ptr}
}

// NewInternalEntry builds an internal entry pointing at a child page.
func NewInternalEntry(mbr geom.MBR, child pagemanager.PageID) Entry {
	return Entry{mbr: mbr, kind: internalEntry, child: child}
}

// MBR is the entry's bounding box, a degenerate box for leaf entries.
func (e Entry) MBR() geom.MBR { return e.mbr }

// IsLeaf reports whether the entry references a record.
func (e Entry) IsLeaf() bool { return e.kind == leafEntry }

// Pointer returns the record pointer of a leaf entry.
func (e Entry) Pointer() heapfile.RecordPointer { return e.ptr }

// Child returns the child page of an internal entry, InvalidPageID otherwise.
func (e Entry) Child() pagemanager.PageID {
	if e.kind != internalEntry {
		return pagemanager.InvalidPageID
	}
	return e.child
}

// WithMBR returns a copy of e with its box replaced.
func (e Entry) WithMBR(mbr geom.MBR) Entry {
	e.mbr = mbr
	return e
}

// String formats the entry for logs and test failures.
func (e Entry) String() string {
	if e.IsLeaf() {
		return fmt.Sprintf("leaf%s->%s", e.mbr, e.ptr)
	}
	return fmt.Sprintf("internal%s->%d", e.mbr, e.child)
}

// Node is one tree page. Parent and children are referenced by page id only.
type Node struct {
	PageID       pagemanager.PageID
	ParentPageID pagemanager.PageID
	// Level is 0 for leaves and grows towards the root.
	Level   int
	Entries []Entry
}

// NewNode returns an empty, unpersisted node at the given level.
func NewNode(level int) *Node {
	return &Node{
		PageID:       pagemanager.InvalidPageID,
		ParentPageID: pagemanager.InvalidPageID,
		Level:        level,
	}
}

// IsLeaf reports whether the node is at level 0.
func (n *Node) IsLeaf() bool { return n.Level == 0 }

// MBR is the union of the entry boxes. ok is false for an empty node.
func (n *Node) MBR() (mbr geom.MBR, ok bool) {
	if len(n.Entries) == 0 {
		return geom.MBR{}, false
	}
	mbr = n.Entries[0].MBR().Clone()
	for _, e := range n.Entries[1:] {
		mbr = mbr.Union(e.MBR())
	}
	return mbr, true
}

// IndexOfChild returns the position of the internal entry pointing at child, or -1.
func (n *Node) IndexOfChild(child pagemanager.PageID) int {
	for i, e := range n.Entries {
		if !e.IsLeaf() && e.Child() == child {
			return i
		}
	}
	return -1
}

// RemoveEntry deletes the entry at i, keeping the order of the rest.
func (n *Node) RemoveEntry(i int) {
	n.Entries = append(n.Entries[:i], n.Entries[i+1:]...)
}

// Clone copies the node header and the entry slice. Boxes are shared; callers
// replace boxes through WithMBR rather than mutating them.
func (n *Node) Clone() *Node {
	out := *n
	out.Entries = make([]Entry, len(n.Entries))
	copy(out.Entries, n.Entries)
	return &out
}
