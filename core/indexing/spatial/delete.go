package spatial

import (
	"context"
	"fmt"
	"time"

	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	"github.com/sushant-115/rstardb/core/indexing/spatial/nodestore"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Delete removes the entry for ptr located at coords, condenses the tree and
// finally tombstones the record in the heap file.
func (t *RStarTree) Delete(ctx context.Context, ptr heapfile.RecordPointer, coords []float64) (err error) {
	start := time.Now()
	op, span := t.begin(ctx, "Delete")
	defer func() { t.end(op, span, "Delete", start, err) }()

	point, err := t.validatePoint(coords)
	if err != nil {
		return err
	}
	leafID, found, err := t.findLeaf(t.rootID, point, ptr)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: no index entry for %s at %v", flushmanager.ErrRecordNotFound, ptr, coords)
	}

	err = t.update(leafID, func(leaf *nodestore.Node) error {
		for i, e := range leaf.Entries {
			if e.Pointer() == ptr {
				leaf.RemoveEntry(i)
				return nil
			}
		}
		return fmt.Errorf("%w: entry for %s vanished from leaf %d", flushmanager.ErrInvariant, ptr, leafID)
	})
	if err != nil {
		return err
	}
	if err := t.condense(op, leafID); err != nil {
		return err
	}
	return t.heap.DeleteRecord(ptr)
}

// findLeaf searches every subtree whose box contains point for a leaf entry
// holding ptr.
func (t *RStarTree) findLeaf(pageID pagemanager.PageID, point geom.MBR, ptr heapfile.RecordPointer) (pagemanager.PageID, bool, error) {
	n, err := t.fetch(pageID)
	if err != nil {
		return pagemanager.InvalidPageID, false, err
	}
	if n.IsLeaf() {
		for _, e := range n.Entries {
			if e.Pointer() == ptr && point.ContainedIn(e.MBR()) {
				return pageID, true, nil
			}
		}
		return pagemanager.InvalidPageID, false, nil
	}
	// Collect first: the recursion may evict n.
	var children []pagemanager.PageID
	for _, e := range n.Entries {
		if point.ContainedIn(e.MBR()) {
			children = append(children, e.Child())
		}
	}
	for _, child := range children {
		leafID, found, err := t.findLeaf(child, point, ptr)
		if err != nil || found {
			return leafID, found, err
		}
	}
	return pagemanager.InvalidPageID, false, nil
}

// condense walks from leafID to the root. Underfull nodes are detached and
// their leaf entries collected; the others get their parent entry box
// refreshed. The collected entries are then reinserted at the leaf level and
// a single-child internal root is collapsed.
func (t *RStarTree) condense(op *operation, leafID pagemanager.PageID) error {
	var orphans []nodestore.Entry
	dissolved := 0
	pageID := leafID
	for pageID != t.rootID {
		n, err := t.fetch(pageID)
		if err != nil {
			return err
		}
		parentID := n.ParentPageID
		underfull := len(n.Entries) < t.minEntries
		mbr, hasEntries := n.MBR()

		err = t.update(parentID, func(parent *nodestore.Node) error {
			idx := parent.IndexOfChild(pageID)
			if idx < 0 {
				return fmt.Errorf("%w: page %d is not a child of its parent %d", flushmanager.ErrInvariant, pageID, parentID)
			}
			if underfull {
				parent.RemoveEntry(idx)
			} else if hasEntries {
				parent.Entries[idx] = parent.Entries[idx].WithMBR(mbr)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if underfull {
			entries, pages, err := t.dissolve(pageID)
			if err != nil {
				return err
			}
			orphans = append(orphans, entries...)
			dissolved += pages
		}
		pageID = parentID
	}

	root, err := t.fetch(t.rootID)
	if err != nil {
		return err
	}
	if !root.IsLeaf() && len(root.Entries) == 0 {
		root.Level = 0
		if err := t.store(root); err != nil {
			return err
		}
	}

	if dissolved > 0 {
		t.instruments.Condensed(op.ctx, dissolved)
		t.logger.Debug("condensed tree",
			zap.String("op_id", op.id),
			zap.Int("dissolved_nodes", dissolved),
			zap.Int("orphans", len(orphans)))
	}
	for _, e := range orphans {
		if err := t.insertEntry(op, e, 0); err != nil {
			return err
		}
	}

	for {
		root, err := t.fetch(t.rootID)
		if err != nil {
			return err
		}
		if root.IsLeaf() || len(root.Entries) != 1 {
			return nil
		}
		oldRoot := t.rootID
		if err := t.setRoot(root.Entries[0].Child()); err != nil {
			return err
		}
		t.cache.Discard(oldRoot)
	}
}

// dissolve collects every leaf entry below pageID and abandons the pages of
// that subtree.
func (t *RStarTree) dissolve(pageID pagemanager.PageID) ([]nodestore.Entry, int, error) {
	var entries []nodestore.Entry
	pages := 0
	stack := []pagemanager.PageID{pageID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, err := t.fetch(id)
		if err != nil {
			return nil, 0, err
		}
		if n.IsLeaf() {
			entries = append(entries, n.Entries...)
		} else {
			for _, e := range n.Entries {
				stack = append(stack, e.Child())
			}
		}
		t.cache.Discard(id)
		pages++
	}
	return entries, pages, nil
}
