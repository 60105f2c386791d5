package spatial

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	"github.com/sushant-115/rstardb/core/indexing/spatial/nodestore"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Insert appends rec to the heap file and indexes it.
func (t *RStarTree) Insert(ctx context.Context, rec heapfile.Record) (ptr heapfile.RecordPointer, err error) {
	start := time.Now()
	op, span := t.begin(ctx, "Insert")
	defer func() { t.end(op, span, "Insert", start, err) }()

	mbr, err := t.validatePoint(rec.Coords)
	if err != nil {
		return heapfile.RecordPointer{}, err
	}
	if ptr, err = t.heap.InsertRecord(rec); err != nil {
		return heapfile.RecordPointer{}, err
	}
	if err = t.insertEntry(op, nodestore.NewLeafEntry(mbr, ptr), 0); err != nil {
		return heapfile.RecordPointer{}, err
	}
	return ptr, nil
}

// IndexRecord adds a leaf entry for a record that is already in the heap file.
func (t *RStarTree) IndexRecord(ctx context.Context, ptr heapfile.RecordPointer) (err error) {
	start := time.Now()
	op, span := t.begin(ctx, "IndexRecord")
	defer func() { t.end(op, span, "IndexRecord", start, err) }()

	rec, err := t.heap.ReadRecord(ptr)
	if err != nil {
		return err
	}
	if rec.IsTombstone() {
		return fmt.Errorf("%w: %s is deleted", flushmanager.ErrRecordNotFound, ptr)
	}
	mbr, err := t.validatePoint(rec.Coords)
	if err != nil {
		return err
	}
	return t.insertEntry(op, nodestore.NewLeafEntry(mbr, ptr), 0)
}

// insertEntry places e in a node at level and handles any overflow.
func (t *RStarTree) insertEntry(op *operation, e nodestore.Entry, level int) error {
	targetID, err := t.chooseSubtree(e.MBR(), level)
	if err != nil {
		return err
	}
	err = t.update(targetID, func(n *nodestore.Node) error {
		n.Entries = append(n.Entries, e)
		return nil
	})
	if err != nil {
		return err
	}
	if !e.IsLeaf() {
		if err := t.setParent(e.Child(), targetID); err != nil {
			return err
		}
	}
	if err := t.adjustPath(targetID); err != nil {
		return err
	}
	return t.handleOverflow(op, targetID)
}

// chooseSubtree descends from the root to the node at level whose box needs
// the least enlargement to cover mbr. Ties go to the smaller resulting area,
// then to the child with fewer entries, then to the first entry.
func (t *RStarTree) chooseSubtree(mbr geom.MBR, level int) (pagemanager.PageID, error) {
	pageID := t.rootID
	for {
		n, err := t.fetch(pageID)
		if err != nil {
			return pagemanager.InvalidPageID, err
		}
		if n.Level == level {
			return pageID, nil
		}
		if n.Level < level {
			return pagemanager.InvalidPageID, fmt.Errorf("%w: descended to level %d looking for level %d",
				flushmanager.ErrInvariant, n.Level, level)
		}
		if len(n.Entries) == 0 {
			return pagemanager.InvalidPageID, fmt.Errorf("%w: internal node %d has no entries",
				flushmanager.ErrInvariant, pageID)
		}

		bestEnl, bestArea := math.Inf(1), math.Inf(1)
		var candidates []pagemanager.PageID
		for _, e := range n.Entries {
			if e.IsLeaf() {
				return pagemanager.InvalidPageID, fmt.Errorf("%w: leaf entry in internal node %d",
					flushmanager.ErrInvariant, pageID)
			}
			enl := e.MBR().Enlargement(mbr)
			area := e.MBR().Union(mbr).Area()
			switch {
			case enl < bestEnl || (enl == bestEnl && area < bestArea):
				bestEnl, bestArea = enl, area
				candidates = append(candidates[:0], e.Child())
			case enl == bestEnl && area == bestArea:
				candidates = append(candidates, e.Child())
			}
		}

		child := candidates[0]
		if len(candidates) > 1 {
			fewest := math.MaxInt
			for _, c := range candidates {
				cn, err := t.fetch(c)
				if err != nil {
					return pagemanager.InvalidPageID, err
				}
				if len(cn.Entries) < fewest {
					fewest, child = len(cn.Entries), c
				}
			}
		}

		cn, err := t.fetch(child)
		if err != nil {
			return pagemanager.InvalidPageID, err
		}
		if cn.ParentPageID != pageID {
			t.logger.Warn("re-stamping stale parent link",
				zap.Int32("page_id", int32(child)),
				zap.Int32("stale_parent", int32(cn.ParentPageID)),
				zap.Int32("parent", int32(pageID)))
			cn.ParentPageID = pageID
			if err := t.store(cn); err != nil {
				return pagemanager.InvalidPageID, err
			}
		}
		pageID = child
	}
}

// adjustPath refreshes the parent entry boxes from pageID up to the root,
// stopping as soon as a parent entry is already exact.
func (t *RStarTree) adjustPath(pageID pagemanager.PageID) error {
	for pageID != t.rootID {
		n, err := t.fetch(pageID)
		if err != nil {
			return err
		}
		mbr, ok := n.MBR()
		if !ok {
			return nil
		}
		parentID := n.ParentPageID
		parent, err := t.fetch(parentID)
		if err != nil {
			return err
		}
		idx := parent.IndexOfChild(pageID)
		if idx < 0 {
			return fmt.Errorf("%w: page %d is not a child of its parent %d", flushmanager.ErrInvariant, pageID, parentID)
		}
		if parent.Entries[idx].MBR().Equal(mbr) {
			return nil
		}
		parent.Entries[idx] = parent.Entries[idx].WithMBR(mbr)
		if err := t.store(parent); err != nil {
			return err
		}
		pageID = parentID
	}
	return nil
}

// handleOverflow splits the root right away; any other node gets one forced
// reinsertion per operation and is split on its next overflow.
func (t *RStarTree) handleOverflow(op *operation, pageID pagemanager.PageID) error {
	n, err := t.fetch(pageID)
	if err != nil {
		return err
	}
	if len(n.Entries) <= t.maxEntries {
		return nil
	}
	if pageID == t.rootID {
		return t.split(op, pageID)
	}
	if _, done := op.reinserted[pageID]; done {
		return t.split(op, pageID)
	}
	op.reinserted[pageID] = struct{}{}
	return t.reinsert(op, pageID)
}

// reinsert removes the entries farthest from the centroid of the node's entry
// centers and inserts them again from the root at the node's level.
func (t *RStarTree) reinsert(op *operation, pageID pagemanager.PageID) error {
	n, err := t.fetch(pageID)
	if err != nil {
		return err
	}
	level := n.Level

	centroid := make([]float64, t.dim)
	for _, e := range n.Entries {
		for i, c := range e.MBR().Center() {
			centroid[i] += c
		}
	}
	for i := range centroid {
		centroid[i] /= float64(len(n.Entries))
	}

	type ranked struct {
		entry nodestore.Entry
		dist  float64
	}
	ranks := make([]ranked, len(n.Entries))
	for i, e := range n.Entries {
		ranks[i] = ranked{entry: e, dist: geom.Distance(e.MBR().Center(), centroid)}
	}
	sort.SliceStable(ranks, func(i, j int) bool { return ranks[i].dist > ranks[j].dist })

	removed := make([]nodestore.Entry, 0, t.reinsertCount)
	kept := make([]nodestore.Entry, 0, len(ranks)-t.reinsertCount)
	for i, r := range ranks {
		if i < t.reinsertCount {
			removed = append(removed, r.entry)
		} else {
			kept = append(kept, r.entry)
		}
	}
	n.Entries = kept
	if err := t.store(n); err != nil {
		return err
	}
	if err := t.adjustPath(pageID); err != nil {
		return err
	}

	t.instruments.Reinsertion(op.ctx, level)
	t.logger.Debug("forced reinsertion",
		zap.String("op_id", op.id),
		zap.Int32("page_id", int32(pageID)),
		zap.Int("level", level),
		zap.Int("entries", len(removed)))

	for _, e := range removed {
		if err := t.insertEntry(op, e, level); err != nil {
			return err
		}
	}
	return nil
}
