package spatial

import (
	"fmt"
	"math"
	"sort"

	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	"github.com/sushant-115/rstardb/core/indexing/spatial/nodestore"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// split partitions an overflowing node in two. The first group stays on the
// node's page and the second goes to a new page. Splitting the root grows the
// tree by one level; otherwise the parent gains an entry and is split in turn
// if that overflows it.
func (t *RStarTree) split(op *operation, pageID pagemanager.PageID) error {
	n, err := t.fetch(pageID)
	if err != nil {
		return err
	}
	level, parentID := n.Level, n.ParentPageID
	isRoot := pageID == t.rootID
	if !isRoot && parentID == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: non-root page %d has no parent", flushmanager.ErrInvariant, pageID)
	}

	group1, group2 := chooseSplit(n.Entries, t.minEntries, t.dim)
	n.Entries = group1
	if err := t.store(n); err != nil {
		return err
	}

	sibling := nodestore.NewNode(level)
	sibling.ParentPageID = parentID
	sibling.Entries = group2
	siblingID, err := t.cache.Allocate(sibling)
	if err != nil {
		return err
	}
	if level > 0 {
		for _, e := range group2 {
			if err := t.setParent(e.Child(), siblingID); err != nil {
				return err
			}
		}
	}

	mbr1, _ := geom.UnionAll(entryBoxes(group1))
	mbr2, _ := geom.UnionAll(entryBoxes(group2))
	t.instruments.Split(op.ctx, level)
	t.logger.Debug("node split",
		zap.String("op_id", op.id),
		zap.Int32("page_id", int32(pageID)),
		zap.Int32("sibling_id", int32(siblingID)),
		zap.Int("level", level),
		zap.Int("left", len(group1)),
		zap.Int("right", len(group2)))

	if isRoot {
		root := nodestore.NewNode(level + 1)
		root.Entries = []nodestore.Entry{
			nodestore.NewInternalEntry(mbr1, pageID),
			nodestore.NewInternalEntry(mbr2, siblingID),
		}
		rootID, err := t.cache.Allocate(root)
		if err != nil {
			return err
		}
		if err := t.setParent(pageID, rootID); err != nil {
			return err
		}
		if err := t.setParent(siblingID, rootID); err != nil {
			return err
		}
		return t.setRoot(rootID)
	}

	err = t.update(parentID, func(parent *nodestore.Node) error {
		idx := parent.IndexOfChild(pageID)
		if idx < 0 {
			return fmt.Errorf("%w: page %d is not a child of its parent %d", flushmanager.ErrInvariant, pageID, parentID)
		}
		parent.Entries[idx] = parent.Entries[idx].WithMBR(mbr1)
		parent.Entries = append(parent.Entries, nodestore.NewInternalEntry(mbr2, siblingID))
		return nil
	})
	if err != nil {
		return err
	}
	if err := t.adjustPath(parentID); err != nil {
		return err
	}
	parent, err := t.fetch(parentID)
	if err != nil {
		return err
	}
	if len(parent.Entries) > t.maxEntries {
		return t.split(op, parentID)
	}
	return nil
}

func entryBoxes(entries []nodestore.Entry) []geom.MBR {
	boxes := make([]geom.MBR, len(entries))
	for i, e := range entries {
		boxes[i] = e.MBR()
	}
	return boxes
}

// chooseSplit picks the axis and sort order (by lower or by upper bound) whose
// candidate distributions have the smallest total margin, then the split index
// k in [m, len-m] with the smallest margin on that ordering. Ties on k go to
// less overlap, then less total area, then the smaller k.
func chooseSplit(entries []nodestore.Entry, m, dim int) ([]nodestore.Entry, []nodestore.Entry) {
	size := len(entries)
	lo, hi := m, size-m
	if lo > hi {
		lo, hi = size/2, size/2
	}

	var best []nodestore.Entry
	bestSum := math.Inf(1)
	for axis := 0; axis < dim; axis++ {
		for _, byUpper := range []bool{false, true} {
			sorted := sortedOnAxis(entries, axis, byUpper)
			prefix, suffix := sweepBoxes(sorted)
			var sum float64
			for k := lo; k <= hi; k++ {
				sum += prefix[k-1].Margin() + suffix[k].Margin()
			}
			if sum < bestSum {
				bestSum, best = sum, sorted
			}
		}
	}

	prefix, suffix := sweepBoxes(best)
	bestK := lo
	bestMargin, bestOverlap, bestArea := math.Inf(1), math.Inf(1), math.Inf(1)
	for k := lo; k <= hi; k++ {
		a, b := prefix[k-1], suffix[k]
		margin := a.Margin() + b.Margin()
		overlap := a.Overlap(b)
		area := a.Area() + b.Area()
		better := margin < bestMargin ||
			(margin == bestMargin && overlap < bestOverlap) ||
			(margin == bestMargin && overlap == bestOverlap && area < bestArea)
		if better {
			bestK, bestMargin, bestOverlap, bestArea = k, margin, overlap, area
		}
	}

	group1 := make([]nodestore.Entry, bestK)
	group2 := make([]nodestore.Entry, size-bestK)
	copy(group1, best[:bestK])
	copy(group2, best[bestK:])
	return group1, group2
}

func sortedOnAxis(entries []nodestore.Entry, axis int, byUpper bool) []nodestore.Entry {
	sorted := make([]nodestore.Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].MBR(), sorted[j].MBR()
		if byUpper {
			if a.Max[axis] != b.Max[axis] {
				return a.Max[axis] < b.Max[axis]
			}
			return a.Min[axis] < b.Min[axis]
		}
		if a.Min[axis] != b.Min[axis] {
			return a.Min[axis] < b.Min[axis]
		}
		return a.Max[axis] < b.Max[axis]
	})
	return sorted
}

// sweepBoxes returns prefix[i] = union(sorted[:i+1]) and suffix[i] = union(sorted[i:]).
func sweepBoxes(sorted []nodestore.Entry) (prefix, suffix []geom.MBR) {
	n := len(sorted)
	prefix = make([]geom.MBR, n)
	suffix = make([]geom.MBR, n)
	prefix[0] = sorted[0].MBR()
	for i := 1; i < n; i++ {
		prefix[i] = prefix[i-1].Union(sorted[i].MBR())
	}
	suffix[n-1] = sorted[n-1].MBR()
	for i := n - 2; i >= 0; i-- {
		suffix[i] = suffix[i+1].Union(sorted[i].MBR())
	}
	return prefix, suffix
}
