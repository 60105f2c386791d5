package spatial

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	"github.com/sushant-115/rstardb/core/indexing/spatial/nodestore"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

// BulkLoad builds the tree bottom-up from recs, which are appended to the heap
// file. The tree must be empty. Records are ordered by their first coordinate
// and packed level by level into ceil(n/M) nodes of near-equal size, so every
// non-root node holds between m and M entries.
func (t *RStarTree) BulkLoad(ctx context.Context, recs []heapfile.Record) (err error) {
	start := time.Now()
	op, span := t.begin(ctx, "BulkLoad")
	defer func() { t.end(op, span, "BulkLoad", start, err) }()

	for i, rec := range recs {
		if err := geom.ValidateCoords(rec.Coords, t.dim); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if rec.ID == heapfile.TombstoneID {
			return fmt.Errorf("record %d: %w: id %d is reserved", i, flushmanager.ErrInvalidInput, rec.ID)
		}
	}
	root, err := t.fetch(t.rootID)
	if err != nil {
		return err
	}
	if !root.IsLeaf() || len(root.Entries) > 0 {
		return flushmanager.ErrTreeNotEmpty
	}

	sorted := make([]heapfile.Record, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Coords[0] < sorted[j].Coords[0] })

	entries := make([]nodestore.Entry, 0, len(sorted))
	for _, rec := range sorted {
		ptr, err := t.heap.InsertRecord(rec)
		if err != nil {
			return err
		}
		mbr, err := geom.Point(rec.Coords)
		if err != nil {
			return err
		}
		entries = append(entries, nodestore.NewLeafEntry(mbr, ptr))
	}

	level := 0
	for len(entries) > t.maxEntries {
		groups := packGroups(entries, t.maxEntries)
		next := make([]nodestore.Entry, 0, len(groups))
		for _, group := range groups {
			n := nodestore.NewNode(level)
			n.Entries = group
			pageID, err := t.cache.Allocate(n)
			if err != nil {
				return err
			}
			if level > 0 {
				for _, e := range group {
					if err := t.setParent(e.Child(), pageID); err != nil {
						return err
					}
				}
			}
			mbr, _ := n.MBR()
			next = append(next, nodestore.NewInternalEntry(mbr, pageID))
		}
		t.logger.Debug("bulk load level packed",
			zap.String("op_id", op.id), zap.Int("level", level), zap.Int("nodes", len(groups)))
		entries = next
		level++
	}

	// The existing empty root page becomes the top of the packed tree.
	root, err = t.fetch(t.rootID)
	if err != nil {
		return err
	}
	root.Level = level
	root.Entries = entries
	if err := t.store(root); err != nil {
		return err
	}
	if level > 0 {
		for _, e := range entries {
			if err := t.setParent(e.Child(), t.rootID); err != nil {
				return err
			}
		}
	}
	if err := t.cache.FlushAll(); err != nil {
		return err
	}
	if err := t.meta.SetRoot(t.rootID); err != nil {
		return err
	}
	t.logger.Info("bulk load complete",
		zap.String("op_id", op.id), zap.Int("records", len(recs)), zap.Int("height", level+1))
	return nil
}

// packGroups cuts entries into ceil(n/capacity) consecutive runs whose sizes differ
// by at most one.
func packGroups(entries []nodestore.Entry, capacity int) [][]nodestore.Entry {
	count := (len(entries) + capacity - 1) / capacity
	base, extra := len(entries)/count, len(entries)%count
	groups := make([][]nodestore.Entry, 0, count)
	start := 0
	for i := 0; i < count; i++ {
		size := base
		if i < extra {
			size++
		}
		group := make([]nodestore.Entry, size)
		copy(group, entries[start:start+size])
		groups = append(groups, group)
		start += size
	}
	return groups
}
