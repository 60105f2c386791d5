package spatial

import (
	"context"
	"fmt"
	"time"

	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// TreeStats summarises the shape of the tree.
type TreeStats struct {
	Height        int
	RootPageID    pagemanager.PageID
	NodesPerLevel map[int]int
	LeafEntries   int
}

// Check walks the whole tree and verifies its structural invariants: fanout
// bounds, parent links, child levels, exact parent boxes and leaf entries only
// at level 0. The first violation is returned wrapped in ErrInvariant.
func (t *RStarTree) Check(ctx context.Context) (err error) {
	start := time.Now()
	op, span := t.begin(ctx, "Check")
	defer func() { t.end(op, span, "Check", start, err) }()

	_, err = t.walk(func(pageID pagemanager.PageID, level int, entries int) {})
	if err == nil {
		t.logger.Debug("tree check passed", zap.String("op_id", op.id))
	}
	return err
}

// Stats walks the tree and counts nodes per level and leaf entries.
func (t *RStarTree) Stats(ctx context.Context) (stats TreeStats, err error) {
	start := time.Now()
	op, span := t.begin(ctx, "Stats")
	defer func() { t.end(op, span, "Stats", start, err) }()

	stats = TreeStats{RootPageID: t.rootID, NodesPerLevel: make(map[int]int)}
	stats.Height, err = t.walk(func(_ pagemanager.PageID, level int, entries int) {
		stats.NodesPerLevel[level]++
		if level == 0 {
			stats.LeafEntries += entries
		}
	})
	if err != nil {
		return TreeStats{}, err
	}
	return stats, nil
}

type visit struct {
	pageID pagemanager.PageID
	parent pagemanager.PageID
	level  int
	box    *geom.MBR
}

// walk visits every node breadth-first, validating each against the entry that
// points to it, and returns the height.
func (t *RStarTree) walk(fn func(pageID pagemanager.PageID, level int, entries int)) (int, error) {
	root, err := t.fetch(t.rootID)
	if err != nil {
		return 0, err
	}
	height := root.Level + 1
	queue := []visit{{pageID: t.rootID, parent: pagemanager.InvalidPageID, level: root.Level}}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		n, err := t.fetch(v.pageID)
		if err != nil {
			return 0, err
		}
		if err := t.checkNode(v, n.ParentPageID, n.Level, len(n.Entries)); err != nil {
			return 0, err
		}
		if v.box != nil {
			mbr, ok := n.MBR()
			if !ok || !mbr.Equal(*v.box) {
				return 0, fmt.Errorf("%w: parent entry box %s of page %d does not match its entries", flushmanager.ErrInvariant, v.box, v.pageID)
			}
		}
		for i, e := range n.Entries {
			if e.IsLeaf() != n.IsLeaf() {
				return 0, fmt.Errorf("%w: page %d at level %d holds a mismatched entry %d", flushmanager.ErrInvariant, v.pageID, n.Level, i)
			}
			if e.MBR().Dim() != t.dim {
				return 0, fmt.Errorf("%w: page %d entry %d has dimension %d", flushmanager.ErrInvariant, v.pageID, i, e.MBR().Dim())
			}
			if !n.IsLeaf() {
				box := e.MBR()
				queue = append(queue, visit{pageID: e.Child(), parent: v.pageID, level: n.Level - 1, box: &box})
			}
		}
		fn(v.pageID, n.Level, len(n.Entries))
	}
	return height, nil
}

func (t *RStarTree) checkNode(v visit, parent pagemanager.PageID, level, entries int) error {
	switch {
	case level != v.level:
		return fmt.Errorf("%w: page %d is at level %d, expected %d", flushmanager.ErrInvariant, v.pageID, level, v.level)
	case parent != v.parent:
		return fmt.Errorf("%w: page %d links to parent %d, expected %d", flushmanager.ErrInvariant, v.pageID, parent, v.parent)
	case entries > t.maxEntries:
		return fmt.Errorf("%w: page %d holds %d entries, more than %d", flushmanager.ErrInvariant, v.pageID, entries, t.maxEntries)
	case v.pageID != t.rootID && entries < t.minEntries:
		return fmt.Errorf("%w: page %d holds %d entries, fewer than %d", flushmanager.ErrInvariant, v.pageID, entries, t.minEntries)
	case v.pageID == t.rootID && level > 0 && entries < 2:
		return fmt.Errorf("%w: internal root %d has %d children", flushmanager.ErrInvariant, v.pageID, entries)
	}
	return nil
}
