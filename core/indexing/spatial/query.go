package spatial

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/btree"
	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rstardb/core/write_engine/page_manager"
)

// Neighbor is one kNN result.
type Neighbor struct {
	Pointer  heapfile.RecordPointer
	Distance float64
}

// RangeQuery returns the pointers of every point inside the box [min, max].
func (t *RStarTree) RangeQuery(ctx context.Context, min, max []float64) (ptrs []heapfile.RecordPointer, err error) {
	start := time.Now()
	op, span := t.begin(ctx, "RangeQuery")
	defer func() { t.end(op, span, "RangeQuery", start, err) }()

	if len(min) != t.dim || len(max) != t.dim {
		return nil, fmt.Errorf("%w: query box has %d/%d coordinates, want %d",
			flushmanager.ErrDimensionMismatch, len(min), len(max), t.dim)
	}
	// Infinite bounds are allowed so a query can cover the whole space.
	for i := range min {
		if math.IsNaN(min[i]) || math.IsNaN(max[i]) || min[i] > max[i] {
			return nil, fmt.Errorf("%w: bad query interval [%v, %v] on axis %d",
				flushmanager.ErrInvalidInput, min[i], max[i], i)
		}
	}
	query := geom.MBR{Min: min, Max: max}

	ptrs = []heapfile.RecordPointer{}
	stack := []pagemanager.PageID{t.rootID}
	for len(stack) > 0 {
		pageID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, err := t.fetch(pageID)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf() {
			for _, e := range n.Entries {
				if e.MBR().ContainedIn(query) {
					ptrs = append(ptrs, e.Pointer())
				}
			}
			continue
		}
		for i := len(n.Entries) - 1; i >= 0; i-- {
			if n.Entries[i].MBR().Overlaps(query) {
				stack = append(stack, n.Entries[i].Child())
			}
		}
	}
	return ptrs, nil
}

// knnItem is a queued node or leaf entry keyed by its lower-bound distance.
type knnItem struct {
	dist    float64
	isEntry bool
	pageID  pagemanager.PageID
	ptr     heapfile.RecordPointer
	seq     uint64
}

// lessKNN orders by distance, then entries before nodes, then insertion order.
func lessKNN(a, b knnItem) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	if a.isEntry != b.isEntry {
		return a.isEntry
	}
	return a.seq < b.seq
}

// KNNQuery returns the k points nearest to p in non-decreasing distance order,
// using best-first search over minDist.
func (t *RStarTree) KNNQuery(ctx context.Context, p []float64, k int) (result []Neighbor, err error) {
	start := time.Now()
	op, span := t.begin(ctx, "KNNQuery")
	defer func() { t.end(op, span, "KNNQuery", start, err) }()

	if err := geom.ValidateCoords(p, t.dim); err != nil {
		return nil, err
	}
	if k < 0 {
		return nil, fmt.Errorf("%w: k must not be negative, got %d", flushmanager.ErrInvalidInput, k)
	}

	result = make([]Neighbor, 0, k)
	if k == 0 {
		return result, nil
	}
	var seq uint64
	queue := btree.NewG[knnItem](16, lessKNN)
	queue.ReplaceOrInsert(knnItem{dist: 0, pageID: t.rootID})
	for queue.Len() > 0 && len(result) < k {
		item, _ := queue.DeleteMin()
		if item.isEntry {
			result = append(result, Neighbor{Pointer: item.ptr, Distance: item.dist})
			continue
		}
		n, err := t.fetch(item.pageID)
		if err != nil {
			return nil, err
		}
		for _, e := range n.Entries {
			seq++
			next := knnItem{dist: e.MBR().MinDist(p), seq: seq}
			if e.IsLeaf() {
				next.isEntry = true
				next.ptr = e.Pointer()
			} else {
				next.pageID = e.Child()
			}
			queue.ReplaceOrInsert(next)
		}
	}
	return result, nil
}

// SkylineQuery returns every point not dominated by another point, minimising
// all coordinates. Identical points do not dominate each other and are all
// reported. Two-dimensional data uses a sort-and-sweep; other dimensions fall
// back to pairwise dominance checks.
func (t *RStarTree) SkylineQuery(ctx context.Context) (ptrs []heapfile.RecordPointer, err error) {
	start := time.Now()
	op, span := t.begin(ctx, "SkylineQuery")
	defer func() { t.end(op, span, "SkylineQuery", start, err) }()

	var points []SkylinePoint
	stack := []pagemanager.PageID{t.rootID}
	for len(stack) > 0 {
		pageID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, err := t.fetch(pageID)
		if err != nil {
			return nil, err
		}
		for _, e := range n.Entries {
			if e.IsLeaf() {
				points = append(points, SkylinePoint{Pointer: e.Pointer(), Coords: e.MBR().Min})
			} else {
				stack = append(stack, e.Child())
			}
		}
	}
	return Skyline(points), nil
}

// SkylinePoint is one candidate of a skyline computation.
type SkylinePoint struct {
	Pointer heapfile.RecordPointer
	Coords  []float64
}

// Skyline filters points down to the non-dominated ones. It does not modify
// the input slice.
func Skyline(points []SkylinePoint) []heapfile.RecordPointer {
	out := []heapfile.RecordPointer{}
	if len(points) == 0 {
		return out
	}
	if len(points[0].Coords) != 2 {
		for i, a := range points {
			dominated := false
			for j, b := range points {
				if i != j && geom.Dominates(b.Coords, a.Coords) {
					dominated = true
					break
				}
			}
			if !dominated {
				out = append(out, a.Pointer)
			}
		}
		return out
	}

	sorted := make([]SkylinePoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Coords, sorted[j].Coords
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		return a[1] < b[1]
	})
	minY := math.Inf(1)
	var last []float64
	for _, p := range sorted {
		switch {
		case p.Coords[1] < minY:
			minY = p.Coords[1]
		case last != nil && p.Coords[0] == last[0] && p.Coords[1] == last[1]:
			// duplicate of the last accepted point
		default:
			continue
		}
		last = p.Coords
		out = append(out, p.Pointer)
	}
	return out
}
