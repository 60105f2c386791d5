// Package seqscan answers range, kNN and skyline queries by scanning every
// live record of a heap file. It is the baseline the index is checked against.
package seqscan

import (
	"fmt"
	"math"
	"sort"

	"github.com/sushant-115/rstardb/core/indexing/spatial"
	"github.com/sushant-115/rstardb/core/indexing/spatial/geom"
	"github.com/sushant-115/rstardb/core/storage_engine/heapfile"
	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
)

// Range returns the pointers of every live record inside [min, max].
func Range(heap *heapfile.HeapFile, min, max []float64) ([]heapfile.RecordPointer, error) {
	dim := heap.Dimension()
	if len(min) != dim || len(max) != dim {
		return nil, fmt.Errorf("%w: query box has %d/%d coordinates, want %d",
			flushmanager.ErrDimensionMismatch, len(min), len(max), dim)
	}
	for i := range min {
		if math.IsNaN(min[i]) || math.IsNaN(max[i]) || min[i] > max[i] {
			return nil, fmt.Errorf("%w: bad query interval [%v, %v] on axis %d",
				flushmanager.ErrInvalidInput, min[i], max[i], i)
		}
	}
	box := geom.MBR{Min: min, Max: max}

	out := []heapfile.RecordPointer{}
	err := heap.Scan(func(ptr heapfile.RecordPointer, rec heapfile.Record) error {
		if box.ContainsPoint(rec.Coords) {
			out = append(out, ptr)
		}
		return nil
	})
	return out, err
}

// KNN returns the k live records nearest to p, closest first. Equal distances
// keep heap order.
func KNN(heap *heapfile.HeapFile, p []float64, k int) ([]spatial.Neighbor, error) {
	if err := geom.ValidateCoords(p, heap.Dimension()); err != nil {
		return nil, err
	}
	if k < 0 {
		return nil, fmt.Errorf("%w: k must not be negative, got %d", flushmanager.ErrInvalidInput, k)
	}
	var all []spatial.Neighbor
	err := heap.Scan(func(ptr heapfile.RecordPointer, rec heapfile.Record) error {
		all = append(all, spatial.Neighbor{Pointer: ptr, Distance: geom.Distance(p, rec.Coords)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Distance < all[j].Distance })
	if len(all) > k {
		all = all[:k]
	}
	return append([]spatial.Neighbor{}, all...), nil
}

// Skyline returns the live records not dominated by any other live record.
func Skyline(heap *heapfile.HeapFile) ([]heapfile.RecordPointer, error) {
	var points []spatial.SkylinePoint
	err := heap.Scan(func(ptr heapfile.RecordPointer, rec heapfile.Record) error {
		points = append(points, spatial.SkylinePoint{Pointer: ptr, Coords: rec.Coords})
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := []heapfile.RecordPointer{}
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
	return out, nil
}
