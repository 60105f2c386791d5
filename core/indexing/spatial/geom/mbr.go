// Package geom holds the d-dimensional box geometry shared by the R*-tree,
// its node codec and the sequential-scan query helpers.
package geom

import (
	"fmt"
	"math"

	flushmanager "github.com/sushant-115/rstardb/core/write_engine/flush_manager"
)

// MBR is a d-dimensional Minimum Bounding Rectangle. Min[i] <= Max[i] holds for
// every axis of a value built through New or Point.
type MBR struct {
	Min []float64
	Max []float64
}

// ValidateCoords checks that coords has exactly dim finite components.
func ValidateCoords(coords []float64, dim int) error {
	if len(coords) != dim {
		return fmt.Errorf("%w: got %d coordinates, want %d", flushmanager.ErrDimensionMismatch, len(coords), dim)
	}
	for i, c := range coords {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return fmt.Errorf("%w: coordinate %d is not finite (%v)", flushmanager.ErrInvalidInput, i, c)
		}
	}
	return nil
}

// New builds a box from copies of min and max.
func New(min, max []float64) (MBR, error) {
	if len(min) == 0 {
		return MBR{}, fmt.Errorf("%w: empty box", flushmanager.ErrInvalidInput)
	}
	if err := ValidateCoords(min, len(min)); err != nil {
		return MBR{}, err
	}
	if err := ValidateCoords(max, len(min)); err != nil {
		return MBR{}, err
	}
	for i := range min {
		if min[i] > max[i] {
			return MBR{}, fmt.Errorf("%w: min[%d]=%v > max[%d]=%v", flushmanager.ErrInvalidInput, i, min[i], i, max[i])
		}
	}
	return MBR{Min: clone(min), Max: clone(max)}, nil
}

// Point builds the degenerate box [p, p].
func Point(p []float64) (MBR, error) {
	return New(p, p)
}

// Dim is the number of dimensions.
func (r MBR) Dim() int { return len(r.Min) }

// Clone returns a copy that shares no backing arrays with r.
func (r MBR) Clone() MBR {
	return MBR{Min: clone(r.Min), Max: clone(r.Max)}
}

// IsPoint reports whether the box is degenerate on every axis.
func (r MBR) IsPoint() bool {
	for i := range r.Min {
		if r.Min[i] != r.Max[i] {
			return false
		}
	}
	return true
}

// Union returns the MBR that encloses both boxes.
func (r MBR) Union(other MBR) MBR {
	out := MBR{Min: make([]float64, len(r.Min)), Max: make([]float64, len(r.Max))}
	for i := range r.Min {
		out.Min[i] = math.Min(r.Min[i], other.Min[i])
		out.Max[i] = math.Max(r.Max[i], other.Max[i])
	}
	return out
}

// Area is the product of the per-axis extents.
func (r MBR) Area() float64 {
	area := 1.0
	for i := range r.Min {
		area *= r.Max[i] - r.Min[i]
	}
	return area
}

// Margin is the sum of the per-axis extents. Only relative order matters.
func (r MBR) Margin() float64 {
	var margin float64
	for i := range r.Min {
		margin += r.Max[i] - r.Min[i]
	}
	return margin
}

// Enlargement is the growth in area needed for r to also cover other.
func (r MBR) Enlargement(other MBR) float64 {
	return r.Union(other).Area() - r.Area()
}

// Overlap is the volume of the intersection, 0 when the boxes are disjoint on
// any axis.
func (r MBR) Overlap(other MBR) float64 {
	overlap := 1.0
	for i := range r.Min {
		lo := math.Max(r.Min[i], other.Min[i])
		hi := math.Min(r.Max[i], other.Max[i])
		if hi < lo {
			return 0
		}
		overlap *= hi - lo
	}
	return overlap
}

// MinDist is the Euclidean distance from p to the nearest point of the box.
func (r MBR) MinDist(p []float64) float64 {
	var sum float64
	for i := range r.Min {
		var d float64
		switch {
		case p[i] < r.Min[i]:
			d = r.Min[i] - p[i]
		case p[i] > r.Max[i]:
			d = p[i] - r.Max[i]
		}
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ContainedIn reports whether r lies entirely inside other (boundaries included).
func (r MBR) ContainedIn(other MBR) bool {
	for i := range r.Min {
		if r.Min[i] < other.Min[i] || r.Max[i] > other.Max[i] {
			return false
		}
	}
	return true
}

// Overlaps reports whether the boxes share at least one point.
func (r MBR) Overlaps(other MBR) bool {
	for i := range r.Min {
		if r.Min[i] > other.Max[i] || r.Max[i] < other.Min[i] {
			return false
		}
	}
	return true
}

// ContainsPoint reports whether p lies inside the box (boundaries included).
func (r MBR) ContainsPoint(p []float64) bool {
	for i := range r.Min {
		if p[i] < r.Min[i] || p[i] > r.Max[i] {
			return false
		}
	}
	return true
}

// Center is the midpoint on every axis.
func (r MBR) Center() []float64 {
	c := make([]float64, len(r.Min))
	for i := range r.Min {
		c[i] = (r.Min[i] + r.Max[i]) / 2
	}
	return c
}

// Equal reports whether both boxes have identical bounds.
func (r MBR) Equal(other MBR) bool {
	if len(r.Min) != len(other.Min) {
		return false
	}
	for i := range r.Min {
		if r.Min[i] != other.Min[i] || r.Max[i] != other.Max[i] {
			return false
		}
	}
	return true
}

func (r MBR) String() string {
	return fmt.Sprintf("[%v, %v]", r.Min, r.Max)
}

// UnionAll folds Union over boxes. It returns false for an empty slice.
func UnionAll(boxes []MBR) (MBR, bool) {
	if len(boxes) == 0 {
		return MBR{}, false
	}
	out := boxes[0].Clone()
	for _, b := range boxes[1:] {
		for i := range out.Min {
			out.Min[i] = math.Min(out.Min[i], b.Min[i])
			out.Max[i] = math.Max(out.Max[i], b.Max[i])
		}
	}
	return out, true
}

// Distance is the Euclidean distance between two points.
func Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Dominates reports whether a is no worse than b on every axis and strictly
// better on at least one, minimising every coordinate.
func Dominates(a, b []float64) bool {
	strictly := false
	for i := range a {
		if a[i] > b[i] {
			return false
		}
		if a[i] < b[i] {
			strictly = true
		}
	}
	return strictly
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
