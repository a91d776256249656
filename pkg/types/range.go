// Package types provides the key-range and query primitives shared by the
// manifest, query and compaction packages.
package types

import (
	"fmt"
	"math"
)

// Range is a closed interval of float32 keys.
//
// The zero-valued Range is NOT empty; use EmptyRange to obtain the sentinel
// that absorbs the first Extend.
type Range struct {
	Min float32
	Max float32
}

// EmptyRange returns the sentinel range used before any key is observed.
func EmptyRange() Range {
	return Range{Min: math.MaxFloat32, Max: -math.MaxFloat32}
}

// NewRange returns the range [min, max].
func NewRange(min, max float32) Range {
	return Range{Min: min, Max: max}
}

// Reset sets r back to the empty sentinel.
func (r *Range) Reset() {
	*r = EmptyRange()
}

// IsEmpty reports whether r is the empty sentinel.
func (r Range) IsEmpty() bool {
	return r.Min == math.MaxFloat32 && r.Max == -math.MaxFloat32
}

// IsValid reports whether r is either empty or well ordered.
func (r Range) IsValid() bool {
	return r.IsEmpty() || r.Min <= r.Max
}

// IsWide reports whether r spans a non-zero interval.
func (r Range) IsWide() bool {
	return !r.IsEmpty() && r.Min < r.Max
}

// Extend grows r to include point.
func (r *Range) Extend(point float32) {
	if point < r.Min {
		r.Min = point
	}
	if point > r.Max {
		r.Max = point
	}
}

// ExtendRange grows r to include other. Extending by an empty range is a no-op.
func (r *Range) ExtendRange(other Range) {
	if other.IsEmpty() {
		return
	}
	r.Extend(other.Min)
	r.Extend(other.Max)
}

// Overlaps reports whether point lies inside r, bounds included.
func (r Range) Overlaps(point float32) bool {
	return point >= r.Min && point <= r.Max
}

// OverlapsRange reports whether other intersects r. This includes the case
// where other strictly contains r.
func (r Range) OverlapsRange(other Range) bool {
	if r.IsEmpty() || other.IsEmpty() {
		return false
	}
	if r.Overlaps(other.Min) || r.Overlaps(other.Max) {
		return true
	}
	return other.Min < r.Min && other.Max > r.Max
}

// Width returns Max-Min, or zero for an empty range.
func (r Range) Width() float32 {
	if r.IsEmpty() {
		return 0
	}
	return r.Max - r.Min
}

func (r Range) String() string {
	if r.IsEmpty() {
		return "[empty]"
	}
	return fmt.Sprintf("[%.4f, %.4f]", r.Min, r.Max)
}
