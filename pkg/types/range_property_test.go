package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_RangeExtendMonotonic checks that extending a range never
// shrinks it and always keeps it valid.
func TestProperty_RangeExtendMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Extend only grows the range", prop.ForAll(
		func(points []float32) bool {
			r := EmptyRange()
			for _, p := range points {
				before := r
				r.Extend(p)
				if !r.IsValid() {
					return false
				}
				if !before.IsEmpty() && (r.Min > before.Min || r.Max < before.Max) {
					return false
				}
				if !r.Overlaps(p) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float32Range(-1e6, 1e6)),
	))

	properties.Property("ExtendRange contains both inputs", prop.ForAll(
		func(a, b, c, d float32) bool {
			r1 := EmptyRange()
			r1.Extend(a)
			r1.Extend(b)
			r2 := EmptyRange()
			r2.Extend(c)
			r2.Extend(d)

			u := r1
			u.ExtendRange(r2)
			return u.Overlaps(a) && u.Overlaps(b) && u.Overlaps(c) && u.Overlaps(d)
		},
		gen.Float32Range(-1e3, 1e3),
		gen.Float32Range(-1e3, 1e3),
		gen.Float32Range(-1e3, 1e3),
		gen.Float32Range(-1e3, 1e3),
	))

	properties.TestingRun(t)
}

// TestProperty_RangeOverlapSymmetric checks that range overlap is symmetric
// for well-formed ranges.
func TestProperty_RangeOverlapSymmetric(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a overlaps b iff b overlaps a", prop.ForAll(
		func(a1, a2, b1, b2 float32) bool {
			if a1 > a2 {
				a1, a2 = a2, a1
			}
			if b1 > b2 {
				b1, b2 = b2, b1
			}
			a := NewRange(a1, a2)
			b := NewRange(b1, b2)
			want := a.Min <= b.Max && b.Min <= a.Max
			return a.OverlapsRange(b) == want && b.OverlapsRange(a) == want
		},
		gen.Float32Range(-100, 100),
		gen.Float32Range(-100, 100),
		gen.Float32Range(-100, 100),
		gen.Float32Range(-100, 100),
	))

	properties.TestingRun(t)
}
