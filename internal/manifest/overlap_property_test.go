package manifest

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/rangescan/rangescan/pkg/types"
)

type blockSpec struct {
	Epoch int
	Rank  int
	Min   float32
	Width float32
	Count uint32
}

func genBlockSpec() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.IntRange(0, 7),
		gen.Float32Range(-50, 50),
		gen.Float32Range(0, 20),
		gen.UInt32Range(1, 1000),
	).Map(func(v []interface{}) blockSpec {
		return blockSpec{
			Epoch: v[0].(int),
			Rank:  v[1].(int),
			Min:   v[2].(float32),
			Width: v[3].(float32),
			Count: v[4].(uint32),
		}
	})
}

func buildManifest(specs []blockSpec) *Manifest {
	m := New()
	for i, s := range specs {
		m.AddItem(Item{
			Epoch:     s.Epoch,
			Rank:      s.Rank,
			Offset:    uint64(i) * 4096,
			Observed:  types.NewRange(s.Min, s.Min+s.Width),
			ItemCount: s.Count,
		})
	}
	return m
}

// TestProperty_OverlapSoundAndComplete checks that a query returns exactly the
// items a brute-force filter selects, each once.
func TestProperty_OverlapSoundAndComplete(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("match equals brute-force filter", prop.ForAll(
		func(specs []blockSpec, epoch int, a, w float32) bool {
			m := buildManifest(specs)
			q := types.NewQuery(epoch, a, a+w)
			match := m.OverlappingEntries(q)

			seen := make(map[uint64]int)
			for _, it := range match.Items() {
				if it.Epoch != epoch || !it.Observed.OverlapsRange(q.Range) {
					return false
				}
				seen[it.Offset]++
			}

			var wantCount int
			var wantMass uint64
			for i := 0; i < m.Size(); i++ {
				it := m.Item(i)
				if it.Epoch == epoch && it.Observed.OverlapsRange(q.Range) {
					wantCount++
					wantMass += uint64(it.ItemCount)
					if seen[it.Offset] != 1 {
						return false
					}
				}
			}
			return wantCount == match.Size() && wantMass == match.TotalMass()
		},
		gen.SliceOf(genBlockSpec()),
		gen.IntRange(0, 2),
		gen.Float32Range(-60, 60),
		gen.Float32Range(0, 30),
	))

	properties.Property("selectivity is within [0,1] and full range is 1", prop.ForAll(
		func(specs []blockSpec, epoch int, a, w float32) bool {
			m := buildManifest(specs)
			sel := m.OverlappingEntries(types.NewQuery(epoch, a, a+w)).Selectivity()
			if sel < 0 || sel > 1 {
				return false
			}

			r := m.EpochRange(epoch)
			full := m.OverlappingEntries(types.Query{Epoch: epoch, Range: r, Rank: types.AllRanks})
			if m.EpochMass(epoch) == 0 {
				return full.Size() == 0 && full.Selectivity() == 0
			}
			return full.Selectivity() == 1.0 && full.TotalMass() == m.EpochMass(epoch)
		},
		gen.SliceOf(genBlockSpec()),
		gen.IntRange(0, 2),
		gen.Float32Range(-60, 60),
		gen.Float32Range(0, 30),
	))

	properties.TestingRun(t)
}
