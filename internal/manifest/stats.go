package manifest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rangescan/rangescan/internal/env"
	"github.com/rangescan/rangescan/pkg/types"
)

// summaryProbes is the number of evenly spaced point probes per epoch summary.
const summaryProbes = 8

// overlapStatPoints is the number of probe points per epoch in the overlap CSV.
const overlapStatPoints = 100

// PointProbe is the selectivity of a single-point query.
type PointProbe struct {
	Point       float32
	Selectivity float64
}

// EpochSummary describes one non-empty epoch.
type EpochSummary struct {
	Epoch  int
	Range  types.Range
	Mass   uint64
	Blocks int
	Probes []PointProbe
}

func (s EpochSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Epoch %d: %.3f to %.3f (%d items, %d blocks)", s.Epoch, s.Range.Min, s.Range.Max, s.Mass, s.Blocks)
	for _, p := range s.Probes {
		fmt.Fprintf(&b, " %.3f (%.3f%%),", p.Point, p.Selectivity*100)
	}
	return strings.TrimSuffix(b.String(), ",")
}

// Summarize returns per-epoch range, mass and point-probe selectivities for
// every epoch that holds at least one item.
func Summarize(m *Manifest) []EpochSummary {
	var out []EpochSummary
	for ep := 0; ep < m.NumEpochs(); ep++ {
		mass := m.EpochMass(ep)
		if mass == 0 {
			continue
		}
		r := m.EpochRange(ep)
		s := EpochSummary{
			Epoch:  ep,
			Range:  r,
			Mass:   mass,
			Blocks: m.AllEntries(ep).Size(),
		}
		for _, p := range probePoints(r, summaryProbes+1) {
			s.Probes = append(s.Probes, PointProbe{
				Point:       p,
				Selectivity: m.PointEntries(ep, p).Selectivity(),
			})
		}
		out = append(out, s)
	}
	return out
}

// WriteOverlapStats writes one CSV per epoch into dir with the matched mass
// of point queries spread across the epoch's range.
func WriteOverlapStats(e env.Env, dir string, m *Manifest) error {
	for ep := 0; ep < m.NumEpochs(); ep++ {
		if m.EpochMass(ep) == 0 {
			continue
		}
		if err := writeEpochOverlap(e, dir, m, ep); err != nil {
			return err
		}
	}
	return nil
}

func writeEpochOverlap(e env.Env, dir string, m *Manifest, epoch int) error {
	path := filepath.Join(dir, fmt.Sprintf("overlap.%d.csv", epoch))
	f, err := e.NewWritableFile(path)
	if err != nil {
		return fmt.Errorf("manifest: create %s: %w", path, err)
	}

	var b strings.Builder
	b.WriteString("Epoch,Point,MatchMass,TotalMass,MatchCount\n")
	for _, p := range probePoints(m.EpochRange(epoch), overlapStatPoints) {
		match := m.PointEntries(epoch, p)
		fmt.Fprintf(&b, "%d,%f,%d,%d,%d\n", epoch, p, match.TotalMass(), match.DataSize(), match.Size())
	}

	if err := f.Append([]byte(b.String())); err != nil {
		f.Close()
		return fmt.Errorf("manifest: write %s: %w", path, err)
	}
	return f.Close()
}

// probePoints returns n points evenly spaced over r, both ends included.
func probePoints(r types.Range, n int) []float32 {
	if r.IsEmpty() || n <= 0 {
		return nil
	}
	if !r.IsWide() || n == 1 {
		return []float32{r.Min}
	}
	pts := make([]float32, n)
	step := (float64(r.Max) - float64(r.Min)) / float64(n-1)
	for i := range pts {
		pts[i] = float32(float64(r.Min) + step*float64(i))
	}
	pts[n-1] = r.Max
	return pts
}
