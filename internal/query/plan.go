package query

import (
	"encoding/csv"
	"errors"
	"io"
	"math"
	"strconv"

	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/pkg/types"
)

// ReadQueryPlan parses "epoch,min,max" lines. Any malformed line aborts the
// whole plan.
func ReadQueryPlan(r io.Reader) ([]types.Query, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 3
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var plan []types.Query
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return plan, nil
		}
		if err != nil {
			return nil, rserr.InvalidArgument(rserr.ErrCategoryQuery, "query plan: %v", err)
		}
		line, _ := cr.FieldPos(0)

		epoch, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, rserr.InvalidArgument(rserr.ErrCategoryQuery, "query plan line %d: bad epoch %q", line, rec[0])
		}
		lo, err := strconv.ParseFloat(rec[1], 32)
		if err != nil {
			return nil, rserr.InvalidArgument(rserr.ErrCategoryQuery, "query plan line %d: bad min %q", line, rec[1])
		}
		hi, err := strconv.ParseFloat(rec[2], 32)
		if err != nil {
			return nil, rserr.InvalidArgument(rserr.ErrCategoryQuery, "query plan line %d: bad max %q", line, rec[2])
		}
		q := types.NewQuery(epoch, float32(lo), float32(hi))
		if !q.Range.IsValid() {
			return nil, rserr.InvalidArgument(rserr.ErrCategoryQuery, "query plan line %d: min > max", line)
		}
		plan = append(plan, q)
	}
}

// WriteQueryPlan writes plan in the format read by ReadQueryPlan.
func WriteQueryPlan(w io.Writer, plan []types.Query) error {
	cw := csv.NewWriter(w)
	for _, q := range plan {
		if err := cw.Write([]string{
			strconv.Itoa(q.Epoch),
			strconv.FormatFloat(float64(q.Range.Min), 'g', -1, 32),
			strconv.FormatFloat(float64(q.Range.Max), 'g', -1, 32),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// PlanOptions tunes GenQueryPlan.
type PlanOptions struct {
	// MinEpochMass skips epochs with fewer items.
	MinEpochMass uint64
	// MaxSelectivity is the largest block selectivity worth keeping.
	MaxSelectivity float64
	// MinDistance and CountWithinDistance limit how many kept queries may
	// share a similar selectivity.
	MinDistance         float64
	CountWithinDistance int
	// InitialWidth is the width of the first query at each start point and
	// Step is how much it grows per probe.
	InitialWidth float64
	Step         float64
}

// DefaultPlanOptions keeps queries under 2% selectivity, at most three per
// 0.2% band.
func DefaultPlanOptions() PlanOptions {
	return PlanOptions{
		MinEpochMass:        1000,
		MaxSelectivity:      0.02,
		MinDistance:         0.002,
		CountWithinDistance: 3,
		InitialWidth:        0.001,
		Step:                0.1,
	}
}

// GenQueryPlan sweeps growing ranges from the start of each epoch and keeps
// those with low, well spread block selectivity.
func GenQueryPlan(m *manifest.Manifest, opts PlanOptions) []types.Query {
	var plan []types.Query
	var kept []float64

	for ep := 0; ep < m.NumEpochs(); ep++ {
		if m.EpochMass(ep) < opts.MinEpochMass {
			continue
		}
		r := m.EpochRange(ep)
		if r.IsEmpty() {
			continue
		}

		limit := float64(r.Max)
		rbeg := float64(r.Min)
		rend := rbeg + opts.InitialWidth
		for rend < limit {
			q := types.NewQuery(ep, float32(rbeg), float32(rend))
			sel := m.OverlappingEntries(q).Selectivity()

			useful := sel < opts.MaxSelectivity
			needed := countWithin(kept, sel, opts.MinDistance) < opts.CountWithinDistance
			if useful && needed {
				plan = append(plan, q)
				kept = append(kept, sel)
			}

			rend += opts.Step
			if needed || !useful {
				rbeg = rend + opts.Step
				rend = rbeg + opts.InitialWidth
			}
		}
	}
	return plan
}

func countWithin(xs []float64, x, dist float64) int {
	n := 0
	for _, v := range xs {
		if math.Abs(v-x) < dist {
			n++
		}
	}
	return n
}
