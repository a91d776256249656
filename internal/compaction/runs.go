// Package compaction merges the blocks of a producer directory into one
// key-ordered output per epoch using bounded memory.
package compaction

import (
	"math"
	"sort"

	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/internal/manifest"
)

// PartitionedRun is a set of blocks whose keys, once merged with whatever
// earlier runs left behind, can be emitted up to PartitionPoint.
type PartitionedRun struct {
	// Items are ordered by (epoch, rank, offset).
	Items []manifest.Item
	// PartitionPoint is the smallest observed minimum of the next run, or
	// +Inf for the last run of an epoch.
	PartitionPoint float32
}

// Mass returns the number of pairs in the run.
func (r *PartitionedRun) Mass() uint64 {
	var n uint64
	for i := range r.Items {
		n += uint64(r.Items[i].ItemCount)
	}
	return n
}

var posInf = float32(math.Inf(1))

// BuildRuns splits items, which must be sorted with manifest.KeyLess, into
// runs whose value payload stays near memBudget bytes. A run is only cut at
// a strictly increasing block minimum, so no key of a later run is below an
// earlier run's partition point.
//
// The result has an entry, possibly empty, for every epoch from 0 to the
// highest epoch in items.
func BuildRuns(items []manifest.Item, valueSize, memBudget uint64) (map[int][]PartitionedRun, error) {
	out := make(map[int][]PartitionedRun)

	idx := 0
	for epoch := 0; idx < len(items); epoch++ {
		runs, next, err := buildEpochRuns(items, idx, epoch, valueSize, memBudget)
		if err != nil {
			return nil, err
		}
		out[epoch] = runs
		idx = next
	}
	return out, nil
}

func buildEpochRuns(items []manifest.Item, idx, epoch int, valueSize, memBudget uint64) ([]PartitionedRun, int, error) {
	var runs []PartitionedRun
	var cur PartitionedRun
	curMin := float32(math.Inf(-1))
	var curCount uint64

	for ; idx < len(items); idx++ {
		it := items[idx]
		if it.Epoch > epoch {
			break
		}
		if it.Epoch < epoch {
			return nil, idx, rserr.Corruption(rserr.ErrCategoryCompaction,
				"item epoch %d after epoch %d: manifest not sorted by key", it.Epoch, epoch)
		}

		if it.Observed.Min > curMin && curCount*valueSize > memBudget {
			curMin = it.Observed.Min
			curCount = 0
			cur.PartitionPoint = curMin
			sortByOffset(cur.Items)
			runs = append(runs, cur)
			cur = PartitionedRun{}
		}

		curCount += uint64(it.ItemCount)
		cur.Items = append(cur.Items, it)
	}

	if len(cur.Items) > 0 {
		cur.PartitionPoint = posInf
		sortByOffset(cur.Items)
		runs = append(runs, cur)
	}
	return runs, idx, nil
}

func sortByOffset(items []manifest.Item) {
	sort.SliceStable(items, func(i, j int) bool { return manifest.OffsetLess(&items[i], &items[j]) })
}
