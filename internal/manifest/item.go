// Package manifest holds the in-memory index of SST blocks written by all
// producer ranks, the on-disk footer codec it is built from, and the overlap
// matching used by the query and compaction engines.
package manifest

import (
	"fmt"

	"github.com/rangescan/rangescan/pkg/types"
)

// Item describes one physical SST block. Items are immutable once added to a
// Manifest.
type Item struct {
	Epoch  int
	Rank   int
	Offset uint64

	// Observed is the actual key range inside the block.
	Observed types.Range
	// Expected is the producer-predicted range; opaque to the reader.
	Expected types.Range

	UpdCount  uint32
	ItemCount uint32
	// ItemOOB counts keys outside Expected.
	ItemOOB uint32
}

// KeyLess orders items by (epoch, observed.min, observed.max).
func KeyLess(a, b *Item) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	if a.Observed.Min != b.Observed.Min {
		return a.Observed.Min < b.Observed.Min
	}
	return a.Observed.Max < b.Observed.Max
}

// OffsetLess orders items by (epoch, rank, offset).
func OffsetLess(a, b *Item) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	return a.Offset < b.Offset
}

// BlockSize returns the on-disk size of the block's key and value columns.
func (it *Item) BlockSize(keySize, valueSize uint64) uint64 {
	return uint64(it.ItemCount) * (keySize + valueSize)
}

func (it Item) String() string {
	return fmt.Sprintf("[Rank %d] [Epoch %d] offset=%d observed=%s expected=%s count=%d oob=%d updcnt=%d",
		it.Rank, it.Epoch, it.Offset, it.Observed, it.Expected, it.ItemCount, it.ItemOOB, it.UpdCount)
}

// CSVHeader names the columns written by Item.CSV.
const CSVHeader = "rank,epoch,offset,omin,omax,emin,emax,updcnt,count,oob"

// CSV renders the item as one line of the per-rank manifest dump.
func (it Item) CSV() string {
	return fmt.Sprintf("%d,%d,%d,%f,%f,%f,%f,%d,%d,%d",
		it.Rank, it.Epoch, it.Offset,
		it.Observed.Min, it.Observed.Max,
		it.Expected.Min, it.Expected.Max,
		it.UpdCount, it.ItemCount, it.ItemOOB)
}
