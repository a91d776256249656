package types

import "fmt"

// AllRanks is the Query.Rank value that disables rank filtering.
const AllRanks = -1

// Query selects the blocks of one epoch whose observed range overlaps Range.
type Query struct {
	Epoch int
	Range Range
	// Rank restricts matches to a single producer; AllRanks matches every rank.
	Rank int
}

// NewQuery returns a query over all ranks.
func NewQuery(epoch int, min, max float32) Query {
	return Query{Epoch: epoch, Range: NewRange(min, max), Rank: AllRanks}
}

// ForRank returns a copy of q restricted to rank.
func (q Query) ForRank(rank int) Query {
	q.Rank = rank
	return q
}

// Overlaps reports whether q and other target the same epoch with
// intersecting ranges.
func (q Query) Overlaps(other Query) bool {
	return q.Epoch == other.Epoch && q.Range.OverlapsRange(other.Range)
}

func (q Query) String() string {
	if q.Rank == AllRanks {
		return fmt.Sprintf("epoch=%d range=%s", q.Epoch, q.Range)
	}
	return fmt.Sprintf("epoch=%d range=%s rank=%d", q.Epoch, q.Range, q.Rank)
}
