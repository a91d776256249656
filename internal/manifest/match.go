package manifest

import (
	"sort"
)

// Match is the result of running a query against a Manifest: a private copy
// of the matching items, indexed by rank, plus the mass needed to compute
// selectivity.
type Match struct {
	items   []Item
	rankIdx map[int][]int

	massTotal uint64
	massOOB   uint64
	dataSize  uint64

	keySize   uint64
	valueSize uint64
}

// NewMatch returns an empty match.
func NewMatch() *Match {
	return &Match{rankIdx: make(map[int][]int)}
}

// AddItem appends item to the match.
func (m *Match) AddItem(item Item) {
	m.rankIdx[item.Rank] = append(m.rankIdx[item.Rank], len(m.items))
	m.items = append(m.items, item)
	m.massTotal += uint64(item.ItemCount)
	m.massOOB += uint64(item.ItemOOB)
}

// Size returns the number of matched items.
func (m *Match) Size() int { return len(m.items) }

// Item returns the i-th matched item in insertion order.
func (m *Match) Item(i int) Item { return m.items[i] }

// Items returns the matched items in insertion order. The slice aliases the
// match: reordering it invalidates MatchesByRank, so callers that sort should
// be done with the match.
func (m *Match) Items() []Item { return m.items }

// TotalMass returns the summed item counts of the matched blocks.
func (m *Match) TotalMass() uint64 { return m.massTotal }

// MassOOB returns the summed out-of-bounds counts of the matched blocks.
func (m *Match) MassOOB() uint64 { return m.massOOB }

// DataSize returns the item count of the whole epoch, used as the
// selectivity denominator.
func (m *Match) DataSize() uint64 { return m.dataSize }

// SetDataSize records the epoch item count.
func (m *Match) SetDataSize(n uint64) { m.dataSize = n }

// SetKVSizes records the key and value sizes of the matched blocks.
func (m *Match) SetKVSizes(keySize, valueSize uint64) {
	m.keySize, m.valueSize = keySize, valueSize
}

// KVSizes returns the key and value sizes of the matched blocks.
func (m *Match) KVSizes() (keySize, valueSize uint64) {
	return m.keySize, m.valueSize
}

// Selectivity returns matched mass over data size, or zero when the data size
// is unknown.
func (m *Match) Selectivity() float64 {
	if m.dataSize == 0 {
		return 0
	}
	return float64(m.massTotal) / float64(m.dataSize)
}

// UniqueRanks returns the ranks present in the match in ascending order.
func (m *Match) UniqueRanks() []int {
	ranks := make([]int, 0, len(m.rankIdx))
	for r := range m.rankIdx {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}

// MatchesByRank returns the items of rank in match order and their total mass.
func (m *Match) MatchesByRank(rank int) ([]Item, uint64) {
	idx := m.rankIdx[rank]
	out := make([]Item, 0, len(idx))
	var mass uint64
	for _, i := range idx {
		out = append(out, m.items[i])
		mass += uint64(m.items[i].ItemCount)
	}
	return out, mass
}
