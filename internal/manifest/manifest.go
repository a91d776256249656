package manifest

import (
	"sort"
	"sync"

	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/pkg/types"
)

// Manifest indexes every block of every rank and epoch.
//
// It is built once, concurrently, through AddItem and UpdateKVSizes (both
// serialized by an internal mutex), and is read-only afterwards. Read methods
// do not lock; callers must not mix them with a build in progress.
type Manifest struct {
	mu sync.Mutex

	items []Item

	massTotal  uint64
	epochMass  map[int]uint64
	epochRange map[int]types.Range
	numEpochs  int
	numRanks   int
	zeroWidth  uint64

	kvSet     bool
	keySize   uint64
	valueSize uint64
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{
		epochMass:  make(map[int]uint64),
		epochRange: make(map[int]types.Range),
	}
}

// AddItem appends item and folds it into the per-epoch aggregates.
func (m *Manifest) AddItem(item Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addItemLocked(item)
}

// AddItems appends items under a single acquisition of the build lock.
func (m *Manifest) AddItems(items []Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.addItemLocked(it)
	}
}

func (m *Manifest) addItemLocked(item Item) {
	m.items = append(m.items, item)

	m.massTotal += uint64(item.ItemCount)
	m.epochMass[item.Epoch] += uint64(item.ItemCount)

	r, ok := m.epochRange[item.Epoch]
	if !ok {
		r = types.EmptyRange()
	}
	r.ExtendRange(item.Observed)
	m.epochRange[item.Epoch] = r

	if item.Epoch+1 > m.numEpochs {
		m.numEpochs = item.Epoch + 1
	}
	if item.Rank+1 > m.numRanks {
		m.numRanks = item.Rank + 1
	}
	if !item.Observed.IsWide() {
		m.zeroWidth++
	}
}

// UpdateKVSizes records the fixed key and value sizes. The first call sets
// them; later calls must agree.
func (m *Manifest) UpdateKVSizes(keySize, valueSize uint64) error {
	if keySize < MinKeySize {
		return rserr.Corruption(rserr.ErrCategoryManifest,
			"key size %d is below %d bytes", keySize, MinKeySize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.kvSet {
		m.keySize, m.valueSize = keySize, valueSize
		m.kvSet = true
		return nil
	}
	if m.keySize != keySize || m.valueSize != valueSize {
		return rserr.InvalidArgument(rserr.ErrCategoryManifest,
			"conflicting kv sizes: have %d/%d, got %d/%d", m.keySize, m.valueSize, keySize, valueSize)
	}
	return nil
}

// KVSizes returns the key and value sizes, or zeros if never set.
func (m *Manifest) KVSizes() (keySize, valueSize uint64) {
	return m.keySize, m.valueSize
}

// Size returns the number of items.
func (m *Manifest) Size() int { return len(m.items) }

// Item returns the i-th item in the current order.
func (m *Manifest) Item(i int) Item { return m.items[i] }

// Items returns a copy of all items in the current order.
func (m *Manifest) Items() []Item {
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out
}

// TotalMass returns the item count across all blocks.
func (m *Manifest) TotalMass() uint64 { return m.massTotal }

// EpochMass returns the item count of epoch, zero when the epoch is unknown.
func (m *Manifest) EpochMass(epoch int) uint64 { return m.epochMass[epoch] }

// EpochRange returns the union of observed ranges in epoch. Unknown epochs
// yield the empty range.
func (m *Manifest) EpochRange(epoch int) types.Range {
	if r, ok := m.epochRange[epoch]; ok {
		return r
	}
	return types.EmptyRange()
}

// NumEpochs returns one past the highest epoch seen.
func (m *Manifest) NumEpochs() int { return m.numEpochs }

// NumRanks returns one past the highest rank seen.
func (m *Manifest) NumRanks() int { return m.numRanks }

// ZeroWidthCount returns how many blocks had min == max.
func (m *Manifest) ZeroWidthCount() uint64 { return m.zeroWidth }

// SortByKey orders items by (epoch, observed.min, observed.max).
func (m *Manifest) SortByKey() {
	sort.SliceStable(m.items, func(i, j int) bool {
		return KeyLess(&m.items[i], &m.items[j])
	})
}

// SortByOffset orders items by (epoch, rank, offset).
func (m *Manifest) SortByOffset() {
	sort.SliceStable(m.items, func(i, j int) bool {
		return OffsetLess(&m.items[i], &m.items[j])
	})
}

// Clone returns a deep copy that can be reordered independently.
func (m *Manifest) Clone() *Manifest {
	c := New()
	for _, it := range m.items {
		c.addItemLocked(it)
	}
	c.kvSet, c.keySize, c.valueSize = m.kvSet, m.keySize, m.valueSize
	return c
}

// OverlappingEntries returns every item of q.Epoch (and q.Rank, unless it is
// types.AllRanks) whose observed range overlaps q.Range.
func (m *Manifest) OverlappingEntries(q types.Query) *Match {
	return m.collect(q.Epoch, func(it *Item) bool {
		if q.Rank != types.AllRanks && it.Rank != q.Rank {
			return false
		}
		return it.Observed.OverlapsRange(q.Range)
	})
}

// PointEntries returns every item of epoch whose observed range contains point.
func (m *Manifest) PointEntries(epoch int, point float32) *Match {
	return m.collect(epoch, func(it *Item) bool {
		return it.Observed.Overlaps(point)
	})
}

// AllEntries returns every item of epoch.
func (m *Manifest) AllEntries(epoch int) *Match {
	return m.collect(epoch, func(*Item) bool { return true })
}

// AllEntriesForRank returns every item of epoch written by rank.
func (m *Manifest) AllEntriesForRank(epoch, rank int) *Match {
	return m.collect(epoch, func(it *Item) bool { return it.Rank == rank })
}

func (m *Manifest) collect(epoch int, pred func(*Item) bool) *Match {
	match := NewMatch()
	match.SetKVSizes(m.keySize, m.valueSize)
	match.SetDataSize(m.EpochMass(epoch))

	for i := range m.items {
		it := &m.items[i]
		if it.Epoch != epoch {
			continue
		}
		if pred(it) {
			match.AddItem(*it)
		}
	}
	return match
}
