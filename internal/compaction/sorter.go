package compaction

import (
	"container/heap"
	"fmt"
	"math"

	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/internal/filecache"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/internal/rdbfile"
	"github.com/rangescan/rangescan/internal/sstdir"
)

type kvPair struct {
	key   float32
	value []byte
}

// pairHeap is a min-heap on key. Pairs with equal keys leave in no
// particular order.
type pairHeap []kvPair

func (h pairHeap) Len() int            { return len(h) }
func (h pairHeap) Less(i, j int) bool  { return h[i].key < h[j].key }
func (h pairHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pairHeap) Push(x interface{}) { *h = append(*h, x.(kvPair)) }
func (h *pairHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = kvPair{}
	*h = old[:n-1]
	return p
}

// SlidingSorter buffers the pairs of the blocks added to it and emits them
// in key order up to a caller-supplied cutoff.
type SlidingSorter struct {
	files     *filecache.DirReader
	backend   sstdir.Backend
	keySize   uint64
	valueSize uint64

	pairs      pairHeap
	lastCutoff float32
	// cursors holds, per rank, the file position after the last block read.
	cursors map[int]uint64
	scratch []byte

	emitted uint64
}

// NewSlidingSorter reads blocks through files, which must be in sequential
// mode and not shared with other readers while the sorter runs.
func NewSlidingSorter(files *filecache.DirReader, backend sstdir.Backend, keySize, valueSize uint64) *SlidingSorter {
	return &SlidingSorter{
		files:      files,
		backend:    backend,
		keySize:    keySize,
		valueSize:  valueSize,
		lastCutoff: float32(math.Inf(-1)),
		cursors:    make(map[int]uint64),
	}
}

// Pending returns the number of buffered pairs.
func (s *SlidingSorter) Pending() int { return len(s.pairs) }

// Emitted returns the number of pairs handed to the backend.
func (s *SlidingSorter) Emitted() uint64 { return s.emitted }

// EpochBegin resets the cutoff for a new epoch.
func (s *SlidingSorter) EpochBegin() {
	s.lastCutoff = float32(math.Inf(-1))
}

// AddItem reads the whole block described by item and buffers its pairs. The
// rank's handle is reopened only when the block lies behind its cursor.
func (s *SlidingSorter) AddItem(item manifest.Item) error {
	n := uint64(item.ItemCount)
	size := n * (s.keySize + s.valueSize)

	cursor, seen := s.cursors[item.Rank]
	reopen := !seen || item.Offset < cursor

	req := &filecache.ReadRequest{Offset: item.Offset, Size: size, Scratch: s.scratch}
	if err := s.files.Read(item.Rank, req, reopen); err != nil {
		return err
	}
	s.scratch = req.Scratch
	s.cursors[item.Rank] = item.Offset + size

	s.addBlock(req.Data, n)
	return nil
}

func (s *SlidingSorter) addBlock(data []byte, n uint64) {
	keyBlock := n * s.keySize
	values := make([]byte, n*s.valueSize)
	copy(values, data[keyBlock:])

	for i := uint64(0); i < n; i++ {
		heap.Push(&s.pairs, kvPair{
			key:   rdbfile.DecodeKey(data[i*s.keySize:]),
			value: values[i*s.valueSize : (i+1)*s.valueSize : (i+1)*s.valueSize],
		})
	}
}

// FlushUntil appends every buffered pair with key strictly below cutoff.
// Cutoffs must not decrease within an epoch.
func (s *SlidingSorter) FlushUntil(cutoff float32) error {
	if cutoff < s.lastCutoff {
		return rserr.InvalidArgument(rserr.ErrCategoryCompaction,
			"cutoff %s below previous cutoff %s", fmtKey(cutoff), fmtKey(s.lastCutoff))
	}
	s.lastCutoff = cutoff
	for len(s.pairs) > 0 && s.pairs[0].key < cutoff {
		if err := s.emit(); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll appends every buffered pair.
func (s *SlidingSorter) FlushAll() error {
	for len(s.pairs) > 0 {
		if err := s.emit(); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the heap and closes the backend.
func (s *SlidingSorter) Close() error {
	if err := s.FlushAll(); err != nil {
		return err
	}
	if err := s.backend.Flush(); err != nil {
		return err
	}
	return s.backend.CloseDir()
}

func (s *SlidingSorter) emit() error {
	p := heap.Pop(&s.pairs).(kvPair)
	if err := s.backend.Append(p.key, p.value); err != nil {
		return err
	}
	s.emitted++
	return nil
}

func fmtKey(k float32) string {
	return fmt.Sprintf("%g", k)
}
