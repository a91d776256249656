// Package rdbfile writes producer data files: a sequence of fixed-width
// key/value blocks (key column first, then value column) followed by the
// manifest blob and the 28-byte footer.
package rdbfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"

	"github.com/rangescan/rangescan/internal/env"
	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/pkg/types"
)

// FileName returns the data file name of rank.
func FileName(rank int) string {
	return fmt.Sprintf("RDB-%08x.tbl", rank)
}

// ParseFileName returns the rank encoded in a data file name.
func ParseFileName(name string) (int, bool) {
	var rank uint32
	if len(name) != len("RDB-00000000.tbl") {
		return 0, false
	}
	if _, err := fmt.Sscanf(name, "RDB-%08x.tbl", &rank); err != nil {
		return 0, false
	}
	if FileName(int(rank)) != name {
		return 0, false
	}
	return int(rank), true
}

// Path joins dir and the data file name of rank.
func Path(dir string, rank int) string {
	return filepath.Join(dir, FileName(rank))
}

// EncodeKey writes key into the first four bytes of dst, little endian, and
// zeroes the rest.
func EncodeKey(dst []byte, key float32) {
	binary.LittleEndian.PutUint32(dst, math.Float32bits(key))
	for i := 4; i < len(dst); i++ {
		dst[i] = 0
	}
}

// DecodeKey reads a key written by EncodeKey.
func DecodeKey(src []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(src))
}

// Writer appends blocks to one rank's data file.
type Writer struct {
	f         env.WritableFile
	rank      int
	keySize   uint64
	valueSize uint64

	offset uint64
	epochs [][]manifest.Item
	closed bool
	buf    []byte
}

// Create opens the data file of rank in dir.
func Create(e env.Env, dir string, rank int, keySize, valueSize uint64) (*Writer, error) {
	f, err := e.NewWritableFile(Path(dir, rank))
	if err != nil {
		return nil, rserr.IOError(rserr.ErrCategoryStorage, "create "+FileName(rank), err)
	}
	w, err := NewWriter(f, rank, keySize, valueSize)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter wraps an already open file.
func NewWriter(f env.WritableFile, rank int, keySize, valueSize uint64) (*Writer, error) {
	if keySize < manifest.MinKeySize {
		return nil, rserr.InvalidArgument(rserr.ErrCategoryStorage,
			"key size %d is below %d bytes", keySize, manifest.MinKeySize)
	}
	return &Writer{f: f, rank: rank, keySize: keySize, valueSize: valueSize}, nil
}

// BeginEpoch starts a new epoch. Blocks added before the first call belong
// to epoch 0.
func (w *Writer) BeginEpoch() {
	w.epochs = append(w.epochs, nil)
}

// Epoch returns the index of the current epoch.
func (w *Writer) Epoch() int {
	if len(w.epochs) == 0 {
		return 0
	}
	return len(w.epochs) - 1
}

// Offset returns the number of data bytes written so far.
func (w *Writer) Offset() uint64 { return w.offset }

// AddBlock writes one block. values holds len(keys)*valueSize bytes in key
// order. An empty expected range is replaced by the observed range.
func (w *Writer) AddBlock(keys []float32, values []byte, expected types.Range, updcnt uint32) (manifest.Item, error) {
	if w.closed {
		return manifest.Item{}, rserr.InvalidArgument(rserr.ErrCategoryStorage, "writer is closed")
	}
	if len(keys) == 0 {
		return manifest.Item{}, rserr.InvalidArgument(rserr.ErrCategoryStorage, "empty block")
	}
	if uint64(len(values)) != uint64(len(keys))*w.valueSize {
		return manifest.Item{}, rserr.InvalidArgument(rserr.ErrCategoryStorage,
			"value column holds %d bytes, want %d", len(values), uint64(len(keys))*w.valueSize)
	}
	if len(w.epochs) == 0 {
		w.BeginEpoch()
	}

	observed := types.EmptyRange()
	for _, k := range keys {
		observed.Extend(k)
	}
	if expected.IsEmpty() {
		expected = observed
	}
	var oob uint32
	for _, k := range keys {
		if !expected.Overlaps(k) {
			oob++
		}
	}

	keyBlock := uint64(len(keys)) * w.keySize
	if uint64(cap(w.buf)) < keyBlock {
		w.buf = make([]byte, keyBlock)
	}
	kb := w.buf[:keyBlock]
	for i, k := range keys {
		EncodeKey(kb[uint64(i)*w.keySize:uint64(i+1)*w.keySize], k)
	}
	if err := w.f.Append(kb); err != nil {
		return manifest.Item{}, rserr.IOError(rserr.ErrCategoryStorage, "append key column", err)
	}
	if err := w.f.Append(values); err != nil {
		return manifest.Item{}, rserr.IOError(rserr.ErrCategoryStorage, "append value column", err)
	}

	it := manifest.Item{
		Epoch:     w.Epoch(),
		Rank:      w.rank,
		Offset:    w.offset,
		Observed:  observed,
		Expected:  expected,
		UpdCount:  updcnt,
		ItemCount: uint32(len(keys)),
		ItemOOB:   oob,
	}
	w.epochs[len(w.epochs)-1] = append(w.epochs[len(w.epochs)-1], it)
	w.offset += keyBlock + uint64(len(values))
	return it, nil
}

// Close writes the manifest and footer and closes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	blob := manifest.EncodeManifest(w.epochs)
	tail := manifest.AppendFooter(blob, manifest.Footer{
		NumEpochs:    uint32(len(w.epochs)),
		ManifestSize: uint64(len(blob)),
		KeySize:      w.keySize,
		ValueSize:    w.valueSize,
	})
	if err := w.f.Append(tail); err != nil {
		w.f.Close()
		return rserr.IOError(rserr.ErrCategoryStorage, "append footer", err)
	}
	if err := w.f.Close(); err != nil {
		return rserr.IOError(rserr.ErrCategoryStorage, "close "+FileName(w.rank), err)
	}
	return nil
}
