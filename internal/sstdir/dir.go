// Package sstdir is the output backend of the compactor. It writes merged,
// key-ordered pairs as a single-rank RDB directory that the range reader can
// load like any producer directory.
package sstdir

import (
	"github.com/rangescan/rangescan/internal/env"
	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/internal/rdbfile"
	"github.com/rangescan/rangescan/pkg/types"
)

// DefaultBlockItems is the number of pairs per output block.
const DefaultBlockItems = 4096

// Backend receives the merged stream of one compaction.
//
// The call protocol is OpenDir, then per epoch EpochFlush followed by any
// number of Append calls, then Flush and CloseDir.
type Backend interface {
	OpenDir(path string) error
	// EpochFlush seals the previous epoch, if any, and starts the next one.
	EpochFlush() error
	Append(key float32, value []byte) error
	// Flush writes any buffered pairs as a final block.
	Flush() error
	CloseDir() error
}

// Dir writes one RDB file, rank 0, into the output directory.
type Dir struct {
	env        env.Env
	keySize    uint64
	valueSize  uint64
	blockItems int

	path string
	w    *rdbfile.Writer

	keys   []float32
	values []byte

	pairs  uint64
	blocks int
}

var _ Backend = (*Dir)(nil)

// New returns a closed backend. blockItems below 1 selects DefaultBlockItems.
func New(e env.Env, keySize, valueSize uint64, blockItems int) *Dir {
	if blockItems < 1 {
		blockItems = DefaultBlockItems
	}
	return &Dir{env: e, keySize: keySize, valueSize: valueSize, blockItems: blockItems}
}

// IsOpen reports whether OpenDir has been called without a matching CloseDir.
func (d *Dir) IsOpen() bool { return d.w != nil }

// Path returns the output directory.
func (d *Dir) Path() string { return d.path }

// Pairs returns the number of pairs appended so far.
func (d *Dir) Pairs() uint64 { return d.pairs }

// Blocks returns the number of blocks written so far.
func (d *Dir) Blocks() int { return d.blocks }

// OpenDir creates path and the rank-0 data file inside it.
func (d *Dir) OpenDir(path string) error {
	if d.w != nil {
		return rserr.InvalidArgument(rserr.ErrCategoryCompaction, "output %q already open", d.path)
	}
	if err := d.env.CreateDir(path); err != nil {
		return rserr.IOError(rserr.ErrCategoryCompaction, "create "+path, err)
	}
	w, err := rdbfile.Create(d.env, path, 0, d.keySize, d.valueSize)
	if err != nil {
		return err
	}
	d.path = path
	d.w = w
	d.keys = make([]float32, 0, d.blockItems)
	d.values = make([]byte, 0, uint64(d.blockItems)*d.valueSize)
	return nil
}

// EpochFlush writes the pending block and begins a new epoch.
func (d *Dir) EpochFlush() error {
	if err := d.Flush(); err != nil {
		return err
	}
	d.w.BeginEpoch()
	return nil
}

// Append buffers one pair and writes a block once BlockItems are pending.
func (d *Dir) Append(key float32, value []byte) error {
	if d.w == nil {
		return rserr.InvalidArgument(rserr.ErrCategoryCompaction, "append to closed output")
	}
	if uint64(len(value)) != d.valueSize {
		return rserr.InvalidArgument(rserr.ErrCategoryCompaction,
			"value of %d bytes, want %d", len(value), d.valueSize)
	}
	d.keys = append(d.keys, key)
	d.values = append(d.values, value...)
	d.pairs++
	if len(d.keys) >= d.blockItems {
		return d.Flush()
	}
	return nil
}

// Flush writes the pending pairs, if any, as one block whose expected range
// is its observed range.
func (d *Dir) Flush() error {
	if d.w == nil {
		return rserr.InvalidArgument(rserr.ErrCategoryCompaction, "flush of closed output")
	}
	if len(d.keys) == 0 {
		return nil
	}
	if _, err := d.w.AddBlock(d.keys, d.values, types.EmptyRange(), 0); err != nil {
		return err
	}
	d.blocks++
	d.keys = d.keys[:0]
	d.values = d.values[:0]
	return nil
}

// CloseDir writes the manifest and footer. Pending pairs are flushed first.
func (d *Dir) CloseDir() error {
	if d.w == nil {
		return rserr.InvalidArgument(rserr.ErrCategoryCompaction, "output is not open")
	}
	if err := d.Flush(); err != nil {
		return err
	}
	err := d.w.Close()
	d.w = nil
	return err
}
