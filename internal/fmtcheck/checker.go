// Package fmtcheck verifies that every key stored in a directory's blocks
// lies inside the observed range its manifest item advertises.
package fmtcheck

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rangescan/rangescan/internal/env"
	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/internal/filecache"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/internal/metrics"
	"github.com/rangescan/rangescan/internal/rdbfile"
)

// DefaultBufferSize is the per-worker block buffer.
const DefaultBufferSize = 20 << 20

// Options configures a Checker.
type Options struct {
	// BufferSize caps the size of a single block. Larger blocks fail the
	// check with a buffer-full error.
	BufferSize uint64
	// Parallelism is the number of ranks checked at once.
	Parallelism int
	// Stride checks every Stride-th key of a block. 1 checks every key.
	Stride int
}

// DefaultOptions checks every key with a 20 MiB buffer, four ranks at a time.
func DefaultOptions() Options {
	return Options{BufferSize: DefaultBufferSize, Parallelism: 4, Stride: 1}
}

// Violation describes the first out-of-range key found in a block.
type Violation struct {
	Item     manifest.Item
	Index    uint64
	Key      float32
	Position float64
}

// Report summarizes a check.
type Report struct {
	Blocks     uint64
	Keys       uint64
	Bytes      uint64
	Violations []Violation
	Elapsed    time.Duration
}

// OK reports whether no violation was found.
func (r *Report) OK() bool { return len(r.Violations) == 0 }

// Checker validates RDB directories.
type Checker struct {
	env     env.Env
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// New returns a Checker. Zero option fields take their defaults.
func New(e env.Env, opts Options, logger logrus.FieldLogger, mt *metrics.Metrics) *Checker {
	def := DefaultOptions()
	if opts.BufferSize == 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = def.Parallelism
	}
	if opts.Stride < 1 {
		opts.Stride = def.Stride
	}
	if mt == nil {
		mt = metrics.Discard()
	}
	return &Checker{env: e, opts: opts, logger: logger, metrics: mt}
}

type rankResult struct {
	blocks, keys, bytes uint64
	violations          []Violation
}

// Check reads every block of dir, in file order per rank, and compares its
// keys with the block's observed range. Violations are collected into the
// report; read failures and oversized blocks abort the check.
func (c *Checker) Check(ctx context.Context, dir string) (*Report, error) {
	start := time.Now()
	log := c.logger.WithField("action", "fmtcheck")

	files := filecache.New(c.env, filecache.ModeRandomAccess, c.logger, c.metrics)
	defer files.Close()
	m, err := filecache.OpenDirectory(files, dir)
	if err != nil {
		return nil, err
	}
	m.SortByOffset()
	keySize, valueSize := m.KVSizes()

	byRank := make([][]manifest.Item, m.NumRanks())
	for _, it := range m.Items() {
		byRank[it.Rank] = append(byRank[it.Rank], it)
	}

	results := make([]rankResult, len(byRank))
	var checked atomic.Uint64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallelism)
	for rank := range byRank {
		g.Go(func() error {
			res, err := c.checkRank(gctx, files, rank, byRank[rank], keySize, valueSize)
			if err != nil {
				return err
			}
			results[rank] = res
			checked.Add(res.blocks)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Errorf("check of %s aborted after %d blocks", dir, checked.Load())
		return nil, err
	}

	rep := &Report{}
	for _, res := range results {
		rep.Blocks += res.blocks
		rep.Keys += res.keys
		rep.Bytes += res.bytes
		rep.Violations = append(rep.Violations, res.violations...)
	}
	rep.Elapsed = time.Since(start)

	c.metrics.CheckBlocks.Add(float64(rep.Blocks))
	c.metrics.CheckViolations.Add(float64(len(rep.Violations)))

	entry := log.WithFields(logrus.Fields{
		"blocks":     rep.Blocks,
		"violations": len(rep.Violations),
	})
	msg := "%s: checked %s keys (%s) in %s"
	args := []interface{}{dir, humanize.Comma(int64(rep.Keys)), humanize.IBytes(rep.Bytes), rep.Elapsed.Round(time.Millisecond)}
	if rep.OK() {
		entry.Infof(msg, args...)
	} else {
		entry.Warnf(msg, args...)
	}
	return rep, nil
}

func (c *Checker) checkRank(ctx context.Context, files *filecache.DirReader, rank int, items []manifest.Item, keySize, valueSize uint64) (rankResult, error) {
	var res rankResult
	var req filecache.ReadRequest

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		size := it.BlockSize(keySize, valueSize)
		if size > c.opts.BufferSize {
			return res, rserr.BufferFull(rserr.ErrCategoryReader,
				"block %s needs %s, buffer holds %s", it, humanize.IBytes(size), humanize.IBytes(c.opts.BufferSize))
		}

		req.Offset, req.Size = it.Offset, size
		if err := files.Read(rank, &req, false); err != nil {
			return res, err
		}
		if v, bad := c.validate(it, req.Data, keySize); bad {
			c.logger.WithFields(logrus.Fields{
				"action": "fmtcheck",
				"rank":   rank,
				"epoch":  it.Epoch,
			}).Debugf("key mismatch at %.1f%%: %g (%s)", v.Position*100, v.Key, it.Observed)
			res.violations = append(res.violations, v)
		}

		res.blocks++
		res.keys += uint64(it.ItemCount)
		res.bytes += size
	}
	return res, nil
}

// validate returns the first sampled key of data outside it.Observed.
func (c *Checker) validate(it manifest.Item, data []byte, keySize uint64) (Violation, bool) {
	n := uint64(it.ItemCount)
	for i := uint64(0); i < n; i += uint64(c.opts.Stride) {
		k := rdbfile.DecodeKey(data[i*keySize:])
		if k < it.Observed.Min || k > it.Observed.Max {
			return Violation{Item: it, Index: i, Key: k, Position: float64(i) / float64(n)}, true
		}
	}
	return Violation{}, false
}
