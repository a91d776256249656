package compaction

import (
	"context"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rangescan/rangescan/internal/env"
	"github.com/rangescan/rangescan/internal/filecache"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/internal/metrics"
	"github.com/rangescan/rangescan/internal/sstdir"
)

// DefaultMemoryBudget bounds the value payload buffered per run.
const DefaultMemoryBudget = 512 << 20

// DefaultOutputSuffix is appended to the source directory to name the output.
const DefaultOutputSuffix = ".merged"

// Options configures a Compactor.
type Options struct {
	// MemoryBudget is the value payload, in bytes, after which a run may be cut.
	MemoryBudget uint64
	// OutputDir receives the merged directory. Empty selects the source
	// directory plus DefaultOutputSuffix.
	OutputDir string
}

// DefaultOptions returns a 512 MiB budget and the default output location.
func DefaultOptions() Options {
	return Options{MemoryBudget: DefaultMemoryBudget}
}

// OutputDirFor returns the default merged directory for src.
func OutputDirFor(src string) string {
	return strings.TrimSuffix(src, "/") + DefaultOutputSuffix
}

// Stats describes a finished merge.
type Stats struct {
	RunID      string
	Epochs     int
	Runs       int
	Pairs      uint64
	EpochTimes []time.Duration
	Total      time.Duration
}

// Compactor merges every epoch of one source directory into a Backend.
type Compactor struct {
	env      env.Env
	srcDir   string
	manifest *manifest.Manifest
	backend  sstdir.Backend
	opts     Options
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
}

// New returns a compactor for srcDir, whose manifest is m. m is not modified.
func New(e env.Env, srcDir string, m *manifest.Manifest, backend sstdir.Backend, opts Options, logger logrus.FieldLogger, mt *metrics.Metrics) *Compactor {
	if opts.MemoryBudget == 0 {
		opts.MemoryBudget = DefaultMemoryBudget
	}
	if opts.OutputDir == "" {
		opts.OutputDir = OutputDirFor(srcDir)
	}
	if mt == nil {
		mt = metrics.Discard()
	}
	return &Compactor{
		env:      e,
		srcDir:   srcDir,
		manifest: m,
		backend:  backend,
		opts:     opts,
		logger:   logger,
		metrics:  mt,
	}
}

// OutputDir returns where the merged directory is written.
func (c *Compactor) OutputDir() string { return c.opts.OutputDir }

// MergeAll runs the streaming merge over every epoch. A failure aborts the
// merge in place; output already written is left as is.
func (c *Compactor) MergeAll(ctx context.Context) (*Stats, error) {
	start := time.Now()
	stats := &Stats{RunID: uuid.NewString()}
	log := c.logger.WithFields(logrus.Fields{"action": "compaction", "run_id": stats.RunID})

	files := filecache.New(c.env, filecache.ModeSequential, c.logger, c.metrics)
	defer files.Close()
	if _, err := files.ReadDirectory(c.srcDir); err != nil {
		return nil, err
	}

	keySize, valueSize := c.manifest.KVSizes()
	sorted := c.manifest.Clone()
	sorted.SortByKey()
	runMap, err := BuildRuns(sorted.Items(), valueSize, c.opts.MemoryBudget)
	if err != nil {
		return nil, err
	}
	if err := CheckRunCoverage(sorted, runMap); err != nil {
		return nil, err
	}

	log.Infof("merging %s into %s: %d epochs, memory budget %s",
		c.srcDir, c.opts.OutputDir, sorted.NumEpochs(), humanize.IBytes(c.opts.MemoryBudget))

	if err := c.backend.OpenDir(c.opts.OutputDir); err != nil {
		return nil, err
	}
	sorter := NewSlidingSorter(files, c.backend, keySize, valueSize)

	for epoch := 0; epoch < sorted.NumEpochs(); epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		epochStart := time.Now()
		runs := runMap[epoch]

		if err := c.backend.EpochFlush(); err != nil {
			return nil, err
		}
		sorter.EpochBegin()

		for i := range runs {
			run := &runs[i]
			for _, it := range run.Items {
				if err := sorter.AddItem(it); err != nil {
					log.WithError(err).Errorf("epoch %d: reading %s", epoch, it)
					return nil, err
				}
			}
			log.Debugf("epoch %d run %d: %d blocks, %s, flushing until %g",
				epoch, i, len(run.Items), humanize.IBytes(run.Mass()*(keySize+valueSize)), run.PartitionPoint)
			if err := sorter.FlushUntil(run.PartitionPoint); err != nil {
				return nil, err
			}
			c.metrics.CompactionRuns.Inc()
		}
		if err := sorter.FlushAll(); err != nil {
			return nil, err
		}

		took := time.Since(epochStart)
		stats.EpochTimes = append(stats.EpochTimes, took)
		stats.Runs += len(runs)
		c.metrics.CompactionEpochSeconds.Observe(took.Seconds())
		log.Infof("epoch %d: %d runs merged in %s", epoch, len(runs), took.Round(time.Millisecond))
	}

	if err := sorter.Close(); err != nil {
		return nil, err
	}

	stats.Epochs = sorted.NumEpochs()
	stats.Pairs = sorter.Emitted()
	stats.Total = time.Since(start)
	c.metrics.CompactionPairs.Add(float64(stats.Pairs))

	perEpoch := time.Duration(0)
	if stats.Epochs > 0 {
		perEpoch = stats.Total / time.Duration(stats.Epochs)
	}
	log.Infof("compaction done: %s pairs in %s (%s/epoch), memory budget %s",
		humanize.Comma(int64(stats.Pairs)), stats.Total.Round(time.Millisecond),
		perEpoch.Round(time.Millisecond), humanize.IBytes(c.opts.MemoryBudget))
	return stats, nil
}
