// Package query loads the partition manifest of a producer directory and
// answers key-range queries by reading only the overlapping blocks.
package query

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rangescan/rangescan/internal/env"
	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/internal/filecache"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/internal/metrics"
	"github.com/rangescan/rangescan/internal/observability"
	"github.com/rangescan/rangescan/internal/rdbfile"
	"github.com/rangescan/rangescan/internal/tracker"
	"github.com/rangescan/rangescan/internal/workerpool"
	"github.com/rangescan/rangescan/pkg/types"
)

// KeyPair is a decoded key and the absolute file offset of its value.
type KeyPair struct {
	Key    float32
	Offset uint64
}

// Options configures a RangeReader.
type Options struct {
	// Parallelism is the worker pool size.
	Parallelism int
	Mode        filecache.Mode
	// OptimisticFooterSize is the tail window read per rank when loading
	// the manifest.
	OptimisticFooterSize uint64
	// Rankwise makes RunQuery use QueryRankwise.
	Rankwise bool
	// ManifestOutputDir, when set, receives one CSV dump per rank.
	ManifestOutputDir string
	// AnalyticsDir, when set, receives per-epoch overlap statistics after
	// the manifest is loaded.
	AnalyticsDir string
}

// DefaultOptions returns random-access reads on eight workers.
func DefaultOptions() Options {
	return Options{
		Parallelism:          8,
		Mode:                 filecache.ModeRandomAccess,
		OptimisticFooterSize: filecache.DefaultOptimisticFooterSize,
	}
}

// Result is the outcome of one range query.
type Result struct {
	Query types.Query
	// Keys is sorted by key.
	Keys []KeyPair
	// MatchedBlocks is the number of blocks read.
	MatchedBlocks int
	// MatchedMass is the number of keys in those blocks.
	MatchedMass uint64
	// SSTSelectivity is MatchedMass over the epoch's mass.
	SSTSelectivity float64
	// KeySelectivity is the number of keys inside the query range over the
	// epoch's mass.
	KeySelectivity float64
	Elapsed        time.Duration
	Times          tracker.TimeStats
}

type readerState int

const (
	stateUnbuilt readerState = iota
	stateManifestLoaded
)

// RangeReader serves queries against one directory. It moves from Unbuilt to
// ManifestLoaded exactly once; a new instance is needed per directory.
type RangeReader struct {
	opts    Options
	env     env.Env
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	queries *observability.QueryLog
	perf    *observability.PerfLog

	pool    *workerpool.Pool
	tracker *tracker.TaskTracker
	files   *filecache.DirReader

	// mu serializes queries: the tracker barrier is shared.
	mu       sync.Mutex
	state    readerState
	dir      string
	manifest *manifest.Manifest

	seqWarning sync.Once
}

// NewRangeReader starts the worker pool. queries may be nil.
func NewRangeReader(e env.Env, opts Options, logger logrus.FieldLogger, m *metrics.Metrics, queries *observability.QueryLog) *RangeReader {
	if m == nil {
		m = metrics.Discard()
	}
	if queries == nil {
		queries = observability.NewQueryLog(nil)
	}
	if opts.OptimisticFooterSize == 0 {
		opts.OptimisticFooterSize = filecache.DefaultOptimisticFooterSize
	}
	return &RangeReader{
		opts:     opts,
		env:      e,
		logger:   logger,
		metrics:  m,
		queries:  queries,
		perf:     observability.NewPerfLog(),
		pool:     workerpool.New(opts.Parallelism),
		tracker:  tracker.New(e, logger),
		files:    filecache.New(e, opts.Mode, logger, m),
		manifest: manifest.New(),
	}
}

// Manifest returns the loaded manifest. It must not be mutated while queries
// are running.
func (r *RangeReader) Manifest() *manifest.Manifest { return r.manifest }

// Perf returns the phase timings recorded so far.
func (r *RangeReader) Perf() *observability.PerfLog { return r.perf }

// QueryLog returns the session's query log.
func (r *RangeReader) QueryLog() *observability.QueryLog { return r.queries }

// Dir returns the loaded directory.
func (r *RangeReader) Dir() string { return r.dir }

// Close stops the worker pool and releases file handles.
func (r *RangeReader) Close() error {
	r.pool.Close()
	return r.files.Close()
}

// ReadManifest decodes the footer of every rank in dir in parallel. The
// manifest is installed only when every rank decodes, so a failed call
// leaves the reader unbuilt and may be retried.
func (r *RangeReader) ReadManifest(ctx context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateUnbuilt {
		return rserr.InvalidArgument(rserr.ErrCategoryQuery, "manifest already loaded from %q", r.dir)
	}

	start := time.Now()
	r.perf.Begin(observability.EventManifestRead)

	nranks, err := r.files.ReadDirectory(dir)
	if err != nil {
		return err
	}

	m := manifest.New()
	mreader := manifest.NewReader(m, r.env, r.logger)
	if r.opts.ManifestOutputDir != "" {
		if err := r.env.CreateDir(r.opts.ManifestOutputDir); err != nil {
			return rserr.IOError(rserr.ErrCategoryQuery, "create "+r.opts.ManifestOutputDir, err)
		}
		mreader.EnableManifestOutput(r.opts.ManifestOutputDir)
	}

	r.tracker.Reset()
	var errs firstError
	for _, rank := range r.files.Ranks() {
		r.submit(func(worker int) {
			id := r.tracker.MarkBegin(worker)
			defer r.tracker.MarkCompleted(id)
			if err := ctx.Err(); err != nil {
				errs.set(err)
				return
			}

			pf, err := r.files.ReadFooter(rank, r.opts.OptimisticFooterSize)
			if err != nil {
				r.logger.WithField("action", "manifest_read").WithError(err).Errorf("rank %d: footer read failed", rank)
				errs.set(err)
				return
			}
			r.tracker.MarkIOCompleted(id)

			if err := mreader.UpdateKVSizes(pf.KeySize, pf.ValueSize); err != nil {
				errs.set(err)
				return
			}
			if err := mreader.ReadManifest(rank, pf.Manifest, pf.NumEpochs); err != nil {
				r.logger.WithField("action", "manifest_read").WithError(err).Errorf("rank %d: manifest decode failed", rank)
				errs.set(err)
			}
		})
	}
	r.tracker.WaitUntilCompleted(nranks)
	r.perf.End(observability.EventManifestRead)

	if err := errs.get(); err != nil {
		return err
	}

	r.manifest = m
	r.dir = dir
	r.state = stateManifestLoaded
	r.metrics.ManifestRanks.Add(float64(nranks))
	r.metrics.ManifestItems.Add(float64(r.manifest.Size()))
	r.metrics.ManifestReadSeconds.Observe(time.Since(start).Seconds())

	ks, vs := r.manifest.KVSizes()
	r.logger.WithFields(logrus.Fields{
		"action":     "manifest_read",
		"ranks":      nranks,
		"items":      r.manifest.Size(),
		"epochs":     r.manifest.NumEpochs(),
		"key_size":   ks,
		"value_size": vs,
		"took":       time.Since(start).String(),
	}).Info("manifest loaded")

	return r.writeAnalytics()
}

// LoadSnapshot installs a manifest saved with manifest.WriteSnapshot instead
// of decoding every footer. dir is still scanned so blocks can be read.
func (r *RangeReader) LoadSnapshot(dir string, src io.Reader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateUnbuilt {
		return rserr.InvalidArgument(rserr.ErrCategoryQuery, "manifest already loaded from %q", r.dir)
	}

	m, err := manifest.ReadSnapshot(src)
	if err != nil {
		return err
	}
	if _, err := r.files.ReadDirectory(dir); err != nil {
		return err
	}
	span := 0
	if ranks := r.files.Ranks(); len(ranks) > 0 {
		span = ranks[len(ranks)-1] + 1
	}
	if m.NumRanks() > span {
		return rserr.Corruption(rserr.ErrCategoryQuery,
			"snapshot references %d ranks, directory holds %d", m.NumRanks(), span)
	}

	r.manifest = m
	r.dir = dir
	r.state = stateManifestLoaded
	r.metrics.ManifestItems.Add(float64(m.Size()))
	r.logger.WithField("action", "manifest_read").Infof("manifest snapshot loaded: %d items", m.Size())
	return r.writeAnalytics()
}

func (r *RangeReader) writeAnalytics() error {
	if r.opts.AnalyticsDir == "" {
		return nil
	}
	if err := r.env.CreateDir(r.opts.AnalyticsDir); err != nil {
		return rserr.IOError(rserr.ErrCategoryQuery, "create "+r.opts.AnalyticsDir, err)
	}
	return manifest.WriteOverlapStats(r.env, r.opts.AnalyticsDir, r.manifest)
}

// RunQuery dispatches to Query or QueryRankwise depending on Options.
func (r *RangeReader) RunQuery(ctx context.Context, q types.Query) (*Result, error) {
	if r.opts.Rankwise {
		return r.QueryRankwise(ctx, q)
	}
	return r.Query(ctx, q)
}

// Query reads the key column of every matching block, one task per block,
// into disjoint windows of a single output slice, then sorts it once.
func (r *RangeReader) Query(ctx context.Context, q types.Query) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLoaded(); err != nil {
		return nil, err
	}
	r.warnSequential()

	start := time.Now()
	match := r.manifest.OverlappingEntries(q)
	ks, vs := match.KVSizes()
	items := match.Items()

	offsets := make([]uint64, len(items))
	var total uint64
	for i := range items {
		offsets[i] = total
		total += uint64(items[i].ItemCount)
	}
	out := make([]KeyPair, total)

	r.perf.Begin(observability.EventSSTRead)
	r.tracker.Reset()
	var errs firstError
	for i := range items {
		it := items[i]
		off, n := offsets[i], uint64(it.ItemCount)
		window := out[off : off+n : off+n]
		r.submit(func(worker int) {
			id := r.tracker.MarkBegin(worker)
			defer r.tracker.MarkCompleted(id)
			if err := ctx.Err(); err != nil {
				errs.set(err)
				return
			}

			req := &filecache.ReadRequest{Offset: it.Offset, Size: n * ks}
			if err := r.files.Read(it.Rank, req, r.opts.Mode == filecache.ModeSequential); err != nil {
				r.logger.WithField("action", "sst_read").WithError(err).Errorf("read failure: %s", it)
				errs.set(err)
				return
			}
			r.tracker.MarkIOCompleted(id)
			decodeKeys(req.Data, it.Offset, ks, vs, window)
		})
	}
	r.tracker.WaitUntilCompleted(len(items))
	r.perf.End(observability.EventSSTRead)

	if err := errs.get(); err != nil {
		return nil, err
	}
	return r.finish("parallel", q, match, out, start), nil
}

// QueryRankwise issues one batched read per rank instead of one task per
// block.
func (r *RangeReader) QueryRankwise(ctx context.Context, q types.Query) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLoaded(); err != nil {
		return nil, err
	}

	start := time.Now()
	match := r.manifest.OverlappingEntries(q)
	ks, vs := match.KVSizes()
	ranks := match.UniqueRanks()
	out := make([]KeyPair, match.TotalMass())

	r.perf.Begin(observability.EventSSTRead)
	r.tracker.Reset()
	var errs firstError
	var off uint64
	for _, rank := range ranks {
		rank := rank
		items, mass := match.MatchesByRank(rank)
		window := out[off : off+mass : off+mass]
		off += mass

		r.submit(func(worker int) {
			id := r.tracker.MarkBegin(worker)
			defer r.tracker.MarkCompleted(id)
			if err := ctx.Err(); err != nil {
				errs.set(err)
				return
			}

			reqs := make([]*filecache.ReadRequest, len(items))
			for i, it := range items {
				reqs[i] = &filecache.ReadRequest{
					Offset:    it.Offset,
					Size:      uint64(it.ItemCount) * ks,
					ItemCount: it.ItemCount,
				}
			}
			if err := r.files.ReadBatch(rank, reqs); err != nil {
				r.logger.WithField("action", "sst_read").WithError(err).Errorf("rank %d: batch read failure", rank)
				errs.set(err)
				return
			}
			r.tracker.MarkIOCompleted(id)

			var pos uint64
			for _, req := range reqs {
				n := uint64(req.ItemCount)
				decodeKeys(req.Data, req.Offset, ks, vs, window[pos:pos+n])
				pos += n
			}
		})
	}
	r.tracker.WaitUntilCompleted(len(ranks))
	r.perf.End(observability.EventSSTRead)

	if err := errs.get(); err != nil {
		return nil, err
	}
	return r.finish("rankwise", q, match, out, start), nil
}

// QueryNaive scans every block of epoch on the calling goroutine, rank by
// rank, keeping keys in [a, b). It ignores the manifest's pruning and serves
// as a baseline.
func (r *RangeReader) QueryNaive(ctx context.Context, epoch int, a, b float32) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkLoaded(); err != nil {
		return nil, err
	}

	start := time.Now()
	q := types.NewQuery(epoch, a, b)
	ks, vs := r.manifest.KVSizes()
	all := r.manifest.AllEntries(epoch)

	var out []KeyPair
	var scratch []byte
	r.perf.Begin(observability.EventSSTRead)
	for _, rank := range r.files.Ranks() {
		items := r.manifest.AllEntriesForRank(epoch, rank).Items()
		sort.Slice(items, func(i, j int) bool { return items[i].Offset < items[j].Offset })

		for i, it := range items {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			n := uint64(it.ItemCount)
			req := &filecache.ReadRequest{Offset: it.Offset, Size: n * ks, Scratch: scratch}
			if err := r.files.Read(rank, req, i == 0); err != nil {
				return nil, err
			}
			scratch = req.Scratch

			for j := uint64(0); j < n; j++ {
				k := rdbfile.DecodeKey(req.Data[j*ks:])
				if k >= a && k < b {
					out = append(out, KeyPair{Key: k, Offset: it.Offset + n*ks + j*vs})
				}
			}
		}
	}
	r.perf.End(observability.EventSSTRead)

	return r.finish("naive", q, all, out, start), nil
}

// finish sorts out, computes selectivities and records the query.
func (r *RangeReader) finish(strategy string, q types.Query, match *manifest.Match, out []KeyPair, start time.Time) *Result {
	r.perf.Begin(observability.EventSort)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	r.perf.End(observability.EventSort)

	var inRange uint64
	for _, kp := range out {
		if kp.Key >= q.Range.Min && kp.Key <= q.Range.Max {
			inRange++
		}
	}

	res := &Result{
		Query:          q,
		Keys:           out,
		MatchedBlocks:  match.Size(),
		MatchedMass:    match.TotalMass(),
		SSTSelectivity: match.Selectivity(),
		Elapsed:        time.Since(start),
		Times:          r.tracker.AnalyzeTimes(),
	}
	if ds := match.DataSize(); ds > 0 {
		res.KeySelectivity = float64(inRange) / float64(ds)
	}

	r.metrics.Queries.WithLabelValues(strategy).Inc()
	r.metrics.QuerySeconds.WithLabelValues(strategy).Observe(res.Elapsed.Seconds())
	r.metrics.QueryMatchedSSTs.Observe(float64(res.MatchedBlocks))
	r.metrics.QueryKeys.Add(float64(len(out)))
	r.metrics.QuerySelectivity.WithLabelValues("sst").Observe(res.SSTSelectivity)
	r.metrics.QuerySelectivity.WithLabelValues("key").Observe(res.KeySelectivity)

	r.logger.WithFields(logrus.Fields{
		"action":   "range_query",
		"strategy": strategy,
		"query":    q.String(),
		"matched":  res.MatchedBlocks,
		"keys":     len(out),
		"sst_sel":  res.SSTSelectivity,
		"key_sel":  res.KeySelectivity,
		"took":     res.Elapsed.String(),
	}).Info("query complete")

	if err := r.queries.Record(observability.QueryRecord{
		Dir:     r.dir,
		Epoch:   q.Epoch,
		Min:     q.Range.Min,
		Max:     q.Range.Max,
		SSTSel:  res.SSTSelectivity,
		KeySel:  res.KeySelectivity,
		Matched: res.MatchedBlocks,
		Elapsed: res.Elapsed,
	}); err != nil {
		r.logger.WithField("action", "query_log").WithError(err).Warn("could not append to query log")
	}
	return res
}

func (r *RangeReader) checkLoaded() error {
	if r.state != stateManifestLoaded {
		return rserr.InvalidArgument(rserr.ErrCategoryQuery, "manifest not loaded")
	}
	return nil
}

func (r *RangeReader) warnSequential() {
	if r.opts.Mode != filecache.ModeSequential || r.pool.Size() < 2 {
		return
	}
	r.seqWarning.Do(func() {
		r.logger.WithField("action", "range_query").
			Warn("sequential file handles are not safe for intra-rank parallelism; every block read reopens its rank")
	})
}

// submit queues task. A closed pool runs the task inline so the tracker
// barrier is still reached.
func (r *RangeReader) submit(task workerpool.Task) {
	if err := r.pool.Submit(task); err != nil {
		task(0)
	}
}

// decodeKeys fills out from a key column that starts at blockOffset.
func decodeKeys(keys []byte, blockOffset, keySize, valueSize uint64, out []KeyPair) {
	n := uint64(len(out))
	values := blockOffset + n*keySize
	for i := uint64(0); i < n; i++ {
		out[i] = KeyPair{
			Key:    rdbfile.DecodeKey(keys[i*keySize:]),
			Offset: values + i*valueSize,
		}
	}
}

// firstError keeps the first error reported by any worker.
type firstError struct {
	mu  sync.Mutex
	err error
}

func (f *firstError) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *firstError) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
