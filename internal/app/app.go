// Package app wires configuration, storage, readers and the compactor into
// the modes of the rangescan command.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rangescan/rangescan/internal/catalog"
	"github.com/rangescan/rangescan/internal/compaction"
	"github.com/rangescan/rangescan/internal/config"
	"github.com/rangescan/rangescan/internal/env"
	"github.com/rangescan/rangescan/internal/filecache"
	"github.com/rangescan/rangescan/internal/fmtcheck"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/internal/metrics"
	"github.com/rangescan/rangescan/internal/observability"
	"github.com/rangescan/rangescan/internal/query"
	"github.com/rangescan/rangescan/internal/rdbfile"
	"github.com/rangescan/rangescan/internal/sstdir"
	"github.com/rangescan/rangescan/internal/server"
	"github.com/rangescan/rangescan/internal/stage"
	"github.com/rangescan/rangescan/internal/storage"
)

// App runs one mode of the command against one directory.
type App struct {
	cfg    *config.Config
	env    env.Env
	logger logrus.FieldLogger
	out    io.Writer

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	shutdown *server.ShutdownManager
}

// New resolves and validates cfg and prepares the metrics registry.
func New(cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &App{
		cfg:      cfg,
		env:      env.Default(),
		logger:   logger,
		out:      os.Stdout,
		registry: reg,
		metrics:  metrics.New(reg),
		shutdown: server.NewShutdownManager(cfg.Metrics.ShutdownTimeout, logger),
	}, nil
}

// SetOutput redirects plan output written to stdout.
func (a *App) SetOutput(w io.Writer) { a.out = w }

// Registry returns the registry every collector is registered with.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Run executes the configured mode. The metrics endpoint, when configured,
// is served for the duration of the run. SIGINT and SIGTERM cancel the run.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := a.shutdown.NotifyOnSignal(ctx)
	defer stop()

	if a.cfg.Metrics.Addr != "" {
		ms, err := server.StartMetricsServer(a.cfg.Metrics.Addr,
			promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}), a.shutdown)
		if err != nil {
			return err
		}
		a.logger.WithField("action", "metrics").Infof("serving metrics on %s", ms.Addr())
	}

	start := time.Now()
	log := a.logger.WithFields(logrus.Fields{"action": "run", "mode": a.cfg.Mode, "dir": a.cfg.Dir})
	err := a.dispatch(ctx)
	if shutErr := a.shutdown.Shutdown(context.Background(), "run finished"); shutErr != nil {
		log.WithError(shutErr).Warn("metrics server shutdown")
	}
	if err != nil {
		return err
	}
	log.Infof("done in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func (a *App) dispatch(ctx context.Context) error {
	switch a.cfg.Mode {
	case config.ModeQuery:
		return a.runQuery(ctx)
	case config.ModePlan:
		return a.runPlan(ctx)
	case config.ModeAnalyze:
		return a.runAnalyze(ctx)
	case config.ModeCompact:
		return a.runCompact(ctx)
	case config.ModeCheck:
		return a.runCheck(ctx)
	case config.ModeExport:
		return a.runExport(ctx)
	case config.ModeGen:
		return a.runGen()
	case config.ModeStage:
		return a.runStage(ctx)
	default:
		return fmt.Errorf("unknown mode %q", a.cfg.Mode)
	}
}

func (a *App) readerOptions() (query.Options, error) {
	mode, err := filecache.ParseMode(a.cfg.Reader.Mode)
	if err != nil {
		return query.Options{}, err
	}
	return query.Options{
		Parallelism:          a.cfg.Reader.Parallelism,
		Mode:                 mode,
		OptimisticFooterSize: a.cfg.Reader.OptimisticFooterBytes,
		Rankwise:             a.cfg.Reader.Rankwise,
		ManifestOutputDir:    a.cfg.Reader.ManifestOutputDir,
		AnalyticsDir:         a.cfg.Query.AnalyticsDir,
	}, nil
}

// openReader builds a RangeReader and loads the manifest, from the snapshot
// when one is configured and present.
func (a *App) openReader(ctx context.Context, queries *observability.QueryLog, useSnapshot bool) (*query.RangeReader, error) {
	opts, err := a.readerOptions()
	if err != nil {
		return nil, err
	}
	r := query.NewRangeReader(a.env, opts, a.logger, a.metrics, queries)

	if snap := a.cfg.Query.Snapshot; useSnapshot && snap != "" && a.env.FileExists(snap) {
		f, err := os.Open(snap)
		if err != nil {
			r.Close()
			return nil, err
		}
		defer f.Close()
		err = r.LoadSnapshot(a.cfg.Dir, f)
		if err != nil {
			r.Close()
			return nil, err
		}
		return r, nil
	}

	if err := r.ReadManifest(ctx, a.cfg.Dir); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (a *App) runQuery(ctx context.Context) error {
	if a.cfg.Query.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Query.Timeout)
		defer cancel()
	}

	pf, err := os.Open(a.cfg.Query.PlanFile)
	if err != nil {
		return fmt.Errorf("open query plan: %w", err)
	}
	plan, err := query.ReadQueryPlan(pf)
	pf.Close()
	if err != nil {
		return err
	}

	var logw io.Writer
	if a.cfg.Query.QueryLog != "" {
		f, err := os.OpenFile(a.cfg.Query.QueryLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open query log: %w", err)
		}
		defer f.Close()
		logw = f
	}
	queries := observability.NewQueryLog(logw)

	r, err := a.openReader(ctx, queries, true)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, q := range plan {
		var res *query.Result
		if a.cfg.Query.Naive {
			res, err = r.QueryNaive(ctx, q.Epoch, q.Range.Min, q.Range.Max)
		} else {
			res, err = r.RunQuery(ctx, q)
		}
		if err != nil {
			return err
		}
		a.logger.WithFields(logrus.Fields{
			"action":  "query",
			"epoch":   q.Epoch,
			"blocks":  res.MatchedBlocks,
			"keys":    len(res.Keys),
			"sst_sel": fmt.Sprintf("%.4f", res.SSTSelectivity),
			"key_sel": fmt.Sprintf("%.4f", res.KeySelectivity),
		}).Debugf("[%g, %g] in %s", q.Range.Min, q.Range.Max, res.Elapsed)
	}

	sum := queries.Summarize()
	a.logger.WithFields(logrus.Fields{
		"action":  "query",
		"session": queries.Session(),
		"queries": sum.Queries,
		"matched": sum.TotalMatched,
	}).Infof("mean selectivity %.4f (blocks) %.4f (keys), total %s",
		sum.MeanSSTSel, sum.MeanKeySel, sum.TotalElapsed.Round(time.Microsecond))
	r.Perf().PrintStats(a.logger)
	return nil
}

func (a *App) runPlan(ctx context.Context) error {
	r, err := a.openReader(ctx, nil, true)
	if err != nil {
		return err
	}
	defer r.Close()

	plan := query.GenQueryPlan(r.Manifest(), query.DefaultPlanOptions())

	w := a.out
	if a.cfg.Query.PlanFile != "" {
		f, err := os.Create(a.cfg.Query.PlanFile)
		if err != nil {
			return fmt.Errorf("create query plan: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := query.WriteQueryPlan(w, plan); err != nil {
		return err
	}
	a.logger.WithField("action", "plan").Infof("generated %d queries", len(plan))
	return nil
}

func (a *App) runAnalyze(ctx context.Context) error {
	r, err := a.openReader(ctx, nil, false)
	if err != nil {
		return err
	}
	defer r.Close()

	m := r.Manifest()
	for _, s := range manifest.Summarize(m) {
		a.logger.WithField("action", "analyze").Info(s.String())
	}
	a.logger.WithFields(logrus.Fields{
		"action":     "analyze",
		"items":      m.Size(),
		"mass":       m.TotalMass(),
		"zero_width": m.ZeroWidthCount(),
	}).Info("manifest summary")

	if snap := a.cfg.Query.Snapshot; snap != "" {
		f, err := os.Create(snap)
		if err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		if err := manifest.WriteSnapshot(f, m); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		a.logger.WithField("action", "analyze").Infof("snapshot written to %s", snap)
	}
	return nil
}

// loadManifest opens dir in random-access mode and returns its manifest.
func (a *App) loadManifest(dir string) (*manifest.Manifest, error) {
	files := filecache.New(a.env, filecache.ModeRandomAccess, a.logger, a.metrics)
	defer files.Close()
	return filecache.OpenDirectory(files, dir)
}

func (a *App) runCompact(ctx context.Context) error {
	m, err := a.loadManifest(a.cfg.Dir)
	if err != nil {
		return err
	}
	ks, vs := m.KVSizes()
	backend := sstdir.New(a.env, ks, vs, a.cfg.Compaction.BlockItems)

	c := compaction.New(a.env, a.cfg.Dir, m, backend, compaction.Options{
		MemoryBudget: a.cfg.Compaction.MemoryBudget,
		OutputDir:    a.cfg.OutputDir(),
	}, a.logger, a.metrics)
	stats, err := c.MergeAll(ctx)
	if err != nil {
		return err
	}
	a.logger.WithFields(logrus.Fields{
		"action": "compaction",
		"run_id": stats.RunID,
		"runs":   stats.Runs,
		"pairs":  stats.Pairs,
		"blocks": backend.Blocks(),
	}).Infof("merged %s into %s in %s", a.cfg.Dir, c.OutputDir(), stats.Total.Round(time.Millisecond))

	if !a.cfg.Compaction.Validate {
		return nil
	}
	vr, err := compaction.NewValidator(a.env, a.logger).Validate(ctx, a.cfg.Dir, c.OutputDir())
	if err != nil {
		return err
	}
	if !vr.Valid {
		return fmt.Errorf("compaction output failed validation: %v", vr.Errors)
	}
	return nil
}

func (a *App) runCheck(ctx context.Context) error {
	checker := fmtcheck.New(a.env, fmtcheck.Options{
		BufferSize:  a.cfg.Check.BufferSize,
		Parallelism: a.cfg.Check.Parallelism,
		Stride:      a.cfg.Check.Stride,
	}, a.logger, a.metrics)
	report, err := checker.Check(ctx, a.cfg.Dir)
	if err != nil {
		return err
	}
	if !report.OK() {
		for _, v := range report.Violations {
			a.logger.WithField("action", "check").Warnf("%s: key %d = %g at relative position %.3f",
				v.Item, v.Index, v.Key, v.Position)
		}
		return fmt.Errorf("%s: %d blocks with out-of-range keys", a.cfg.Dir, len(report.Violations))
	}
	return nil
}

func (a *App) runExport(ctx context.Context) error {
	m, err := a.loadManifest(a.cfg.Dir)
	if err != nil {
		return err
	}
	cat, err := catalog.Open(a.cfg.Catalog.Path)
	if err != nil {
		return err
	}
	defer cat.Close()

	if err := cat.Export(ctx, a.cfg.Dir, m); err != nil {
		return err
	}
	epochs, err := cat.Epochs(ctx)
	if err != nil {
		return err
	}
	for _, e := range epochs {
		a.logger.WithFields(logrus.Fields{
			"action": "export",
			"epoch":  e.Epoch,
			"blocks": e.Blocks,
			"mass":   e.Mass,
		}).Debugf("range %s", e.Range)
	}
	a.logger.WithField("action", "export").Infof("exported %d blocks over %d epochs to %s",
		m.Size(), len(epochs), cat.Path())
	return nil
}

func (a *App) runGen() error {
	spec := rdbfile.DefaultGenSpec()
	g := a.cfg.Gen
	spec.Ranks = g.Ranks
	spec.Epochs = g.Epochs
	spec.BlocksPerEpoch = g.BlocksPerEpoch
	spec.ItemsPerBlock = g.ItemsPerBlock
	spec.ValueSize = g.ValueSize
	spec.KeyMin = g.KeyMin
	spec.KeyMax = g.KeyMax
	spec.Overlap = g.Overlap
	spec.Seed = g.Seed

	res, err := rdbfile.Generate(a.env, a.cfg.Dir, spec)
	if err != nil {
		return err
	}

	var size uint64
	for rank := 0; rank < spec.Ranks; rank++ {
		if n, err := a.env.GetFileSize(rdbfile.Path(a.cfg.Dir, rank)); err == nil {
			size += n
		}
	}
	a.logger.WithFields(logrus.Fields{
		"action": "gen",
		"ranks":  spec.Ranks,
		"epochs": spec.Epochs,
		"blocks": res.Blocks,
	}).Infof("wrote %s to %s", humanize.IBytes(size), filepath.Clean(a.cfg.Dir))
	return nil
}

// storageConfig maps the storage section onto storage.Config.
func storageConfig(c config.StorageConfig) storage.Config {
	sc := storage.DefaultConfig()
	sc.Backend = c.Type
	sc.LocalPath = c.Path
	if c.Concurrency > 0 {
		sc.Concurrency = c.Concurrency
	}
	switch c.Type {
	case storage.BackendS3:
		sc.Bucket = c.S3.Bucket
		if c.S3.Region != "" {
			sc.Region = c.S3.Region
		}
		sc.Endpoint = c.S3.Endpoint
		sc.UsePathStyle = c.S3.UsePathStyle
		if c.S3.PartSize > 0 {
			sc.PartSize = c.S3.PartSize
		}
	case storage.BackendMinio:
		sc.Bucket = c.Minio.Bucket
		sc.Endpoint = c.Minio.Endpoint
		sc.AccessKey = c.Minio.AccessKey
		sc.SecretKey = c.Minio.SecretKey
		sc.UseSSL = c.Minio.UseSSL
		if c.Minio.Region != "" {
			sc.Region = c.Minio.Region
		}
	}
	return sc
}

func (a *App) runStage(ctx context.Context) error {
	sc := storageConfig(a.cfg.Storage)
	store, err := storage.New(ctx, sc)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.logger.WithFields(logrus.Fields{
		"action":  "stage",
		"backend": sc.Backend,
		"bucket":  sc.Bucket,
	}).Debug("storage initialized")

	s := stage.New(store, sc.Concurrency, a.logger)
	if a.cfg.Storage.Direction == "push" {
		_, err = s.Push(ctx, a.cfg.Dir, a.cfg.Storage.Prefix)
	} else {
		_, err = s.Pull(ctx, a.cfg.Storage.Prefix, a.cfg.Dir)
	}
	return err
}
