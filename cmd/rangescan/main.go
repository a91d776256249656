// Package main implements the rangescan binary: range queries, compaction,
// checking and staging of RDB directories.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"github.com/rangescan/rangescan/internal/app"
	"github.com/rangescan/rangescan/internal/config"
	"github.com/rangescan/rangescan/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configFile  string
	envFile     string
	dataDir     string
	mode        string
	dir         string
	readerMode  string
	parallelism int
	rankwise    bool
	planFile    string
	queryLog    string
	analytics   string
	snapshot    string
	naive       bool
	budget      uint64
	validate    bool
	prefix      string
	direction   string
	metricsAddr string
	logLevel    string
}

func main() {
	var f flags
	var showVersion bool

	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.envFile, "env-file", ".env", "Optional dotenv file loaded before RANGESCAN_* variables")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for generated outputs")
	flag.StringVar(&f.mode, "mode", "", "Mode: query, plan, analyze, compact, check, export, gen, stage")
	flag.StringVar(&f.dir, "dir", "", "RDB directory to operate on")
	flag.StringVar(&f.readerMode, "reader", "", "Reader mode: random or sequential")
	flag.IntVar(&f.parallelism, "parallelism", 0, "Query worker count")
	flag.BoolVar(&f.rankwise, "rankwise", false, "Run one sub-query per matching rank")
	flag.StringVar(&f.planFile, "plan", "", "Query plan CSV (read by query, written by plan)")
	flag.StringVar(&f.queryLog, "query-log", "", "CSV file query results are appended to")
	flag.StringVar(&f.analytics, "analytics-dir", "", "Directory for overlap statistics")
	flag.StringVar(&f.snapshot, "snapshot", "", "Manifest snapshot (written by analyze, read by query and plan)")
	flag.BoolVar(&f.naive, "naive", false, "Scan whole epochs instead of using the manifest")
	flag.Uint64Var(&f.budget, "memory-budget", 0, "Compaction memory budget in bytes")
	flag.BoolVar(&f.validate, "validate", false, "Validate compaction output against the source")
	flag.StringVar(&f.prefix, "prefix", "", "Object storage prefix for stage mode")
	flag.StringVar(&f.direction, "direction", "", "Stage direction: pull or push")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "rangescan - range queries and compaction over RDB directories\n\n")
		fmt.Fprintf(os.Stderr, "Usage: rangescan -mode <mode> -dir <rdb dir> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  rangescan -mode gen -dir /tmp/rdb\n")
		fmt.Fprintf(os.Stderr, "  rangescan -mode plan -dir /tmp/rdb -plan plan.csv\n")
		fmt.Fprintf(os.Stderr, "  rangescan -mode query -dir /tmp/rdb -plan plan.csv -query-log queries.csv\n")
		fmt.Fprintf(os.Stderr, "  rangescan -mode compact -dir /tmp/rdb -validate\n")
		fmt.Fprintf(os.Stderr, "  rangescan -mode stage -dir /tmp/rdb -prefix runs/1 -direction push\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  RANGESCAN_MODE          Mode\n")
		fmt.Fprintf(os.Stderr, "  RANGESCAN_DIR           RDB directory\n")
		fmt.Fprintf(os.Stderr, "  RANGESCAN_STORAGE_TYPE  Storage type (local, s3, minio)\n")
		fmt.Fprintf(os.Stderr, "  RANGESCAN_METRICS_ADDR  Prometheus listen address\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("rangescan version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create application")
		os.Exit(1)
	}
	if err := application.Run(context.Background()); err != nil {
		logger.WithField("mode", cfg.Mode).WithError(err).Error("run failed")
		os.Exit(1)
	}
}

// loadConfig layers the config file, the dotenv file, RANGESCAN_* variables
// and finally command line flags.
func loadConfig(f flags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(f.configFile); err != nil {
			return nil, err
		}
	}

	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f.envFile, err)
		}
	}
	config.LoadFromEnv(cfg)

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.mode != "" {
		cfg.Mode = config.Mode(f.mode)
	}
	if f.dir != "" {
		cfg.Dir = f.dir
	}
	if f.readerMode != "" {
		cfg.Reader.Mode = f.readerMode
	}
	if f.parallelism > 0 {
		cfg.Reader.Parallelism = f.parallelism
	}
	if f.rankwise {
		cfg.Reader.Rankwise = true
	}
	if f.planFile != "" {
		cfg.Query.PlanFile = f.planFile
	}
	if f.queryLog != "" {
		cfg.Query.QueryLog = f.queryLog
	}
	if f.analytics != "" {
		cfg.Query.AnalyticsDir = f.analytics
	}
	if f.snapshot != "" {
		cfg.Query.Snapshot = f.snapshot
	}
	if f.naive {
		cfg.Query.Naive = true
	}
	if f.budget > 0 {
		cfg.Compaction.MemoryBudget = f.budget
	}
	if f.validate {
		cfg.Compaction.Validate = true
	}
	if f.prefix != "" {
		cfg.Storage.Prefix = f.prefix
	}
	if f.direction != "" {
		cfg.Storage.Direction = f.direction
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}
