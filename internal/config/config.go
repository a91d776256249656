// Package config provides the configuration shared by every rangescan mode.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode is the tool the CLI runs.
type Mode string

const (
	ModeQuery   Mode = "query"
	ModePlan    Mode = "plan"
	ModeAnalyze Mode = "analyze"
	ModeCompact Mode = "compact"
	ModeCheck   Mode = "check"
	ModeExport  Mode = "export"
	ModeGen     Mode = "gen"
	ModeStage   Mode = "stage"
)

// Modes lists every valid Mode.
var Modes = []Mode{ModeQuery, ModePlan, ModeAnalyze, ModeCompact, ModeCheck, ModeExport, ModeGen, ModeStage}

// Config holds the unified configuration.
type Config struct {
	// Mode selects the tool to run.
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for generated outputs
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Dir is the RDB directory to operate on
	Dir string `json:"dir" yaml:"dir"`

	Reader     ReaderConfig     `json:"reader" yaml:"reader"`
	Query      QueryConfig      `json:"query" yaml:"query"`
	Compaction CompactionConfig `json:"compaction" yaml:"compaction"`
	Check      CheckConfig      `json:"check" yaml:"check"`
	Catalog    CatalogConfig    `json:"catalog" yaml:"catalog"`
	Gen        GenConfig        `json:"gen" yaml:"gen"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

// ReaderConfig controls how rank files are opened and read.
type ReaderConfig struct {
	// Mode is the handle mode: random or sequential
	Mode string `json:"mode" yaml:"mode"`

	// OptimisticFooterBytes is the size of the first footer read
	OptimisticFooterBytes uint64 `json:"optimistic_footer_bytes" yaml:"optimistic_footer_bytes"`

	// Parallelism is the number of query workers
	Parallelism int `json:"parallelism" yaml:"parallelism"`

	// Rankwise runs one sub-query per matching rank
	Rankwise bool `json:"rankwise" yaml:"rankwise"`

	// ManifestOutputDir, when set, receives per-rank manifest CSV dumps
	ManifestOutputDir string `json:"manifest_output_dir" yaml:"manifest_output_dir"`
}

// QueryConfig holds query mode configuration.
type QueryConfig struct {
	// PlanFile is the query plan CSV (epoch,min,max per line)
	PlanFile string `json:"plan_file" yaml:"plan_file"`

	// QueryLog is the CSV file query results are appended to
	QueryLog string `json:"query_log" yaml:"query_log"`

	// AnalyticsDir receives overlap stats and sorted query outputs
	AnalyticsDir string `json:"analytics_dir" yaml:"analytics_dir"`

	// Snapshot is a manifest snapshot loaded instead of reading footers
	Snapshot string `json:"snapshot" yaml:"snapshot"`

	// Naive reads whole epochs instead of consulting the manifest
	Naive bool `json:"naive" yaml:"naive"`

	// Timeout bounds the whole query run; zero means no limit
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// CompactionConfig holds compaction mode configuration.
type CompactionConfig struct {
	// MemoryBudget is the value payload buffered before a run is cut (bytes)
	MemoryBudget uint64 `json:"memory_budget" yaml:"memory_budget"`

	// OutputSuffix is appended to the source directory to name the output
	OutputSuffix string `json:"output_suffix" yaml:"output_suffix"`

	// BlockItems is the number of pairs per output block
	BlockItems int `json:"block_items" yaml:"block_items"`

	// Validate re-reads both directories after the merge
	Validate bool `json:"validate" yaml:"validate"`
}

// CheckConfig holds format checker configuration.
type CheckConfig struct {
	// BufferSize is the largest block the checker accepts (bytes)
	BufferSize uint64 `json:"buffer_size" yaml:"buffer_size"`

	// Parallelism is the number of ranks checked at once
	Parallelism int `json:"parallelism" yaml:"parallelism"`

	// Stride checks every Stride-th key
	Stride int `json:"stride" yaml:"stride"`
}

// CatalogConfig holds manifest export configuration.
type CatalogConfig struct {
	// Path is the SQLite database file
	Path string `json:"path" yaml:"path"`
}

// GenConfig sizes the synthetic producer.
type GenConfig struct {
	Ranks          int     `json:"ranks" yaml:"ranks"`
	Epochs         int     `json:"epochs" yaml:"epochs"`
	BlocksPerEpoch int     `json:"blocks_per_epoch" yaml:"blocks_per_epoch"`
	ItemsPerBlock  int     `json:"items_per_block" yaml:"items_per_block"`
	ValueSize      uint64  `json:"value_size" yaml:"value_size"`
	KeyMin         float32 `json:"key_min" yaml:"key_min"`
	KeyMax         float32 `json:"key_max" yaml:"key_max"`
	Overlap        float64 `json:"overlap" yaml:"overlap"`
	Seed           int64   `json:"seed" yaml:"seed"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3, minio
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is the object prefix of the staged directory
	Prefix string `json:"prefix" yaml:"prefix"`

	// Direction is pull or push for stage mode
	Direction string `json:"direction" yaml:"direction"`

	// Concurrency bounds parallel transfers
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	S3    S3Config    `json:"s3" yaml:"s3"`
	Minio MinioConfig `json:"minio" yaml:"minio"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `json:"bucket" yaml:"bucket"`
	Region       string `json:"region" yaml:"region"`
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
	PartSize     int64  `json:"part_size" yaml:"part_size"`
}

// MinioConfig holds MinIO storage configuration.
type MinioConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	Region    string `json:"region" yaml:"region"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of /metrics; empty disables the server
	Addr string `json:"addr" yaml:"addr"`

	// ShutdownTimeout bounds the metrics server drain
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is a logrus level name
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local runs.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeQuery,
		DataDir: "./data/rangescan",
		Reader: ReaderConfig{
			Mode:                  "random",
			OptimisticFooterBytes: 4096,
			Parallelism:           16,
		},
		Compaction: CompactionConfig{
			MemoryBudget: 512 << 20,
			OutputSuffix: ".merged",
			BlockItems:   4096,
		},
		Check: CheckConfig{
			BufferSize:  20 << 20,
			Parallelism: 4,
			Stride:      1,
		},
		Gen: GenConfig{
			Ranks:          4,
			Epochs:         2,
			BlocksPerEpoch: 8,
			ItemsPerBlock:  512,
			ValueSize:      60,
			KeyMin:         0,
			KeyMax:         100,
			Overlap:        0.1,
			Seed:           1,
		},
		Storage: StorageConfig{
			Type:        "local",
			Direction:   "pull",
			Concurrency: 8,
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Metrics: MetricsConfig{
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/rangescan"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "objects")
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.Dir == "" && (c.Mode == ModeGen || c.Mode == ModeStage) {
		c.Dir = filepath.Join(c.DataDir, "rdb")
	}
}

// OutputDir returns the compaction output directory for Dir.
func (c *Config) OutputDir() string {
	return strings.TrimSuffix(c.Dir, "/") + c.Compaction.OutputSuffix
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	valid := false
	for _, m := range Modes {
		if c.Mode == m {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid mode: %s (must be one of %v)", c.Mode, Modes)
	}

	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}

	if c.Reader.Mode != "random" && c.Reader.Mode != "sequential" {
		return fmt.Errorf("invalid reader.mode: %s (must be random or sequential)", c.Reader.Mode)
	}
	if c.Reader.Parallelism < 1 {
		return fmt.Errorf("reader.parallelism must be at least 1, got %d", c.Reader.Parallelism)
	}
	if c.Reader.OptimisticFooterBytes < 28 {
		return fmt.Errorf("reader.optimistic_footer_bytes must cover the 28-byte trailer, got %d", c.Reader.OptimisticFooterBytes)
	}

	if c.Mode == ModeQuery && c.Query.PlanFile == "" {
		return fmt.Errorf("query.plan_file is required in query mode")
	}

	if c.Compaction.MemoryBudget == 0 {
		return fmt.Errorf("compaction.memory_budget must be positive")
	}
	if c.Compaction.OutputSuffix == "" {
		return fmt.Errorf("compaction.output_suffix is required")
	}
	if c.Compaction.BlockItems < 1 {
		return fmt.Errorf("compaction.block_items must be at least 1, got %d", c.Compaction.BlockItems)
	}

	if c.Check.BufferSize == 0 {
		return fmt.Errorf("check.buffer_size must be positive")
	}

	switch c.Storage.Type {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when storage type is s3")
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("minio.endpoint and minio.bucket are required when storage type is minio")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be local, s3 or minio)", c.Storage.Type)
	}
	if c.Mode == ModeStage {
		if c.Storage.Prefix == "" {
			return fmt.Errorf("storage.prefix is required in stage mode")
		}
		if c.Storage.Direction != "pull" && c.Storage.Direction != "push" {
			return fmt.Errorf("invalid storage.direction: %s (must be pull or push)", c.Storage.Direction)
		}
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the RANGESCAN_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("RANGESCAN_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("RANGESCAN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RANGESCAN_DIR"); v != "" {
		cfg.Dir = v
	}

	// Reader configuration
	if v := os.Getenv("RANGESCAN_READER_MODE"); v != "" {
		cfg.Reader.Mode = v
	}
	if v := os.Getenv("RANGESCAN_READER_PARALLELISM"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Reader.Parallelism)
	}
	if v := os.Getenv("RANGESCAN_READER_OPTIMISTIC_FOOTER_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Reader.OptimisticFooterBytes)
	}
	if v := os.Getenv("RANGESCAN_READER_RANKWISE"); v != "" {
		cfg.Reader.Rankwise = v == "true" || v == "1"
	}

	// Query configuration
	if v := os.Getenv("RANGESCAN_QUERY_PLAN_FILE"); v != "" {
		cfg.Query.PlanFile = v
	}
	if v := os.Getenv("RANGESCAN_QUERY_LOG"); v != "" {
		cfg.Query.QueryLog = v
	}
	if v := os.Getenv("RANGESCAN_QUERY_ANALYTICS_DIR"); v != "" {
		cfg.Query.AnalyticsDir = v
	}
	if v := os.Getenv("RANGESCAN_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Query.Timeout = d
		}
	}

	// Compaction configuration
	if v := os.Getenv("RANGESCAN_COMPACTION_MEMORY_BUDGET"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Compaction.MemoryBudget)
	}
	if v := os.Getenv("RANGESCAN_COMPACTION_BLOCK_ITEMS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Compaction.BlockItems)
	}

	// Check configuration
	if v := os.Getenv("RANGESCAN_CHECK_BUFFER_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Check.BufferSize)
	}

	// Storage configuration
	if v := os.Getenv("RANGESCAN_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("RANGESCAN_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("RANGESCAN_STORAGE_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}
	if v := os.Getenv("RANGESCAN_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("RANGESCAN_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("RANGESCAN_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("RANGESCAN_MINIO_ENDPOINT"); v != "" {
		cfg.Storage.Minio.Endpoint = v
	}
	if v := os.Getenv("RANGESCAN_MINIO_BUCKET"); v != "" {
		cfg.Storage.Minio.Bucket = v
	}
	if v := os.Getenv("RANGESCAN_MINIO_ACCESS_KEY"); v != "" {
		cfg.Storage.Minio.AccessKey = v
	}
	if v := os.Getenv("RANGESCAN_MINIO_SECRET_KEY"); v != "" {
		cfg.Storage.Minio.SecretKey = v
	}

	// Metrics and logging
	if v := os.Getenv("RANGESCAN_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("RANGESCAN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RANGESCAN_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// EnsureDirectories creates the data directory and the local storage root.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Query.AnalyticsDir, c.Reader.ManifestOutputDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
