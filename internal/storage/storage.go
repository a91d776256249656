// Package storage moves RDB files between the local filesystem and object
// storage.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the object store that RDB directories are staged
// from and published to. Object paths use forward slashes.
type ObjectStorage interface {
	// Upload copies the local file at localPath to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to localPath, creating parent directories.
	// A missing object is ErrObjectNotFound.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes objectPath. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether objectPath exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns every object path under prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Backend names accepted by Config.Backend.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendMinio = "minio"
)

// Config selects and configures an ObjectStorage.
type Config struct {
	Backend string `yaml:"backend" json:"backend"`
	// Bucket is the S3 or MinIO bucket.
	Bucket string `yaml:"bucket" json:"bucket"`
	// LocalPath is the root directory of the local backend.
	LocalPath string `yaml:"local_path" json:"local_path"`

	Region       string `yaml:"region" json:"region"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style" json:"use_path_style"`

	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`

	// PartSize is the multipart threshold and part size for S3 uploads.
	PartSize int64 `yaml:"part_size" json:"part_size"`
	// Concurrency bounds parallel transfers when staging directories.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// DefaultConfig returns a local backend rooted at ./objects.
func DefaultConfig() Config {
	return Config{
		Backend:     BackendLocal,
		LocalPath:   "./objects",
		Region:      "us-east-1",
		PartSize:    DefaultMultipartConfig().PartSize,
		Concurrency: 8,
	}
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 64MB).
	PartSize int64
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize: 64 * 1024 * 1024,
	}
}

// New builds the ObjectStorage described by cfg.
func New(ctx context.Context, cfg Config) (ObjectStorage, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		return NewLocalStorage(cfg.LocalPath)
	case BackendS3:
		s3cfg := DefaultS3Config()
		if cfg.Region != "" {
			s3cfg.Region = cfg.Region
		}
		s3cfg.Endpoint = cfg.Endpoint
		s3cfg.UsePathStyle = cfg.UsePathStyle
		if cfg.PartSize > 0 {
			s3cfg.MultipartConfig.PartSize = cfg.PartSize
		}
		if cfg.Concurrency > 0 {
			s3cfg.Concurrency = cfg.Concurrency
		}
		return NewS3Storage(ctx, cfg.Bucket, s3cfg)
	case BackendMinio:
		return NewMinioStorage(MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
		})
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
