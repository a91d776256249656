package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures a MinioStorage.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// MinioStorage implements ObjectStorage for MinIO and S3-compatible stores.
type MinioStorage struct {
	client     *minio.Client
	bucket     string
	maxRetries int
}

// NewMinioStorage connects to cfg.Endpoint with static credentials.
func NewMinioStorage(cfg MinioConfig) (*MinioStorage, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("storage: minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return NewMinioStorageWithClient(client, cfg.Bucket), nil
}

// NewMinioStorageWithClient wraps an existing client.
func NewMinioStorageWithClient(client *minio.Client, bucket string) *MinioStorage {
	return &MinioStorage{client: client, bucket: bucket, maxRetries: 3}
}

// EnsureBucket creates the bucket when it does not exist.
func (s *MinioStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

// Upload streams localPath to objectPath.
func (s *MinioStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	err := retryWithBackoff(ctx, s.maxRetries, func() error {
		_, err := s.client.FPutObject(ctx, s.bucket, objectPath, localPath, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return nil
}

// Download writes objectPath to localPath.
func (s *MinioStorage) Download(ctx context.Context, objectPath, localPath string) error {
	err := retryWithBackoff(ctx, s.maxRetries, func() error {
		obj, err := s.client.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
		if err != nil {
			return mapMinioNotFound(err)
		}
		defer obj.Close()
		// GetObject is lazy; a missing key surfaces on the first read.
		if _, err := obj.Stat(); err != nil {
			return mapMinioNotFound(err)
		}
		return writeAtomic(localPath, obj)
	})
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// Delete removes objectPath.
func (s *MinioStorage) Delete(ctx context.Context, objectPath string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectPath, minio.RemoveObjectOptions{})
	if err != nil && !errors.Is(mapMinioNotFound(err), ErrObjectNotFound) {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// Exists stats objectPath.
func (s *MinioStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectPath, minio.StatObjectOptions{})
	if err != nil {
		if errors.Is(mapMinioNotFound(err), ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListObjects lists every key under prefix, recursively.
func (s *MinioStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		names = append(names, obj.Key)
	}
	sort.Strings(names)
	return names, nil
}

func mapMinioNotFound(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return ErrObjectNotFound
	}
	return err
}
