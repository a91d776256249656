package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

// S3Config configures an S3Storage.
type S3Config struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
	// MultipartConfig.PartSize is both the multipart upload threshold and
	// the span of each ranged GET when fetching large rank files.
	MultipartConfig MultipartUploadConfig
	// Concurrency bounds the parts in flight for a single object.
	Concurrency int
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:          "us-east-1",
		MultipartConfig: DefaultMultipartConfig(),
		Concurrency:     4,
	}
}

// S3Storage implements ObjectStorage on AWS S3 or an S3-compatible endpoint.
// Objects larger than one part are moved in parallel parts.
type S3Storage struct {
	client      *s3.Client
	bucket      string
	partSize    int64
	concurrency int
	maxRetries  int
}

// NewS3Storage resolves AWS credentials from the default chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	if bucket == "" {
		return nil, errors.New("storage: s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Storage(client, bucket, cfg), nil
}

func newS3Storage(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	s := &S3Storage{
		client:      client,
		bucket:      bucket,
		partSize:    cfg.MultipartConfig.PartSize,
		concurrency: cfg.Concurrency,
		maxRetries:  3,
	}
	if s.partSize <= 0 {
		s.partSize = DefaultMultipartConfig().PartSize
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}
	return s
}

// span is one contiguous byte range of an object.
type span struct {
	index int
	off   int64
	n     int64
}

// splitSpans cuts size bytes into consecutive spans of at most partSize.
func splitSpans(size, partSize int64) []span {
	var spans []span
	for off := int64(0); off < size; off += partSize {
		n := partSize
		if off+n > size {
			n = size - off
		}
		spans = append(spans, span{index: len(spans), off: off, n: n})
	}
	return spans
}

// Upload writes the local file to objectPath.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	if st.Size() > s.partSize {
		err = s.putParts(ctx, f, st.Size(), objectPath)
	} else {
		err = s.putWhole(ctx, f, st.Size(), objectPath)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUploadFailed, objectPath, err)
	}
	return nil
}

func (s *S3Storage) putWhole(ctx context.Context, f *os.File, size int64, key string) error {
	return retryWithBackoff(ctx, s.maxRetries, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          io.NewSectionReader(f, 0, size),
			ContentLength: aws.Int64(size),
			ContentType:   aws.String("application/octet-stream"),
		})
		return err
	})
}

// putParts uploads spans concurrently and completes the upload in part order.
// Any failure aborts the upload so no orphaned parts are billed.
func (s *S3Storage) putParts(ctx context.Context, f *os.File, size int64, key string) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := created.UploadId

	spans := splitSpans(size, s.partSize)
	done := make([]types.CompletedPart, len(spans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, sp := range spans {
		g.Go(func() error {
			partNumber := aws.Int32(int32(sp.index + 1))
			return retryWithBackoff(gctx, s.maxRetries, func() error {
				out, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
					Bucket:        aws.String(s.bucket),
					Key:           aws.String(key),
					UploadId:      uploadID,
					PartNumber:    partNumber,
					Body:          io.NewSectionReader(f, sp.off, sp.n),
					ContentLength: aws.Int64(sp.n),
				})
				if err != nil {
					return fmt.Errorf("part %d: %w", sp.index+1, err)
				}
				done[sp.index] = types.CompletedPart{ETag: out.ETag, PartNumber: partNumber}
				return nil
			})
		})
	}

	err = g.Wait()
	if err == nil {
		_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			UploadId:        uploadID,
			MultipartUpload: &types.CompletedMultipartUpload{Parts: done},
		})
	}
	if err != nil {
		// The caller's context may already be cancelled.
		_, _ = s.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		return err
	}
	return nil
}

// Download fetches objectPath into localPath. Objects larger than one part
// are fetched with concurrent ranged GETs into a partial file that is
// renamed into place once every range has landed.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	size, err := s.size(ctx, objectPath)
	if err == nil {
		if size > s.partSize {
			err = s.getRanges(ctx, objectPath, localPath, size)
		} else {
			err = s.getWhole(ctx, objectPath, localPath)
		}
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrObjectNotFound):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", ErrDownloadFailed, objectPath, err)
	}
}

func (s *S3Storage) getWhole(ctx context.Context, key, localPath string) error {
	return retryWithBackoff(ctx, s.maxRetries, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return s3NotFound(key, err)
		}
		defer out.Body.Close()
		return writeAtomic(localPath, out.Body)
	})
}

func (s *S3Storage) getRanges(ctx context.Context, key, localPath string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	tmp := localPath + partialSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, sp := range splitSpans(size, s.partSize) {
		g.Go(func() error {
			rng := fmt.Sprintf("bytes=%d-%d", sp.off, sp.off+sp.n-1)
			return retryWithBackoff(gctx, s.maxRetries, func() error {
				out, err := s.client.GetObject(gctx, &s3.GetObjectInput{
					Bucket: aws.String(s.bucket),
					Key:    aws.String(key),
					Range:  aws.String(rng),
				})
				if err != nil {
					return s3NotFound(key, err)
				}
				defer out.Body.Close()
				n, err := io.Copy(io.NewOffsetWriter(f, sp.off), out.Body)
				if err == nil && n != sp.n {
					err = fmt.Errorf("range %s: got %d bytes", rng, n)
				}
				return err
			})
		})
	}

	err = g.Wait()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, localPath)
}

func (s *S3Storage) size(ctx context.Context, key string) (int64, error) {
	var size int64
	err := retryWithBackoff(ctx, s.maxRetries, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return s3NotFound(key, err)
		}
		size = aws.ToInt64(out.ContentLength)
		return nil
	})
	return size, err
}

// s3NotFound maps the SDK's missing-key errors onto ErrObjectNotFound.
func s3NotFound(key string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return err
}

// Delete removes objectPath. Deleting a missing key is not an error.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	return retryWithBackoff(ctx, s.maxRetries, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
}

// Exists reports whether objectPath is present.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := s.size(ctx, objectPath)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListObjects returns the sorted keys under prefix. Leftover partial
// transfers are skipped.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := retryWithBackoff(ctx, s.maxRetries, func() error {
		keys = keys[:0]
		pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				if key := aws.ToString(obj.Key); !strings.HasSuffix(key, partialSuffix) {
					keys = append(keys, key)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
