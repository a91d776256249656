package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/minio/minio-go/v7"
)

func TestMapMinioNotFound(t *testing.T) {
	for _, code := range []string{"NoSuchKey", "NotFound"} {
		err := mapMinioNotFound(minio.ErrorResponse{Code: code})
		if !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("%s: expected ErrObjectNotFound, got %v", code, err)
		}
	}
	other := minio.ErrorResponse{Code: "AccessDenied"}
	if err := mapMinioNotFound(other); errors.Is(err, ErrObjectNotFound) {
		t.Errorf("AccessDenied mapped to not found")
	}
}

func TestNewMinioStorage(t *testing.T) {
	s, err := NewMinioStorage(MinioConfig{Endpoint: "localhost:9000", Bucket: "rdb", AccessKey: "k", SecretKey: "s"})
	if err != nil {
		t.Fatalf("NewMinioStorage failed: %v", err)
	}
	if s.bucket != "rdb" || s.maxRetries != 3 {
		t.Errorf("unexpected storage %+v", s)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := retryWithBackoff(ctx, 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("expected success on second call, got %v after %d calls", err, calls)
	}

	calls = 0
	err = retryWithBackoff(ctx, 3, func() error {
		calls++
		return fmt.Errorf("get: %w", ErrObjectNotFound)
	})
	if !errors.Is(err, ErrObjectNotFound) || calls != 1 {
		t.Errorf("expected one call ending in not found, got %v after %d calls", err, calls)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	calls = 0
	err = retryWithBackoff(cancelled, 3, func() error { calls++; return nil })
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Errorf("expected context.Canceled before any call, got %v after %d calls", err, calls)
	}
}

func TestSplitSpans(t *testing.T) {
	spans := splitSpans(10, 4)
	want := []span{{0, 0, 4}, {1, 4, 4}, {2, 8, 2}}
	if len(spans) != len(want) {
		t.Fatalf("expected %d spans, got %d", len(want), len(spans))
	}
	for i := range want {
		if spans[i] != want[i] {
			t.Errorf("span %d: expected %+v, got %+v", i, want[i], spans[i])
		}
	}
	if got := splitSpans(0, 4); len(got) != 0 {
		t.Errorf("empty object produced %d spans", len(got))
	}
	if got := splitSpans(8, 4); len(got) != 2 || got[1].n != 4 {
		t.Errorf("exact multiple split wrong: %+v", got)
	}
}

func TestNewS3Storage_Defaults(t *testing.T) {
	s := newS3Storage(nil, "rdb", S3Config{})
	if s.partSize != DefaultMultipartConfig().PartSize {
		t.Errorf("expected default part size, got %d", s.partSize)
	}
	if s.concurrency != 1 || s.maxRetries != 3 {
		t.Errorf("unexpected storage %+v", s)
	}

	if _, err := NewS3Storage(context.Background(), "", DefaultS3Config()); err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestS3NotFound(t *testing.T) {
	for _, err := range []error{&types.NoSuchKey{}, &types.NotFound{}} {
		if !errors.Is(s3NotFound("k", err), ErrObjectNotFound) {
			t.Errorf("%T not mapped to ErrObjectNotFound", err)
		}
	}
	other := errors.New("throttled")
	if got := s3NotFound("k", other); got != other {
		t.Errorf("unrelated error rewritten: %v", got)
	}
}
