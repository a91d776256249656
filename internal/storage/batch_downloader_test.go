package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// uploadRanks puts n fake rank files under prefix and returns their paths.
func uploadRanks(t *testing.T, storage ObjectStorage, prefix string, n int, content []byte) []string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	var paths []string
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("%s/RDB-%08x.tbl", prefix, i)
		if err := storage.Upload(context.Background(), src, p); err != nil {
			t.Fatalf("Upload failed for %s: %v", p, err)
		}
		paths = append(paths, p)
	}
	return paths
}

func TestBatchDownloader_BasicDownload(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	content := []byte("test content")
	paths := uploadRanks(t, storage, "dir", 10, content)

	destDir := t.TempDir()
	downloader := NewBatchDownloader(storage, 3, destDir)
	result, err := downloader.Download(context.Background(), &BatchRequest{ObjectPaths: paths})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	if len(result.LocalPaths) != len(paths) {
		t.Errorf("expected %d local paths, got %d", len(paths), len(result.LocalPaths))
	}
	if err := result.Err(); err != nil {
		t.Errorf("expected no errors, got %v", err)
	}
	if result.Downloads != len(paths) {
		t.Errorf("expected %d downloads, got %d", len(paths), result.Downloads)
	}
	if result.Bytes != int64(len(paths)*len(content)) {
		t.Errorf("expected %d bytes, got %d", len(paths)*len(content), result.Bytes)
	}

	for p, localPath := range result.LocalPaths {
		if filepath.Dir(localPath) != destDir {
			t.Errorf("%s written to %s, outside %s", p, localPath, destDir)
		}
		if filepath.Base(localPath) != filepath.Base(p) {
			t.Errorf("%s written as %s", p, filepath.Base(localPath))
		}
		downloaded, err := os.ReadFile(localPath)
		if err != nil {
			t.Errorf("failed to read downloaded file %s: %v", p, err)
			continue
		}
		if string(downloaded) != string(content) {
			t.Errorf("content mismatch for %s", p)
		}
	}
}

func TestBatchDownloader_CacheHit(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	paths := uploadRanks(t, storage, "dir", 1, []byte("cache hit test"))
	downloader := NewBatchDownloader(storage, 3, t.TempDir())
	ctx := context.Background()

	req := &BatchRequest{ObjectPaths: paths}
	result, err := downloader.Download(ctx, req)
	if err != nil {
		t.Fatalf("First download failed: %v", err)
	}
	if result.CacheHits != 0 || result.Downloads != 1 {
		t.Errorf("first download: hits=%d downloads=%d", result.CacheHits, result.Downloads)
	}

	result, err = downloader.Download(ctx, req)
	if err != nil {
		t.Fatalf("Second download failed: %v", err)
	}
	if result.CacheHits != 1 || result.Downloads != 0 {
		t.Errorf("second download: hits=%d downloads=%d", result.CacheHits, result.Downloads)
	}

	req.Overwrite = true
	result, err = downloader.Download(ctx, req)
	if err != nil {
		t.Fatalf("Overwrite download failed: %v", err)
	}
	if result.CacheHits != 0 || result.Downloads != 1 {
		t.Errorf("overwrite download: hits=%d downloads=%d", result.CacheHits, result.Downloads)
	}
}

func TestBatchDownloader_PartialFailure(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	paths := uploadRanks(t, storage, "dir", 3, []byte("partial failure test"))
	missing := []string{"dir/RDB-00000003.tbl", "dir/RDB-00000004.tbl"}

	downloader := NewBatchDownloader(storage, 3, t.TempDir())
	result, err := downloader.Download(context.Background(), &BatchRequest{
		ObjectPaths: append(paths, missing...),
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	if len(result.LocalPaths) != 3 {
		t.Errorf("expected 3 successful downloads, got %d", len(result.LocalPaths))
	}
	if len(result.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d", len(result.Errors))
	}
	for _, p := range missing {
		if !errors.Is(result.Errors[p], ErrObjectNotFound) {
			t.Errorf("expected ErrObjectNotFound for %s, got %v", p, result.Errors[p])
		}
	}
	if !errors.Is(result.Err(), ErrObjectNotFound) {
		t.Errorf("expected Err to wrap ErrObjectNotFound, got %v", result.Err())
	}
}

func TestBatchDownloader_PriorityOrdering(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	paths := uploadRanks(t, storage, "dir", 4, []byte("priority test"))

	downloader := NewBatchDownloader(storage, 1, t.TempDir())
	result, err := downloader.Download(context.Background(), &BatchRequest{
		ObjectPaths: paths,
		Priority:    []int{1, 0, 1, 0},
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(result.LocalPaths) != 4 {
		t.Errorf("expected 4 local paths, got %d", len(result.LocalPaths))
	}
}

func TestBatchDownloader_InvalidRequests(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	downloader := NewBatchDownloader(storage, 3, t.TempDir())
	ctx := context.Background()

	result, err := downloader.Download(ctx, &BatchRequest{})
	if err != nil {
		t.Fatalf("empty request failed: %v", err)
	}
	if len(result.LocalPaths) != 0 || len(result.Errors) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}

	result, err = downloader.Download(ctx, &BatchRequest{
		ObjectPaths: []string{"a", "b"},
		Priority:    []int{0},
	})
	if err == nil || result != nil {
		t.Errorf("expected error for priority mismatch, got %v, %v", result, err)
	}

	result, err = downloader.Download(ctx, &BatchRequest{
		ObjectPaths: []string{"x/RDB-00000000.tbl", "y/RDB-00000000.tbl"},
	})
	if err == nil || result != nil {
		t.Errorf("expected error for colliding names, got %v, %v", result, err)
	}
}
