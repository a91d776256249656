package storage

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader fetches many objects into one local directory in parallel.
// Each object lands under its base name, so an RDB directory staged from a
// prefix keeps its RDB-%08x.tbl file names.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	destDir     string
}

// BatchRequest specifies which objects to download with optional priorities.
type BatchRequest struct {
	ObjectPaths []string
	// Priority orders the downloads; lower values start first.
	Priority []int
	// Overwrite downloads objects whose local file already exists.
	Overwrite bool
}

// BatchResult contains the outcome of a batch download operation.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
	Bytes      int64
}

// Err wraps the failure of the lexically first failed object, or returns nil.
func (r *BatchResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	first := slices.Min(slices.Collect(maps.Keys(r.Errors)))
	return fmt.Errorf("%d downloads failed, first %s: %w", len(r.Errors), first, r.Errors[first])
}

// NewBatchDownloader creates a downloader that writes into destDir with at
// most concurrency transfers in flight.
func NewBatchDownloader(storage ObjectStorage, concurrency int, destDir string) *BatchDownloader {
	return &BatchDownloader{storage: storage, concurrency: max(concurrency, 1), destDir: destDir}
}

// fetch is one planned transfer.
type fetch struct {
	object string
	local  string
	rank   int
}

// plan maps every requested object to its local file, ordered by priority.
// Two objects with the same base name would overwrite each other, so that
// is rejected.
func (b *BatchDownloader) plan(req *BatchRequest) ([]fetch, error) {
	if len(req.Priority) != 0 && len(req.Priority) != len(req.ObjectPaths) {
		return nil, fmt.Errorf("got %d priorities for %d objects", len(req.Priority), len(req.ObjectPaths))
	}
	owner := make(map[string]string, len(req.ObjectPaths))
	fetches := make([]fetch, 0, len(req.ObjectPaths))
	for i, obj := range req.ObjectPaths {
		f := fetch{object: obj, local: b.LocalPath(obj)}
		if len(req.Priority) != 0 {
			f.rank = req.Priority[i]
		}
		if other, taken := owner[f.local]; taken {
			return nil, fmt.Errorf("objects %q and %q both map to %s", other, obj, f.local)
		}
		owner[f.local] = obj
		fetches = append(fetches, f)
	}
	sort.SliceStable(fetches, func(i, j int) bool { return fetches[i].rank < fetches[j].rank })
	return fetches, nil
}

// collector accumulates a BatchResult from concurrent transfers.
type collector struct {
	mu  sync.Mutex
	res *BatchResult
}

func (c *collector) failed(object string, err error) {
	c.mu.Lock()
	c.res.Errors[object] = err
	c.mu.Unlock()
}

func (c *collector) cached(f fetch) {
	c.mu.Lock()
	c.res.LocalPaths[f.object] = f.local
	c.res.CacheHits++
	c.mu.Unlock()
}

func (c *collector) fetched(f fetch, size int64) {
	c.mu.Lock()
	c.res.LocalPaths[f.object] = f.local
	c.res.Downloads++
	c.res.Bytes += size
	c.mu.Unlock()
}

// Download fetches every requested object. Per-object failures are reported
// in the result; the returned error covers invalid requests only. Objects
// already present locally count as cache hits unless Overwrite is set.
func (b *BatchDownloader) Download(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	fetches, err := b.plan(req)
	if err != nil {
		return nil, err
	}
	c := &collector{res: &BatchResult{
		LocalPaths: make(map[string]string, len(fetches)),
		Errors:     make(map[string]error),
	}}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	for _, f := range fetches {
		if !req.Overwrite {
			if _, err := os.Stat(f.local); err == nil {
				c.cached(f)
				continue
			}
		}
		// Acquire in priority order so low ranks start first.
		if err := sem.Acquire(ctx, 1); err != nil {
			c.failed(f.object, fmt.Errorf("not started: %w", err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if err := b.storage.Download(ctx, f.object, f.local); err != nil {
				c.failed(f.object, err)
				return
			}
			st, err := os.Stat(f.local)
			if err != nil {
				c.failed(f.object, err)
				return
			}
			c.fetched(f, st.Size())
		}()
	}
	wg.Wait()
	return c.res, nil
}

// LocalPath returns where objectPath is written.
func (b *BatchDownloader) LocalPath(objectPath string) string {
	return filepath.Join(b.destDir, path.Base(objectPath))
}
