// Package stage copies RDB directories between object storage and the local
// filesystem so they can be queried, checked or compacted in place.
package stage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rangescan/rangescan/internal/rdbfile"
	"github.com/rangescan/rangescan/internal/storage"
)

// Stats describes one transfer.
type Stats struct {
	Files     int
	CacheHits int
	Bytes     int64
	Elapsed   time.Duration
}

// Stager moves RDB files through an ObjectStorage.
type Stager struct {
	store       storage.ObjectStorage
	concurrency int
	logger      logrus.FieldLogger
}

// New returns a Stager running at most concurrency transfers at once.
func New(store storage.ObjectStorage, concurrency int, logger logrus.FieldLogger) *Stager {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Stager{store: store, concurrency: concurrency, logger: logger}
}

// Pull downloads every RDB file under prefix into destDir. Files already in
// destDir are kept. Other objects under prefix are ignored.
func (s *Stager) Pull(ctx context.Context, prefix, destDir string) (*Stats, error) {
	start := time.Now()
	objects, err := s.store.ListObjects(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("stage: list %s: %w", prefix, err)
	}

	var paths []string
	var ranks []int
	for _, obj := range objects {
		if rank, ok := rdbfile.ParseFileName(path.Base(obj)); ok {
			paths = append(paths, obj)
			ranks = append(ranks, rank)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("stage: no RDB files under %q: %w", prefix, storage.ErrObjectNotFound)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("stage: create %s: %w", destDir, err)
	}

	dl := storage.NewBatchDownloader(s.store, s.concurrency, destDir)
	res, err := dl.Download(ctx, &storage.BatchRequest{ObjectPaths: paths, Priority: ranks})
	if err != nil {
		return nil, fmt.Errorf("stage: pull %s: %w", prefix, err)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("stage: pull %s: %w", prefix, err)
	}

	st := &Stats{
		Files:     res.Downloads + res.CacheHits,
		CacheHits: res.CacheHits,
		Bytes:     res.Bytes,
		Elapsed:   time.Since(start),
	}
	s.logger.WithFields(logrus.Fields{
		"action": "stage_pull",
		"prefix": prefix,
		"files":  st.Files,
		"cached": st.CacheHits,
	}).Infof("pulled %s into %s in %s", humanize.IBytes(uint64(st.Bytes)), destDir, st.Elapsed.Round(time.Millisecond))
	return st, nil
}

// Push uploads every RDB file of srcDir to prefix/<file name>.
func (s *Stager) Push(ctx context.Context, srcDir, prefix string) (*Stats, error) {
	start := time.Now()
	files, err := ListRDBFiles(srcDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("stage: no RDB files in %s", srcDir)
	}

	var bytes atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, name := range files {
		g.Go(func() error {
			local := filepath.Join(srcDir, name)
			st, err := os.Stat(local)
			if err != nil {
				return err
			}
			if err := s.store.Upload(gctx, local, path.Join(prefix, name)); err != nil {
				return fmt.Errorf("stage: push %s: %w", name, err)
			}
			bytes.Add(st.Size())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st := &Stats{Files: len(files), Bytes: bytes.Load(), Elapsed: time.Since(start)}
	s.logger.WithFields(logrus.Fields{
		"action": "stage_push",
		"prefix": prefix,
		"files":  st.Files,
	}).Infof("pushed %s from %s in %s", humanize.IBytes(uint64(st.Bytes)), srcDir, st.Elapsed.Round(time.Millisecond))
	return st, nil
}

// ListRDBFiles returns the RDB file names in dir, in rank order.
func ListRDBFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("stage: read %s: %w", dir, err)
	}
	type rankFile struct {
		rank int
		name string
	}
	var found []rankFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if rank, ok := rdbfile.ParseFileName(e.Name()); ok {
			found = append(found, rankFile{rank, e.Name()})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].rank < found[j].rank })

	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}
