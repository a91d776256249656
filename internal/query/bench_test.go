package query

import (
	"context"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/rangescan/rangescan/internal/env"
	"github.com/rangescan/rangescan/internal/filecache"
	"github.com/rangescan/rangescan/internal/rdbfile"
	"github.com/rangescan/rangescan/pkg/types"
)

func benchDir(b *testing.B) string {
	b.Helper()
	spec := rdbfile.DefaultGenSpec()
	spec.BlocksPerEpoch = 32
	dir := b.TempDir()
	if _, err := rdbfile.Generate(env.Default(), dir, spec); err != nil {
		b.Fatal(err)
	}
	return dir
}

// BenchmarkManifestPruning measures overlap lookups against a loaded manifest.
func BenchmarkManifestPruning(b *testing.B) {
	dir := benchDir(b)
	logger, _ := logtest.NewNullLogger()
	r := NewRangeReader(env.Default(), DefaultOptions(), logger, nil, nil)
	defer r.Close()
	if err := r.ReadManifest(context.Background(), dir); err != nil {
		b.Fatal(err)
	}
	m := r.Manifest()
	q := types.NewQuery(0, 40, 45)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if m.OverlappingEntries(q).Size() == 0 {
			b.Fatal("no matches")
		}
	}
}

func BenchmarkQuery(b *testing.B) {
	dir := benchDir(b)
	for _, mode := range []filecache.Mode{filecache.ModeRandomAccess, filecache.ModeSequential} {
		b.Run(mode.String(), func(b *testing.B) {
			logger, _ := logtest.NewNullLogger()
			opts := DefaultOptions()
			opts.Mode = mode
			r := NewRangeReader(env.Default(), opts, logger, nil, nil)
			defer r.Close()
			if err := r.ReadManifest(context.Background(), dir); err != nil {
				b.Fatal(err)
			}
			q := types.NewQuery(1, 20, 30)

			b.ResetTimer()
			var keys int
			for i := 0; i < b.N; i++ {
				res, err := r.Query(context.Background(), q)
				if err != nil {
					b.Fatal(err)
				}
				keys += len(res.Keys)
			}
			b.ReportMetric(float64(keys)/b.Elapsed().Seconds(), "keys/sec")
		})
	}
}
