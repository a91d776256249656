package query

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangescan/rangescan/internal/env"
	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/internal/filecache"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/internal/metrics"
	"github.com/rangescan/rangescan/internal/observability"
	"github.com/rangescan/rangescan/internal/rdbfile"
	"github.com/rangescan/rangescan/pkg/types"
)

func testSpec() rdbfile.GenSpec {
	return rdbfile.GenSpec{
		Ranks:          3,
		Epochs:         2,
		BlocksPerEpoch: 6,
		ItemsPerBlock:  50,
		KeySize:        4,
		ValueSize:      12,
		KeyMin:         0,
		KeyMax:         60,
		Overlap:        0.25,
		Seed:           42,
	}
}

func generate(t *testing.T, spec rdbfile.GenSpec) (string, *rdbfile.GenResult) {
	t.Helper()
	dir := t.TempDir()
	res, err := rdbfile.Generate(env.Default(), dir, spec)
	require.NoError(t, err)
	return dir, res
}

func openReader(t *testing.T, dir string, opts Options) *RangeReader {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	r := NewRangeReader(env.Default(), opts, logger, nil, nil)
	t.Cleanup(func() { r.Close() })
	require.NoError(t, r.ReadManifest(context.Background(), dir))
	return r
}

func keysIn(keys []float32, a, b float32, inclusive bool) []float32 {
	var out []float32
	for _, k := range keys {
		if k >= a && (k < b || (inclusive && k == b)) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func resultKeysIn(res *Result, a, b float32) []float32 {
	var out []float32
	for _, kp := range res.Keys {
		if kp.Key >= a && kp.Key <= b {
			out = append(out, kp.Key)
		}
	}
	return out
}

func sortedPairs(kps []KeyPair) []KeyPair {
	out := append([]KeyPair(nil), kps...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Offset < out[j].Offset
	})
	return out
}

func TestRangeReader_StateMachine(t *testing.T) {
	dir, _ := generate(t, testSpec())
	logger, _ := logtest.NewNullLogger()
	r := NewRangeReader(env.Default(), DefaultOptions(), logger, nil, nil)
	defer r.Close()

	_, err := r.Query(context.Background(), types.NewQuery(0, 1, 2))
	assert.True(t, rserr.IsInvalidArgument(err))
	_, err = r.QueryNaive(context.Background(), 0, 1, 2)
	assert.True(t, rserr.IsInvalidArgument(err))

	require.NoError(t, r.ReadManifest(context.Background(), dir))
	err = r.ReadManifest(context.Background(), dir)
	assert.True(t, rserr.IsInvalidArgument(err))
}

func TestRangeReader_ManifestLoaded(t *testing.T) {
	spec := testSpec()
	dir, res := generate(t, spec)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	logger, _ := logtest.NewNullLogger()
	r := NewRangeReader(env.Default(), DefaultOptions(), logger, m, nil)
	defer r.Close()
	require.NoError(t, r.ReadManifest(context.Background(), dir))

	man := r.Manifest()
	assert.Equal(t, res.Blocks, man.Size())
	assert.Equal(t, spec.Epochs, man.NumEpochs())
	assert.Equal(t, spec.Ranks, man.NumRanks())
	ks, vs := man.KVSizes()
	assert.Equal(t, spec.KeySize, ks)
	assert.Equal(t, spec.ValueSize, vs)
	assert.Equal(t, float64(res.Blocks), testutil.ToFloat64(m.ManifestItems))
	assert.Equal(t, float64(spec.Ranks), testutil.ToFloat64(m.ManifestRanks))
	assert.Len(t, r.Perf().Events(), 1)
}

func TestRangeReader_QueryMatchesBruteForce(t *testing.T) {
	spec := testSpec()
	dir, gen := generate(t, spec)
	r := openReader(t, dir, DefaultOptions())

	for _, tc := range []struct {
		epoch int
		a, b  float32
	}{
		{0, 3, 6},
		{0, 0, 60},
		{1, 17.5, 18.5},
		{1, 59, 80},
		{0, -10, -5},
	} {
		q := types.NewQuery(tc.epoch, tc.a, tc.b)
		res, err := r.Query(context.Background(), q)
		require.NoError(t, err, q.String())

		assert.True(t, sort.SliceIsSorted(res.Keys, func(i, j int) bool { return res.Keys[i].Key < res.Keys[j].Key }))
		assert.Equal(t, int(res.MatchedMass), len(res.Keys))
		assert.Equal(t, keysIn(gen.Keys[tc.epoch], tc.a, tc.b, true), resultKeysIn(res, tc.a, tc.b), q.String())

		assert.GreaterOrEqual(t, res.SSTSelectivity, 0.0)
		assert.LessOrEqual(t, res.SSTSelectivity, 1.0)
		assert.LessOrEqual(t, res.KeySelectivity, res.SSTSelectivity)
	}
}

func TestRangeReader_FullRangeSelectivity(t *testing.T) {
	dir, gen := generate(t, testSpec())
	r := openReader(t, dir, DefaultOptions())

	er := r.Manifest().EpochRange(0)
	res, err := r.Query(context.Background(), types.Query{Epoch: 0, Range: er, Rank: types.AllRanks})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.SSTSelectivity)
	assert.Equal(t, 1.0, res.KeySelectivity)
	assert.Len(t, res.Keys, len(gen.Keys[0]))
}

func TestRangeReader_UnknownEpochIsEmpty(t *testing.T) {
	dir, _ := generate(t, testSpec())
	r := openReader(t, dir, DefaultOptions())

	res, err := r.Query(context.Background(), types.NewQuery(9, 0, 100))
	require.NoError(t, err)
	assert.Empty(t, res.Keys)
	assert.Equal(t, 0, res.MatchedBlocks)
	assert.Equal(t, 0.0, res.SSTSelectivity)
	assert.Equal(t, 0.0, res.KeySelectivity)
}

func TestRangeReader_ParallelismIsDeterministic(t *testing.T) {
	dir, _ := generate(t, testSpec())

	single := DefaultOptions()
	single.Parallelism = 1
	many := DefaultOptions()
	many.Parallelism = 8

	r1 := openReader(t, dir, single)
	rn := openReader(t, dir, many)

	q := types.NewQuery(1, 10, 35)
	a, err := r1.Query(context.Background(), q)
	require.NoError(t, err)
	b, err := rn.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, sortedPairs(a.Keys), sortedPairs(b.Keys))

	rw, err := rn.QueryRankwise(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, sortedPairs(a.Keys), sortedPairs(rw.Keys))
	assert.Equal(t, a.MatchedBlocks, rw.MatchedBlocks)
}

func TestRangeReader_SequentialMode(t *testing.T) {
	dir, gen := generate(t, testSpec())
	opts := DefaultOptions()
	opts.Mode = filecache.ModeSequential
	opts.Parallelism = 4

	logger, hook := logtest.NewNullLogger()
	r := NewRangeReader(env.Default(), opts, logger, nil, nil)
	defer r.Close()
	require.NoError(t, r.ReadManifest(context.Background(), dir))

	for i := 0; i < 2; i++ {
		res, err := r.Query(context.Background(), types.NewQuery(0, 20, 30))
		require.NoError(t, err)
		assert.Equal(t, keysIn(gen.Keys[0], 20, 30, true), resultKeysIn(res, 20, 30))
	}

	warnings := 0
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "not safe for intra-rank parallelism") {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)

	rw, err := r.QueryRankwise(context.Background(), types.NewQuery(0, 20, 30))
	require.NoError(t, err)
	assert.Equal(t, keysIn(gen.Keys[0], 20, 30, true), resultKeysIn(rw, 20, 30))
}

func TestRangeReader_ValueOffsets(t *testing.T) {
	spec := testSpec()
	spec.Ranks = 1
	dir, _ := generate(t, spec)
	r := openReader(t, dir, DefaultOptions())

	raw, err := os.ReadFile(rdbfile.Path(dir, 0))
	require.NoError(t, err)

	res, err := r.Query(context.Background(), types.NewQuery(0, 12, 14))
	require.NoError(t, err)
	require.NotEmpty(t, res.Keys)
	for _, kp := range res.Keys {
		got := raw[kp.Offset : kp.Offset+spec.ValueSize]
		assert.Equal(t, rdbfile.ValueFor(kp.Key, spec.ValueSize), got)
	}
}

func TestRangeReader_QueryNaive(t *testing.T) {
	dir, gen := generate(t, testSpec())
	r := openReader(t, dir, DefaultOptions())

	res, err := r.QueryNaive(context.Background(), 1, 5, 25)
	require.NoError(t, err)

	got := make([]float32, len(res.Keys))
	for i, kp := range res.Keys {
		got[i] = kp.Key
	}
	assert.Equal(t, keysIn(gen.Keys[1], 5, 25, false), got)
	assert.Equal(t, 1.0, res.SSTSelectivity)
}

func TestRangeReader_CorruptFooter(t *testing.T) {
	dir, _ := generate(t, testSpec())
	path := rdbfile.Path(dir, 1)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Declare a manifest larger than the file.
	raw[len(raw)-24] = 0xff
	raw[len(raw)-17] = 0x7f
	require.NoError(t, os.WriteFile(path, raw, 0644))

	logger, _ := logtest.NewNullLogger()
	r := NewRangeReader(env.Default(), DefaultOptions(), logger, nil, nil)
	defer r.Close()
	err = r.ReadManifest(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, rserr.IsCorruption(err), "got %v", err)

	_, err = r.Query(context.Background(), types.NewQuery(0, 0, 1))
	assert.True(t, rserr.IsInvalidArgument(err))
}

func TestRangeReader_RetryAfterFailedManifestRead(t *testing.T) {
	dir, res := generate(t, testSpec())
	path := rdbfile.Path(dir, 2)
	good, err := os.ReadFile(path)
	require.NoError(t, err)
	bad := append([]byte(nil), good...)
	bad[len(bad)-24] = 0xff
	bad[len(bad)-17] = 0x7f
	require.NoError(t, os.WriteFile(path, bad, 0644))

	logger, _ := logtest.NewNullLogger()
	r := NewRangeReader(env.Default(), DefaultOptions(), logger, nil, nil)
	defer r.Close()
	require.Error(t, r.ReadManifest(context.Background(), dir))
	assert.Zero(t, r.Manifest().Size())

	require.NoError(t, os.WriteFile(path, good, 0644))
	require.NoError(t, r.ReadManifest(context.Background(), dir))
	assert.Equal(t, res.Blocks, r.Manifest().Size())

	out, err := r.Query(context.Background(), types.NewQuery(0, 0, 60))
	require.NoError(t, err)
	seen := make(map[KeyPair]bool, len(out.Keys))
	for _, kp := range out.Keys {
		assert.False(t, seen[kp], "duplicate %+v", kp)
		seen[kp] = true
	}
}

func TestRangeReader_ShortKeySizeIsCorruption(t *testing.T) {
	spec := testSpec()
	dir, _ := generate(t, spec)
	for rank := 0; rank < spec.Ranks; rank++ {
		path := rdbfile.Path(dir, rank)
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		// key_size is the u64 at footer offset 12.
		raw[len(raw)-manifest.FooterSize+12] = 2
		require.NoError(t, os.WriteFile(path, raw, 0644))
	}

	logger, _ := logtest.NewNullLogger()
	r := NewRangeReader(env.Default(), DefaultOptions(), logger, nil, nil)
	defer r.Close()
	err := r.ReadManifest(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, rserr.IsCorruption(err), "got %v", err)
}

func TestRangeReader_CancelledContext(t *testing.T) {
	dir, _ := generate(t, testSpec())
	r := openReader(t, dir, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Query(ctx, types.NewQuery(0, 0, 60))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRangeReader_OutputsAndQueryLog(t *testing.T) {
	dir, _ := generate(t, testSpec())
	out := t.TempDir()

	var logBuf bytes.Buffer
	ql := observability.NewQueryLog(&logBuf)
	opts := DefaultOptions()
	opts.ManifestOutputDir = filepath.Join(out, "manifest")
	opts.AnalyticsDir = filepath.Join(out, "analytics")

	logger, _ := logtest.NewNullLogger()
	r := NewRangeReader(env.Default(), opts, logger, nil, ql)
	defer r.Close()
	require.NoError(t, r.ReadManifest(context.Background(), dir))

	assert.FileExists(t, filepath.Join(out, "manifest", "manifest.0.csv"))
	assert.FileExists(t, filepath.Join(out, "manifest", "manifest.2.csv"))
	assert.FileExists(t, filepath.Join(out, "analytics", "overlap.0.csv"))

	_, err := r.Query(context.Background(), types.NewQuery(0, 3, 6))
	require.NoError(t, err)
	require.Len(t, ql.History(), 1)
	assert.Equal(t, dir, ql.History()[0].Dir)
	assert.Contains(t, logBuf.String(), observability.QueryLogHeader)
}

func TestRangeReader_LoadSnapshot(t *testing.T) {
	dir, _ := generate(t, testSpec())
	r := openReader(t, dir, DefaultOptions())

	var snap bytes.Buffer
	require.NoError(t, manifest.WriteSnapshot(&snap, r.Manifest()))

	logger, _ := logtest.NewNullLogger()
	fast := NewRangeReader(env.Default(), DefaultOptions(), logger, nil, nil)
	defer fast.Close()
	require.NoError(t, fast.LoadSnapshot(dir, &snap))
	assert.Equal(t, r.Manifest().Size(), fast.Manifest().Size())

	q := types.NewQuery(0, 30, 33)
	a, err := r.Query(context.Background(), q)
	require.NoError(t, err)
	b, err := fast.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, sortedPairs(a.Keys), sortedPairs(b.Keys))

	err = fast.LoadSnapshot(dir, &snap)
	assert.True(t, rserr.IsInvalidArgument(err))
}
