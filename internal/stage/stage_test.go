package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangescan/rangescan/internal/env"
	"github.com/rangescan/rangescan/internal/filecache"
	"github.com/rangescan/rangescan/internal/rdbfile"
	"github.com/rangescan/rangescan/internal/storage"
)

func TestListRDBFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"RDB-0000000a.tbl", "RDB-00000002.tbl", "notes.txt", "RDB-00000002.tbl.partial"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "RDB-00000003.tbl"), 0755))

	names, err := ListRDBFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"RDB-00000002.tbl", "RDB-0000000a.tbl"}, names)
}

func TestPushPull_RoundTrip(t *testing.T) {
	src := t.TempDir()
	spec := rdbfile.DefaultGenSpec()
	spec.ItemsPerBlock = 8
	_, err := rdbfile.Generate(env.Default(), src, spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "manifest.0.csv"), []byte("x"), 0644))

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	logger, hook := logtest.NewNullLogger()
	s := New(store, 2, logger)
	ctx := context.Background()

	pushed, err := s.Push(ctx, src, "runs/demo")
	require.NoError(t, err)
	assert.Equal(t, spec.Ranks, pushed.Files)
	assert.Positive(t, pushed.Bytes)

	objects, err := store.ListObjects(ctx, "runs/demo")
	require.NoError(t, err)
	assert.Len(t, objects, spec.Ranks)

	dest := filepath.Join(t.TempDir(), "staged")
	pulled, err := s.Pull(ctx, "runs/demo", dest)
	require.NoError(t, err)
	assert.Equal(t, spec.Ranks, pulled.Files)
	assert.Zero(t, pulled.CacheHits)
	assert.Equal(t, pushed.Bytes, pulled.Bytes)

	// The staged copy is a readable directory.
	files := filecache.New(env.Default(), filecache.ModeRandomAccess, logger, nil)
	defer files.Close()
	m, err := filecache.OpenDirectory(files, dest)
	require.NoError(t, err)
	assert.Equal(t, spec.Ranks, m.NumRanks())

	again, err := s.Pull(ctx, "runs/demo", dest)
	require.NoError(t, err)
	assert.Equal(t, spec.Ranks, again.CacheHits)

	var actions []interface{}
	for _, e := range hook.AllEntries() {
		actions = append(actions, e.Data["action"])
	}
	assert.Contains(t, actions, "stage_push")
	assert.Contains(t, actions, "stage_pull")
}

func TestPull_EmptyPrefix(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	logger, _ := logtest.NewNullLogger()

	_, err = New(store, 1, logger).Pull(context.Background(), "nothing", t.TempDir())
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestPush_EmptyDirectory(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	logger, _ := logtest.NewNullLogger()

	_, err = New(store, 1, logger).Push(context.Background(), t.TempDir(), "x")
	assert.Error(t, err)
}
