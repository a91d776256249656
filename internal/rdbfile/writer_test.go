package rdbfile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangescan/rangescan/internal/env"
	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/pkg/types"
)

func TestFileName(t *testing.T) {
	assert.Equal(t, "RDB-00000000.tbl", FileName(0))
	assert.Equal(t, "RDB-0000001f.tbl", FileName(31))
}

func TestParseFileName(t *testing.T) {
	rank, ok := ParseFileName("RDB-0000001f.tbl")
	assert.True(t, ok)
	assert.Equal(t, 31, rank)

	for _, bad := range []string{"RDB-1f.tbl", "RDB-0000001F.tbl", "RDB-0000001f.tbl.partial", "manifest.0.csv", ""} {
		_, ok := ParseFileName(bad)
		assert.False(t, ok, bad)
	}
}

func TestKeyCodec(t *testing.T) {
	buf := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	EncodeKey(buf, -2.5)
	assert.Equal(t, float32(-2.5), DecodeKey(buf))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf[4:])
}

func TestWriter_Layout(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(env.Default(), dir, 2, 8, 4)
	require.NoError(t, err)

	it, err := w.AddBlock([]float32{3, 1, 2}, make([]byte, 12), types.NewRange(1.5, 3), 7)
	require.NoError(t, err)
	assert.Equal(t, 0, it.Epoch)
	assert.Equal(t, 2, it.Rank)
	assert.Equal(t, uint64(0), it.Offset)
	assert.Equal(t, types.NewRange(1, 3), it.Observed)
	assert.Equal(t, uint32(1), it.ItemOOB)
	assert.Equal(t, uint32(7), it.UpdCount)

	w.BeginEpoch()
	it, err = w.AddBlock([]float32{5}, make([]byte, 4), types.EmptyRange(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, it.Epoch)
	assert.Equal(t, uint64(3*12), it.Offset)
	assert.Equal(t, it.Observed, it.Expected)
	assert.Equal(t, uint64(48), w.Offset())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(Path(dir, 2))
	require.NoError(t, err)
	assert.Equal(t, float32(3), DecodeKey(raw[0:8]))
	assert.Equal(t, float32(1), DecodeKey(raw[8:16]))

	footer, err := manifest.DecodeFooter(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), footer.NumEpochs)
	assert.Equal(t, uint64(8), footer.KeySize)
	assert.Equal(t, uint64(4), footer.ValueSize)
	assert.Equal(t, uint64(len(raw)), 48+footer.ManifestSize+manifest.FooterSize)

	blob := raw[48 : 48+footer.ManifestSize]
	var epochs []int
	_, err = manifest.DecodeManifest(2, blob, func(it manifest.Item) error {
		epochs = append(epochs, it.Epoch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, epochs)
}

func TestWriter_Rejects(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(env.Default(), dir, 0, 2, 4)
	assert.True(t, rserr.IsInvalidArgument(err))

	w, err := Create(env.Default(), dir, 0, 4, 4)
	require.NoError(t, err)
	_, err = w.AddBlock(nil, nil, types.EmptyRange(), 0)
	assert.True(t, rserr.IsInvalidArgument(err))
	_, err = w.AddBlock([]float32{1}, make([]byte, 3), types.EmptyRange(), 0)
	assert.True(t, rserr.IsInvalidArgument(err))
	require.NoError(t, w.Close())

	_, err = w.AddBlock([]float32{1}, make([]byte, 4), types.EmptyRange(), 0)
	assert.True(t, rserr.IsInvalidArgument(err))
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	spec := DefaultGenSpec()
	spec.ItemsPerBlock = 16
	res, err := Generate(env.Default(), dir, spec)
	require.NoError(t, err)

	assert.Equal(t, spec.Ranks*spec.Epochs*spec.BlocksPerEpoch, res.Blocks)
	for ep := 0; ep < spec.Epochs; ep++ {
		assert.Len(t, res.Keys[ep], spec.Ranks*spec.BlocksPerEpoch*spec.ItemsPerBlock)
	}
	for r := 0; r < spec.Ranks; r++ {
		assert.True(t, env.Default().FileExists(Path(dir, r)))
	}
	assert.False(t, env.Default().FileExists(Path(dir, spec.Ranks)))

	again, err := Generate(env.Default(), t.TempDir(), spec)
	require.NoError(t, err)
	assert.Equal(t, res.Keys, again.Keys)

	spec.KeyMax = spec.KeyMin
	_, err = Generate(env.Default(), t.TempDir(), spec)
	assert.True(t, rserr.IsInvalidArgument(err))
}

func TestValueFor(t *testing.T) {
	v := ValueFor(1, 6)
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f, 0x00, 0x00}, v)
}
