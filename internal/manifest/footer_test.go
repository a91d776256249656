package manifest

import (
	"encoding/binary"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/pkg/types"
)

func decodeAll(t *testing.T, rank int, blob []byte) ([]Item, int) {
	t.Helper()
	var items []Item
	n, err := DecodeManifest(rank, blob, func(it Item) error {
		items = append(items, it)
		return nil
	})
	require.NoError(t, err)
	return items, n
}

func TestFooter_RoundTrip(t *testing.T) {
	f := Footer{NumEpochs: 3, ManifestSize: 1 << 33, KeySize: 4, ValueSize: 60}
	buf := AppendFooter([]byte("prefix"), f)
	require.Len(t, buf, 6+FooterSize)

	got, err := DecodeFooter(buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFooter_RejectsShortKeySize(t *testing.T) {
	for _, ks := range []uint64{0, 2, 3} {
		buf := AppendFooter(nil, Footer{NumEpochs: 1, KeySize: ks, ValueSize: 8})
		_, err := DecodeFooter(buf)
		require.Error(t, err, "key size %d", ks)
		assert.True(t, rserr.IsCorruption(err), "key size %d: %v", ks, err)
	}
}

func TestFooter_TooShort(t *testing.T) {
	_, err := DecodeFooter(make([]byte, FooterSize-1))
	require.Error(t, err)
	assert.True(t, rserr.IsCorruption(err))
}

func TestManifestCodec_RoundTrip(t *testing.T) {
	epochs := [][]Item{
		{
			{Offset: 0, Observed: types.NewRange(0, 5), Expected: types.NewRange(0, 4), ItemCount: 10, ItemOOB: 2, UpdCount: 1},
			{Offset: 640, Observed: types.NewRange(5, 9), Expected: types.NewRange(5, 9), ItemCount: 8},
		},
		{},
		{
			{Offset: 1152, Observed: types.NewRange(-1, 1), Expected: types.NewRange(-1, 1), ItemCount: 3, UpdCount: 4},
		},
	}

	blob := EncodeManifest(epochs)
	assert.Len(t, blob, 3*sectionHeaderSize+3*ItemRecordSize)

	items, n := decodeAll(t, 7, blob)
	assert.Equal(t, 3, n)
	require.Len(t, items, 3)

	want := []Item{epochs[0][0], epochs[0][1], epochs[2][0]}
	wantEpochs := []int{0, 0, 2}
	for i := range want {
		want[i].Epoch = wantEpochs[i]
		want[i].Rank = 7
		assert.Equal(t, want[i], items[i])
	}
}

func TestManifestCodec_SequenceMismatch(t *testing.T) {
	blob := EncodeManifest([][]Item{{{ItemCount: 1}, {ItemCount: 1}}})
	// Overwrite the second record's sequence index.
	binary.LittleEndian.PutUint64(blob[sectionHeaderSize+ItemRecordSize:], 5)

	_, err := DecodeManifest(0, blob, func(Item) error { return nil })
	require.Error(t, err)
	assert.True(t, rserr.IsCorruption(err))
}

func TestManifestCodec_BadSectionLength(t *testing.T) {
	blob := EncodeManifest([][]Item{{{ItemCount: 1}}})
	binary.LittleEndian.PutUint64(blob[4:12], 40)

	_, err := DecodeManifest(0, blob, func(Item) error { return nil })
	require.Error(t, err)
	assert.True(t, rserr.IsCorruption(err))
}

func TestManifestCodec_Truncated(t *testing.T) {
	blob := EncodeManifest([][]Item{{{ItemCount: 1}, {ItemCount: 2}}})

	_, err := DecodeManifest(0, blob[:len(blob)-10], func(Item) error { return nil })
	require.Error(t, err)
	assert.True(t, rserr.IsCorruption(err))

	_, err = DecodeManifest(0, blob[:5], func(Item) error { return nil })
	require.Error(t, err)
	assert.True(t, rserr.IsCorruption(err))
}

// TestProperty_ManifestCodecRoundTrip encodes random per-epoch item lists and
// checks that decoding yields the same items with epoch and rank restored.
func TestProperty_ManifestCodecRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genItem := gopter.CombineGens(
		gen.UInt64(),
		gen.Float32Range(-1e4, 1e4),
		gen.Float32Range(0, 1e3),
		gen.UInt32(),
		gen.UInt32(),
		gen.UInt32(),
	).Map(func(v []interface{}) Item {
		min := v[1].(float32)
		max := min + v[2].(float32)
		return Item{
			Offset:    v[0].(uint64),
			Observed:  types.NewRange(min, max),
			Expected:  types.NewRange(min, max),
			ItemCount: v[3].(uint32),
			ItemOOB:   v[4].(uint32),
			UpdCount:  v[5].(uint32),
		}
	})

	properties.Property("decode(encode(epochs)) == epochs", prop.ForAll(
		func(epochs [][]Item, rank int) bool {
			blob := EncodeManifest(epochs)

			var got []Item
			n, err := DecodeManifest(rank, blob, func(it Item) error {
				got = append(got, it)
				return nil
			})
			if err != nil || n != len(epochs) {
				return false
			}

			i := 0
			for e, items := range epochs {
				for _, want := range items {
					want.Epoch = e
					want.Rank = rank
					if i >= len(got) || got[i] != want {
						return false
					}
					i++
				}
			}
			return i == len(got)
		},
		gen.SliceOfN(4, gen.SliceOf(genItem)),
		gen.IntRange(0, 1024),
	))

	properties.TestingRun(t)
}
