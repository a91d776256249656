package rdbfile

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/rangescan/rangescan/internal/env"
	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/pkg/types"
)

// GenSpec describes a synthetic producer directory.
type GenSpec struct {
	Ranks          int
	Epochs         int
	BlocksPerEpoch int
	ItemsPerBlock  int

	KeySize   uint64
	ValueSize uint64

	KeyMin float32
	KeyMax float32
	// Overlap widens every block's key span by this fraction on both sides.
	Overlap float64

	Seed int64
}

// DefaultGenSpec returns a small directory suitable for demos.
func DefaultGenSpec() GenSpec {
	return GenSpec{
		Ranks:          4,
		Epochs:         2,
		BlocksPerEpoch: 8,
		ItemsPerBlock:  512,
		KeySize:        4,
		ValueSize:      60,
		KeyMin:         0,
		KeyMax:         100,
		Overlap:        0.1,
		Seed:           1,
	}
}

// GenResult lists every key written, per epoch.
type GenResult struct {
	Keys   map[int][]float32
	Blocks int
}

// ValueFor returns the deterministic value payload for key: the key's bits
// repeated to fill size bytes.
func ValueFor(key float32, size uint64) []byte {
	v := make([]byte, size)
	FillValue(v, key)
	return v
}

// FillValue writes the ValueFor pattern of key into dst.
func FillValue(dst []byte, key float32) {
	var pat [4]byte
	binary.LittleEndian.PutUint32(pat[:], math.Float32bits(key))
	for i := range dst {
		dst[i] = pat[i%4]
	}
}

// Generate writes spec.Ranks data files into dir. Blocks of a rank are
// written in shuffled key order so that offset order differs from key order.
func Generate(e env.Env, dir string, spec GenSpec) (*GenResult, error) {
	if spec.Ranks <= 0 || spec.Epochs <= 0 || spec.BlocksPerEpoch <= 0 || spec.ItemsPerBlock <= 0 {
		return nil, rserr.InvalidArgument(rserr.ErrCategoryStorage, "generator dimensions must be positive")
	}
	if spec.KeyMax <= spec.KeyMin {
		return nil, rserr.InvalidArgument(rserr.ErrCategoryStorage, "key range [%f, %f] is empty", spec.KeyMin, spec.KeyMax)
	}
	if err := e.CreateDir(dir); err != nil {
		return nil, rserr.IOError(rserr.ErrCategoryStorage, "create "+dir, err)
	}

	rng := rand.New(rand.NewSource(spec.Seed))
	res := &GenResult{Keys: make(map[int][]float32)}
	span := float64(spec.KeyMax-spec.KeyMin) / float64(spec.BlocksPerEpoch)

	keys := make([]float32, spec.ItemsPerBlock)
	values := make([]byte, uint64(spec.ItemsPerBlock)*spec.ValueSize)

	for rank := 0; rank < spec.Ranks; rank++ {
		w, err := Create(e, dir, rank, spec.KeySize, spec.ValueSize)
		if err != nil {
			return nil, err
		}

		for ep := 0; ep < spec.Epochs; ep++ {
			w.BeginEpoch()
			for _, b := range rng.Perm(spec.BlocksPerEpoch) {
				lo := float64(spec.KeyMin) + float64(b)*span - spec.Overlap*span
				width := span * (1 + 2*spec.Overlap)
				expected := types.NewRange(float32(float64(spec.KeyMin)+float64(b)*span),
					float32(float64(spec.KeyMin)+float64(b+1)*span))

				for i := range keys {
					keys[i] = float32(lo + rng.Float64()*width)
					FillValue(values[uint64(i)*spec.ValueSize:uint64(i+1)*spec.ValueSize], keys[i])
				}
				if _, err := w.AddBlock(keys, values, expected, 0); err != nil {
					w.Close()
					return nil, err
				}
				res.Keys[ep] = append(res.Keys[ep], keys...)
				res.Blocks++
			}
		}

		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	return res, nil
}
