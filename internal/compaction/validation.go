package compaction

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/rangescan/rangescan/internal/env"
	"github.com/rangescan/rangescan/internal/filecache"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/internal/rdbfile"
)

// ValidationResult holds the outcome of a compaction validation.
type ValidationResult struct {
	Valid            bool
	ExpectedPairs    uint64
	ActualPairs      uint64
	ExpectedChecksum string
	ActualChecksum   string
	Errors           []string
}

// Validator checks a merged directory against its source directory.
type Validator struct {
	env    env.Env
	logger logrus.FieldLogger
}

// NewValidator creates a new compaction validator.
func NewValidator(e env.Env, logger logrus.FieldLogger) *Validator {
	return &Validator{env: e, logger: logger}
}

// Validate compares pair counts and content checksums per epoch, and checks
// that every output epoch is non-decreasing in key order. Read failures are
// returned as errors; mismatches are reported in the result.
func (v *Validator) Validate(ctx context.Context, srcDir, outDir string) (*ValidationResult, error) {
	vr := &ValidationResult{Valid: true}

	src, err := v.readEpochs(ctx, srcDir)
	if err != nil {
		return nil, fmt.Errorf("compaction: read source: %w", err)
	}
	out, err := v.readEpochs(ctx, outDir)
	if err != nil {
		return nil, fmt.Errorf("compaction: read output: %w", err)
	}

	if len(src) != len(out) {
		vr.Valid = false
		vr.Errors = append(vr.Errors, fmt.Sprintf("epoch count mismatch: source %d, output %d", len(src), len(out)))
	}

	for ep, pairs := range out {
		for i := 1; i < len(pairs); i++ {
			if pairs[i].key < pairs[i-1].key {
				vr.Valid = false
				vr.Errors = append(vr.Errors, fmt.Sprintf(
					"epoch %d: key %g at position %d follows %g", ep, pairs[i].key, i, pairs[i-1].key))
				break
			}
		}
	}

	vr.ExpectedPairs, vr.ExpectedChecksum = checksumEpochs(src)
	vr.ActualPairs, vr.ActualChecksum = checksumEpochs(out)

	if vr.ExpectedPairs != vr.ActualPairs {
		vr.Valid = false
		vr.Errors = append(vr.Errors, fmt.Sprintf(
			"pair count mismatch: expected %d (source), got %d", vr.ExpectedPairs, vr.ActualPairs))
	}
	if vr.ExpectedChecksum != vr.ActualChecksum {
		vr.Valid = false
		vr.Errors = append(vr.Errors, fmt.Sprintf(
			"checksum mismatch: source=%s, output=%s", vr.ExpectedChecksum, vr.ActualChecksum))
	}

	v.logger.WithFields(logrus.Fields{
		"action": "compaction_validate",
		"valid":  vr.Valid,
		"pairs":  vr.ActualPairs,
	}).Info("validation finished")
	return vr, nil
}

// readEpochs returns every pair of dir grouped by epoch, in file order.
func (v *Validator) readEpochs(ctx context.Context, dir string) ([][]kvPair, error) {
	files := filecache.New(v.env, filecache.ModeRandomAccess, v.logger, nil)
	defer files.Close()

	m, err := filecache.OpenDirectory(files, dir)
	if err != nil {
		return nil, err
	}
	m.SortByOffset()
	ks, vs := m.KVSizes()

	epochs := make([][]kvPair, m.NumEpochs())
	var req filecache.ReadRequest
	for i := 0; i < m.Size(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it := m.Item(i)
		n := uint64(it.ItemCount)
		req.Offset, req.Size = it.Offset, it.BlockSize(ks, vs)
		if err := files.Read(it.Rank, &req, false); err != nil {
			return nil, err
		}
		values := append([]byte(nil), req.Data[n*ks:]...)
		for j := uint64(0); j < n; j++ {
			epochs[it.Epoch] = append(epochs[it.Epoch], kvPair{
				key:   rdbfile.DecodeKey(req.Data[j*ks:]),
				value: values[j*vs : (j+1)*vs],
			})
		}
	}
	return epochs, nil
}

// checksumEpochs hashes every epoch's pairs in (key, value) order so the
// result does not depend on the order blocks were written in.
func checksumEpochs(epochs [][]kvPair) (uint64, string) {
	h := sha256.New()
	var total uint64
	var kb [8]byte
	for ep, pairs := range epochs {
		sorted := append([]kvPair(nil), pairs...)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].key != sorted[j].key {
				return sorted[i].key < sorted[j].key
			}
			return bytes.Compare(sorted[i].value, sorted[j].value) < 0
		})

		binary.BigEndian.PutUint64(kb[:], uint64(ep))
		h.Write(kb[:])
		for _, p := range sorted {
			binary.BigEndian.PutUint32(kb[:4], math.Float32bits(p.key))
			h.Write(kb[:4])
			h.Write(p.value)
		}
		total += uint64(len(pairs))
	}
	return total, fmt.Sprintf("%x", h.Sum(nil))
}

// CheckRunCoverage reports whether runs contain every item of m exactly once.
func CheckRunCoverage(m *manifest.Manifest, runs map[int][]PartitionedRun) error {
	seen := make(map[[3]uint64]int)
	for _, rs := range runs {
		for _, r := range rs {
			for _, it := range r.Items {
				seen[[3]uint64{uint64(it.Epoch), uint64(it.Rank), it.Offset}]++
			}
		}
	}
	if len(seen) != m.Size() {
		return fmt.Errorf("compaction: runs cover %d blocks, manifest has %d", len(seen), m.Size())
	}
	for k, n := range seen {
		if n != 1 {
			return fmt.Errorf("compaction: block epoch=%d rank=%d offset=%d appears %d times", k[0], k[1], k[2], n)
		}
	}
	return nil
}
