package manifest

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/rangescan/rangescan/internal/env"
	rserr "github.com/rangescan/rangescan/internal/errors"
)

// Reader decodes per-rank manifest blobs into a shared Manifest. It is safe
// for concurrent use by one goroutine per rank.
type Reader struct {
	manifest *Manifest
	env      env.Env
	logger   logrus.FieldLogger

	outputDir string
}

// NewReader returns a reader that feeds m.
func NewReader(m *Manifest, e env.Env, logger logrus.FieldLogger) *Reader {
	return &Reader{manifest: m, env: e, logger: logger}
}

// EnableManifestOutput makes ReadManifest also dump every decoded item of a
// rank to dir/manifest.<rank>.csv.
func (r *Reader) EnableManifestOutput(dir string) {
	r.outputDir = dir
}

// UpdateKVSizes forwards the footer's key/value sizes to the manifest.
func (r *Reader) UpdateKVSizes(keySize, valueSize uint64) error {
	return r.manifest.UpdateKVSizes(keySize, valueSize)
}

// ReadManifest decodes blob, the manifest of rank, and adds its items to the
// manifest. numEpochs comes from the footer and must match the number of
// sections in blob.
func (r *Reader) ReadManifest(rank int, blob []byte, numEpochs uint32) error {
	var items []Item
	sections, err := DecodeManifest(rank, blob, func(it Item) error {
		items = append(items, it)
		return nil
	})
	if err != nil {
		return err
	}
	if uint32(sections) != numEpochs {
		return rserr.Corruption(rserr.ErrCategoryManifest,
			"rank %d: footer declares %d epochs, manifest holds %d", rank, numEpochs, sections)
	}

	r.manifest.AddItems(items)

	r.logger.WithFields(logrus.Fields{
		"action": "manifest_read",
		"rank":   rank,
		"epochs": sections,
		"items":  len(items),
	}).Debug("decoded rank manifest")

	if r.outputDir != "" {
		if err := r.dumpCSV(rank, items); err != nil {
			r.logger.WithField("action", "manifest_dump").WithError(err).
				Warnf("could not write manifest dump for rank %d", rank)
		}
	}
	return nil
}

func (r *Reader) dumpCSV(rank int, items []Item) error {
	path := filepath.Join(r.outputDir, fmt.Sprintf("manifest.%d.csv", rank))
	f, err := r.env.NewWritableFile(path)
	if err != nil {
		return err
	}
	if err := f.Append([]byte(CSVHeader + "\n")); err != nil {
		f.Close()
		return err
	}
	for _, it := range items {
		if err := f.Append([]byte(it.CSV() + "\n")); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
