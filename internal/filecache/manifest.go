package filecache

import (
	"github.com/rangescan/rangescan/internal/manifest"
)

// LoadManifest reads the footer of every rank found by ReadDirectory, one
// rank at a time, and adds the decoded items to m.
func (r *DirReader) LoadManifest(m *manifest.Manifest) error {
	mr := manifest.NewReader(m, r.env, r.logger)
	for _, rank := range r.ranks {
		pf, err := r.ReadFooter(rank, DefaultOptimisticFooterSize)
		if err != nil {
			return err
		}
		if err := mr.UpdateKVSizes(pf.KeySize, pf.ValueSize); err != nil {
			return err
		}
		if err := mr.ReadManifest(rank, pf.Manifest, pf.NumEpochs); err != nil {
			return err
		}
	}
	return nil
}

// OpenDirectory scans dir and loads its manifest in one step.
func OpenDirectory(r *DirReader, dir string) (*manifest.Manifest, error) {
	if _, err := r.ReadDirectory(dir); err != nil {
		return nil, err
	}
	m := manifest.New()
	if err := r.LoadManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}
