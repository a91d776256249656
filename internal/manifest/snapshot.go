package manifest

import (
	"encoding/binary"
	"io"

	"github.com/golang/snappy"

	rserr "github.com/rangescan/rangescan/internal/errors"
)

// snapshotMagic identifies a snappy-compressed manifest snapshot.
const snapshotMagic = "RSMF0001"

const snapshotRecordSize = 8 + ItemRecordSize

// WriteSnapshot writes m, including rank and epoch of every item, as a single
// snappy block. Reloading a snapshot skips the per-rank footer reads.
func WriteSnapshot(w io.Writer, m *Manifest) error {
	raw := make([]byte, 0, 32+len(m.items)*snapshotRecordSize)
	raw = append(raw, snapshotMagic...)
	raw = binary.LittleEndian.AppendUint64(raw, m.keySize)
	raw = binary.LittleEndian.AppendUint64(raw, m.valueSize)
	raw = binary.LittleEndian.AppendUint64(raw, uint64(len(m.items)))

	var rec [snapshotRecordSize]byte
	for i := range m.items {
		it := &m.items[i]
		binary.LittleEndian.PutUint32(rec[0:4], uint32(it.Epoch))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(it.Rank))
		encodeItem(rec[8:], uint64(i), it)
		raw = append(raw, rec[:]...)
	}

	if _, err := w.Write(snappy.Encode(nil, raw)); err != nil {
		return rserr.IOError(rserr.ErrCategoryManifest, "write snapshot", err)
	}
	return nil
}

// ReadSnapshot rebuilds a manifest written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Manifest, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, rserr.IOError(rserr.ErrCategoryManifest, "read snapshot", err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, rserr.Wrap(rserr.ErrCategoryManifest, rserr.CodeCorruption, "decompress snapshot", err)
	}

	const hdr = len(snapshotMagic) + 24
	if len(raw) < hdr || string(raw[:len(snapshotMagic)]) != snapshotMagic {
		return nil, rserr.Corruption(rserr.ErrCategoryManifest, "not a manifest snapshot")
	}
	p := raw[len(snapshotMagic):]
	keySize := binary.LittleEndian.Uint64(p[0:8])
	valueSize := binary.LittleEndian.Uint64(p[8:16])
	count := binary.LittleEndian.Uint64(p[16:24])
	p = p[24:]

	if uint64(len(p)) != count*snapshotRecordSize {
		return nil, rserr.Corruption(rserr.ErrCategoryManifest,
			"snapshot holds %d bytes for %d records", len(p), count)
	}

	m := New()
	if err := m.UpdateKVSizes(keySize, valueSize); err != nil {
		return nil, err
	}
	items := make([]Item, count)
	for i := range items {
		rec := p[i*snapshotRecordSize : (i+1)*snapshotRecordSize]
		items[i].Epoch = int(binary.LittleEndian.Uint32(rec[0:4]))
		items[i].Rank = int(binary.LittleEndian.Uint32(rec[4:8]))
		decodeItem(rec[8:], &items[i])
	}
	m.AddItems(items)
	return m, nil
}
