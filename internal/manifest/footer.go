package manifest

import (
	"encoding/binary"
	"math"

	rserr "github.com/rangescan/rangescan/internal/errors"
)

// On-disk layout sizes. All integers are little endian.
const (
	// FooterSize is the fixed trailer at the very end of every RDB file:
	// num_epochs u32, manifest_size u64, key_size u64, value_size u64.
	FooterSize = 28

	// ItemRecordSize is one manifest record: seq u64, offset u64, observed
	// min/max f32, expected min/max f32, updcnt u32, count u32, oob u32.
	ItemRecordSize = 44

	// sectionHeaderSize precedes each epoch's records: count u32, length u64.
	sectionHeaderSize = 12

	// MinKeySize is the smallest key slot that holds an f32 key.
	MinKeySize = 4
)

// Footer is the decoded 28-byte trailer.
type Footer struct {
	NumEpochs    uint32
	ManifestSize uint64
	KeySize      uint64
	ValueSize    uint64
}

// DecodeFooter decodes the trailer from the last FooterSize bytes of buf.
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) < FooterSize {
		return Footer{}, rserr.Corruption(rserr.ErrCategoryManifest,
			"footer too short: %d bytes", len(buf))
	}
	b := buf[len(buf)-FooterSize:]
	f := Footer{
		NumEpochs:    binary.LittleEndian.Uint32(b[0:4]),
		ManifestSize: binary.LittleEndian.Uint64(b[4:12]),
		KeySize:      binary.LittleEndian.Uint64(b[12:20]),
		ValueSize:    binary.LittleEndian.Uint64(b[20:28]),
	}
	if f.KeySize < MinKeySize {
		return Footer{}, rserr.Corruption(rserr.ErrCategoryManifest,
			"footer key size %d is below %d bytes", f.KeySize, MinKeySize)
	}
	return f, nil
}

// AppendFooter appends the encoded trailer to dst.
func AppendFooter(dst []byte, f Footer) []byte {
	var b [FooterSize]byte
	binary.LittleEndian.PutUint32(b[0:4], f.NumEpochs)
	binary.LittleEndian.PutUint64(b[4:12], f.ManifestSize)
	binary.LittleEndian.PutUint64(b[12:20], f.KeySize)
	binary.LittleEndian.PutUint64(b[20:28], f.ValueSize)
	return append(dst, b[:]...)
}

// EncodeManifest serializes one rank's items, grouped by epoch, into the
// manifest blob. epochs[e] holds the items of epoch e in write order; their
// Epoch and Rank fields are not stored.
func EncodeManifest(epochs [][]Item) []byte {
	size := 0
	for _, items := range epochs {
		size += sectionHeaderSize + len(items)*ItemRecordSize
	}
	out := make([]byte, 0, size)

	var hdr [sectionHeaderSize]byte
	var rec [ItemRecordSize]byte
	for _, items := range epochs {
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(items)))
		binary.LittleEndian.PutUint64(hdr[4:12], uint64(len(items)*ItemRecordSize))
		out = append(out, hdr[:]...)

		for i := range items {
			encodeItem(rec[:], uint64(i), &items[i])
			out = append(out, rec[:]...)
		}
	}
	return out
}

func encodeItem(b []byte, seq uint64, it *Item) {
	binary.LittleEndian.PutUint64(b[0:8], seq)
	binary.LittleEndian.PutUint64(b[8:16], it.Offset)
	binary.LittleEndian.PutUint32(b[16:20], math.Float32bits(it.Observed.Min))
	binary.LittleEndian.PutUint32(b[20:24], math.Float32bits(it.Observed.Max))
	binary.LittleEndian.PutUint32(b[24:28], math.Float32bits(it.Expected.Min))
	binary.LittleEndian.PutUint32(b[28:32], math.Float32bits(it.Expected.Max))
	binary.LittleEndian.PutUint32(b[32:36], it.UpdCount)
	binary.LittleEndian.PutUint32(b[36:40], it.ItemCount)
	binary.LittleEndian.PutUint32(b[40:44], it.ItemOOB)
}

func decodeItem(b []byte, it *Item) (seq uint64) {
	seq = binary.LittleEndian.Uint64(b[0:8])
	it.Offset = binary.LittleEndian.Uint64(b[8:16])
	it.Observed.Min = math.Float32frombits(binary.LittleEndian.Uint32(b[16:20]))
	it.Observed.Max = math.Float32frombits(binary.LittleEndian.Uint32(b[20:24]))
	it.Expected.Min = math.Float32frombits(binary.LittleEndian.Uint32(b[24:28]))
	it.Expected.Max = math.Float32frombits(binary.LittleEndian.Uint32(b[28:32]))
	it.UpdCount = binary.LittleEndian.Uint32(b[32:36])
	it.ItemCount = binary.LittleEndian.Uint32(b[36:40])
	it.ItemOOB = binary.LittleEndian.Uint32(b[40:44])
	return seq
}

// DecodeManifest walks the epoch sections of blob and calls fn for every
// item, tagged with rank and its section's epoch. It returns the number of
// sections decoded.
func DecodeManifest(rank int, blob []byte, fn func(Item) error) (int, error) {
	var off uint64
	total := uint64(len(blob))
	epoch := 0

	for off < total {
		if total-off < sectionHeaderSize {
			return epoch, rserr.Corruption(rserr.ErrCategoryManifest,
				"rank %d: truncated section header at offset %d", rank, off)
		}
		count := binary.LittleEndian.Uint32(blob[off : off+4])
		sectionLen := binary.LittleEndian.Uint64(blob[off+4 : off+12])
		off += sectionHeaderSize

		if sectionLen != uint64(count)*ItemRecordSize {
			return epoch, rserr.Corruption(rserr.ErrCategoryManifest,
				"rank %d epoch %d: section length %d does not hold %d records", rank, epoch, sectionLen, count)
		}
		if sectionLen > total-off {
			return epoch, rserr.Corruption(rserr.ErrCategoryManifest,
				"rank %d epoch %d: section overruns manifest (%d > %d)", rank, epoch, sectionLen, total-off)
		}

		for i := uint32(0); i < count; i++ {
			it := Item{Epoch: epoch, Rank: rank}
			seq := decodeItem(blob[off:off+ItemRecordSize], &it)
			if seq != uint64(i) {
				return epoch, rserr.Corruption(rserr.ErrCategoryManifest,
					"rank %d epoch %d: sequence index %d at position %d", rank, epoch, seq, i)
			}
			if err := fn(it); err != nil {
				return epoch, err
			}
			off += ItemRecordSize
		}
		epoch++
	}
	return epoch, nil
}
