// Package filecache maps producer ranks to their data files, caches one open
// handle per rank and serves footer bootstrap, single reads and batched reads.
package filecache

import (
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/rangescan/rangescan/internal/env"
	rserr "github.com/rangescan/rangescan/internal/errors"
	"github.com/rangescan/rangescan/internal/manifest"
	"github.com/rangescan/rangescan/internal/metrics"
	"github.com/rangescan/rangescan/internal/rdbfile"
)

// DefaultOptimisticFooterSize is the tail window read before the manifest
// size is known.
const DefaultOptimisticFooterSize = 4096

// Mode selects the kind of file handle cached per rank.
type Mode int

const (
	// ModeRandomAccess serves each request with a positioned read.
	ModeRandomAccess Mode = iota
	// ModeSequential tracks a forward-only cursor per rank.
	ModeSequential
)

func (m Mode) String() string {
	if m == ModeSequential {
		return "sequential"
	}
	return "random"
}

// ParseMode accepts "random" or "sequential".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "random", "":
		return ModeRandomAccess, nil
	case "sequential":
		return ModeSequential, nil
	}
	return 0, rserr.InvalidArgument(rserr.ErrCategoryConfig, "unknown reader mode %q", s)
}

// ReadRequest is one byte-range read. Data is set to a view of Scratch (which
// is grown when too small) and is invalidated when the handle is reopened or
// Scratch is reused.
type ReadRequest struct {
	Offset  uint64
	Size    uint64
	Scratch []byte
	Data    []byte

	// ItemCount travels with the request for callers that need it after a
	// batch has been reordered.
	ItemCount uint32
}

// ParsedFooter is a decoded footer plus the raw manifest blob.
type ParsedFooter struct {
	manifest.Footer
	Manifest []byte
	// Reads is the number of I/Os issued (1 or 2).
	Reads int
}

// DirReader is the per-directory handle cache. Random-access mode tolerates
// concurrent reads; sequential mode serializes each rank and must not be
// shared by readers that interleave offsets.
type DirReader struct {
	env     env.Env
	mode    Mode
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	dir     string
	handles map[int]*rankHandle
	// ranks lists the keys of handles in ascending order.
	ranks []int
}

// New returns a reader with no directory loaded.
func New(e env.Env, mode Mode, logger logrus.FieldLogger, m *metrics.Metrics) *DirReader {
	if m == nil {
		m = metrics.Discard()
	}
	return &DirReader{env: e, mode: mode, logger: logger, metrics: m}
}

// Mode returns the handle mode.
func (r *DirReader) Mode() Mode { return r.mode }

// Dir returns the loaded directory.
func (r *DirReader) Dir() string { return r.dir }

// NumRanks returns the number of ranks found by ReadDirectory.
func (r *DirReader) NumRanks() int { return len(r.ranks) }

// Ranks returns the ranks found by ReadDirectory in ascending order. A rank
// whose file was skipped leaves a hole.
func (r *DirReader) Ranks() []int {
	out := make([]int, len(r.ranks))
	copy(out, r.ranks)
	return out
}

// ReadDirectory enumerates RDB-<rank>.tbl from rank 0 until the first missing
// file. Files whose size cannot be read are skipped, and their rank then
// reports NotFound.
func (r *DirReader) ReadDirectory(dir string) (int, error) {
	if err := r.Close(); err != nil {
		return 0, err
	}
	r.dir = dir
	r.handles = make(map[int]*rankHandle)
	r.ranks = nil

	for rank := 0; ; rank++ {
		path := rdbfile.Path(dir, rank)
		if !r.env.FileExists(path) {
			break
		}
		size, err := r.env.GetFileSize(path)
		if err != nil {
			r.logger.WithField("action", "read_directory").WithError(err).
				Warnf("skipping %s: size unavailable", path)
			continue
		}
		r.logger.WithField("action", "read_directory").Debugf("file: %s, size: %d", path, size)
		r.handles[rank] = &rankHandle{rank: rank, path: path, size: size}
		r.ranks = append(r.ranks, rank)
	}

	r.logger.WithField("action", "read_directory").Infof("%d files found in %s", len(r.ranks), dir)
	return len(r.ranks), nil
}

// FileSize returns the size of rank's file as recorded by ReadDirectory.
func (r *DirReader) FileSize(rank int) (uint64, error) {
	h, err := r.handle(rank)
	if err != nil {
		return 0, err
	}
	return h.size, nil
}

// ReadFooter reads the manifest of rank with at most two I/Os: first the
// trailing optimistic window, then, only if the manifest did not fit, one
// read of exactly the manifest.
func (r *DirReader) ReadFooter(rank int, optimistic uint64) (*ParsedFooter, error) {
	h, err := r.handle(rank)
	if err != nil {
		return nil, err
	}
	size := h.size
	if size < manifest.FooterSize {
		return nil, rserr.Corruption(rserr.ErrCategoryReader,
			"rank %d: file of %d bytes has no footer", rank, size)
	}

	window := optimistic
	if window < manifest.FooterSize {
		window = manifest.FooterSize
	}
	if window > size {
		window = size
	}

	req := &ReadRequest{Offset: size - window, Size: window}
	if err := r.Read(rank, req, true); err != nil {
		return nil, err
	}
	footer, err := manifest.DecodeFooter(req.Data)
	if err != nil {
		return nil, err
	}
	if footer.ManifestSize > size-manifest.FooterSize {
		return nil, rserr.Corruption(rserr.ErrCategoryReader,
			"rank %d: manifest size %d exceeds file size %d", rank, footer.ManifestSize, size)
	}

	pf := &ParsedFooter{Footer: footer, Reads: 1}
	avail := window - manifest.FooterSize
	if avail >= footer.ManifestSize {
		pf.Manifest = req.Data[avail-footer.ManifestSize : avail]
		return pf, nil
	}

	r.logger.WithField("action", "read_footer").
		Debugf("rank %d: optimistic read of %d insufficient for manifest of %d", rank, window, footer.ManifestSize)

	req = &ReadRequest{Offset: size - manifest.FooterSize - footer.ManifestSize, Size: footer.ManifestSize}
	if err := r.Read(rank, req, true); err != nil {
		return nil, err
	}
	pf.Manifest = req.Data
	pf.Reads = 2
	return pf, nil
}

// Read serves one request at an absolute offset. forceReopen replaces the
// cached handle first; in sequential mode that rewinds the cursor to zero.
func (r *DirReader) Read(rank int, req *ReadRequest, forceReopen bool) error {
	h, err := r.handle(rank)
	if err != nil {
		return err
	}
	if r.mode == ModeSequential {
		h.mu.Lock()
		defer h.mu.Unlock()
		return r.count(r.readSequentialLocked(h, req, forceReopen))
	}
	return r.count(r.readRandom(h, req, forceReopen))
}

// ReadBatch serves several requests against one rank. In sequential mode the
// requests are served in offset order from a freshly opened handle, and a
// request that starts before the end of the previous one is rejected.
func (r *DirReader) ReadBatch(rank int, reqs []*ReadRequest) error {
	h, err := r.handle(rank)
	if err != nil {
		return err
	}

	if r.mode == ModeRandomAccess {
		for _, req := range reqs {
			if err := r.count(r.readRandom(h, req, false)); err != nil {
				return err
			}
		}
		return nil
	}

	ordered := make([]*ReadRequest, len(reqs))
	copy(ordered, reqs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := r.count(h.reopen(r.env, r.mode)); err != nil {
		return err
	}
	for _, req := range ordered {
		if req.Offset < h.cursor {
			return r.count(rserr.InvalidArgument(rserr.ErrCategoryReader,
				"rank %d: overlapping batch reads not supported (offset %d < cursor %d)", rank, req.Offset, h.cursor))
		}
		if err := r.count(r.readSequentialLocked(h, req, false)); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every cached handle.
func (r *DirReader) Close() error {
	var first error
	for _, h := range r.handles {
		h.mu.Lock()
		if err := h.close(); err != nil && first == nil {
			first = err
		}
		h.mu.Unlock()
	}
	return first
}

func (r *DirReader) handle(rank int) (*rankHandle, error) {
	h, ok := r.handles[rank]
	if !ok {
		return nil, rserr.NotFound(rserr.ErrCategoryReader, "rank %d not found in %q", rank, r.dir)
	}
	return h, nil
}

func (r *DirReader) readRandom(h *rankHandle, req *ReadRequest, forceReopen bool) error {
	if forceReopen {
		h.mu.Lock()
		err := h.reopen(r.env, r.mode)
		h.mu.Unlock()
		if err != nil {
			return err
		}
	}

	h.mu.RLock()
	for h.state == handleClosed {
		h.mu.RUnlock()
		h.mu.Lock()
		if h.state == handleClosed {
			if err := h.reopen(r.env, r.mode); err != nil {
				h.mu.Unlock()
				return err
			}
		}
		h.mu.Unlock()
		h.mu.RLock()
	}
	defer h.mu.RUnlock()

	buf := req.buffer()
	n, err := h.ra.ReadAt(buf, int64(req.Offset))
	if err != nil && !(err == io.EOF && uint64(n) == req.Size) {
		return rserr.IOError(rserr.ErrCategoryReader,
			fmt.Sprintf("rank %d: read %d bytes at %d", h.rank, req.Size, req.Offset), err)
	}
	req.Data = buf
	r.metrics.BytesRead.WithLabelValues(r.mode.String()).Add(float64(req.Size))
	return nil
}

func (r *DirReader) readSequentialLocked(h *rankHandle, req *ReadRequest, forceReopen bool) error {
	if forceReopen || h.state == handleClosed {
		if err := h.reopen(r.env, r.mode); err != nil {
			return err
		}
	}
	if req.Offset < h.cursor {
		return rserr.InvalidArgument(rserr.ErrCategoryReader,
			"rank %d: sequential handle cannot rewind from %d to %d", h.rank, h.cursor, req.Offset)
	}

	if skip := req.Offset - h.cursor; skip > 0 {
		if err := h.seq.Skip(int64(skip)); err != nil {
			h.close()
			return rserr.IOError(rserr.ErrCategoryReader, fmt.Sprintf("rank %d: skip %d", h.rank, skip), err)
		}
	}

	buf := req.buffer()
	if _, err := io.ReadFull(h.seq, buf); err != nil {
		h.close()
		return rserr.IOError(rserr.ErrCategoryReader,
			fmt.Sprintf("rank %d: read %d bytes at %d", h.rank, req.Size, req.Offset), err)
	}
	h.cursor = req.Offset + req.Size
	req.Data = buf
	r.metrics.BytesRead.WithLabelValues(r.mode.String()).Add(float64(req.Size))
	return nil
}

func (r *DirReader) count(err error) error {
	if err != nil {
		r.metrics.ReadErrors.WithLabelValues(rserr.GetCode(err)).Inc()
	}
	return err
}

func (req *ReadRequest) buffer() []byte {
	if uint64(cap(req.Scratch)) < req.Size {
		req.Scratch = make([]byte, req.Size)
	}
	return req.Scratch[:req.Size]
}
