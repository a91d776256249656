package filecache

import (
	"sync"

	"github.com/rangescan/rangescan/internal/env"
	rserr "github.com/rangescan/rangescan/internal/errors"
)

type handleState int

const (
	handleClosed handleState = iota
	handleOpen
)

// rankHandle is the cached file handle of one rank.
//
//	Closed --reopen--> Open(cursor=0) --read--> Open(cursor'>=cursor)
//	Open   --reopen--> Open(cursor=0)
//	any    --close---> Closed
//
// In sequential mode cursor only moves forward while Open.
type rankHandle struct {
	mu sync.RWMutex

	rank int
	path string
	size uint64

	state  handleState
	ra     env.RandomAccessFile
	seq    env.SequentialFile
	cursor uint64
}

// reopen closes any open handle and opens a fresh one. Caller holds mu.
func (h *rankHandle) reopen(e env.Env, mode Mode) error {
	if err := h.close(); err != nil {
		return rserr.IOError(rserr.ErrCategoryReader, "close "+h.path, err)
	}

	var err error
	if mode == ModeSequential {
		h.seq, err = e.NewSequentialFile(h.path)
	} else {
		h.ra, err = e.NewRandomAccessFile(h.path)
	}
	if err != nil {
		return rserr.IOError(rserr.ErrCategoryReader, "open "+h.path, err)
	}
	h.state = handleOpen
	h.cursor = 0
	return nil
}

// close releases the handle. Caller holds mu.
func (h *rankHandle) close() error {
	if h.state == handleClosed {
		return nil
	}
	var err error
	if h.seq != nil {
		err = h.seq.Close()
	}
	if h.ra != nil {
		if cerr := h.ra.Close(); err == nil {
			err = cerr
		}
	}
	h.seq, h.ra = nil, nil
	h.state = handleClosed
	h.cursor = 0
	return err
}
