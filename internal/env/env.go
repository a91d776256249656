// Package env abstracts the file-system primitives used by the readers,
// writers and compactor so they can be exercised against any backing store.
package env

import (
	"io"
	"os"
	"time"
)

// RandomAccessFile serves positioned reads. Implementations must be safe for
// concurrent ReadAt calls.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer
}

// SequentialFile is read front to back. Skip advances the position without
// returning data.
type SequentialFile interface {
	io.Reader
	Skip(n int64) error
	io.Closer
}

// WritableFile is an append-only output file.
type WritableFile interface {
	Append(p []byte) error
	Flush() error
	Sync() error
	io.Closer
}

// Env is the set of environment primitives the system depends on.
type Env interface {
	FileExists(path string) bool
	GetFileSize(path string) (uint64, error)
	NewRandomAccessFile(path string) (RandomAccessFile, error)
	NewSequentialFile(path string) (SequentialFile, error)
	NewWritableFile(path string) (WritableFile, error)
	CreateDir(path string) error
	// NowMicros returns a monotonic timestamp in microseconds.
	NowMicros() uint64
}

var processStart = time.Now()

// Default returns the posix environment.
func Default() Env {
	return Posix{}
}

// monotonicMicros reads the monotonic clock relative to process start.
func monotonicMicros() uint64 {
	return uint64(time.Since(processStart).Microseconds())
}

// fileMode is used for every directory the environment creates.
const fileMode os.FileMode = 0755
