package env

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Posix implements Env on top of the os package.
type Posix struct{}

// FileExists reports whether path names an existing file or directory.
func (Posix) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetFileSize returns the size of the file at path.
func (Posix) GetFileSize(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return uint64(info.Size()), nil
}

// NewRandomAccessFile opens path for positioned reads.
func (Posix) NewRandomAccessFile(path string) (RandomAccessFile, error) {
	return os.Open(path)
}

// NewSequentialFile opens path for front-to-back reads.
func (Posix) NewSequentialFile(path string) (SequentialFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &posixSequentialFile{f: f}, nil
}

// NewWritableFile creates (or truncates) path for buffered appends.
func (Posix) NewWritableFile(path string) (WritableFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &posixWritableFile{f: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

// CreateDir creates path and any missing parents.
func (Posix) CreateDir(path string) error {
	return os.MkdirAll(path, fileMode)
}

// NowMicros returns microseconds on the monotonic clock.
func (Posix) NowMicros() uint64 {
	return monotonicMicros()
}

type posixSequentialFile struct {
	f *os.File
}

func (s *posixSequentialFile) Read(p []byte) (int, error) {
	return s.f.Read(p)
}

func (s *posixSequentialFile) Skip(n int64) error {
	if n == 0 {
		return nil
	}
	_, err := s.f.Seek(n, io.SeekCurrent)
	return err
}

func (s *posixSequentialFile) Close() error {
	return s.f.Close()
}

type posixWritableFile struct {
	f *os.File
	w *bufio.Writer
}

func (w *posixWritableFile) Append(p []byte) error {
	_, err := w.w.Write(p)
	return err
}

func (w *posixWritableFile) Flush() error {
	return w.w.Flush()
}

func (w *posixWritableFile) Sync() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *posixWritableFile) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
