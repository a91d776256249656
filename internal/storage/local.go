package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStorage implements ObjectStorage on a directory tree. It backs tests
// and single-node runs.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates root if needed.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root %s: %w", root, err)
	}
	return &LocalStorage{root: root}, nil
}

// resolve maps an object key onto the tree. Keys that would escape the
// root are refused.
func (l *LocalStorage) resolve(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key != "" && !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("storage: object key %q escapes the root", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

// Upload copies localPath into the tree.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	dst, err := l.resolve(ctx, objectPath)
	if err != nil {
		return err
	}
	if err := copyFile(localPath, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUploadFailed, objectPath, err)
	}
	return nil
}

// Download copies an object out of the tree.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	src, err := l.resolve(ctx, objectPath)
	if err != nil {
		return err
	}
	err = copyFile(src, localPath)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrObjectNotFound, objectPath)
	default:
		return fmt.Errorf("%w: %s: %v", ErrDownloadFailed, objectPath, err)
	}
}

// Delete removes an object. A missing object is not an error.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	p, err := l.resolve(ctx, objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %v", ErrDeleteFailed, objectPath, err)
	}
	return nil
}

// Exists reports whether objectPath is a file in the tree.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	p, err := l.resolve(ctx, objectPath)
	if err != nil {
		return false, err
	}
	st, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil && st.Mode().IsRegular(), err
}

// ListObjects returns the sorted keys under the prefix directory. Partial
// files left by an interrupted copy are skipped.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if _, err := l.resolve(ctx, prefix); err != nil {
		return nil, err
	}
	start := "."
	if prefix != "" {
		start = path.Clean(prefix)
	}

	var keys []string
	err := fs.WalkDir(os.DirFS(l.root), start, func(key string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) && key == start {
			return fs.SkipAll
		}
		if err != nil || d.IsDir() || strings.HasSuffix(key, partialSuffix) {
			return err
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

const partialSuffix = ".partial"

// copyFile writes dst through a temporary sibling and renames it into place.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return writeAtomic(dst, in)
}

func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp := dst + partialSuffix
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
