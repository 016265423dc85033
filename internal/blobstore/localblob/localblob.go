// Package localblob implements blobstore.Store against a plain directory
// on disk, grounded on the teacher's LocalClipStorage (pkg/storage/local.go).
package localblob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/beakfs/beak/internal/blobstore"
)

// Store is a blobstore.Store backed by a directory; object keys map
// directly to file paths relative to Root.
type Store struct {
	Root string
}

// New returns a Store rooted at dir. dir must already exist.
func New(dir string) *Store {
	return &Store{Root: dir}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.Root, filepath.FromSlash(key))
}

func (s *Store) List(_ context.Context, prefix string) ([]blobstore.ObjectInfo, error) {
	var out []blobstore.ObjectInfo
	err := filepath.WalkDir(s.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" && !hasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, blobstore.ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", s.Root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func hasPrefix(key, prefix string) bool {
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

func (s *Store) Get(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", key, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seeking %q: %w", key, err)
		}
	}
	if length < 0 {
		return f, nil
	}
	return &limitedReadCloser{r: io.LimitReader(f, length), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }

func (s *Store) Put(_ context.Context, key string, _ int64, r io.Reader) error {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory for %q: %w", key, err)
	}
	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %q: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %q: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %q: %w", key, err)
	}
	return os.Rename(tmp, dst)
}

func (s *Store) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	return nil
}
