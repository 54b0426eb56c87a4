package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomery/loom/pkg/errkind"
)

// ObjectStore persists uploaded file bodies. Paths are the relative
// storage paths recorded in file metadata rows.
type ObjectStore interface {
	Put(ctx context.Context, path string, r io.Reader) (int64, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// FSStore keeps objects under a root directory on the local
// filesystem.
type FSStore struct {
	root string
}

func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

func (s *FSStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errkind.Validation("invalid storage path %q", path)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FSStore) Put(ctx context.Context, path string, r io.Reader) (int64, error) {
	full, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("create object dir: %w", err)
	}

	f, err := os.Create(full)
	if err != nil {
		return 0, fmt.Errorf("create object: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(full)
		return 0, fmt.Errorf("write object: %w", err)
	}
	return n, nil
}

func (s *FSStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.NotFound("object %s not found", path)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

func (s *FSStore) Delete(ctx context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}
