package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FS is a filesystem-backed store for local runs and tests. Put writes to
// a temp file in the same directory and renames it into place, which is
// atomic on POSIX filesystems.
type FS struct {
	root string
}

// NewFS creates a filesystem store rooted at dir.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root %s: %v", dir, err)
	}
	return &FS{root: dir}, nil
}

func (f *FS) path(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(name))
}

func (f *FS) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %v", name, err)
	}
	return data, nil
}

func (f *FS) Put(_ context.Context, name string, data []byte) error {
	target := f.path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %v", name, err)
	}

	tmp := target + ".tmp-" + uuid.NewString()[:8]
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file for %s: %v", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file for %s: %v", name, err)
	}
	return nil
}

func (f *FS) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.Walk(f.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) && !strings.Contains(name, ".tmp-") {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %v", prefix, err)
	}
	return names, nil
}

func (f *FS) Ping(_ context.Context) error {
	if _, err := os.Stat(f.root); err != nil {
		return fmt.Errorf("store root %s unreachable: %v", f.root, err)
	}
	return nil
}
