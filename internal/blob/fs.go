package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore persists blobs under a local root directory. It lets a
// single-machine deployment or an executor process run without an object
// store while keeping durable inputs and outputs.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blob: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Put(_ context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", fmt.Errorf("store is nil")
	}
	key = normalizeKey(key)
	full, err := s.pathFor(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", err
	}
	return key, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	full, err := s.pathFor(normalizeKey(ref))
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (s *FileStore) GetStream(_ context.Context, ref string) (io.ReadCloser, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	full, err := s.pathFor(normalizeKey(ref))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	prefix = normalizeKey(prefix)
	keys := make([]string, 0, 32)
	walkErr := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if walkErr != nil {
		if os.IsNotExist(walkErr) {
			return []string{}, nil
		}
		return nil, walkErr
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) URL(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (s *FileStore) pathFor(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	if strings.Contains(key, "..") || filepath.IsAbs(key) {
		return "", fmt.Errorf("invalid key: %s", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
