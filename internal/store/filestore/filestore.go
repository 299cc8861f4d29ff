// Package filestore keeps blobs as files under a root directory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vovakirdan/replica-server/internal/store"
)

// Store implements store.BlobStore on the local filesystem.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) resolve(p string) (string, string, error) {
	clean, err := store.CleanPath(p)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Load reads a blob.
func (s *Store) Load(_ context.Context, p string) (*store.Blob, error) {
	clean, full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", clean, store.ErrNotFound)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat blob: %w", err)
	}
	return &store.Blob{Path: clean, Data: data, UpdatedAt: info.ModTime()}, nil
}

// Save writes a blob through a temporary file so readers never see a
// partial write.
func (s *Store) Save(_ context.Context, p string, data []byte) error {
	_, full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

// Delete removes a blob.
func (s *Store) Delete(_ context.Context, p string) error {
	_, full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// List walks the root and returns matching paths.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(full, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
