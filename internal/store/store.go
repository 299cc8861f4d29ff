package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when no blob exists at a path.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidPath is returned for absolute or escaping paths.
var ErrInvalidPath = errors.New("invalid blob path")

// Blob is a stored value with its metadata.
type Blob struct {
	Path      string
	Data      []byte
	UpdatedAt time.Time
}

// BlobStore persists opaque blobs under slash-separated key paths.
type BlobStore interface {
	// Load returns the blob at path or ErrNotFound.
	Load(ctx context.Context, path string) (*Blob, error)

	// Save creates or replaces the blob at path.
	Save(ctx context.Context, path string, data []byte) error

	// Delete removes the blob at path. Deleting a missing blob is not an error.
	Delete(ctx context.Context, path string) error

	// List returns the paths stored under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}

// CleanPath normalizes a key path and rejects absolute or escaping ones.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	clean := path.Clean(p)
	if clean == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return clean, nil
}
