// Package storage defines where page artifacts are written. Implementations
// live in the gcs, local and memory subpackages.
package storage

import (
	"context"
	"io"
)

// BlobStore persists one object and returns a URI that locates it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Discard is a BlobStore that drops every object. It is useful for dry runs
// where pages are fetched but not saved.
type Discard struct{}

// PutObject drains the reader and returns an empty URI.
func (Discard) PutObject(_ context.Context, _ string, _ string, data io.Reader) (string, error) {
	_, err := io.Copy(io.Discard, data)
	return "", err
}
