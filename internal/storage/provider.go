// Package storage defines the blob store used to archive finished task
// results. Implementations live in the gcs, local and memory subpackages.
package storage

import (
	"context"
	"io"
)

// BlobStore uploads an object and returns a URI that locates it.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// NoOpBlobStore discards uploads. It backs archive.backend=discard, which
// exercises the export path without keeping objects.
type NoOpBlobStore struct{}

// PutObject drains r and returns an empty URI.
func (NoOpBlobStore) PutObject(_ context.Context, _ string, _ string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err //nolint:wrapcheck // io errors are self-describing
	}
	return "", nil
}
