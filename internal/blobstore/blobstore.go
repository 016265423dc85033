// Package blobstore defines the external byte-oriented storage interface
// beak ships archives and index files to (spec.md §1 "explicit non-goal":
// transport itself is external, but both directions of this interface are
// exercised by the virtual FS and by restore).
package blobstore

import (
	"context"
	"io"
)

// ObjectInfo describes one stored blob.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is a minimal list/put/get/delete blob store. Implementations:
// internal/blobstore/localblob (a plain directory) and
// internal/blobstore/s3blob (ranged reads against an S3-compatible API).
type Store interface {
	// List returns every object whose key has the given prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Get reads length bytes starting at offset. length < 0 reads to EOF.
	Get(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	// Put uploads the full contents of r as key, given its total size.
	Put(ctx context.Context, key string, size int64, r io.Reader) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
