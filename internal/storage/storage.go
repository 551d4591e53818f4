// Package storage provides the cold blob store used for archived state
// and session file content.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("object not found")

// BlobStore is the storage provider contract. Keys are slash-separated
// paths ("states/<sid>/state.dat", "sessions/<sid>/files/<fid>/<name>").
type BlobStore interface {
	// Upload stores the reader's content under key, replacing any
	// existing object.
	Upload(ctx context.Context, key string, r io.Reader) error
	// Download opens the object for reading. The caller closes it.
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether the key has an object.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// PresignDownload returns a time-limited URL for direct download, or
	// an error when the backend cannot presign.
	PresignDownload(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ReadAll is a convenience for small objects.
func ReadAll(ctx context.Context, s BlobStore, key string) ([]byte, error) {
	rc, err := s.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
