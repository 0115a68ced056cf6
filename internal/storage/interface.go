// Package storage provides the object storage that receives archived sync
// job history.
package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the interface for object storage operations
type ObjectStorage interface {
	// Upload writes an object, replacing any object stored under key
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download reads an object back
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)
}
