// Package storage abstracts where source run containers are fetched from
// and where finished containers are published to. Implementations include
// S3 and the local filesystem.
package storage

import (
	"context"
	"errors"
)

// Common errors for archive store operations.
var (
	ErrArchiveNotFound = errors.New("archive not found")
	ErrFetchFailed     = errors.New("fetch failed")
	ErrPublishFailed   = errors.New("publish failed")
)

// ArchiveStore moves run containers between the store and the local
// scratch area. Operations fail on the first error; the pipeline treats
// any storage fault as fatal for the run.
type ArchiveStore interface {
	// Fetch downloads the container stored under key to localPath.
	Fetch(ctx context.Context, key, localPath string) error

	// Publish uploads the container at localPath under key.
	Publish(ctx context.Context, localPath, key string) error

	// Exists reports whether a container is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart publishes.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 8MB).
	PartSize int64
	// Concurrency is the number of concurrent part uploads (default: 4).
	Concurrency int
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize:    8 * 1024 * 1024,
		Concurrency: 4,
	}
}
