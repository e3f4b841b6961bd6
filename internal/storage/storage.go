// Package storage is the blob store adapter used by the upload flow and
// the transcode workers. Two S3-compatible backends are provided: one on
// minio-go and one on the AWS SDK v2.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openmusicplayer/ingestd/internal/config"
)

// ErrObjectNotFound is returned when a key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore is an opaque object store keyed by string.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// SignedUploadURL returns a URL the client can PUT the object to. The
	// signature covers the content type, so the upload must send the same
	// Content-Type header.
	SignedUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	SignedDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	EnsureBucket(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Open builds the backend selected by cfg.Backend and applies the CDN
// rewrite when a CDN domain is configured.
func Open(cfg config.StorageConfig) (BlobStore, error) {
	var (
		store BlobStore
		err   error
	)

	switch cfg.Backend {
	case "", "minio":
		store, err = NewMinioStore(cfg)
	case "s3":
		store, err = NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CDNDomain != "" {
		store = WithCDN(store, cfg.CDNDomain)
	}
	return store, nil
}

// ReadAll fetches an object fully into memory. Intended for small
// artifacts such as waveform summaries.
func ReadAll(ctx context.Context, store BlobStore, key string) ([]byte, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
