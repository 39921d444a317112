// Package storage persists fetched pages to durable object storage.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// ContentTypeJSON is the content type of every stored page.
const ContentTypeJSON = "application/json"

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// PageStore abstracts writing page payloads to storage. Put must overwrite
// any existing object at key.
type PageStore interface {
	// Put writes body under key, replacing any previous object.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// Get returns the decoded body stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists checks if key has been written.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all page keys (without the store prefix) that start with
	// prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key             string
	Size            int64
	ContentType     string
	ContentEncoding string
	ETag            string // MD5 for S3/GCS, empty for local
	ModTime         time.Time
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string // /path/to/executions/

	// GCS
	GCSBucket string

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix   string // "executions/BTC_JPY/" (path prefix within bucket or local dir)
	Encoding string // "" | "gzip" | "zstd"
}

// NewPageStore creates a storage backend based on configuration.
func NewPageStore(ctx context.Context, cfg StorageConfig) (PageStore, error) {
	enc, err := ParseEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		abs, err := filepath.Abs(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("resolve local dir %s: %w", cfg.LocalDir, err)
		}
		return OpenLocalStore(ctx, abs, cfg.Prefix, enc)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("GCSBucket required for gcs backend")
		}
		return OpenBlobStore(ctx, fmt.Sprintf("gs://%s", cfg.GCSBucket), cfg.Prefix, enc)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3Bucket required for s3 backend")
		}
		return OpenBlobStore(ctx, s3URL(cfg.S3Bucket, cfg.S3Endpoint, cfg.S3Region), cfg.Prefix, enc)
	case "mem":
		return OpenBlobStore(ctx, "mem://", cfg.Prefix, enc)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// Checksum computes a SHA256 checksum for the given data.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}
