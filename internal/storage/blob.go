package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local filesystem driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // in-memory driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobStore writes pages to any gocloud.dev bucket.
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
	enc       Encoding
}

// NewBlobStore wraps an already opened bucket. The store takes ownership of
// the bucket and closes it in Close.
func NewBlobStore(bucket *blob.Bucket, bucketURL, prefix string, enc Encoding) *BlobStore {
	if !strings.HasSuffix(bucketURL, "://") {
		bucketURL = strings.TrimRight(bucketURL, "/")
	}
	return &BlobStore{
		bucket:    bucket,
		bucketURL: bucketURL,
		prefix:    prefix,
		enc:       enc,
	}
}

// OpenBlobStore opens a bucket by URL.
func OpenBlobStore(ctx context.Context, bucketURL, prefix string, enc Encoding) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	base := bucketURL
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	return NewBlobStore(bucket, base, prefix, enc), nil
}

// OpenLocalStore opens a filesystem-backed store rooted at dir.
func OpenLocalStore(ctx context.Context, dir, prefix string, enc Encoding) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", dir, err)
	}
	return OpenBlobStore(ctx, "file://"+filepath.ToSlash(dir), prefix, enc)
}

// s3URL builds a gocloud.dev URL for AWS S3, Backblaze B2, Cloudflare R2 or
// MinIO.
func s3URL(bucketName, endpoint, region string) string {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}

func (s *BlobStore) path(key string) string {
	return s.prefix + key
}

// Put writes body under key, overwriting any existing object.
func (s *BlobStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	path := s.path(key)

	data, err := s.enc.encode(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	// Cancelling wctx before Close aborts the upload instead of committing
	// a partial object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, path, &blob.WriterOptions{
		ContentType:     contentType,
		ContentEncoding: s.enc.ContentEncoding(),
	})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", path, err)
	}

	if _, err := w.Write(data); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("write data to %s: %w", path, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", path, err)
	}

	return nil
}

// Get returns the decoded body under key.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	path := s.path(key)

	attrs, err := s.bucket.Attributes(ctx, path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", path, err)
	}

	r, err := s.bucket.NewReader(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	enc, err := encodingFromContentEncoding(attrs.ContentEncoding)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return enc.decode(data)
}

// Exists checks if key has been written.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.path(key))
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	path := s.path(key)
	if err := s.bucket.Delete(ctx, path); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	path := s.path(key)
	attrs, err := s.bucket.Attributes(ctx, path)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", path, err)
	}

	return &ObjectInfo{
		Key:             key,
		Size:            attrs.Size,
		ContentType:     attrs.ContentType,
		ContentEncoding: attrs.ContentEncoding,
		ETag:            attrs.ETag,
		ModTime:         attrs.ModTime,
	}, nil
}

// List returns all keys below the store prefix that start with prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: s.path(prefix),
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, s.prefix))
	}

	sort.Strings(keys)
	return keys, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.bucketURL + "/" + s.path(key)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobStore implements PageStore.
var _ PageStore = (*BlobStore)(nil)
