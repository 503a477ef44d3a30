// Package gcs keeps broken-page snapshots in a Google Cloud Storage bucket.
package gcs

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

const defaultUploadTimeout = 30 * time.Second

var _ crawler.BlobStore = (*BlobStore)(nil)

// Config names the bucket. Gzip stores objects gzip-encoded; GCS serves
// them decompressed to clients that do not accept gzip.
type Config struct {
	Bucket        string
	Prefix        string
	Gzip          bool
	UploadTimeout time.Duration
}

// BlobStore uploads snapshots as single-request objects.
type BlobStore struct {
	client *storage.Client
	cfg    Config
	owned  bool
}

// Open creates a client from application default credentials and checks
// the bucket exists.
func Open(ctx context.Context, cfg Config) (*BlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	store, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q: %w", cfg.Bucket, err)
	}
	store.owned = true
	return store, nil
}

// New wraps client. The caller keeps ownership of it.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	return &BlobStore{client: client, cfg: cfg}, nil
}

// ObjectName places key under the configured prefix.
func (s *BlobStore) ObjectName(key string) string {
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

// PutObject replaces the object at key and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("object key is required")
	}
	body, err := encodeBody(r, s.cfg.Gzip)
	if err != nil {
		return "", fmt.Errorf("read snapshot %s: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	defer cancel()

	name := s.ObjectName(key)
	w := s.client.Bucket(s.cfg.Bucket).Object(name).NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = contentType
	w.CacheControl = "no-store"
	if s.cfg.Gzip {
		w.ContentEncoding = "gzip"
	}
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return "gs://" + s.cfg.Bucket + "/" + name, nil
}

// Close releases the client when Open created it.
func (s *BlobStore) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

// encodeBody buffers r so a retried upload can resend it.
func encodeBody(r io.Reader, compress bool) (*bytes.Reader, error) {
	var buf bytes.Buffer
	if !compress {
		if _, err := buf.ReadFrom(r); err != nil {
			return nil, err
		}
		return bytes.NewReader(buf.Bytes()), nil
	}
	zw := gzip.NewWriter(&buf)
	if _, err := io.Copy(zw, r); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf.Bytes()), nil
}
