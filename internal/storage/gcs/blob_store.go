// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// Prefix is prepended to every object path.
	Prefix string `mapstructure:"prefix"`
}

// objectWriter is the part of *storage.Writer the store uses.
type objectWriter interface {
	io.WriteCloser
	SetContentType(contentType string)
}

type gcsWriter struct {
	*storage.Writer
}

func (w gcsWriter) SetContentType(contentType string) {
	w.ContentType = contentType
}

type writerFunc func(ctx context.Context, bucket, object string) objectWriter

// BlobStore writes mirrored pages to a configured GCS bucket.
type BlobStore struct {
	newWriter writerFunc
	bucket    string
	prefix    string
}

// New creates a GCS-backed blob store over client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newWithWriter(func(ctx context.Context, bucket, object string) objectWriter {
		return gcsWriter{Writer: client.Bucket(bucket).Object(object).NewWriter(ctx)}
	}, cfg)
}

// Open creates a storage client from ambient credentials and wraps it.
func Open(ctx context.Context, cfg Config) (*BlobStore, func() error, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	store, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return store, client.Close, nil
}

func newWithWriter(newWriter writerFunc, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		newWriter: newWriter,
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutObject uploads data and returns a gs:// URI. A failed copy aborts the
// upload so no partial object is committed.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	object := strings.TrimPrefix(path, "/")
	if s.prefix != "" {
		object = s.prefix + "/" + object
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writer := s.newWriter(uploadCtx, s.bucket, object)
	if contentType != "" {
		writer.SetContentType(contentType)
	}
	if _, err := io.Copy(writer, r); err != nil {
		cancel()
		_ = writer.Close()
		return "", fmt.Errorf("copy object %s: %w", object, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
