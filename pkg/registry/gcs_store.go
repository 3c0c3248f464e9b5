//go:build gcp

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/domaindetermine/governance/pkg/canonical"
)

// GCSBlobStore implements BlobStore on Google Cloud Storage. Built only
// with the gcp tag so default builds skip the GCS dependency tree.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds GCSBlobStore configuration.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSBlobStore creates a GCS-backed payload store (uses ADC).
func NewGCSBlobStore(ctx context.Context, cfg GCSConfig) (*GCSBlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSBlobStore) object(hash string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + "payloads/" + hash)
}

func (s *GCSBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := canonical.HashBytes(data)

	obj := s.object(hash)
	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return hash, nil
}

func (s *GCSBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	hash, err := validateHash(hash)
	if err != nil {
		return nil, err
	}

	reader, err := s.object(hash).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

func (s *GCSBlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	hash, err := validateHash(hash)
	if err != nil {
		return false, err
	}

	_, err = s.object(hash).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

func (s *GCSBlobStore) Delete(ctx context.Context, hash string) error {
	hash, err := validateHash(hash)
	if err != nil {
		return err
	}

	err = s.object(hash).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", hash, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}
