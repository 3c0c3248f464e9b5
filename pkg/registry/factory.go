package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BackendType selects the payload storage backend.
type BackendType string

const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// NewBlobStoreFromEnv creates a payload store based on environment
// variables.
//
//   - GOVERNANCE_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - GOVERNANCE_STORE_ROOT: base directory for the fs backend
//
// For S3:
//   - GOVERNANCE_S3_BUCKET (required)
//   - GOVERNANCE_S3_REGION or AWS_REGION
//   - GOVERNANCE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - GOVERNANCE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - GOVERNANCE_GCS_BUCKET (required)
//   - GOVERNANCE_GCS_PREFIX (optional)
func NewBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	backend := BackendType(os.Getenv("GOVERNANCE_STORAGE_TYPE"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		return newFileBlobStoreFromEnv()
	case BackendS3:
		return newS3BlobStoreFromEnv(ctx)
	case BackendGCS:
		return newGCSBlobStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}

func newFileBlobStoreFromEnv() (BlobStore, error) {
	root := os.Getenv("GOVERNANCE_STORE_ROOT")
	if root == "" {
		root = "data"
	}
	return NewFileBlobStore(filepath.Join(root, "store", "payloads"))
}

func newS3BlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("GOVERNANCE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("GOVERNANCE_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("GOVERNANCE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3BlobStore(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("GOVERNANCE_S3_ENDPOINT"),
		Prefix:   os.Getenv("GOVERNANCE_S3_PREFIX"),
	})
}
