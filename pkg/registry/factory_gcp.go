//go:build gcp

package registry

import (
	"context"
	"fmt"
	"os"
)

func newGCSBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("GOVERNANCE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("GOVERNANCE_GCS_BUCKET is required for GCS storage")
	}

	return NewGCSBlobStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("GOVERNANCE_GCS_PREFIX"),
	})
}
