//go:build !gcp

package registry

import (
	"context"
	"fmt"
)

func newGCSBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	return nil, fmt.Errorf("GCS storage requires building with the gcp tag")
}
