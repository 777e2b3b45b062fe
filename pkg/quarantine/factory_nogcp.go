//go:build !gcp

package quarantine

import (
	"context"
	"fmt"
)

func newGCSStore(context.Context, GCSStoreConfig) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
