//go:build gcp

package quarantine

import "context"

func newGCSStore(ctx context.Context, cfg GCSStoreConfig) (Store, error) {
	return NewGCSStore(ctx, cfg)
}
