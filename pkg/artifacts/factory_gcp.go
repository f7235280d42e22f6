//go:build gcp

package artifacts

import "context"

func newGCSStore(ctx context.Context, bucket, prefix string) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: bucket, Prefix: prefix})
}
