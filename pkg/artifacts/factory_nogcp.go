//go:build !gcp

package artifacts

import (
	"context"

	"github.com/engramhq/engram/pkg/errkind"
)

// GCS support is compiled in only with the gcp build tag. Without it the
// capability surfaces as the same structured dependency_missing error a
// misconfigured runtime would produce.
func newGCSStore(ctx context.Context, bucket, prefix string) (Store, error) {
	return nil, errkind.New(errkind.DependencyError,
		"gcs artifact storage requires a binary built with -tags gcp")
}
