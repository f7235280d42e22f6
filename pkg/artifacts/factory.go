package artifacts

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// NewStore creates an artifact store from a root spec:
//
//	s3://bucket[/prefix]   → S3 backend
//	gs://bucket[/prefix]   → GCS backend (requires the gcp build tag)
//	anything else          → filesystem backend rooted at the given path
//
// For S3 the region comes from ARTIFACT_S3_REGION or AWS_REGION and an
// optional ARTIFACT_S3_ENDPOINT selects MinIO/LocalStack.
func NewStore(ctx context.Context, root string) (Store, error) {
	switch {
	case strings.HasPrefix(root, "s3://"):
		bucket, prefix := splitBucketSpec(strings.TrimPrefix(root, "s3://"))
		if bucket == "" {
			return nil, fmt.Errorf("artifact root %q has no bucket", root)
		}
		region := os.Getenv("ARTIFACT_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			Prefix:   prefix,
		})
	case strings.HasPrefix(root, "gs://"):
		bucket, prefix := splitBucketSpec(strings.TrimPrefix(root, "gs://"))
		if bucket == "" {
			return nil, fmt.Errorf("artifact root %q has no bucket", root)
		}
		return newGCSStore(ctx, bucket, prefix)
	default:
		return NewFileStore(root)
	}
}

func splitBucketSpec(spec string) (bucket, prefix string) {
	parts := strings.SplitN(spec, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix
}
