//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/engramhq/engram/pkg/errkind"
)

// GCSStore implements Store on Google Cloud Storage. Objects are keyed by
// relative path with the content SHA-256 in object metadata, mirroring the
// S3 backend.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

const gcsMetaSHA256 = "engram-sha256"

// NewGCSStore creates a GCS-backed artifact store.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
	}, nil
}

func (s *GCSStore) keyFor(relPath string) string {
	if s.prefix == "" {
		return relPath
	}
	return s.prefix + "/" + relPath
}

func (s *GCSStore) uriFor(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, key)
}

func (s *GCSStore) keyFromURI(uri string) (string, error) {
	want := "gs://" + s.bucket + "/"
	if !strings.HasPrefix(uri, want) {
		return "", fmt.Errorf("uri %q not in bucket %s", uri, s.bucket)
	}
	return strings.TrimPrefix(uri, want), nil
}

func (s *GCSStore) Put(ctx context.Context, relPath string, data []byte) (PutResult, error) {
	key := s.keyFor(relPath)
	sum := HashBytes(data)
	res := PutResult{URI: s.uriFor(key), SHA256: sum, Size: int64(len(data))}

	obj := s.client.Bucket(s.bucket).Object(key)
	attrs, err := obj.Attrs(ctx)
	if err == nil {
		if attrs.Metadata[gcsMetaSHA256] == sum {
			return res, nil
		}
		return PutResult{}, errkind.New(errkind.StorageCollision,
			fmt.Sprintf("key %s already holds different content", key))
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return PutResult{}, fmt.Errorf("gcs attrs failed: %w", err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.Metadata = map[string]string{gcsMetaSHA256: sum}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return PutResult{}, fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return PutResult{}, fmt.Errorf("gcs commit failed: %w", err)
	}
	return res, nil
}

func (s *GCSStore) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("gcs attrs failed: %w", err)
}

func (s *GCSStore) Read(ctx context.Context, uri string) ([]byte, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("artifact not found: %s", uri)
		}
		return nil, fmt.Errorf("gcs read failed: %w", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed: %w", err)
	}
	return data, nil
}

func (s *GCSStore) Stat(ctx context.Context, uri string) (StatResult, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return StatResult{}, err
	}
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return StatResult{}, fmt.Errorf("artifact not found: %s", uri)
		}
		return StatResult{}, fmt.Errorf("gcs attrs failed: %w", err)
	}
	res := StatResult{SHA256: attrs.Metadata[gcsMetaSHA256], Size: attrs.Size}
	if res.SHA256 == "" {
		data, err := s.Read(ctx, uri)
		if err != nil {
			return StatResult{}, err
		}
		res.SHA256 = HashBytes(data)
		res.Size = int64(len(data))
	}
	return res, nil
}
