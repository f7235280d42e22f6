package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/engramhq/engram/pkg/errkind"
)

// S3Store implements Store on AWS S3 (or any S3-compatible endpoint such as
// MinIO). Objects are keyed by relative path; the content SHA-256 is kept in
// object metadata so Stat does not have to download the body.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

const s3MetaSHA256 = "engram-sha256"

// NewS3Store creates an S3-backed artifact store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	}
	return &S3Store{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Store) keyFor(relPath string) string {
	if s.prefix == "" {
		return relPath
	}
	return s.prefix + "/" + relPath
}

func (s *S3Store) uriFor(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func (s *S3Store) keyFromURI(uri string) (string, error) {
	want := "s3://" + s.bucket + "/"
	if !strings.HasPrefix(uri, want) {
		return "", fmt.Errorf("uri %q not in bucket %s", uri, s.bucket)
	}
	return strings.TrimPrefix(uri, want), nil
}

func (s *S3Store) head(ctx context.Context, key string) (*s3.HeadObjectOutput, bool, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("s3 head failed: %w", err)
	}
	return out, true, nil
}

func (s *S3Store) Put(ctx context.Context, relPath string, data []byte) (PutResult, error) {
	key := s.keyFor(relPath)
	sum := HashBytes(data)
	res := PutResult{URI: s.uriFor(key), SHA256: sum, Size: int64(len(data))}

	head, exists, err := s.head(ctx, key)
	if err != nil {
		return PutResult{}, err
	}
	if exists {
		if head.Metadata[s3MetaSHA256] == sum {
			return res, nil
		}
		return PutResult{}, errkind.New(errkind.StorageCollision,
			fmt.Sprintf("key %s already holds different content", key))
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{s3MetaSHA256: sum},
	})
	if err != nil {
		return PutResult{}, fmt.Errorf("s3 put failed: %w", err)
	}
	return res, nil
}

func (s *S3Store) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return false, err
	}
	_, exists, err := s.head(ctx, key)
	return exists, err
}

func (s *S3Store) Read(ctx context.Context, uri string) ([]byte, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("artifact not found: %s", uri)
		}
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed: %w", err)
	}
	return data, nil
}

func (s *S3Store) Stat(ctx context.Context, uri string) (StatResult, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return StatResult{}, err
	}
	head, exists, err := s.head(ctx, key)
	if err != nil {
		return StatResult{}, err
	}
	if !exists {
		return StatResult{}, fmt.Errorf("artifact not found: %s", uri)
	}
	res := StatResult{SHA256: head.Metadata[s3MetaSHA256]}
	if head.ContentLength != nil {
		res.Size = *head.ContentLength
	}
	if res.SHA256 == "" {
		// Legacy object without metadata; fall back to a full read.
		data, err := s.Read(ctx, uri)
		if err != nil {
			return StatResult{}, err
		}
		res.SHA256 = HashBytes(data)
		res.Size = int64(len(data))
	}
	return res, nil
}

func isS3NotFound(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
