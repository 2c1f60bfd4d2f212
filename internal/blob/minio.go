package blob

import (
	"context"
	"fmt"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds the connection settings for an S3-compatible endpoint.
type MinIOConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	DefaultBucket string
}

// MinIOSource reads objects from MinIO or any S3-compatible store.
type MinIOSource struct {
	client        *miniogo.Client
	defaultBucket string
}

func NewMinIOSource(cfg MinIOConfig) (*MinIOSource, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOSource{client: client, defaultBucket: cfg.DefaultBucket}, nil
}

// EnsureBucket creates the default bucket if it does not exist.
func (s *MinIOSource) EnsureBucket(ctx context.Context) error {
	if s.defaultBucket == "" {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.defaultBucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.defaultBucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.defaultBucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.defaultBucket, err)
		}
	}
	return nil
}

// Ping reports whether the endpoint is reachable.
func (s *MinIOSource) Ping(ctx context.Context) error {
	if s.defaultBucket == "" {
		_, err := s.client.ListBuckets(ctx)
		return err
	}
	_, err := s.client.BucketExists(ctx, s.defaultBucket)
	return err
}

func (s *MinIOSource) Materialize(ctx context.Context, bucket, key, destPath string) error {
	if bucket == "" {
		bucket = s.defaultBucket
	}
	if err := s.client.FGetObject(ctx, bucket, key, destPath, miniogo.GetObjectOptions{}); err != nil {
		switch miniogo.ToErrorResponse(err).Code {
		case "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Client exposes the underlying client for uploads and administration.
func (s *MinIOSource) Client() *miniogo.Client {
	return s.client
}
