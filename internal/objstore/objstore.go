// Package objstore writes export files to a local directory or an
// S3-compatible bucket.
package objstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader stores an object and returns where it can be found.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error)
}

// Local writes objects under a base directory.
type Local struct {
	Dir string
}

func (l *Local) Upload(_ context.Context, name string, r io.Reader, _ int64, _ string) (string, error) {
	clean := filepath.Clean("/" + name)
	dst := filepath.Join(l.Dir, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// MinioConfig holds the connection settings for an S3-compatible store.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Minio uploads objects to a bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio creates a client and makes sure the bucket exists.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objstore: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Minio{client: client, bucket: cfg.Bucket}, nil
}

func (m *Minio) Upload(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	_, err := m.client.PutObject(ctx, m.bucket, name, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", name, err)
	}
	return "s3://" + m.bucket + "/" + name, nil
}
