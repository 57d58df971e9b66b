// Package artifacts stores large stage outputs out of band. Events then
// carry an output reference instead of the full text.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store persists stage output blobs and resolves output references.
type Store interface {
	// Put stores data and returns an opaque reference.
	Put(ctx context.Context, runID, stageID string, attempt int, data []byte) (string, error)
	// Get resolves a reference produced by Put.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Config holds object-store connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore implements Store on an S3-compatible object store.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Put stores the blob under runs/<run>/<stage>/<attempt>.txt.
func (s *MinioStore) Put(ctx context.Context, runID, stageID string, attempt int, data []byte) (string, error) {
	name := fmt.Sprintf("runs/%s/%s/%d.txt", runID, stageID, attempt)
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("failed to store artifact %s: %w", name, err)
	}
	return s.bucket + "/" + name, nil
}

// Get fetches a blob by reference.
func (s *MinioStore) Get(ctx context.Context, ref string) ([]byte, error) {
	name, ok := strings.CutPrefix(ref, s.bucket+"/")
	if !ok {
		return nil, fmt.Errorf("artifact ref %q is not in bucket %s", ref, s.bucket)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch artifact %s: %w", name, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return data, nil
}
