package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore keeps artifacts in a MinIO (or any S3-compatible) bucket
type MinioStore struct {
	Client *minio.Client
	bucket string
}

// NewMinioStore connects to endpoint and makes sure the bucket exists
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, secure bool) (*MinioStore, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is not configured")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	store := &MinioStore{Client: client, bucket: bucket}
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.Client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		// Another replica may have created it in between
		exists, errBucketExists := s.Client.BucketExists(ctx, s.bucket)
		if errBucketExists == nil && exists {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (s *MinioStore) Upload(ctx context.Context, prefix, localDir string, files []string) (string, error) {
	for _, name := range files {
		_, err := s.Client.FPutObject(ctx, s.bucket, objectKey(prefix, name), filepath.Join(localDir, name), minio.PutObjectOptions{})
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, prefix), nil
}

func (s *MinioStore) DeletePrefix(ctx context.Context, prefix string) error {
	objects := s.Client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for res := range s.Client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if res.Err != nil {
			return fmt.Errorf("delete %s: %w", res.ObjectName, res.Err)
		}
	}
	return nil
}
