package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore keeps artifacts in an S3-compatible bucket, keyed by digest.
type MinioStore struct {
	client *minio.Client
	bucket string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioStore connects and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
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
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func objectKey(sha256Hex string) string {
	// Two-level prefix keeps listings usable at volume.
	if len(sha256Hex) < 4 {
		return "pdf/" + sha256Hex
	}
	return "pdf/" + sha256Hex[:2] + "/" + sha256Hex[2:4] + "/" + sha256Hex
}

func (s *MinioStore) Put(ctx context.Context, sha256Hex string, pdf []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(sha256Hex),
		bytes.NewReader(pdf), int64(len(pdf)),
		minio.PutObjectOptions{ContentType: "application/pdf"})
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", sha256Hex, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, sha256Hex string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectKey(sha256Hex), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", sha256Hex, err)
	}
	defer object.Close()

	pdf, err := io.ReadAll(object)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact %s: %w", sha256Hex, err)
	}
	return pdf, nil
}
