package relayform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3BlobStore keeps attachments in an S3-compatible bucket.
type S3BlobStore struct {
	client *minio.Client
	bucket string
	region string

	bucketOnce sync.Once
	bucketErr  error
}

// NewS3BlobStoreFromDSN accepts s3://ACCESS:SECRET@host:port/bucket?secure=true&region=us-east-1.
func NewS3BlobStoreFromDSN(dsn string) (*S3BlobStore, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	bucket := strings.Trim(parsed.Path, "/")
	if parsed.Host == "" || bucket == "" {
		return nil, fmt.Errorf("%w: s3 dsn needs host and bucket", ErrInvalidInput)
	}
	accessKey := parsed.User.Username()
	secretKey, _ := parsed.User.Password()
	secure := true
	if raw := parsed.Query().Get("secure"); raw != "" {
		if value, parseErr := strconv.ParseBool(raw); parseErr == nil {
			secure = value
		}
	}
	region := parsed.Query().Get("region")

	client, err := minio.New(parsed.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3BlobStore{client: client, bucket: bucket, region: region}, nil
}

func (s *S3BlobStore) ensureBucket(ctx context.Context) error {
	s.bucketOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.bucketErr = fmt.Errorf("failed to check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			s.bucketErr = fmt.Errorf("failed to create bucket: %w", err)
		}
	})
	return s.bucketErr
}

func (s *S3BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}
