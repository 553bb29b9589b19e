// Package minio stores content-addressed blobs in an S3-compatible bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"suimessenger/internal/domain"
	"suimessenger/pkg/contentid"
)

// Options configure the S3 endpoint
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// BlobRepository writes and reads blobs keyed by their content id
type BlobRepository struct {
	client *minio.Client
	bucket string
	name   string
}

var (
	_ domain.BlobWriter = (*BlobRepository)(nil)
	_ domain.BlobReader = (*BlobRepository)(nil)
)

// NewBlobRepository creates a new BlobRepository. It does not contact the endpoint.
func NewBlobRepository(opts Options) (*BlobRepository, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return &BlobRepository{
		client: client,
		bucket: opts.Bucket,
		name:   "s3:" + opts.Endpoint,
	}, nil
}

// EnsureBucket creates the bucket if it is missing
func (r *BlobRepository) EnsureBucket(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Name identifies the endpoint in logs and metrics
func (r *BlobRepository) Name() string { return r.name }

// Put stores data under its content id. Re-storing identical bytes is harmless.
// The bucket's lifecycle policy governs retention, so epochs is only echoed back.
// Payload signing is skipped: Get verifies bytes against the content id instead.
func (r *BlobRepository) Put(ctx context.Context, data []byte, epochs int) (domain.BlobReference, error) {
	id, err := contentid.Compute(data)
	if err != nil {
		return domain.BlobReference{}, err
	}
	_, err = r.client.PutObject(ctx, r.bucket, id, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:          "application/octet-stream",
		DisableContentSha256: true,
	})
	if err != nil {
		return domain.BlobReference{}, fmt.Errorf("failed to put object: %w", err)
	}
	return domain.BlobReference{
		ContentID: id,
		SizeBytes: int64(len(data)),
		TTLEpochs: epochs,
	}, nil
}

// Get reads the blob stored under contentID and checks it against the id
func (r *BlobRepository) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := contentid.Validate(contentID); err != nil {
		return nil, domain.ErrBlobNotFound
	}

	obj, err := r.client.GetObject(ctx, r.bucket, contentID, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapError(err)
	}
	if err := contentid.Verify(contentID, data); err != nil {
		return nil, err
	}
	return data, nil
}

func mapError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return domain.ErrBlobNotFound
	default:
		return fmt.Errorf("failed to get object: %w", err)
	}
}
