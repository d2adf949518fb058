// Package objectstore wraps an S3-compatible bucket (AWS S3 or Cloudflare R2)
// behind the small surface the document handlers need: whole-object put/get/
// delete plus multipart uploads for large documents.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("objectstore: not found")

// Config describes the bucket connection. Endpoint is set for R2 or any other
// S3-compatible store; empty means AWS S3 proper.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Store is an S3-backed object store.
type Store struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// New creates a Store. Static credentials are used when provided; otherwise
// the default AWS credential chain applies.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("objectstore: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// R2 and most S3-compatible stores want path-style addressing.
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// NewFromClient wraps an existing S3 client; used by tests.
func NewFromClient(client *s3.Client, bucket string, logger *slog.Logger) *Store {
	return &Store{client: client, bucket: bucket, logger: logger}
}

// Put stores an object.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// Get returns an object's body and content type. The caller owns the reader.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return out.Body, aws.ToString(out.ContentType), nil
}

// Delete removes an object. Deleting a missing key is not an error; S3
// semantics already guarantee that.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// Stat reports an object's size, or ErrNotFound.
func (s *Store) Stat(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("objectstore: head %s: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Part identifies a completed multipart piece.
type Part struct {
	Number int32  `json:"number"`
	ETag   string `json:"etag"`
}

// CreateMultipart starts a multipart upload and returns its upload ID.
func (s *Store) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("objectstore: create multipart %s: %w", key, err)
	}
	s.logger.Info("multipart upload created", "key", key, "uploadId", aws.ToString(out.UploadId))
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads one part. Part numbers start at 1.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader) (Part, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       body,
	})
	if err != nil {
		return Part{}, fmt.Errorf("objectstore: upload part %d of %s: %w", partNumber, key, err)
	}
	return Part{Number: partNumber, ETag: aws.ToString(out.ETag)}, nil
}

// CompleteMultipart finishes a multipart upload. Parts are sorted by number
// before completion, as S3 requires.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error {
	sorted := append([]Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	completed := make([]types.CompletedPart, len(sorted))
	for i, p := range sorted {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.Number),
			ETag:       aws.String(p.ETag),
		}
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("objectstore: complete multipart %s: %w", key, err)
	}
	s.logger.Info("multipart upload completed", "key", key, "parts", len(parts))
	return nil
}

// AbortMultipart abandons a multipart upload, releasing stored parts.
func (s *Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("objectstore: abort multipart %s: %w", key, err)
	}
	return nil
}

// DocumentKey builds the canonical object key for a context document.
func DocumentKey(chittyID, docType, docID string) string {
	return fmt.Sprintf("chittyid/%s/%s/%s", chittyID, docType, docID)
}
