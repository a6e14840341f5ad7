package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"veritrain-orchestrator/core/apperr"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3BlobStore
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configures the S3 blob store
type S3Options struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string // for S3-compatible stores such as MinIO
	ForcePathStyle bool
}

// S3BlobStore keeps objects in an S3 bucket
type S3BlobStore struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Client builds an S3 client from the default credential chain
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if opts.Region != "" {
		cfg.Region = opts.Region
	} else if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if opts.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	return s3.NewFromConfig(cfg, s3Opts...), nil
}

// NewS3BlobStore creates an S3 blob store over client
func NewS3BlobStore(client S3API, bucket, prefix string) (*S3BlobStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	return &S3BlobStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// Put uploads the object. The body is buffered so the request can be signed.
func (s *S3BlobStore) Put(ctx context.Context, key string, r io.Reader) (string, int64, error) {
	objectKey, err := s.key(key)
	if err != nil {
		return "", 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("read %s: %w", key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return "", 0, s.convertError("put", objectKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), int64(len(data)), nil
}

// Get opens the object for reading
func (s *S3BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	objectKey, err := s.key(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, s.convertError("get", objectKey, err)
	}
	return out.Body, nil
}

func (s *S3BlobStore) key(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", apperr.Validation("object key is empty")
	}
	if s.prefix == "" {
		return key, nil
	}
	return path.Join(s.prefix, key), nil
}

// convertError maps SDK errors onto the engine taxonomy. Anything that is
// not a definite client error is treated as transient.
func (s *S3BlobStore) convertError(op, key string, err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return apperr.Wrap(apperr.CodeNotFound, err, "object s3://%s/%s not found", s.bucket, key)
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return apperr.Fatal(err, "bucket %s does not exist", s.bucket)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if strings.Contains(err.Error(), "AccessDenied") {
		return apperr.Fatal(err, "%s s3://%s/%s", op, s.bucket, key)
	}
	return apperr.Transient(err, "%s s3://%s/%s", op, s.bucket, key)
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jsonl":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}
