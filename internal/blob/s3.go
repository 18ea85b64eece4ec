package blob

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rotisserie/eris"
)

// S3 stores objects in one S3 (or S3-compatible) bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 loads the default AWS config. A non-empty endpoint selects an
// S3-compatible service with path-style addressing.
func NewS3(ctx context.Context, bucket, endpoint string) (*S3, error) {
	if bucket == "" {
		return nil, eris.New("blob: bucket must be set")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "blob: load aws config")
	}
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: cfg.Credentials,
		HTTPClient:  cfg.HTTPClient,
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return &S3{client: s3.New(opts), bucket: bucket}, nil
}

func (s *S3) ForBucket(bucket string) Store {
	return &S3{client: s.client, bucket: bucket}
}

// Put uses a conditional write so an existing key is left untouched.
func (s *S3) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return eris.Wrapf(err, "blob: put s3://%s/%s", s.bucket, key)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}
	return false
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, eris.Wrapf(ErrNotFound, "s3://%s/%s", s.bucket, key)
		}
		return nil, eris.Wrapf(err, "blob: get s3://%s/%s", s.bucket, key)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read s3://%s/%s", s.bucket, key)
	}
	return data, nil
}
