package objstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sentinelstack/sentinel-engine/internal/config"
)

// s3API is the subset of the S3 client the engine uses, extracted so tests
// can substitute a fake.
type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Client wraps object storage operations: a lightweight existence probe plus
// the upload housekeeping used by disk remediation.
type Client struct {
	api    s3API
	bucket string
	cfg    config.StorageConfig
}

// New builds an S3-backed client from ambient AWS credentials. A custom
// endpoint supports S3-compatible stores in local development.
func New(ctx context.Context, cfg config.StorageConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{api: api, bucket: cfg.Bucket, cfg: cfg}, nil
}

// Probe verifies the bucket exists and is reachable.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", c.bucket, err)
	}
	return nil
}

// RemoveStaleUploads deletes temporary upload objects older than maxAge under
// the configured prefix and returns how many were removed.
func (c *Client) RemoveStaleUploads(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	var continuation *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(c.cfg.UploadPrefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return removed, fmt.Errorf("list uploads: %w", err)
		}

		for _, obj := range out.Contents {
			if obj.LastModified == nil || obj.LastModified.After(cutoff) {
				continue
			}
			_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(c.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return removed, fmt.Errorf("delete upload %s: %w", aws.ToString(obj.Key), err)
			}
			removed++
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}
	return removed, nil
}

// AbortStaleMultipartUploads aborts multipart uploads initiated before the
// cutoff, reclaiming storage held by failed partial uploads. Aborting an
// upload that has already gone is treated as done, not an error.
func (c *Client) AbortStaleMultipartUploads(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	aborted := 0

	out, err := c.api.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return 0, fmt.Errorf("list multipart uploads: %w", err)
	}

	for _, upload := range out.Uploads {
		if upload.Initiated == nil || upload.Initiated.After(cutoff) {
			continue
		}
		_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(c.bucket),
			Key:      upload.Key,
			UploadId: upload.UploadId,
		})
		if err != nil {
			return aborted, fmt.Errorf("abort multipart upload %s: %w", aws.ToString(upload.Key), err)
		}
		aborted++
	}
	return aborted, nil
}
