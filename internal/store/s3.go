package store

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of *s3.Client used by S3Backend.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Backend stores artifacts in an S3 bucket.
type S3Backend struct {
	Client S3API
	Bucket string
	Prefix string
}

// NewS3Backend builds a backend from an AWS config.
func NewS3Backend(cfg aws.Config, bucket, prefix string) *S3Backend {
	return &S3Backend{Client: s3.NewFromConfig(cfg), Bucket: bucket, Prefix: prefix}
}

func (b *S3Backend) ListObjects(ctx context.Context) ([]Object, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(b.Bucket)}
	if b.Prefix != "" {
		in.Prefix = aws.String(b.Prefix)
	}

	var out []Object
	p := s3.NewListObjectsV2Paginator(b.Client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s: %w", b.Bucket, err)
		}
		for _, o := range page.Contents {
			obj := Object{Key: aws.ToString(o.Key), Size: aws.ToInt64(o.Size)}
			if o.LastModified != nil {
				obj.LastModified = *o.LastModified
			}
			out = append(out, obj)
		}
	}
	return out, nil
}

func (b *S3Backend) Download(ctx context.Context, key string, w io.Writer) error {
	resp, err := b.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("getting s3://%s/%s: %w", b.Bucket, key, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("reading s3://%s/%s: %w", b.Bucket, key, err)
	}
	return nil
}

func (b *S3Backend) CreateMultipart(ctx context.Context, key, contentType string) (string, error) {
	out, err := b.Client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.Bucket),
		Key:         aws.String(b.Prefix + key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("initiating multipart upload of %s: %w", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (b *S3Backend) UploadPart(ctx context.Context, key, uploadID string, part int32, body io.ReadSeeker, size int64) (string, error) {
	out, err := b.Client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.Prefix + key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(part),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

func (b *S3Backend) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}
	_, err := b.Client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.Bucket),
		Key:             aws.String(b.Prefix + key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("completing multipart upload of %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := b.Client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.Bucket),
		Key:      aws.String(b.Prefix + key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("aborting multipart upload of %s: %w", key, err)
	}
	return nil
}
