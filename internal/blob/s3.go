// Drivetrain - Activity Sync and Vector Tile Pipeline
// Copyright 2026 Ridelines
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ridelines/drivetrain

package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ridelines/drivetrain/internal/logging"
	"github.com/ridelines/drivetrain/internal/metrics"
)

// S3Store implements Store over S3 and CloudFront.
type S3Store struct {
	s3Client     *s3.Client
	cfClient     *cloudfront.Client
	distribution string
}

// NewS3Store wraps AWS service clients. distribution may be empty, in
// which case InvalidateCDN is a logged no-op (local and staging stacks
// run without a CDN in front of the tile bucket).
func NewS3Store(s3Client *s3.Client, cfClient *cloudfront.Client, distribution string) *S3Store {
	return &S3Store{
		s3Client:     s3Client,
		cfClient:     cfClient,
		distribution: distribution,
	}
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	metrics.RecordBlobOperation("get", err)
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close() //nolint:errcheck // Best effort close on read path

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// GetStream implements Store. The caller owns closing the body.
func (s *S3Store) GetStream(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	metrics.RecordBlobOperation("get", err)
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// Put implements Store. S3 object replacement is atomic: readers observe
// either the prior object or the complete new one.
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	return s.PutStream(ctx, bucket, key, bytes.NewReader(data), contentType)
}

// PutStream implements Store.
func (s *S3Store) PutStream(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	metrics.RecordBlobOperation("put", err)
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// InvalidateCDN implements Store.
func (s *S3Store) InvalidateCDN(ctx context.Context, pathPattern string) error {
	if s.distribution == "" {
		logging.Ctx(ctx).Debug().Str("path", pathPattern).Msg("No CDN distribution configured, skipping invalidation")
		return nil
	}

	callerRef := fmt.Sprintf("drivetrain-%d", time.Now().UnixNano())
	_, err := s.cfClient.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(s.distribution),
		InvalidationBatch: &cftypes.InvalidationBatch{
			CallerReference: aws.String(callerRef),
			Paths: &cftypes.Paths{
				Quantity: aws.Int32(1),
				Items:    []string{pathPattern},
			},
		},
	})
	metrics.RecordBlobOperation("invalidate", err)
	if err != nil {
		return fmt.Errorf("invalidate %s on distribution %s: %w", pathPattern, s.distribution, err)
	}
	return nil
}
