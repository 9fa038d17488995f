/**
 * @description
 * This package wraps the AWS S3 SDK for secure digital delivery. Template
 * content lives in a private bucket; after the entitlement ledger authorizes a
 * download, this client issues a time-limited presigned GET URL for the
 * template's storage locator.
 *
 * @dependencies
 * - github.com/aws/aws-sdk-go-v2: AWS SDK config, credentials and S3 service.
 */
package s3delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the S3 connection settings for template delivery.
type Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// EndpointURL overrides the AWS endpoint for S3-compatible storage
	// (MinIO, Backblaze B2). Empty means stock AWS.
	EndpointURL string
	// URLTTL is how long issued download links stay valid.
	URLTTL time.Duration
}

// Client issues presigned download URLs for stored template content.
type Client struct {
	presigner *s3.PresignClient
	bucket    string
	urlTTL    time.Duration
}

// NewClient builds an S3 client from static credentials and verifies nothing:
// bucket reachability problems surface on first presign use.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3delivery: bucket is required")
	}
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = time.Hour
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3delivery: load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible providers generally require path-style addressing.
			o.UsePathStyle = true
		}
	})

	return &Client{
		presigner: s3.NewPresignClient(s3Client),
		bucket:    cfg.Bucket,
		urlTTL:    cfg.URLTTL,
	}, nil
}

// PresignDownload returns a time-limited GET URL for the given object key.
func (c *Client) PresignDownload(ctx context.Context, storageLocator string) (string, error) {
	key := strings.TrimPrefix(strings.TrimSpace(storageLocator), "/")
	if key == "" {
		return "", fmt.Errorf("s3delivery: empty storage locator")
	}

	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(c.urlTTL))
	if err != nil {
		return "", fmt.Errorf("s3delivery: presign %s: %w", key, err)
	}

	return req.URL, nil
}
