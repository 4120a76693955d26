package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Archiver pushes checkpoint bundles to an S3 bucket before local
// cleanup deletes them. Bundles are opaque byte blobs; retrieval is an
// operator task, not part of the control plane.
type S3Archiver struct {
	client *s3.Client
	bucket string
	region string
	prefix string
}

// S3ArchiveConfig holds the configuration for S3Archiver
type S3ArchiveConfig struct {
	Bucket string `json:"bucket"`
	Region string `json:"region"`
	Prefix string `json:"prefix,omitempty"`
	// Endpoint overrides the S3 endpoint, for LocalStack-style setups.
	Endpoint string `json:"endpoint,omitempty"`
	// AccessKey and SecretKey are optional static credentials. Leave
	// empty to use the default AWS credential chain.
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
}

// NewS3Archiver creates an S3-backed checkpoint archiver
func NewS3Archiver(cfg S3ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for LocalStack
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	a := &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: cfg.Prefix,
	}

	if err := a.initializeBucket(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize archive bucket: %w", err)
	}

	return a, nil
}

// initializeBucket ensures the archive bucket exists and is accessible
func (a *S3Archiver) initializeBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noBucket) || strings.Contains(err.Error(), "NotFound") {
			_, err = a.client.CreateBucket(ctx, &s3.CreateBucketInput{
				Bucket: aws.String(a.bucket),
				CreateBucketConfiguration: &types.CreateBucketConfiguration{
					LocationConstraint: types.BucketLocationConstraint(a.region),
				},
			})
			if err != nil {
				return fmt.Errorf("failed to create S3 bucket %s: %w", a.bucket, err)
			}
		} else {
			return fmt.Errorf("failed to access S3 bucket %s: %w", a.bucket, err)
		}
	}

	return nil
}

// objectKey constructs the full S3 object key for a checkpoint bundle
func (a *S3Archiver) objectKey(checkpointID string) string {
	if a.prefix == "" {
		return "checkpoints/" + checkpointID + ".tar.gz"
	}
	return strings.TrimSuffix(a.prefix, "/") + "/checkpoints/" + checkpointID + ".tar.gz"
}

// Archive uploads a checkpoint bundle to the archive bucket
func (a *S3Archiver) Archive(ctx context.Context, checkpointID string, bundle []byte) error {
	if checkpointID == "" {
		return fmt.Errorf("checkpoint ID cannot be empty")
	}
	if len(bundle) == 0 {
		return fmt.Errorf("bundle cannot be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.objectKey(checkpointID)),
		Body:        bytes.NewReader(bundle),
		ContentType: aws.String("application/gzip"),
		Metadata: map[string]string{
			"checkpoint-id": checkpointID,
			"archived-at":   time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive checkpoint %s: %w", checkpointID, err)
	}

	return nil
}
