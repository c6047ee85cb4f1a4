// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package s3

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/netSkope/batch-export/internal/export"
	"go.uber.org/zap"
)

// API is the subset of the S3 client used by this package.
type API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// ClientConfig selects the region, endpoint and credentials of a client.
// Empty credentials fall back to the SDK default chain.
type ClientConfig struct {
	Region          string `yaml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" json:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id" json:"aws_access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"aws_secret_access_key"`
	SessionToken    string `yaml:"session_token" json:"aws_session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style" json:"force_path_style"`
}

// NewClient creates an S3 client. AWS_ENDPOINT_URL overrides an empty
// Endpoint, for LocalStack and MinIO.
func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("AWS_ENDPOINT_URL")
	}
	if endpoint != "" {
		logger.Info("Using custom S3 endpoint", zap.String("endpoint", endpoint))
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		} else {
			o.UsePathStyle = cfg.ForcePathStyle
		}
	}), nil
}

// RequestTimeoutError reports that S3 gave up waiting for a request body.
// It is transient and safe to retry.
type RequestTimeoutError struct {
	Err error
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request timed out: %v", e.Err)
}

func (e *RequestTimeoutError) Unwrap() error { return e.Err }

func (e *RequestTimeoutError) Kind() string { return "RequestTimeout" }

// permanentCodes are S3 error codes a retry cannot fix.
var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"AllAccessDisabled":     true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"InvalidBucketName":     true,
	"KMS.DisabledException": true,
	"KMS.NotFoundException": true,
}

// ClassifyError maps provider error codes onto the export error taxonomy.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	code := apiErr.ErrorCode()
	switch {
	case code == "RequestTimeout":
		return &RequestTimeoutError{Err: err}
	case permanentCodes[code]:
		return export.NewNonRetryable(code, err)
	}
	return err
}
