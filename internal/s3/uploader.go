// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package s3

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/netSkope/batch-export/internal/export"
	"go.uber.org/zap"
)

const (
	// Max retries for single-shot uploads
	maxS3Retries = 5
	// Initial retry delay
	initialRetryDelay = 1 * time.Second
)

// Uploader handles single-shot object uploads. The manager switches to
// multipart on its own for large bodies.
type Uploader struct {
	uploader   *manager.Uploader
	bucket     string
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewUploader creates an uploader writing into bucket.
func NewUploader(client manager.UploadAPIClient, bucket string, logger *zap.Logger) *Uploader {
	return &Uploader{
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 10 * 1024 * 1024 // 10MB per part
			u.Concurrency = 3             // 3 concurrent uploads
		}),
		bucket:     bucket,
		logger:     logger,
		retryDelay: initialRetryDelay,
	}
}

// Upload writes body to key.
func (u *Uploader) Upload(ctx context.Context, key string, body io.Reader) error {
	_, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, ClassifyError(err))
	}
	return nil
}

// UploadFile uploads a local file to key.
func (u *Uploader) UploadFile(ctx context.Context, path, key string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file info: %w", err)
	}

	u.logger.Info("Uploading file to S3",
		zap.String("file", path),
		zap.String("s3_key", key),
		zap.Int64("size", fileInfo.Size()))

	if err := u.Upload(ctx, key, file); err != nil {
		return err
	}

	u.logger.Info("File uploaded successfully",
		zap.String("s3_key", key),
		zap.Int64("size", fileInfo.Size()))
	return nil
}

// UploadFileWithRetry uploads a file, retrying transient failures with
// exponential backoff.
func (u *Uploader) UploadFileWithRetry(ctx context.Context, path, key string) error {
	var lastErr error
	delay := u.retryDelay

	for attempt := 1; attempt <= maxS3Retries; attempt++ {
		err := u.UploadFile(ctx, path, key)
		if err == nil {
			return nil
		}
		if export.IsNonRetryable(err, nil) {
			return err
		}

		lastErr = err
		if attempt < maxS3Retries {
			u.logger.Warn("Upload failed, retrying",
				zap.String("file", path),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", maxS3Retries),
				zap.Error(err))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}

	return fmt.Errorf("upload failed after %d attempts: %w", maxS3Retries, lastErr)
}
