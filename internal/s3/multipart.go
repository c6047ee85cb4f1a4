// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package s3

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

var (
	ErrUploadInProgress    = errors.New("multipart upload already in progress")
	ErrUploadNotInProgress = errors.New("no multipart upload in progress")
	ErrNoParts             = errors.New("no parts uploaded")
)

// MultipartAPI is the multipart subset of the S3 client.
type MultipartAPI interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Part is one uploaded part.
type Part struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

// UploadState is everything needed to resume an upload after a restart. It
// is only valid for the key the upload was opened against.
type UploadState struct {
	UploadID string `json:"upload_id"`
	Parts    []Part `json:"parts"`
}

// UploadOptions are object attributes set when the upload is created.
type UploadOptions struct {
	ContentType          string
	ContentEncoding      string
	ServerSideEncryption string
	KMSKeyID             string
}

// ResumableUpload uploads one object as sequential parts. Part numbers are
// always len(parts)+1, so resuming from a saved state never reuses or skips
// a number. At most one upload is in progress per instance.
type ResumableUpload struct {
	client MultipartAPI
	bucket string
	key    string
	opts   UploadOptions
	logger *zap.Logger

	uploadID string
	parts    []Part
}

// NewResumableUpload prepares an upload of bucket/key. Nothing is sent until
// Start or ContinueFromState.
func NewResumableUpload(client MultipartAPI, bucket, key string, opts UploadOptions, logger *zap.Logger) *ResumableUpload {
	return &ResumableUpload{
		client: client,
		bucket: bucket,
		key:    key,
		opts:   opts,
		logger: logger.With(zap.String("bucket", bucket), zap.String("s3_key", key)),
	}
}

// Start opens a new multipart upload.
func (u *ResumableUpload) Start(ctx context.Context) (string, error) {
	if u.InProgress() {
		return "", ErrUploadInProgress
	}

	in := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(u.key),
	}
	if u.opts.ContentType != "" {
		in.ContentType = aws.String(u.opts.ContentType)
	}
	if u.opts.ContentEncoding != "" {
		in.ContentEncoding = aws.String(u.opts.ContentEncoding)
	}
	if u.opts.ServerSideEncryption != "" {
		in.ServerSideEncryption = types.ServerSideEncryption(u.opts.ServerSideEncryption)
	}
	if u.opts.KMSKeyID != "" {
		in.SSEKMSKeyId = aws.String(u.opts.KMSKeyID)
	}

	out, err := u.client.CreateMultipartUpload(ctx, in)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", ClassifyError(err))
	}
	u.uploadID = aws.ToString(out.UploadId)
	u.parts = nil

	u.logger.Info("Initiated multipart upload", zap.String("upload_id", u.uploadID))
	return u.uploadID, nil
}

// ContinueFromState adopts an upload started by an earlier attempt.
func (u *ResumableUpload) ContinueFromState(state UploadState) error {
	if u.InProgress() {
		return ErrUploadInProgress
	}
	if state.UploadID == "" {
		return fmt.Errorf("upload state has no upload id")
	}
	for i, p := range state.Parts {
		if p.PartNumber != int32(i+1) {
			return fmt.Errorf("upload state part %d has number %d", i+1, p.PartNumber)
		}
	}

	u.uploadID = state.UploadID
	u.parts = append([]Part(nil), state.Parts...)
	u.logger.Info("Resuming multipart upload",
		zap.String("upload_id", u.uploadID),
		zap.Int("parts", len(u.parts)))
	return nil
}

// UploadPart uploads body as the next part. S3 request timeouts come back as
// *RequestTimeoutError.
func (u *ResumableUpload) UploadPart(ctx context.Context, body io.ReadSeeker, size int64) error {
	if !u.InProgress() {
		return ErrUploadNotInProgress
	}
	partNumber := int32(len(u.parts) + 1)

	out, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(u.key),
		UploadId:      aws.String(u.uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to upload part %d: %w", partNumber, ClassifyError(err))
	}

	u.parts = append(u.parts, Part{PartNumber: partNumber, ETag: aws.ToString(out.ETag)})
	u.logger.Debug("Uploaded multipart part",
		zap.Int32("part", partNumber),
		zap.Int64("size", size))
	return nil
}

// Complete assembles the uploaded parts into the final object.
func (u *ResumableUpload) Complete(ctx context.Context) error {
	if !u.InProgress() {
		return ErrUploadNotInProgress
	}
	if len(u.parts) == 0 {
		return ErrNoParts
	}

	completed := make([]types.CompletedPart, len(u.parts))
	for i, p := range u.parts {
		completed[i] = types.CompletedPart{PartNumber: aws.Int32(p.PartNumber), ETag: aws.String(p.ETag)}
	}
	_, err := u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", ClassifyError(err))
	}

	u.logger.Info("Completed multipart upload",
		zap.String("upload_id", u.uploadID),
		zap.Int("parts", len(u.parts)))
	u.uploadID = ""
	u.parts = nil
	return nil
}

// Abort cancels the upload in progress, if any, and clears the state.
func (u *ResumableUpload) Abort(ctx context.Context) error {
	if !u.InProgress() {
		return nil
	}
	uploadID := u.uploadID
	u.uploadID = ""
	u.parts = nil

	_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		u.logger.Error("Failed to abort multipart upload",
			zap.String("upload_id", uploadID),
			zap.Error(err))
		return fmt.Errorf("failed to abort multipart upload: %w", ClassifyError(err))
	}
	u.logger.Info("Aborted multipart upload", zap.String("upload_id", uploadID))
	return nil
}

// InProgress reports whether an upload is open.
func (u *ResumableUpload) InProgress() bool { return u.uploadID != "" }

// State returns a copy of the resumption state.
func (u *ResumableUpload) State() UploadState {
	return UploadState{UploadID: u.uploadID, Parts: append([]Part(nil), u.parts...)}
}

func (u *ResumableUpload) Key() string { return u.key }
