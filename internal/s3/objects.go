// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// DeleteObjects accepts at most this many keys per call.
const maxDeleteBatch = 1000

// ObjectStore reads and writes whole objects under one bucket.
type ObjectStore struct {
	client   API
	uploader *Uploader
	bucket   string
	logger   *zap.Logger
}

func NewObjectStore(client API, bucket string, logger *zap.Logger) *ObjectStore {
	return &ObjectStore{
		client:   client,
		uploader: NewUploader(client, bucket, logger),
		bucket:   bucket,
		logger:   logger,
	}
}

func (o *ObjectStore) Bucket() string { return o.bucket }

// List returns every key under prefix in lexical order.
func (o *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, ClassifyError(err))
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Get opens key for reading. The caller closes the body.
func (o *ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, ClassifyError(err))
	}
	return out.Body, nil
}

// Put writes body to key.
func (o *ObjectStore) Put(ctx context.Context, key string, body io.Reader) error {
	return o.uploader.Upload(ctx, key, body)
}

// DeletePrefix removes every object under prefix and returns how many were
// deleted.
func (o *ObjectStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := o.List(ctx, prefix)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := o.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(o.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to delete objects under %s: %w", prefix, ClassifyError(err))
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return deleted, fmt.Errorf("failed to delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
		deleted += len(ids)
	}

	if deleted > 0 {
		o.logger.Info("Deleted stale objects",
			zap.String("prefix", prefix),
			zap.Int("count", deleted))
	}
	return deleted, nil
}
