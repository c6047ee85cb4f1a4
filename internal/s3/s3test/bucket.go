// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package s3test provides an in-memory S3 bucket for tests.
package s3test

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type upload struct {
	key   string
	parts map[int32][]byte
}

// Bucket is an in-memory bucket implementing the client calls used by the
// s3 package. Hooks inject failures.
type Bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]*upload
	nextID  int

	Created   int
	Aborted   int
	Completed int
	PartsSent int

	// FailUploadPart, when set, is consulted before each part is stored.
	FailUploadPart func(key string, partNumber int32) error
	// FailCreate, when set, is returned by CreateMultipartUpload and PutObject.
	FailCreate error
}

func NewBucket() *Bucket {
	return &Bucket{objects: map[string][]byte{}, uploads: map[string]*upload{}}
}

// APIError builds a provider error with the given code.
func APIError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// Object returns the stored bytes of key.
func (b *Bucket) Object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

// Keys returns every stored key in order.
func (b *Bucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OpenUploads returns the number of multipart uploads neither completed nor
// aborted.
func (b *Bucket) OpenUploads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uploads)
}

// UploadedParts returns the part numbers stored for uploadID.
func (b *Bucket) UploadedParts(uploadID string) []int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.uploads[uploadID]
	if !ok {
		return nil
	}
	nums := make([]int32, 0, len(u.parts))
	for n := range u.parts {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

func (b *Bucket) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if b.FailCreate != nil {
		return nil, b.FailCreate
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{ETag: aws.String(etag(data))}, nil
}

func (b *Bucket) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if b.FailCreate != nil {
		return nil, b.FailCreate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("upload-%d", b.nextID)
	b.uploads[id] = &upload{key: aws.ToString(in.Key), parts: map[int32][]byte{}}
	b.Created++
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: in.Key, Bucket: in.Bucket}, nil
}

func (b *Bucket) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	key, num := aws.ToString(in.Key), aws.ToInt32(in.PartNumber)
	if b.FailUploadPart != nil {
		if err := b.FailUploadPart(key, num); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.uploads[aws.ToString(in.UploadId)]
	if !ok || u.key != key {
		return nil, APIError("NoSuchUpload")
	}
	u.parts[num] = data
	b.PartsSent++
	return &s3.UploadPartOutput{ETag: aws.String(etag(data))}, nil
}

func (b *Bucket) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := aws.ToString(in.UploadId)
	u, ok := b.uploads[id]
	if !ok {
		return nil, APIError("NoSuchUpload")
	}

	var buf bytes.Buffer
	prev := int32(0)
	for _, p := range in.MultipartUpload.Parts {
		num := aws.ToInt32(p.PartNumber)
		data, ok := u.parts[num]
		if !ok || num <= prev || etag(data) != aws.ToString(p.ETag) {
			return nil, APIError("InvalidPart")
		}
		prev = num
		buf.Write(data)
	}
	b.objects[u.key] = buf.Bytes()
	delete(b.uploads, id)
	b.Completed++
	return &s3.CompleteMultipartUploadOutput{Key: aws.String(u.key)}, nil
}

func (b *Bucket) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := aws.ToString(in.UploadId)
	if _, ok := b.uploads[id]; !ok {
		return nil, APIError("NoSuchUpload")
	}
	delete(b.uploads, id)
	b.Aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (b *Bucket) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(in.Prefix)
	var contents []types.Object
	for _, k := range b.Keys() {
		if strings.HasPrefix(k, prefix) {
			contents = append(contents, types.Object{Key: aws.String(k)})
		}
	}
	return &s3.ListObjectsV2Output{
		Contents:    contents,
		KeyCount:    aws.Int32(int32(len(contents))),
		IsTruncated: aws.Bool(false),
	}, nil
}

func (b *Bucket) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := b.Object(aws.ToString(in.Key))
	if !ok {
		return nil, APIError("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (b *Bucket) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(b.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func etag(data []byte) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%x", md5.Sum(data)))
}
