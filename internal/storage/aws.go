// Package storage provides the AWS S3 gateway backend for BleepStore.
//
// The AWS gateway backend proxies all data operations to an upstream AWS S3
// bucket via the AWS SDK for Go v2. Metadata stays in local SQLite -- this
// backend handles raw bytes only.
//
// Key mapping:
//
//	Objects:  {prefix}{bleepstore_bucket}/{key}
//	Parts:    {prefix}.parts/{upload_id}/{part_number}
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.).
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the AWS S3 client this backend needs, narrow
// enough to fake in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSGatewayBackend proxies storage operations to a single upstream S3
// bucket, namespacing every BleepStore bucket under a key prefix rather
// than mapping to distinct upstream buckets.
type AWSGatewayBackend struct {
	Bucket string
	Region string
	Prefix string
	client S3API
}

func NewAWSGatewayBackend(ctx context.Context, bucket, region, prefix, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*AWSGatewayBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpointURL) })
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	b := &AWSGatewayBackend{Bucket: bucket, Region: region, Prefix: prefix, client: client}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", bucket, err)
	}

	slog.Info("AWS gateway backend initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return b, nil
}

// NewAWSGatewayBackendWithClient wires a pre-built client, for tests.
func NewAWSGatewayBackendWithClient(bucket, region, prefix string, client S3API) *AWSGatewayBackend {
	return &AWSGatewayBackend{Bucket: bucket, Region: region, Prefix: prefix, client: client}
}

func (b *AWSGatewayBackend) s3Key(bucket, key string) string { return b.Prefix + bucket + "/" + key }
func (b *AWSGatewayBackend) partKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s.parts/%s/%d", b.Prefix, uploadID, partNumber)
}

// putBytes uploads data under s3key and returns a locally computed MD5
// ETag, since AWS may hand back a different ETag under server-side
// encryption. Shared by PutObject and PutPart.
func (b *AWSGatewayBackend) putBytes(ctx context.Context, s3key string, data []byte) (string, error) {
	h := md5.Sum(data)
	etag := fmt.Sprintf(`"%x"`, h[:])

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(s3key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("uploading to S3: %w", err)
	}
	return etag, nil
}

func (b *AWSGatewayBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	etag, err := b.putBytes(ctx, b.s3Key(bucket, key), data)
	if err != nil {
		return 0, "", err
	}
	return int64(len(data)), etag, nil
}

// GetObject returns the data stream and size; the ETag is left empty
// since the metadata store holds the authoritative one.
func (b *AWSGatewayBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(bucket, key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, "", fmt.Errorf("getting object from S3: %w", err)
	}

	var objectSize int64
	if resp.ContentLength != nil {
		objectSize = *resp.ContentLength
	}
	return resp.Body, objectSize, "", nil
}

func (b *AWSGatewayBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.s3Key(bucket, key)),
	})
	if err != nil {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// copyWithin issues a server-side S3 CopyObject from srcKey to dstKey and
// returns the resulting ETag, quoted. Shared by CopyObject and the
// single-part case of AssembleParts.
func (b *AWSGatewayBackend) copyWithin(ctx context.Context, srcKey, dstKey string) (string, error) {
	resp, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.Bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.Bucket + "/" + srcKey),
	})
	if err != nil {
		return "", err
	}
	etag := ""
	if resp.CopyObjectResult != nil && resp.CopyObjectResult.ETag != nil {
		etag = strings.Trim(*resp.CopyObjectResult.ETag, `"`)
	}
	return fmt.Sprintf(`"%s"`, etag), nil
}

func (b *AWSGatewayBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	etag, err := b.copyWithin(ctx, b.s3Key(srcBucket, srcKey), b.s3Key(dstBucket, dstKey))
	if err != nil {
		if isAWSNotFound(err) {
			return "", fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return "", fmt.Errorf("copying object in S3: %w", err)
	}
	return etag, nil
}

func (b *AWSGatewayBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	etag, err := b.putBytes(ctx, b.partKey(uploadID, partNumber), data)
	if err != nil {
		return "", fmt.Errorf("uploading part to S3: %w", err)
	}
	return etag, nil
}

// AssembleParts assembles the given parts into the final object. A
// single part is a direct server-side copy; multiple parts go through a
// native AWS multipart upload using UploadPartCopy so bytes never leave
// S3, falling back to download-and-reupload when a part is too small
// for UploadPartCopy (S3's EntityTooSmall limit).
func (b *AWSGatewayBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error) {
	finalKey := b.s3Key(bucket, key)

	if len(partNumbers) == 1 {
		etag, err := b.copyWithin(ctx, b.partKey(uploadID, partNumbers[0]), finalKey)
		if err != nil {
			return "", fmt.Errorf("copying single part to final object: %w", err)
		}
		return etag, nil
	}

	createResp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.Bucket), Key: aws.String(finalKey),
	})
	if err != nil {
		return "", fmt.Errorf("creating AWS multipart upload: %w", err)
	}
	awsUploadID := aws.ToString(createResp.UploadId)

	abortOnError := func() {
		_, abortErr := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket: aws.String(b.Bucket), Key: aws.String(finalKey), UploadId: aws.String(awsUploadID),
		})
		if abortErr != nil {
			slog.Warn("failed to abort AWS multipart upload", "upload_id", awsUploadID, "error", abortErr)
		}
	}

	completedParts := make([]types.CompletedPart, 0, len(partNumbers))
	for idx, pn := range partNumbers {
		awsPartNumber := int32(idx + 1)
		partETag, err := b.copyOrReuploadPart(ctx, finalKey, awsUploadID, awsPartNumber, b.partKey(uploadID, pn), pn)
		if err != nil {
			abortOnError()
			return "", err
		}
		completedParts = append(completedParts, types.CompletedPart{ETag: aws.String(partETag), PartNumber: aws.Int32(awsPartNumber)})
	}

	completeResp, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket: aws.String(b.Bucket), Key: aws.String(finalKey), UploadId: aws.String(awsUploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completedParts},
	})
	if err != nil {
		abortOnError()
		return "", fmt.Errorf("completing AWS multipart upload: %w", err)
	}

	etag := ""
	if completeResp.ETag != nil {
		etag = strings.Trim(*completeResp.ETag, `"`)
	}
	return fmt.Sprintf(`"%s"`, etag), nil
}

// copyOrReuploadPart attempts a server-side UploadPartCopy of partKey into
// the in-progress AWS multipart upload, falling back to a full
// download-then-UploadPart when S3 rejects the copy as too small.
func (b *AWSGatewayBackend) copyOrReuploadPart(ctx context.Context, finalKey, awsUploadID string, awsPartNumber int32, partKey string, pn int) (string, error) {
	copyResp, copyErr := b.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket: aws.String(b.Bucket), Key: aws.String(finalKey), UploadId: aws.String(awsUploadID),
		PartNumber: aws.Int32(awsPartNumber), CopySource: aws.String(b.Bucket + "/" + partKey),
	})
	if copyErr == nil {
		if copyResp.CopyPartResult != nil && copyResp.CopyPartResult.ETag != nil {
			return *copyResp.CopyPartResult.ETag, nil
		}
		return "", nil
	}
	if !isAWSEntityTooSmall(copyErr) {
		return "", fmt.Errorf("copying part %d: %w", pn, copyErr)
	}

	getResp, getErr := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.Bucket), Key: aws.String(partKey)})
	if getErr != nil {
		return "", fmt.Errorf("downloading part %d for fallback upload: %w", pn, getErr)
	}
	defer getResp.Body.Close()
	partData, readErr := io.ReadAll(getResp.Body)
	if readErr != nil {
		return "", fmt.Errorf("reading part %d data: %w", pn, readErr)
	}

	uploadResp, uploadErr := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket: aws.String(b.Bucket), Key: aws.String(finalKey), UploadId: aws.String(awsUploadID),
		PartNumber: aws.Int32(awsPartNumber), Body: bytes.NewReader(partData),
	})
	if uploadErr != nil {
		return "", fmt.Errorf("uploading part %d fallback: %w", pn, uploadErr)
	}
	return aws.ToString(uploadResp.ETag), nil
}

// DeleteParts lists and batch-deletes every temporary part object under
// .parts/{uploadID}/, paging through ListObjectsV2 until exhausted.
func (b *AWSGatewayBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	prefix := b.Prefix + ".parts/" + uploadID + "/"

	for {
		listResp, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.Bucket), Prefix: aws.String(prefix),
		})
		if err != nil {
			return fmt.Errorf("listing parts for upload %s: %w", uploadID, err)
		}
		if len(listResp.Contents) == 0 {
			break
		}

		objects := make([]types.ObjectIdentifier, 0, len(listResp.Contents))
		for _, obj := range listResp.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.Bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("batch-deleting parts for upload %s: %w", uploadID, err)
		}

		if !aws.ToBool(listResp.IsTruncated) {
			break
		}
	}
	return nil
}

// BleepStore buckets are key prefixes within one upstream bucket, so
// there is nothing to create or drop on the AWS side.
func (b *AWSGatewayBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *AWSGatewayBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *AWSGatewayBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket), Key: aws.String(b.s3Key(bucket, key)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in S3: %w", err)
	}
	return true, nil
}

func (b *AWSGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)})
	return err
}

func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

func isAWSEntityTooSmall(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "EntityTooSmall"
	}
	return false
}

var _ StorageBackend = (*AWSGatewayBackend)(nil)
