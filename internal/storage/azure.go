// Package storage provides the Azure Blob Storage gateway backend for BleepStore.
//
// The Azure gateway backend proxies all data operations to an upstream Azure
// Blob Storage container via the official Azure SDK for Go. Metadata stays
// in local SQLite -- this backend handles raw bytes only.
//
// Key mapping:
//
//	Objects:  {prefix}{bleepstore_bucket}/{key}
//
// Multipart strategy uses Azure Block Blob primitives:
//
//	put_part()       → StageBlock() on the final blob (no temp objects)
//	assemble_parts() → CommitBlockList() to finalize
//	delete_parts()   → no-op (uncommitted blocks auto-expire in 7 days)
//
// Credentials are resolved via DefaultAzureCredential (env vars, managed
// identity, Azure CLI, etc.).
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// AzureBlobAPI is the subset of the Azure Blob Storage client this
// backend needs, narrow enough to fake in tests.
type AzureBlobAPI interface {
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	BlobExists(ctx context.Context, containerName, blobName string) (bool, error)
	GetBlobProperties(ctx context.Context, containerName, blobName string) (int64, error)
	StartCopyFromURL(ctx context.Context, containerName, blobName, sourceURL string) error
	StageBlock(ctx context.Context, containerName, blobName, blockID string, data []byte) error
	CommitBlockList(ctx context.Context, containerName, blobName string, blockIDs []string) error
}

// AzureGatewayBackend proxies storage operations to a single upstream
// Azure Blob container, namespacing every BleepStore bucket under a key
// prefix.
type AzureGatewayBackend struct {
	Container  string
	AccountURL string
	Prefix     string
	client     AzureBlobAPI
}

func NewAzureGatewayBackend(ctx context.Context, container, accountURL, prefix, connectionString string, useManagedIdentity bool) (*AzureGatewayBackend, error) {
	client, err := newRealAzureClient(accountURL, connectionString, useManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := &AzureGatewayBackend{Container: container, AccountURL: accountURL, Prefix: prefix, client: client}

	if _, err := b.client.BlobExists(ctx, container, "\x00nonexistent\x00"); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", container, err)
	}

	slog.Info("Azure gateway backend initialized", "container", container, "account", accountURL, "prefix", prefix)
	return b, nil
}

// NewAzureGatewayBackendWithClient wires a pre-built client, for tests.
func NewAzureGatewayBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureGatewayBackend {
	return &AzureGatewayBackend{Container: container, AccountURL: accountURL, Prefix: prefix, client: client}
}

func (b *AzureGatewayBackend) blobName(bucket, key string) string { return b.Prefix + bucket + "/" + key }

// blockID derives a base64 block ID from uploadID/partNumber so staged
// blocks from concurrent uploads to the same key never collide, and
// every block in a blob gets a same-length ID as Azure requires.
func blockID(uploadID string, partNumber int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%05d", uploadID, partNumber)))
}

// putBytesWithETag uploads data to blobKey and returns a locally
// computed MD5 ETag, since Azure's own ETag isn't guaranteed to match
// content hash. Shared by PutObject and PutPart.
func (b *AzureGatewayBackend) putBytesWithETag(ctx context.Context, blobKey string, data []byte) (string, error) {
	if err := b.client.UploadBlob(ctx, b.Container, blobKey, data); err != nil {
		return "", err
	}
	return md5ETag(data), nil
}

func (b *AzureGatewayBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	etag, err := b.putBytesWithETag(ctx, b.blobName(bucket, key), data)
	if err != nil {
		return 0, "", fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return int64(len(data)), etag, nil
}

// GetObject returns the data stream and size; the ETag is left empty
// since the metadata store holds the authoritative one.
func (b *AzureGatewayBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	blobKey := b.blobName(bucket, key)

	blobSize, err := b.client.GetBlobProperties(ctx, b.Container, blobKey)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, "", fmt.Errorf("getting blob properties from Azure: %w", err)
	}

	data, err := b.client.DownloadBlob(ctx, b.Container, blobKey)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, "", fmt.Errorf("getting object from Azure Blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), blobSize, "", nil
}

func (b *AzureGatewayBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	err := b.client.DeleteBlob(ctx, b.Container, b.blobName(bucket, key))
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting object from Azure Blob: %w", err)
	}
	return nil
}

func (b *AzureGatewayBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	srcBlobName := b.blobName(srcBucket, srcKey)
	dstBlobName := b.blobName(dstBucket, dstKey)
	sourceURL := fmt.Sprintf("%s/%s/%s", b.AccountURL, b.Container, srcBlobName)

	if err := b.client.StartCopyFromURL(ctx, b.Container, dstBlobName, sourceURL); err != nil {
		if isAzureNotFound(err) {
			return "", fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return "", fmt.Errorf("copying object in Azure Blob: %w", err)
	}

	data, err := b.client.DownloadBlob(ctx, b.Container, dstBlobName)
	if err != nil {
		return "", fmt.Errorf("reading copied object for ETag: %w", err)
	}
	return md5ETag(data), nil
}

// PutPart stages a block directly on the final blob rather than a
// temporary object, then commits the accumulated block list in
// AssembleParts.
func (b *AzureGatewayBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	if err := b.client.StageBlock(ctx, b.Container, b.blobName(bucket, key), blockID(uploadID, partNumber), data); err != nil {
		return "", fmt.Errorf("staging block in Azure Blob: %w", err)
	}
	return md5ETag(data), nil
}

func (b *AzureGatewayBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error) {
	blobKey := b.blobName(bucket, key)

	blockIDs := make([]string, len(partNumbers))
	for i, pn := range partNumbers {
		blockIDs[i] = blockID(uploadID, pn)
	}
	if err := b.client.CommitBlockList(ctx, b.Container, blobKey, blockIDs); err != nil {
		return "", fmt.Errorf("committing block list in Azure Blob: %w", err)
	}

	data, err := b.client.DownloadBlob(ctx, b.Container, blobKey)
	if err != nil {
		return "", fmt.Errorf("reading assembled object for ETag: %w", err)
	}
	return md5ETag(data), nil
}

// DeleteParts is a no-op: uncommitted Azure blocks auto-expire after 7
// days, so there are no temporary objects to reclaim.
func (b *AzureGatewayBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	return nil
}

// BleepStore buckets are key prefixes within one upstream container, so
// there is nothing to create or drop on the Azure side.
func (b *AzureGatewayBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *AzureGatewayBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *AzureGatewayBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	exists, err := b.client.BlobExists(ctx, b.Container, b.blobName(bucket, key))
	if err != nil {
		return false, fmt.Errorf("checking object existence in Azure Blob: %w", err)
	}
	return exists, nil
}

func (b *AzureGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.BlobExists(ctx, b.Container, "\x00nonexistent\x00")
	return err
}

func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"not found", "404", "blobnotfound", "containernotfound",
		"the specified blob does not exist", "the specified container does not exist"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

var _ StorageBackend = (*AzureGatewayBackend)(nil)
