// Package storage provides the GCP Cloud Storage gateway backend for BleepStore.
//
// The GCP gateway backend proxies all data operations to an upstream GCS
// bucket via the official Go Cloud Storage client library. Metadata stays
// in local SQLite -- this backend handles raw bytes only.
//
// Key mapping:
//
//	Objects:  {prefix}{bleepstore_bucket}/{key}
//	Parts:    {prefix}.parts/{upload_id}/{part_number}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// maxComposeSources is the GCS limit on source objects per Compose call.
const maxComposeSources = 32

// GCSAPI is the subset of the GCS client this backend needs, narrow
// enough to fake in tests.
type GCSAPI interface {
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, object string) error
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSAttrs, error)
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}

type GCSWriter interface {
	io.WriteCloser
}

// GCSAttrs holds the subset of GCS object attributes this backend reads.
type GCSAttrs struct {
	Size int64
	MD5  []byte
}

type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) Copy(ctx context.Context, bucket, srcObject, dstObject string) (*GCSAttrs, error) {
	src := c.client.Bucket(bucket).Object(srcObject)
	dst := c.client.Bucket(bucket).Object(dstObject)
	attrs, err := dst.CopierFrom(src).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string) (*GCSAttrs, error) {
	dst := c.client.Bucket(bucket).Object(dstObject)
	srcs := make([]*gcs.ObjectHandle, len(srcObjects))
	for i, name := range srcObjects {
		srcs[i] = c.client.Bucket(bucket).Object(name)
	}
	attrs, err := dst.ComposerFrom(srcs...).Run(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, MD5: attrs.MD5}, nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCPGatewayBackend proxies storage operations to a single upstream GCS
// bucket, namespacing every BleepStore bucket under a key prefix.
type GCPGatewayBackend struct {
	Bucket  string
	Project string
	Prefix  string
	client  GCSAPI
}

func NewGCPGatewayBackend(ctx context.Context, bucket, project, prefix string) (*GCPGatewayBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := &GCPGatewayBackend{Bucket: bucket, Project: project, Prefix: prefix, client: &realGCSClient{client: client}}

	if _, err := b.client.ListObjects(ctx, bucket, "\x00nonexistent\x00"); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	log.Printf("GCP gateway backend initialized: bucket=%s project=%s prefix=%q", bucket, project, prefix)
	return b, nil
}

// NewGCPGatewayBackendWithClient wires a pre-built client, for tests.
func NewGCPGatewayBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCPGatewayBackend {
	return &GCPGatewayBackend{Bucket: bucket, Project: project, Prefix: prefix, client: client}
}

func (b *GCPGatewayBackend) gcsKey(bucket, key string) string { return b.Prefix + bucket + "/" + key }
func (b *GCPGatewayBackend) partKey(uploadID string, partNumber int) string {
	return fmt.Sprintf("%s.parts/%s/%d", b.Prefix, uploadID, partNumber)
}

func md5ETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

// putBytes writes data to name and returns a locally computed MD5 ETag,
// since GCS omits MD5 for composite objects. Shared by PutObject and PutPart.
func (b *GCPGatewayBackend) putBytes(ctx context.Context, name string, data []byte) error {
	w := b.client.NewWriter(ctx, b.Bucket, name)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return nil
}

// readAllAndETag downloads name in full and returns its bytes and MD5
// ETag. Used whenever a consistent ETag must be derived after a
// server-side operation (copy, compose) that doesn't hand one back.
func (b *GCPGatewayBackend) readAllAndETag(ctx context.Context, name string) ([]byte, string, error) {
	reader, err := b.client.NewReader(ctx, b.Bucket, name)
	if err != nil {
		return nil, "", err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", err
	}
	return data, md5ETag(data), nil
}

func (b *GCPGatewayBackend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64) (int64, string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", fmt.Errorf("reading object data: %w", err)
	}
	if err := b.putBytes(ctx, b.gcsKey(bucket, key), data); err != nil {
		return 0, "", err
	}
	return int64(len(data)), md5ETag(data), nil
}

// GetObject returns the data stream and size; the ETag is left empty
// since the metadata store holds the authoritative one.
func (b *GCPGatewayBackend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, string, error) {
	gcsName := b.gcsKey(bucket, key)

	attrs, err := b.client.Attrs(ctx, b.Bucket, gcsName)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, "", fmt.Errorf("getting object attrs from GCS: %w", err)
	}

	reader, err := b.client.NewReader(ctx, b.Bucket, gcsName)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, 0, "", fmt.Errorf("object not found: %s/%s", bucket, key)
		}
		return nil, 0, "", fmt.Errorf("getting object from GCS: %w", err)
	}
	return reader, attrs.Size, "", nil
}

// DeleteObject is idempotent: GCS errors deleting a missing object,
// unlike S3, so a not-found is swallowed here.
func (b *GCPGatewayBackend) DeleteObject(ctx context.Context, bucket, key string) error {
	err := b.client.Delete(ctx, b.Bucket, b.gcsKey(bucket, key))
	if err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

func (b *GCPGatewayBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (string, error) {
	srcName := b.gcsKey(srcBucket, srcKey)
	dstName := b.gcsKey(dstBucket, dstKey)

	if _, err := b.client.Copy(ctx, b.Bucket, srcName, dstName); err != nil {
		if isGCSNotFound(err) {
			return "", fmt.Errorf("source object not found: %s/%s", srcBucket, srcKey)
		}
		return "", fmt.Errorf("copying object in GCS: %w", err)
	}

	_, etag, err := b.readAllAndETag(ctx, dstName)
	if err != nil {
		return "", fmt.Errorf("reading copied object for ETag: %w", err)
	}
	return etag, nil
}

func (b *GCPGatewayBackend) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading part data: %w", err)
	}
	if err := b.putBytes(ctx, b.partKey(uploadID, partNumber), data); err != nil {
		return "", fmt.Errorf("uploading part to GCS: %w", err)
	}
	return md5ETag(data), nil
}

// AssembleParts composes the given parts into a single object. GCS
// Compose accepts at most maxComposeSources inputs per call, so batches
// beyond that are folded through chainCompose first.
func (b *GCPGatewayBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (string, error) {
	finalName := b.gcsKey(bucket, key)
	sourceNames := make([]string, len(partNumbers))
	for i, pn := range partNumbers {
		sourceNames[i] = b.partKey(uploadID, pn)
	}

	if len(sourceNames) <= maxComposeSources {
		if _, err := b.client.Compose(ctx, b.Bucket, finalName, sourceNames); err != nil {
			return "", fmt.Errorf("composing parts in GCS: %w", err)
		}
	} else {
		intermediates, err := b.chainCompose(ctx, sourceNames, finalName)
		if err != nil {
			return "", err
		}
		for _, name := range intermediates {
			if delErr := b.client.Delete(ctx, b.Bucket, name); delErr != nil {
				log.Printf("warning: failed to clean up compose intermediate %s: %v", name, delErr)
			}
		}
	}

	_, etag, err := b.readAllAndETag(ctx, finalName)
	if err != nil {
		return "", fmt.Errorf("reading assembled object for ETag: %w", err)
	}
	return etag, nil
}

// chainCompose folds more than maxComposeSources inputs down in rounds
// of at most maxComposeSources each, composing the final round directly
// into finalName. Returns the intermediate object names so the caller
// can clean them up.
func (b *GCPGatewayBackend) chainCompose(ctx context.Context, sourceNames []string, finalName string) ([]string, error) {
	var allIntermediates []string
	currentSources := sourceNames

	for generation := 0; len(currentSources) > maxComposeSources; generation++ {
		var nextSources []string
		for i := 0; i < len(currentSources); i += maxComposeSources {
			end := i + maxComposeSources
			if end > len(currentSources) {
				end = len(currentSources)
			}
			batch := currentSources[i:end]
			if len(batch) == 1 {
				nextSources = append(nextSources, batch[0])
				continue
			}
			intermediateName := fmt.Sprintf("%s.__compose_tmp_%d_%d", finalName, generation, i)
			if _, err := b.client.Compose(ctx, b.Bucket, intermediateName, batch); err != nil {
				return allIntermediates, fmt.Errorf("composing intermediate batch (gen=%d, offset=%d): %w", generation, i, err)
			}
			nextSources = append(nextSources, intermediateName)
			allIntermediates = append(allIntermediates, intermediateName)
		}
		currentSources = nextSources
	}

	if _, err := b.client.Compose(ctx, b.Bucket, finalName, currentSources); err != nil {
		return allIntermediates, fmt.Errorf("final compose in GCS: %w", err)
	}
	return allIntermediates, nil
}

func (b *GCPGatewayBackend) DeleteParts(ctx context.Context, bucket, key, uploadID string) error {
	prefix := b.Prefix + ".parts/" + uploadID + "/"

	names, err := b.client.ListObjects(ctx, b.Bucket, prefix)
	if err != nil {
		return fmt.Errorf("listing parts for upload %s: %w", uploadID, err)
	}
	for _, name := range names {
		if delErr := b.client.Delete(ctx, b.Bucket, name); delErr != nil && !isGCSNotFound(delErr) {
			return fmt.Errorf("deleting part %s: %w", name, delErr)
		}
	}
	return nil
}

// BleepStore buckets are key prefixes within one upstream bucket, so
// there is nothing to create or drop on the GCS side.
func (b *GCPGatewayBackend) CreateBucket(ctx context.Context, bucket string) error { return nil }
func (b *GCPGatewayBackend) DeleteBucket(ctx context.Context, bucket string) error { return nil }

func (b *GCPGatewayBackend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.Attrs(ctx, b.Bucket, b.gcsKey(bucket, key))
	if err != nil {
		if isGCSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in GCS: %w", err)
	}
	return true, nil
}

func (b *GCPGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjects(ctx, b.Bucket, "\x00nonexistent\x00")
	return err
}

func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

var _ StorageBackend = (*GCPGatewayBackend)(nil)
