// Package metadata tracks everything about a bucket/object/upload except
// its bytes: names, ACLs, sizes, ETags, and the bookkeeping needed to list
// and paginate over them. The byte plane lives in internal/storage;
// MetadataStore and storage.StorageBackend are deliberately independent
// interfaces so either can be swapped without touching the other.
package metadata

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// --- records ---------------------------------------------------------------

type BucketRecord struct {
	Name         string
	Region       string
	OwnerID      string
	OwnerDisplay string
	ACL          json.RawMessage
	CreatedAt    time.Time
}

type ObjectRecord struct {
	Bucket             string
	Key                string
	Size               int64
	ETag               string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage
	UserMetadata       map[string]string
	LastModified       time.Time
	// DeleteMarker is reserved for future versioning support; unversioned
	// buckets never set it.
	DeleteMarker bool
}

type MultipartUploadRecord struct {
	UploadID           string
	Bucket             string
	Key                string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage
	UserMetadata       map[string]string
	OwnerID            string
	OwnerDisplay       string
	InitiatedAt        time.Time
}

type PartRecord struct {
	UploadID     string
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

type CredentialRecord struct {
	AccessKeyID string
	SecretKey   string
	OwnerID     string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

// --- listing option/result pairs --------------------------------------------

type ListObjectsOptions struct {
	Prefix            string
	Delimiter         string
	Marker            string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

type ListObjectsResult struct {
	Objects               []ObjectRecord
	CommonPrefixes        []string
	IsTruncated           bool
	NextMarker            string
	NextContinuationToken string
}

type ListUploadsOptions struct {
	KeyMarker      string
	UploadIDMarker string
	Prefix         string
	Delimiter      string
	MaxUploads     int
}

type ListUploadsResult struct {
	Uploads            []MultipartUploadRecord
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

type ListPartsOptions struct {
	PartNumberMarker int
	MaxParts         int
}

type ListPartsResult struct {
	Parts                []PartRecord
	IsTruncated          bool
	NextPartNumberMarker int
}

// --- the store interface -----------------------------------------------------

// MetadataStore is the relation-plane contract every backend (SQLite,
// in-memory, local JSONL, or a cloud gateway) must satisfy. All methods
// must be safe under concurrent use from multiple goroutines.
type MetadataStore interface {
	io.Closer

	Ping(ctx context.Context) error

	CreateBucket(ctx context.Context, bucket *BucketRecord) error
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)
	// DeleteBucket must fail if the bucket still holds objects or
	// in-flight multipart uploads.
	DeleteBucket(ctx context.Context, name string) error
	ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error)
	BucketExists(ctx context.Context, name string) (bool, error)
	UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error

	PutObject(ctx context.Context, obj *ObjectRecord) error
	GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
	// DeleteObjectsMeta is best-effort per key: a failure on one key must
	// not block deletion of the others.
	DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) (deleted []string, errs []error)
	UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error
	ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error)

	CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error)
	GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error)
	PutPart(ctx context.Context, part *PartRecord) error
	ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error)
	GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error)
	// CompleteMultipartUpload applies delete-parts + delete-upload +
	// upsert-object. SQLiteStore does this in one transaction and the memory
	// and local stores under one lock; the DynamoDB, Firestore and Cosmos
	// stores write the object first and then delete the parts and the upload
	// in separate calls, with no transaction around them, so a failure
	// between those calls leaves the upload record in place.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
	ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error)

	GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error)
	PutCredential(ctx context.Context, cred *CredentialRecord) error
}

// ExpiredUpload identifies a multipart upload old enough to reap; the
// caller uses it to also clean up the corresponding part files on the
// storage backend.
type ExpiredUpload struct {
	UploadID   string
	BucketName string
	ObjectKey  string
}

// UploadReaper is implemented by stores that can find and discard stale
// multipart uploads. Not every backend needs to support this, so it's
// kept as a separate, optional interface rather than part of
// MetadataStore itself.
type UploadReaper interface {
	ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error)
}
