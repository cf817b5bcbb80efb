package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/objectvault/bleepstore/internal/config"
	"github.com/objectvault/bleepstore/internal/uid"
)

const cosmosTimeFormat = "2006-01-02T15:04:05.000Z"

// CosmosStore partitions the container by record kind ("bucket",
// "object", "upload", "credential") and stores every record as one flat
// cosmosItem document; parts share the "upload" partition with their
// parent upload so GetPartsForCompletion is a single prefix query.
type CosmosStore struct {
	client    *azcosmos.ContainerClient
	database  string
	container string
}

func NewCosmosStore(ctx context.Context, cfg *config.CosmosConfig) (*CosmosStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cosmos config is required")
	}
	if cfg.Endpoint == "" && cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos endpoint or master key is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	var cred azcosmos.KeyCredential
	if cfg.MasterKey != "" {
		var err error
		cred, err = azcosmos.NewKeyCredential(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("creating cosmos key credential: %w", err)
		}
	}

	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{ClientOptions: policy.ClientOptions{}})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &CosmosStore{client: containerClient, database: cfg.Database, container: cfg.Container}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *CosmosStore) Close() error { return nil }

// --- document ID helpers and the flat item shape ----------------------------

func docIDBucketCosmos(bucket string) string      { return "bucket_" + bucket }
func docIDObjectCosmos(bucket, key string) string { return "object_" + bucket + "_" + key }
func docIDUploadCosmos(uploadID string) string    { return "upload_" + uploadID }
func docIDPartCosmos(uploadID string, partNumber int) string {
	return fmt.Sprintf("part_%s_%05d", uploadID, partNumber)
}
func docIDCredentialCosmos(accessKey string) string { return "cred_" + accessKey }

type cosmosItem struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Name               string `json:"name,omitempty"`
	Region             string `json:"region,omitempty"`
	OwnerID            string `json:"owner_id,omitempty"`
	OwnerDisplay       string `json:"owner_display,omitempty"`
	ACL                string `json:"acl,omitempty"`
	CreatedAt          string `json:"created_at,omitempty"`
	Bucket             string `json:"bucket,omitempty"`
	Key                string `json:"key,omitempty"`
	Size               int64  `json:"size,omitempty"`
	ETag               string `json:"etag,omitempty"`
	ContentType        string `json:"content_type,omitempty"`
	ContentEncoding    string `json:"content_encoding,omitempty"`
	ContentLanguage    string `json:"content_language,omitempty"`
	ContentDisposition string `json:"content_disposition,omitempty"`
	CacheControl       string `json:"cache_control,omitempty"`
	Expires            string `json:"expires,omitempty"`
	StorageClass       string `json:"storage_class,omitempty"`
	UserMetadata       string `json:"user_metadata,omitempty"`
	LastModified       string `json:"last_modified,omitempty"`
	DeleteMarker       bool   `json:"delete_marker,omitempty"`
	UploadID           string `json:"upload_id,omitempty"`
	PartNumber         int    `json:"part_number,omitempty"`
	InitiatedAt        string `json:"initiated_at,omitempty"`
	AccessKeyID        string `json:"access_key_id,omitempty"`
	SecretKey          string `json:"secret_key,omitempty"`
	DisplayName        string `json:"display_name,omitempty"`
	Active             bool   `json:"active,omitempty"`
}

func partitionKey(kind string) azcosmos.PartitionKey { return azcosmos.NewPartitionKeyString(kind) }

func isNotFound(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404"))
}

func (s *CosmosStore) readItem(ctx context.Context, kind, id string) (*cosmosItem, error) {
	resp, err := s.client.ReadItem(ctx, partitionKey(kind), id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling item: %w", err)
	}
	return &item, nil
}

func (s *CosmosStore) writeItem(ctx context.Context, kind string, item *cosmosItem, upsert bool) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	if upsert {
		_, err = s.client.UpsertItem(ctx, partitionKey(kind), data, nil)
	} else {
		_, err = s.client.CreateItem(ctx, partitionKey(kind), data, nil)
	}
	return err
}

func (s *CosmosStore) deleteItem(ctx context.Context, kind, id string) error {
	_, err := s.client.DeleteItem(ctx, partitionKey(kind), id, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (s *CosmosStore) queryItems(ctx context.Context, kind, query string, params []azcosmos.QueryParameter, pageSizeHint int, visit func(cosmosItem)) error {
	opts := &azcosmos.QueryOptions{QueryParameters: params}
	if pageSizeHint > 0 {
		opts.PageSizeHint = int32(pageSizeHint)
	}
	pager := s.client.NewQueryItemsPager(query, partitionKey(kind), opts)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			visit(item)
		}
	}
	return nil
}

// --- buckets -----------------------------------------------------------

func (s *CosmosStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	return s.writeItem(ctx, "bucket", &cosmosItem{
		ID: docIDBucketCosmos(bucket.Name), Type: "bucket", Name: bucket.Name, Region: bucket.Region,
		OwnerID: bucket.OwnerID, OwnerDisplay: bucket.OwnerDisplay,
		ACL: orEmptyJSON(bucket.ACL), CreatedAt: bucket.CreatedAt.UTC().Format(cosmosTimeFormat),
	}, false)
}

func (s *CosmosStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	item, err := s.readItem(ctx, "bucket", docIDBucketCosmos(name))
	if err != nil {
		return nil, fmt.Errorf("getting bucket: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	return bucketFromCosmosItem(item), nil
}

func (s *CosmosStore) DeleteBucket(ctx context.Context, name string) error {
	objs, err := s.ListObjects(ctx, name, ListObjectsOptions{MaxKeys: 1})
	if err != nil {
		return fmt.Errorf("checking bucket contents: %w", err)
	}
	uploads, err := s.ListMultipartUploads(ctx, name, ListUploadsOptions{MaxUploads: 1})
	if err != nil {
		return fmt.Errorf("checking bucket uploads: %w", err)
	}
	if len(objs.Objects) > 0 || len(uploads.Uploads) > 0 {
		return fmt.Errorf("bucket not empty: %s", name)
	}
	return s.deleteItem(ctx, "bucket", docIDBucketCosmos(name))
}

func (s *CosmosStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	query := "SELECT * FROM c WHERE c.type = 'bucket'"
	var params []azcosmos.QueryParameter
	if owner != "" {
		query += " AND c.owner_id = @owner_id"
		params = append(params, azcosmos.QueryParameter{Name: "@owner_id", Value: owner})
	}

	var buckets []BucketRecord
	err := s.queryItems(ctx, "bucket", query, params, 0, func(item cosmosItem) {
		buckets = append(buckets, *bucketFromCosmosItem(&item))
	})
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (s *CosmosStore) BucketExists(ctx context.Context, name string) (bool, error) {
	item, err := s.readItem(ctx, "bucket", docIDBucketCosmos(name))
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

func (s *CosmosStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	item, err := s.readItem(ctx, "bucket", docIDBucketCosmos(name))
	if err != nil {
		return fmt.Errorf("reading bucket: %w", err)
	}
	if item == nil {
		return fmt.Errorf("bucket not found: %s", name)
	}
	item.ACL = string(acl)
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling bucket: %w", err)
	}
	_, err = s.client.ReplaceItem(ctx, partitionKey("bucket"), docIDBucketCosmos(name), data, nil)
	return err
}

// --- objects -------------------------------------------------------------

func (s *CosmosStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	userMeta, err := encodeUserMetadata(obj.UserMetadata)
	if err != nil {
		return fmt.Errorf("marshaling user metadata: %w", err)
	}
	return s.writeItem(ctx, "object", &cosmosItem{
		ID: docIDObjectCosmos(obj.Bucket, obj.Key), Type: "object", Bucket: obj.Bucket, Key: obj.Key,
		Size: obj.Size, ETag: obj.ETag,
		ContentType: orDefault(obj.ContentType, "application/octet-stream"), ContentEncoding: obj.ContentEncoding,
		ContentLanguage: obj.ContentLanguage, ContentDisposition: obj.ContentDisposition,
		CacheControl: obj.CacheControl, Expires: obj.Expires,
		StorageClass: orDefault(obj.StorageClass, "STANDARD"), ACL: orEmptyJSON(obj.ACL), UserMetadata: userMeta,
		LastModified: obj.LastModified.UTC().Format(cosmosTimeFormat), DeleteMarker: obj.DeleteMarker,
	}, true)
}

func (s *CosmosStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	item, err := s.readItem(ctx, "object", docIDObjectCosmos(bucket, key))
	if err != nil {
		return nil, fmt.Errorf("getting object: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	return objectFromCosmosItem(item), nil
}

func (s *CosmosStore) DeleteObject(ctx context.Context, bucket, key string) error {
	return s.deleteItem(ctx, "object", docIDObjectCosmos(bucket, key))
}

func (s *CosmosStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	item, err := s.readItem(ctx, "object", docIDObjectCosmos(bucket, key))
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

func (s *CosmosStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var deleted []string
	var errs []error
	for _, key := range keys {
		if err := s.deleteItem(ctx, "object", docIDObjectCosmos(bucket, key)); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, errs
}

func (s *CosmosStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	item, err := s.readItem(ctx, "object", docIDObjectCosmos(bucket, key))
	if err != nil {
		return fmt.Errorf("reading object: %w", err)
	}
	if item == nil {
		return fmt.Errorf("object not found: %s/%s", bucket, key)
	}
	item.ACL = string(acl)
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling object: %w", err)
	}
	_, err = s.client.ReplaceItem(ctx, partitionKey("object"), docIDObjectCosmos(bucket, key), data, nil)
	return err
}

func (s *CosmosStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	cursor := listingCursor(opts)

	query := "SELECT * FROM c WHERE c.type = 'object' AND c.bucket = @bucket"
	params := []azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}}
	if opts.Prefix != "" {
		query += " AND STARTSWITH(c.id, @prefix)"
		params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: "object_" + bucket + "_" + opts.Prefix})
	}
	if cursor != "" {
		query += " AND c.id > @start_after"
		params = append(params, azcosmos.QueryParameter{Name: "@start_after", Value: docIDObjectCosmos(bucket, cursor)})
	}
	query += " ORDER BY c.id"

	var matching []ObjectRecord
	err := s.queryItems(ctx, "object", query, params, maxKeys+1, func(item cosmosItem) {
		matching = append(matching, *objectFromCosmosItem(&item))
	})
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}

	if opts.Delimiter == "" {
		return paginateFlat(matching, maxKeys), nil
	}
	return paginateWithDelimiter(matching, opts.Prefix, opts.Delimiter, maxKeys), nil
}

// --- multipart uploads -----------------------------------------------------

func (s *CosmosStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
	uploadID := upload.UploadID
	if uploadID == "" {
		uploadID = uid.New()
	}

	userMeta, err := encodeUserMetadata(upload.UserMetadata)
	if err != nil {
		return "", fmt.Errorf("marshaling user metadata: %w", err)
	}
	item := &cosmosItem{
		ID: docIDUploadCosmos(uploadID), Type: "upload", UploadID: uploadID, Bucket: upload.Bucket, Key: upload.Key,
		ContentType: orDefault(upload.ContentType, "application/octet-stream"), ContentEncoding: upload.ContentEncoding,
		ContentLanguage: upload.ContentLanguage, ContentDisposition: upload.ContentDisposition,
		CacheControl: upload.CacheControl, Expires: upload.Expires,
		StorageClass: orDefault(upload.StorageClass, "STANDARD"), ACL: orEmptyJSON(upload.ACL), UserMetadata: userMeta,
		OwnerID: upload.OwnerID, OwnerDisplay: upload.OwnerDisplay,
		InitiatedAt: upload.InitiatedAt.UTC().Format(cosmosTimeFormat),
	}
	if err := s.writeItem(ctx, "upload", item, false); err != nil {
		return "", fmt.Errorf("creating multipart upload: %w", err)
	}
	return uploadID, nil
}

func (s *CosmosStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	item, err := s.readItem(ctx, "upload", docIDUploadCosmos(uploadID))
	if err != nil {
		return nil, fmt.Errorf("getting multipart upload: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	upload := uploadFromCosmosItem(item)
	if upload.Bucket != bucket || upload.Key != key {
		return nil, nil
	}
	return upload, nil
}

func (s *CosmosStore) PutPart(ctx context.Context, part *PartRecord) error {
	return s.writeItem(ctx, "upload", &cosmosItem{
		ID: docIDPartCosmos(part.UploadID, part.PartNumber), Type: "upload", UploadID: part.UploadID,
		PartNumber: part.PartNumber, Size: part.Size, ETag: part.ETag,
		LastModified: part.LastModified.UTC().Format(cosmosTimeFormat),
	}, true)
}

func (s *CosmosStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	query := "SELECT * FROM c WHERE c.type = 'upload' AND STARTSWITH(c.id, @prefix)"
	params := []azcosmos.QueryParameter{{Name: "@prefix", Value: "part_" + uploadID + "_"}}
	if opts.PartNumberMarker > 0 {
		query += " AND c.id > @start_after"
		params = append(params, azcosmos.QueryParameter{Name: "@start_after", Value: docIDPartCosmos(uploadID, opts.PartNumberMarker)})
	}
	query += " ORDER BY c.id"

	var parts []PartRecord
	err := s.queryItems(ctx, "upload", query, params, maxParts+1, func(item cosmosItem) {
		if item.PartNumber > 0 {
			parts = append(parts, *partFromCosmosItem(&item))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	truncated := len(parts) > maxParts
	if truncated {
		parts = parts[:maxParts]
	}
	result := &ListPartsResult{Parts: parts, IsTruncated: truncated}
	if truncated && len(parts) > 0 {
		result.NextPartNumberMarker = parts[len(parts)-1].PartNumber
	}
	return result, nil
}

func (s *CosmosStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	query := "SELECT * FROM c WHERE c.type = 'upload' AND STARTSWITH(c.id, @prefix)"
	params := []azcosmos.QueryParameter{{Name: "@prefix", Value: "part_" + uploadID + "_"}}

	wanted := make(map[int]bool, len(partNumbers))
	for _, n := range partNumbers {
		wanted[n] = true
	}

	var parts []PartRecord
	err := s.queryItems(ctx, "upload", query, params, 0, func(item cosmosItem) {
		if item.PartNumber > 0 && (len(partNumbers) == 0 || wanted[item.PartNumber]) {
			parts = append(parts, *partFromCosmosItem(&item))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("getting parts: %w", err)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (s *CosmosStore) deleteUploadAndParts(ctx context.Context, uploadID string) error {
	parts, _ := s.GetPartsForCompletion(ctx, uploadID, nil)
	for _, part := range parts {
		s.deleteItem(ctx, "upload", docIDPartCosmos(uploadID, part.PartNumber))
	}
	return s.deleteItem(ctx, "upload", docIDUploadCosmos(uploadID))
}

func (s *CosmosStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	if err := s.PutObject(ctx, obj); err != nil {
		return fmt.Errorf("putting completed object: %w", err)
	}
	return s.deleteUploadAndParts(ctx, uploadID)
}

func (s *CosmosStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return s.deleteUploadAndParts(ctx, uploadID)
}

func (s *CosmosStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	query := "SELECT * FROM c WHERE c.type = 'upload' AND c.bucket = @bucket AND c.upload_id IS NOT NULL"
	params := []azcosmos.QueryParameter{{Name: "@bucket", Value: bucket}}
	if opts.Prefix != "" {
		query += " AND STARTSWITH(c.key, @prefix)"
		params = append(params, azcosmos.QueryParameter{Name: "@prefix", Value: opts.Prefix})
	}
	if opts.KeyMarker != "" {
		query += " AND (c.key > @key_marker OR (c.key = @key_marker AND c.upload_id > @upload_id_marker))"
		params = append(params,
			azcosmos.QueryParameter{Name: "@key_marker", Value: opts.KeyMarker},
			azcosmos.QueryParameter{Name: "@upload_id_marker", Value: opts.UploadIDMarker})
	}
	query += " ORDER BY c.key, c.upload_id"

	var uploads []MultipartUploadRecord
	err := s.queryItems(ctx, "upload", query, params, maxUploads+1, func(item cosmosItem) {
		if item.UploadID != "" {
			uploads = append(uploads, *uploadFromCosmosItem(&item))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("listing multipart uploads: %w", err)
	}

	truncated := len(uploads) > maxUploads
	if truncated {
		uploads = uploads[:maxUploads]
	}
	result := &ListUploadsResult{Uploads: uploads, IsTruncated: truncated}
	if truncated && len(uploads) > 0 {
		last := uploads[len(uploads)-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}
	return result, nil
}

// --- credentials -----------------------------------------------------------

func (s *CosmosStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	item, err := s.readItem(ctx, "credential", docIDCredentialCosmos(accessKeyID))
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	if item == nil || !item.Active {
		return nil, nil
	}
	return credentialFromCosmosItem(item), nil
}

func (s *CosmosStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	return s.writeItem(ctx, "credential", &cosmosItem{
		ID: docIDCredentialCosmos(cred.AccessKeyID), Type: "credential", AccessKeyID: cred.AccessKeyID,
		SecretKey: cred.SecretKey, OwnerID: cred.OwnerID, DisplayName: cred.DisplayName, Active: cred.Active,
		CreatedAt: cred.CreatedAt.UTC().Format(cosmosTimeFormat),
	}, true)
}

func (s *CosmosStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	ctx := context.Background()
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second).UTC().Format(cosmosTimeFormat)

	query := "SELECT * FROM c WHERE c.type = 'upload' AND c.upload_id IS NOT NULL AND c.initiated_at < @cutoff"
	params := []azcosmos.QueryParameter{{Name: "@cutoff", Value: cutoff}}

	var reaped []ExpiredUpload
	err := s.queryItems(ctx, "upload", query, params, 0, func(item cosmosItem) {
		s.deleteUploadAndParts(ctx, item.UploadID)
		reaped = append(reaped, ExpiredUpload{UploadID: item.UploadID, BucketName: item.Bucket, ObjectKey: item.Key})
	})
	if err != nil {
		return nil, fmt.Errorf("querying expired uploads: %w", err)
	}
	return reaped, nil
}

// --- item <-> record conversion ----------------------------------------------

func bucketFromCosmosItem(item *cosmosItem) *BucketRecord {
	createdAt, _ := time.Parse(cosmosTimeFormat, item.CreatedAt)
	return &BucketRecord{
		Name: item.Name, Region: item.Region, OwnerID: item.OwnerID, OwnerDisplay: item.OwnerDisplay,
		ACL: json.RawMessage(item.ACL), CreatedAt: createdAt,
	}
}

func objectFromCosmosItem(item *cosmosItem) *ObjectRecord {
	lastModified, _ := time.Parse(cosmosTimeFormat, item.LastModified)
	return &ObjectRecord{
		Bucket: item.Bucket, Key: item.Key, Size: item.Size, ETag: item.ETag,
		ContentType: item.ContentType, ContentEncoding: item.ContentEncoding, ContentLanguage: item.ContentLanguage,
		ContentDisposition: item.ContentDisposition, CacheControl: item.CacheControl, Expires: item.Expires,
		StorageClass: item.StorageClass, ACL: json.RawMessage(item.ACL),
		UserMetadata: decodeUserMetadata(item.UserMetadata), LastModified: lastModified, DeleteMarker: item.DeleteMarker,
	}
}

func uploadFromCosmosItem(item *cosmosItem) *MultipartUploadRecord {
	initiatedAt, _ := time.Parse(cosmosTimeFormat, item.InitiatedAt)
	return &MultipartUploadRecord{
		UploadID: item.UploadID, Bucket: item.Bucket, Key: item.Key,
		ContentType: item.ContentType, ContentEncoding: item.ContentEncoding, ContentLanguage: item.ContentLanguage,
		ContentDisposition: item.ContentDisposition, CacheControl: item.CacheControl, Expires: item.Expires,
		StorageClass: item.StorageClass, ACL: json.RawMessage(item.ACL),
		UserMetadata: decodeUserMetadata(item.UserMetadata),
		OwnerID:      item.OwnerID, OwnerDisplay: item.OwnerDisplay, InitiatedAt: initiatedAt,
	}
}

func partFromCosmosItem(item *cosmosItem) *PartRecord {
	lastModified, _ := time.Parse(cosmosTimeFormat, item.LastModified)
	return &PartRecord{UploadID: item.UploadID, PartNumber: item.PartNumber, Size: item.Size, ETag: item.ETag, LastModified: lastModified}
}

func credentialFromCosmosItem(item *cosmosItem) *CredentialRecord {
	createdAt, _ := time.Parse(cosmosTimeFormat, item.CreatedAt)
	return &CredentialRecord{
		AccessKeyID: item.AccessKeyID, SecretKey: item.SecretKey, OwnerID: item.OwnerID,
		DisplayName: item.DisplayName, Active: item.Active, CreatedAt: createdAt,
	}
}
