package metadata

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/objectvault/bleepstore/internal/config"
	"github.com/objectvault/bleepstore/internal/uid"
)

const firestoreTimeFormat = "2006-01-02T15:04:05.000Z"

// FirestoreStore flattens every record kind into one collection, keyed by
// a type-prefixed document ID (bucket_/object_/upload_/cred_) so listing
// buckets or uploads is a single equality filter on the "type" field.
// Parts live in a subcollection under their upload document, since
// Firestore has no analogue to a composite sort key.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(ctx context.Context, cfg *config.FirestoreConfig) (*FirestoreStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("firestore config is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "bleepstore"
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) collectionRef() *firestore.CollectionRef { return s.client.Collection(s.collection) }

func (s *FirestoreStore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// --- document ID helpers ----------------------------------------------------

func encodeKey(key string) string { return base64.URLEncoding.EncodeToString([]byte(key)) }

func decodeKey(encoded string) string {
	if padding := 4 - len(encoded)%4; padding != 4 {
		encoded += strings.Repeat("=", padding)
	}
	decoded, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return encoded
	}
	return string(decoded)
}

func docIDBucket(bucket string) string        { return "bucket_" + bucket }
func docIDObject(bucket, key string) string   { return "object_" + bucket + "_" + encodeKey(key) }
func docIDUpload(uploadID string) string      { return "upload_" + uploadID }
func docIDPart(partNumber int) string         { return fmt.Sprintf("part_%05d", partNumber) }
func docIDCredential(accessKey string) string { return "cred_" + accessKey }

func (s *FirestoreStore) notFoundIsNil(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if status.Code(err) == codes.NotFound {
		return true, nil
	}
	return true, err
}

// --- buckets -----------------------------------------------------------

func (s *FirestoreStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	_, err := s.collectionRef().Doc(docIDBucket(bucket.Name)).Set(ctx, map[string]interface{}{
		"type": "bucket", "name": bucket.Name, "region": bucket.Region,
		"owner_id": bucket.OwnerID, "owner_display": bucket.OwnerDisplay,
		"acl": orEmptyJSON(bucket.ACL), "created_at": bucket.CreatedAt.UTC().Format(firestoreTimeFormat),
	})
	return err
}

func (s *FirestoreStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	doc, err := s.collectionRef().Doc(docIDBucket(name)).Get(ctx)
	if missing, wrapped := s.notFoundIsNil(err); missing {
		if wrapped != nil {
			return nil, fmt.Errorf("getting bucket: %w", wrapped)
		}
		return nil, nil
	}
	if !doc.Exists() {
		return nil, nil
	}
	return bucketFromDoc(doc.Data()), nil
}

func (s *FirestoreStore) DeleteBucket(ctx context.Context, name string) error {
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
	_, err = s.collectionRef().Doc(docIDBucket(name)).Delete(ctx)
	return err
}

func (s *FirestoreStore) ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error) {
	query := s.collectionRef().Where("type", "==", "bucket")
	if owner != "" {
		query = query.Where("owner_id", "==", owner)
	}
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	buckets := make([]BucketRecord, 0, len(docs))
	for _, doc := range docs {
		buckets = append(buckets, *bucketFromDoc(doc.Data()))
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (s *FirestoreStore) BucketExists(ctx context.Context, name string) (bool, error) {
	doc, err := s.collectionRef().Doc(docIDBucket(name)).Get(ctx)
	if missing, wrapped := s.notFoundIsNil(err); missing {
		if wrapped != nil {
			return false, fmt.Errorf("checking bucket exists: %w", wrapped)
		}
		return false, nil
	}
	return doc.Exists(), nil
}

func (s *FirestoreStore) UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error {
	_, err := s.collectionRef().Doc(docIDBucket(name)).Update(ctx, []firestore.Update{{Path: "acl", Value: string(acl)}})
	return err
}

// --- objects -------------------------------------------------------------

func (s *FirestoreStore) PutObject(ctx context.Context, obj *ObjectRecord) error {
	userMeta, err := encodeUserMetadata(obj.UserMetadata)
	if err != nil {
		return fmt.Errorf("marshaling user metadata: %w", err)
	}
	data := map[string]interface{}{
		"type": "object", "bucket": obj.Bucket, "key": obj.Key, "size": obj.Size, "etag": obj.ETag,
		"content_type":  orDefault(obj.ContentType, "application/octet-stream"),
		"storage_class": orDefault(obj.StorageClass, "STANDARD"),
		"acl":           orEmptyJSON(obj.ACL), "user_metadata": userMeta,
		"last_modified": obj.LastModified.UTC().Format(firestoreTimeFormat),
	}
	setOptional(data, map[string]string{
		"content_encoding": obj.ContentEncoding, "content_language": obj.ContentLanguage,
		"content_disposition": obj.ContentDisposition, "cache_control": obj.CacheControl, "expires": obj.Expires,
	})
	_, err = s.collectionRef().Doc(docIDObject(obj.Bucket, obj.Key)).Set(ctx, data)
	return err
}

func (s *FirestoreStore) GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	doc, err := s.collectionRef().Doc(docIDObject(bucket, key)).Get(ctx)
	if missing, wrapped := s.notFoundIsNil(err); missing {
		if wrapped != nil {
			return nil, fmt.Errorf("getting object: %w", wrapped)
		}
		return nil, nil
	}
	if !doc.Exists() {
		return nil, nil
	}
	return objectFromDoc(doc.Data()), nil
}

func (s *FirestoreStore) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.collectionRef().Doc(docIDObject(bucket, key)).Delete(ctx)
	return err
}

func (s *FirestoreStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	doc, err := s.collectionRef().Doc(docIDObject(bucket, key)).Get(ctx)
	if missing, wrapped := s.notFoundIsNil(err); missing {
		if wrapped != nil {
			return false, fmt.Errorf("checking object exists: %w", wrapped)
		}
		return false, nil
	}
	return doc.Exists(), nil
}

func (s *FirestoreStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]string, []error) {
	if len(keys) == 0 {
		return nil, nil
	}
	batch := s.client.Batch()
	for _, key := range keys {
		batch.Delete(s.collectionRef().Doc(docIDObject(bucket, key)))
	}
	if _, err := batch.Commit(ctx); err != nil {
		return nil, []error{err}
	}
	return keys, nil
}

func (s *FirestoreStore) UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	_, err := s.collectionRef().Doc(docIDObject(bucket, key)).Update(ctx, []firestore.Update{{Path: "acl", Value: string(acl)}})
	return err
}

func (s *FirestoreStore) ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}
	cursor := listingCursor(opts)

	query := s.collectionRef().Where("type", "==", "object").Where("bucket", "==", bucket).OrderBy("key", firestore.Asc)
	if cursor != "" {
		query = query.StartAfter(cursor)
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}

	var matching []ObjectRecord
	for _, doc := range docs {
		obj := objectFromDoc(doc.Data())
		if opts.Prefix != "" && !strings.HasPrefix(obj.Key, opts.Prefix) {
			continue
		}
		matching = append(matching, *obj)
	}

	if opts.Delimiter == "" {
		return paginateFlat(matching, maxKeys), nil
	}
	return paginateWithDelimiter(matching, opts.Prefix, opts.Delimiter, maxKeys), nil
}

// --- multipart uploads -----------------------------------------------------

func (s *FirestoreStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error) {
	uploadID := upload.UploadID
	if uploadID == "" {
		uploadID = uid.New()
	}

	userMeta, err := encodeUserMetadata(upload.UserMetadata)
	if err != nil {
		return "", fmt.Errorf("marshaling user metadata: %w", err)
	}
	data := map[string]interface{}{
		"type": "upload", "upload_id": uploadID, "bucket": upload.Bucket, "key": upload.Key,
		"content_type":  orDefault(upload.ContentType, "application/octet-stream"),
		"storage_class": orDefault(upload.StorageClass, "STANDARD"),
		"acl":           orEmptyJSON(upload.ACL), "user_metadata": userMeta,
		"owner_id": upload.OwnerID, "owner_display": upload.OwnerDisplay,
		"initiated_at": upload.InitiatedAt.UTC().Format(firestoreTimeFormat),
	}
	setOptional(data, map[string]string{
		"content_encoding": upload.ContentEncoding, "content_language": upload.ContentLanguage,
		"content_disposition": upload.ContentDisposition, "cache_control": upload.CacheControl, "expires": upload.Expires,
	})

	if _, err := s.collectionRef().Doc(docIDUpload(uploadID)).Set(ctx, data); err != nil {
		return "", fmt.Errorf("creating multipart upload: %w", err)
	}
	return uploadID, nil
}

func (s *FirestoreStore) GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error) {
	doc, err := s.collectionRef().Doc(docIDUpload(uploadID)).Get(ctx)
	if missing, wrapped := s.notFoundIsNil(err); missing {
		if wrapped != nil {
			return nil, fmt.Errorf("getting multipart upload: %w", wrapped)
		}
		return nil, nil
	}
	if !doc.Exists() {
		return nil, nil
	}
	upload := uploadFromDoc(doc.Data())
	if upload.Bucket != bucket || upload.Key != key {
		return nil, nil
	}
	return upload, nil
}

func (s *FirestoreStore) partsRef(uploadID string) *firestore.CollectionRef {
	return s.collectionRef().Doc(docIDUpload(uploadID)).Collection("parts")
}

func (s *FirestoreStore) PutPart(ctx context.Context, part *PartRecord) error {
	_, err := s.partsRef(part.UploadID).Doc(docIDPart(part.PartNumber)).Set(ctx, map[string]interface{}{
		"type": "part", "upload_id": part.UploadID, "part_number": part.PartNumber,
		"size": part.Size, "etag": part.ETag, "last_modified": part.LastModified.UTC().Format(firestoreTimeFormat),
	})
	return err
}

func (s *FirestoreStore) ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := opts.MaxParts
	if maxParts <= 0 {
		maxParts = 1000
	}

	query := s.partsRef(uploadID).OrderBy("part_number", firestore.Asc)
	if opts.PartNumberMarker > 0 {
		query = query.StartAfter(opts.PartNumberMarker)
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing parts: %w", err)
	}
	parts := make([]PartRecord, 0, len(docs))
	for _, doc := range docs {
		parts = append(parts, *partFromDoc(doc.Data()))
	}

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

func (s *FirestoreStore) GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error) {
	docs, err := s.partsRef(uploadID).OrderBy("part_number", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("getting parts: %w", err)
	}
	wanted := make(map[int]bool, len(partNumbers))
	for _, n := range partNumbers {
		wanted[n] = true
	}
	var parts []PartRecord
	for _, doc := range docs {
		p := partFromDoc(doc.Data())
		if len(partNumbers) == 0 || wanted[p.PartNumber] {
			parts = append(parts, *p)
		}
	}
	return parts, nil
}

func (s *FirestoreStore) deleteUploadAndParts(ctx context.Context, uploadID string) error {
	parts, _ := s.GetPartsForCompletion(ctx, uploadID, nil)
	batch := s.client.Batch()
	for _, part := range parts {
		batch.Delete(s.partsRef(uploadID).Doc(docIDPart(part.PartNumber)))
	}
	batch.Delete(s.collectionRef().Doc(docIDUpload(uploadID)))
	_, err := batch.Commit(ctx)
	return err
}

func (s *FirestoreStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error {
	if err := s.PutObject(ctx, obj); err != nil {
		return fmt.Errorf("putting completed object: %w", err)
	}
	return s.deleteUploadAndParts(ctx, uploadID)
}

func (s *FirestoreStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return s.deleteUploadAndParts(ctx, uploadID)
}

func (s *FirestoreStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := opts.MaxUploads
	if maxUploads <= 0 {
		maxUploads = 1000
	}

	query := s.collectionRef().Where("type", "==", "upload").Where("bucket", "==", bucket)
	if opts.Prefix != "" {
		query = query.Where("key", ">=", opts.Prefix).Where("key", "<", opts.Prefix+"")
	}
	query = query.OrderBy("key", firestore.Asc).OrderBy("upload_id", firestore.Asc)
	if opts.KeyMarker != "" || opts.UploadIDMarker != "" {
		query = query.StartAfter(opts.KeyMarker, opts.UploadIDMarker)
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing multipart uploads: %w", err)
	}
	uploads := make([]MultipartUploadRecord, 0, len(docs))
	for _, doc := range docs {
		uploads = append(uploads, *uploadFromDoc(doc.Data()))
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

func (s *FirestoreStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	doc, err := s.collectionRef().Doc(docIDCredential(accessKeyID)).Get(ctx)
	if missing, wrapped := s.notFoundIsNil(err); missing {
		if wrapped != nil {
			return nil, fmt.Errorf("getting credential: %w", wrapped)
		}
		return nil, nil
	}
	if !doc.Exists() {
		return nil, nil
	}
	cred := credentialFromDoc(doc.Data())
	if !cred.Active {
		return nil, nil
	}
	return cred, nil
}

func (s *FirestoreStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	_, err := s.collectionRef().Doc(docIDCredential(cred.AccessKeyID)).Set(ctx, map[string]interface{}{
		"type": "credential", "access_key_id": cred.AccessKeyID, "secret_key": cred.SecretKey,
		"owner_id": cred.OwnerID, "display_name": cred.DisplayName, "active": cred.Active,
		"created_at": cred.CreatedAt.UTC().Format(firestoreTimeFormat),
	})
	return err
}

func (s *FirestoreStore) ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error) {
	ctx := context.Background()
	cutoff := time.Now().Add(-time.Duration(ttlSeconds) * time.Second).UTC().Format(firestoreTimeFormat)

	docs, err := s.collectionRef().Where("type", "==", "upload").Where("initiated_at", "<", cutoff).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("querying expired uploads: %w", err)
	}

	reaped := make([]ExpiredUpload, 0, len(docs))
	for _, doc := range docs {
		upload := uploadFromDoc(doc.Data())
		s.deleteUploadAndParts(ctx, upload.UploadID)
		reaped = append(reaped, ExpiredUpload{UploadID: upload.UploadID, BucketName: upload.Bucket, ObjectKey: upload.Key})
	}
	return reaped, nil
}

// --- doc <-> record conversion -----------------------------------------------

func setOptional(data map[string]interface{}, fields map[string]string) {
	for name, value := range fields {
		if value != "" {
			data[name] = value
		}
	}
}

func mapString(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func mapInt64(m map[string]interface{}, key string) int64 {
	switch n := m[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func mapInt(m map[string]interface{}, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func mapBool(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func bucketFromDoc(m map[string]interface{}) *BucketRecord {
	createdAt, _ := time.Parse(firestoreTimeFormat, mapString(m, "created_at"))
	return &BucketRecord{
		Name: mapString(m, "name"), Region: mapString(m, "region"),
		OwnerID: mapString(m, "owner_id"), OwnerDisplay: mapString(m, "owner_display"),
		ACL: json.RawMessage(mapString(m, "acl")), CreatedAt: createdAt,
	}
}

func objectFromDoc(m map[string]interface{}) *ObjectRecord {
	lastModified, _ := time.Parse(firestoreTimeFormat, mapString(m, "last_modified"))
	return &ObjectRecord{
		Bucket: mapString(m, "bucket"), Key: mapString(m, "key"),
		Size: mapInt64(m, "size"), ETag: mapString(m, "etag"),
		ContentType: mapString(m, "content_type"), ContentEncoding: mapString(m, "content_encoding"),
		ContentLanguage: mapString(m, "content_language"), ContentDisposition: mapString(m, "content_disposition"),
		CacheControl: mapString(m, "cache_control"), Expires: mapString(m, "expires"),
		StorageClass: mapString(m, "storage_class"), ACL: json.RawMessage(mapString(m, "acl")),
		UserMetadata: decodeUserMetadata(mapString(m, "user_metadata")), LastModified: lastModified,
	}
}

func uploadFromDoc(m map[string]interface{}) *MultipartUploadRecord {
	initiatedAt, _ := time.Parse(firestoreTimeFormat, mapString(m, "initiated_at"))
	return &MultipartUploadRecord{
		UploadID: mapString(m, "upload_id"), Bucket: mapString(m, "bucket"), Key: mapString(m, "key"),
		ContentType: mapString(m, "content_type"), ContentEncoding: mapString(m, "content_encoding"),
		ContentLanguage: mapString(m, "content_language"), ContentDisposition: mapString(m, "content_disposition"),
		CacheControl: mapString(m, "cache_control"), Expires: mapString(m, "expires"),
		StorageClass: mapString(m, "storage_class"), ACL: json.RawMessage(mapString(m, "acl")),
		UserMetadata: decodeUserMetadata(mapString(m, "user_metadata")),
		OwnerID:      mapString(m, "owner_id"), OwnerDisplay: mapString(m, "owner_display"),
		InitiatedAt: initiatedAt,
	}
}

func partFromDoc(m map[string]interface{}) *PartRecord {
	lastModified, _ := time.Parse(firestoreTimeFormat, mapString(m, "last_modified"))
	return &PartRecord{
		UploadID: mapString(m, "upload_id"), PartNumber: mapInt(m, "part_number"),
		Size: mapInt64(m, "size"), ETag: mapString(m, "etag"), LastModified: lastModified,
	}
}

func credentialFromDoc(m map[string]interface{}) *CredentialRecord {
	createdAt, _ := time.Parse(firestoreTimeFormat, mapString(m, "created_at"))
	return &CredentialRecord{
		AccessKeyID: mapString(m, "access_key_id"), SecretKey: mapString(m, "secret_key"),
		OwnerID: mapString(m, "owner_id"), DisplayName: mapString(m, "display_name"),
		Active: mapBool(m, "active"), CreatedAt: createdAt,
	}
}
